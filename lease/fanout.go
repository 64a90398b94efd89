package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	kintypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"github.com/lagoon-io/lagoon/state"
)

// FanOut configures enhanced (push) delivery endpoint management.
type FanOut struct {
	// GroupName prefixes the names of endpoints this group registers.
	GroupName string
	// MaxConsumers bounds how many endpoints the group registers.
	MaxConsumers int
}

// ensureFanOutAssignment reconciles the vendor's registered endpoints
// with the group document and claims one for this instance. It returns
// "" when no endpoint is assignable yet (e.g. still creating), which
// defers lease acquisition to the next tick.
func (c *Coordinator) ensureFanOutAssignment(ctx context.Context, streamARN string) (string, error) {
	if arn, err := c.Store.GetAssignedEnhancedConsumer(ctx); err != nil {
		return "", err
	} else if arn != "" {
		return arn, nil
	}

	var registered, err = c.Stream.ListConsumers(ctx, streamARN)
	if err != nil {
		return "", err
	}
	var byName = map[string]kintypes.Consumer{}
	for _, ec := range registered {
		byName[aws.ToString(ec.ConsumerName)] = ec
	}

	// Register missing endpoints, up to the configured bound. Extra
	// endpoints carrying our prefix are deregistered.
	for i := 0; i < c.FanOut.MaxConsumers; i++ {
		var name = fmt.Sprintf("%s-%d", c.FanOut.GroupName, i)
		if _, ok := byName[name]; ok {
			continue
		}
		var ec, err = c.Stream.RegisterConsumer(ctx, streamARN, name)
		if err != nil {
			return "", err
		}
		byName[name] = *ec
	}
	for name := range byName {
		if !strings.HasPrefix(name, c.FanOut.GroupName+"-") {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(name, c.FanOut.GroupName+"-%d", &n); err != nil || n < c.FanOut.MaxConsumers {
			continue
		}
		c.Logger.WithField("consumer", name).Info("deregistering surplus enhanced delivery endpoint")
		if err := c.Stream.DeregisterConsumer(ctx, streamARN, name); err != nil {
			return "", err
		}
		if err := c.Store.DeregisterEnhancedConsumer(ctx, name); err != nil {
			return "", err
		}
		delete(byName, name)
	}

	// Fold active endpoints into the group document.
	for name, ec := range byName {
		if ec.ConsumerStatus != kintypes.ConsumerStatusActive {
			continue
		}
		if err := c.Store.RegisterEnhancedConsumer(ctx, name, aws.ToString(ec.ConsumerARN)); err != nil {
			return "", err
		}
	}

	// Claim an unused endpoint, or one whose user is gone.
	var group, gerr = c.Store.Get(ctx)
	if gerr != nil {
		return "", gerr
	}
	for name, ec := range group.EnhancedConsumers {
		var claimable = ec.IsUsedBy == nil
		if !claimable {
			var _, alive = group.Consumers[*ec.IsUsedBy]
			claimable = !alive
		}
		if !claimable {
			continue
		}
		var err = c.Store.LockStreamConsumer(ctx, name, ec.Version)
		if errors.Is(err, state.ErrConflict) {
			continue // a peer claimed it first
		} else if err != nil {
			return "", err
		}
		c.Logger.WithField("consumer", name).Info("assigned enhanced delivery endpoint")
		return ec.ARN, nil
	}
	return "", nil
}
