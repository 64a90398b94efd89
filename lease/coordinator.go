package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/lagoon-io/lagoon/ops"
	"github.com/lagoon-io/lagoon/state"
	"github.com/lagoon-io/lagoon/stream"
)

const (
	// DefaultInterval paces the acquisition loop.
	DefaultInterval = 20 * time.Second
	// DefaultRetryInterval paces the loop after a partial failure.
	DefaultRetryInterval = 5 * time.Second
	// DefaultLeaseTerm is how long an acquired lease is held before it
	// must be renewed.
	DefaultLeaseTerm = 5 * time.Minute
)

// Reconciler is notified when the owned-shard set may have changed.
type Reconciler interface {
	Reconcile(ctx context.Context) error
	Stop()
}

// Coordinator runs the lease acquisition loop: it folds the log's shard
// listing into the coordinator store, evaluates per-shard eligibility,
// and issues conditional lease transitions.
type Coordinator struct {
	Store      *state.Store
	Stream     *stream.Client
	Reconciler Reconciler
	// Standalone reads all shards regardless of peers.
	Standalone bool
	// FanOut enables enhanced delivery endpoint assignment; nil for
	// pull mode.
	FanOut *FanOut

	Interval      time.Duration
	RetryInterval time.Duration
	LeaseTerm     time.Duration

	Clock  clockwork.Clock
	Logger *log.Entry
	Sink   *ops.Sink

	mu          sync.Mutex
	assignedARN string
	retryNext   bool
}

// AssignedConsumerARN returns the enhanced delivery endpoint currently
// assigned to this instance, or "" when none is.
func (c *Coordinator) AssignedConsumerARN() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignedARN
}

// Run loops until |ctx| is cancelled, or until the stream disappears,
// in which case the reconciler is stopped and Run returns.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		var stop = c.tick(ctx)
		if stop {
			c.Reconciler.Stop()
			return
		}

		c.mu.Lock()
		var delay = c.Interval
		if c.retryNext {
			delay = c.RetryInterval
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-c.Clock.After(delay):
		}
	}
}

// tick runs one pass of the acquisition loop. It returns true when the
// coordinator should stop for good.
func (c *Coordinator) tick(ctx context.Context) (stop bool) {
	var retry = false
	defer func() {
		c.mu.Lock()
		c.retryNext = retry
		c.mu.Unlock()
	}()

	var summary, err = c.Stream.DescribeSummary(ctx)
	if stream.IsNotFound(err) {
		c.Logger.Error("stream no longer exists; stopping the lease coordinator")
		return true
	} else if err != nil {
		c.observe(err, "failed to check stream existence")
		retry = true
		return false
	}

	if c.FanOut != nil {
		var arn string
		if arn, err = c.ensureFanOutAssignment(ctx, aws.ToString(summary.StreamARN)); err != nil {
			c.observe(err, "failed to assign an enhanced delivery endpoint")
			retry = true
			return false
		} else if arn == "" {
			c.Logger.Info("no enhanced delivery endpoint available yet; deferring lease acquisition")
			retry = true
			return false
		}
		c.mu.Lock()
		c.assignedARN = arn
		c.mu.Unlock()
	}

	shards, err := c.Stream.ListShards(ctx)
	if err != nil {
		c.observe(err, "failed to list shards")
		retry = true
		return false
	}

	var changed = false
	for _, shard := range shards {
		var info = stream.ShardInfo(shard)
		var shardChanged, err = c.acquireLease(ctx, info)
		if err != nil {
			c.observe(err, "failed to evaluate shard lease")
			retry = true
			continue
		}
		changed = changed || shardChanged
	}

	c.mu.Lock()
	var pending = c.retryNext
	c.mu.Unlock()

	if changed || pending {
		if err = c.Reconciler.Reconcile(ctx); err != nil {
			c.observe(err, "failed to reconcile shard readers")
			retry = true
		}
	}
	return false
}

// acquireLease evaluates one shard's eligibility and issues at most one
// release and one lock. Lost races are tolerated silently; the next
// tick re-evaluates. It reports whether the owned-shard set may have
// changed.
func (c *Coordinator) acquireLease(ctx context.Context, info state.ShardInfo) (bool, error) {
	var shard, group, err = c.Store.GetShardAndGroupState(ctx, info)
	if err != nil {
		return false, err
	}
	if shard.Depleted {
		return false, nil
	}

	var self = c.Store.ConsumerID()
	var now = c.Clock.Now()
	var own = group.OwnedLeases(self)
	var logger = c.Logger.WithField("shard", info.ID)

	var expiration, hasExpiration = shard.LeaseExpirationTime()

	if shard.LeaseOwner != nil && *shard.LeaseOwner == self {
		var renewAt = expiration.Add(-c.LeaseTerm / 4)
		if hasExpiration && now.After(renewAt) {
			// Renewal window: treat our own lease as vacant and fall
			// through to re-acquisition below.
			shard.LeaseOwner = nil
			own--
		} else {
			return false, nil
		}
	}

	var expired = hasExpiration && now.After(expiration)
	var orphaned = false
	if shard.LeaseOwner != nil {
		var _, alive = group.Consumers[*shard.LeaseOwner]
		orphaned = !alive
	}

	if expired || orphaned {
		var newVersion string
		newVersion, err = c.Store.ReleaseShardLease(ctx, info.ID, shard.Version)
		if errors.Is(err, state.ErrConflict) {
			return true, nil // a peer moved first; retry next tick
		} else if err != nil {
			return false, err
		}
		logger.WithFields(log.Fields{"expired": expired, "orphaned": orphaned}).
			Info("released a stale shard lease")
		if c.Sink != nil {
			c.Sink.LeaseReleased()
		}
		shard.LeaseOwner = nil
		shard.LeaseExpiration = nil
		shard.Version = newVersion
	}

	if shard.LeaseOwner != nil {
		return false, nil // owned by a live peer
	}

	// A shard is not leaseable until its parents are depleted. A parent
	// absent from the state (dangling) is treated as none.
	for _, parent := range shard.Parents {
		if p, ok := group.Shards[parent]; ok && !p.Depleted {
			return false, nil
		}
	}

	if !c.Standalone {
		var active = group.ActiveConsumers()
		if active < 1 {
			active = 1
		}
		var maxActive = (group.NonDepletedShards() + active - 1) / active
		if own+1 > maxActive {
			return true, nil // at capacity; a peer should take it
		}
	}

	if _, err = c.Store.LockShardLease(ctx, info.ID, c.LeaseTerm, shard.Version); errors.Is(err, state.ErrConflict) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	logger.Info("acquired shard lease")
	if c.Sink != nil {
		c.Sink.LeaseAcquired()
	}
	return true, nil
}

func (c *Coordinator) observe(err error, msg string) {
	c.Logger.WithError(err).Warn(msg)
	if c.Sink != nil {
		c.Sink.ObserveError(err)
	}
}
