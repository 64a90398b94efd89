package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
)

// Encryption configures server-side encryption of the stream.
type Encryption struct {
	Type  types.EncryptionType
	KeyID string
}

// EnsureOptions configures Ensure.
type EnsureOptions struct {
	// Create the stream if it doesn't exist.
	Create     bool
	ShardCount int32
	Encryption *Encryption
	Tags       map[string]string
}

const ensurePollInterval = 3 * time.Second

// Ensure verifies the stream exists and is active, creating and
// configuring it when allowed. It returns the stream's ARN.
func (c *Client) Ensure(ctx context.Context, opts EnsureOptions) (string, error) {
	var summary, err = c.DescribeSummary(ctx)
	if IsNotFound(err) {
		if !opts.Create {
			return "", err
		}
		c.logger.WithField("shardCount", opts.ShardCount).Info("creating stream")
		if err = c.createStream(ctx, opts.ShardCount); err != nil {
			return "", err
		}
		summary = nil
	} else if err != nil {
		return "", err
	}

	if summary, err = c.waitForActive(ctx, summary); err != nil {
		return "", err
	}

	if opts.Encryption != nil && summary.EncryptionType == types.EncryptionTypeNone {
		if err = c.startEncryption(ctx, *opts.Encryption); err != nil {
			return "", err
		}
	}

	if err = c.ensureTags(ctx, opts.Tags); err != nil {
		return "", err
	}
	return aws.ToString(summary.StreamARN), nil
}

// createStream creates the stream. "Already exists" is not an error.
func (c *Client) createStream(ctx context.Context, shardCount int32) error {
	return c.retrier.do(ctx, "create-stream", false, func(ctx context.Context) error {
		var _, err = c.api.CreateStream(ctx, &kinesis.CreateStreamInput{
			StreamName: aws.String(c.stream),
			ShardCount: aws.Int32(shardCount),
		})
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return err
	})
}

// waitForActive polls until the stream reaches ACTIVE. A non-nil
// |summary| that's already active short-circuits the poll.
func (c *Client) waitForActive(ctx context.Context, summary *types.StreamDescriptionSummary) (*types.StreamDescriptionSummary, error) {
	var deadline = c.retrier.clock.Now().Add(retryBudget)
	for {
		if summary != nil {
			switch summary.StreamStatus {
			case types.StreamStatusActive, types.StreamStatusUpdating:
				return summary, nil
			case types.StreamStatusDeleting:
				return nil, fmt.Errorf("stream %q is being deleted", c.stream)
			}
		}
		if c.retrier.clock.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for stream %q to become active", c.stream)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.retrier.clock.After(ensurePollInterval):
		}

		var err error
		if summary, err = c.DescribeSummary(ctx); err != nil && !IsNotFound(err) {
			return nil, err
		}
	}
}

// startEncryption enables server-side encryption. "Already encrypted"
// is not an error.
func (c *Client) startEncryption(ctx context.Context, enc Encryption) error {
	var err = c.retrier.do(ctx, "start-encryption", false, func(ctx context.Context) error {
		var _, err = c.api.StartStreamEncryption(ctx, &kinesis.StartStreamEncryptionInput{
			StreamName:     aws.String(c.stream),
			EncryptionType: enc.Type,
			KeyId:          aws.String(enc.KeyID),
		})
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	// Encryption is applied asynchronously; wait for the stream to settle.
	var _, waitErr = c.waitForActive(ctx, nil)
	return waitErr
}

// ensureTags adds any configured tags missing from the stream.
func (c *Client) ensureTags(ctx context.Context, tags map[string]string) error {
	if len(tags) == 0 {
		return nil
	}

	var existing = map[string]string{}
	var out *kinesis.ListTagsForStreamOutput
	var err = c.retrier.do(ctx, "list-tags", true, func(ctx context.Context) error {
		var err error
		out, err = c.api.ListTagsForStream(ctx, &kinesis.ListTagsForStreamInput{
			StreamName: aws.String(c.stream),
		})
		return err
	})
	if err != nil {
		return err
	}
	for _, t := range out.Tags {
		existing[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}

	var missing = map[string]string{}
	for k, v := range tags {
		if existing[k] != v {
			missing[k] = v
		}
	}
	if len(missing) == 0 {
		return nil
	}

	return c.retrier.do(ctx, "add-tags", false, func(ctx context.Context) error {
		var _, err = c.api.AddTagsToStream(ctx, &kinesis.AddTagsToStreamInput{
			StreamName: aws.String(c.stream),
			Tags:       missing,
		})
		return err
	})
}

// IsNotFound matches resource-not-found failures, wrapped or not.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nf *types.ResourceNotFoundException
	if errors.As(err, &nf) {
		return true
	}
	return errorCode(err) == "ResourceNotFoundException"
}
