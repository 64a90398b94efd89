// Package stream wraps the log vendor's API with a uniform call path:
// error classification, retry with backoff and jitter, partial-success
// handling for batched writes, and metrics reporting.
package stream

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/lagoon-io/lagoon/ops"
)

// KinesisAPI is the subset of the vendor client consumed by Client.
type KinesisAPI interface {
	CreateStream(ctx context.Context, in *kinesis.CreateStreamInput, opts ...func(*kinesis.Options)) (*kinesis.CreateStreamOutput, error)
	DescribeStreamSummary(ctx context.Context, in *kinesis.DescribeStreamSummaryInput, opts ...func(*kinesis.Options)) (*kinesis.DescribeStreamSummaryOutput, error)
	ListShards(ctx context.Context, in *kinesis.ListShardsInput, opts ...func(*kinesis.Options)) (*kinesis.ListShardsOutput, error)
	ListStreamConsumers(ctx context.Context, in *kinesis.ListStreamConsumersInput, opts ...func(*kinesis.Options)) (*kinesis.ListStreamConsumersOutput, error)
	ListTagsForStream(ctx context.Context, in *kinesis.ListTagsForStreamInput, opts ...func(*kinesis.Options)) (*kinesis.ListTagsForStreamOutput, error)
	AddTagsToStream(ctx context.Context, in *kinesis.AddTagsToStreamInput, opts ...func(*kinesis.Options)) (*kinesis.AddTagsToStreamOutput, error)
	StartStreamEncryption(ctx context.Context, in *kinesis.StartStreamEncryptionInput, opts ...func(*kinesis.Options)) (*kinesis.StartStreamEncryptionOutput, error)
	RegisterStreamConsumer(ctx context.Context, in *kinesis.RegisterStreamConsumerInput, opts ...func(*kinesis.Options)) (*kinesis.RegisterStreamConsumerOutput, error)
	DeregisterStreamConsumer(ctx context.Context, in *kinesis.DeregisterStreamConsumerInput, opts ...func(*kinesis.Options)) (*kinesis.DeregisterStreamConsumerOutput, error)
	GetShardIterator(ctx context.Context, in *kinesis.GetShardIteratorInput, opts ...func(*kinesis.Options)) (*kinesis.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *kinesis.GetRecordsInput, opts ...func(*kinesis.Options)) (*kinesis.GetRecordsOutput, error)
	PutRecord(ctx context.Context, in *kinesis.PutRecordInput, opts ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
	PutRecords(ctx context.Context, in *kinesis.PutRecordsInput, opts ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error)
}

// Client is the retrying wrapper over one stream.
type Client struct {
	api     KinesisAPI
	stream  string
	retrier retrier
	logger  *log.Entry
}

// NewClient builds a Client for |streamName|.
func NewClient(api KinesisAPI, streamName string, logger *log.Entry, sink *ops.Sink, clock clockwork.Clock) *Client {
	return &Client{
		api:    api,
		stream: streamName,
		logger: logger,
		retrier: retrier{
			clock:  clock,
			logger: logger,
			sink:   sink,
		},
	}
}

// StreamName names the wrapped stream.
func (c *Client) StreamName() string { return c.stream }

// DescribeSummary describes the stream.
func (c *Client) DescribeSummary(ctx context.Context) (*types.StreamDescriptionSummary, error) {
	var out *kinesis.DescribeStreamSummaryOutput
	var err = c.retrier.do(ctx, "describe-stream", true, func(ctx context.Context) error {
		var err error
		out, err = c.api.DescribeStreamSummary(ctx, &kinesis.DescribeStreamSummaryInput{
			StreamName: aws.String(c.stream),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out.StreamDescriptionSummary, nil
}

// ListShards returns all of the stream's shards, following pagination.
func (c *Client) ListShards(ctx context.Context) ([]types.Shard, error) {
	var shards []types.Shard
	var next *string
	for {
		var out *kinesis.ListShardsOutput
		var err = c.retrier.do(ctx, "list-shards", true, func(ctx context.Context) error {
			var in = &kinesis.ListShardsInput{NextToken: next}
			if next == nil {
				in.StreamName = aws.String(c.stream)
			}
			var err error
			out, err = c.api.ListShards(ctx, in)
			return err
		})
		if err != nil {
			return nil, err
		}
		shards = append(shards, out.Shards...)
		if next = out.NextToken; next == nil {
			return shards, nil
		}
	}
}

// ListConsumers returns the stream's registered enhanced consumers.
func (c *Client) ListConsumers(ctx context.Context, streamARN string) ([]types.Consumer, error) {
	var consumers []types.Consumer
	var next *string
	for {
		var out *kinesis.ListStreamConsumersOutput
		var err = c.retrier.do(ctx, "list-stream-consumers", true, func(ctx context.Context) error {
			var err error
			out, err = c.api.ListStreamConsumers(ctx, &kinesis.ListStreamConsumersInput{
				StreamARN: aws.String(streamARN),
				NextToken: next,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		consumers = append(consumers, out.Consumers...)
		if next = out.NextToken; next == nil {
			return consumers, nil
		}
	}
}

// RegisterConsumer registers an enhanced consumer. Not retried.
func (c *Client) RegisterConsumer(ctx context.Context, streamARN, name string) (*types.Consumer, error) {
	var out *kinesis.RegisterStreamConsumerOutput
	var err = c.retrier.do(ctx, "register-consumer", false, func(ctx context.Context) error {
		var err error
		out, err = c.api.RegisterStreamConsumer(ctx, &kinesis.RegisterStreamConsumerInput{
			StreamARN:    aws.String(streamARN),
			ConsumerName: aws.String(name),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return out.Consumer, nil
}

// DeregisterConsumer removes an enhanced consumer. Not retried.
func (c *Client) DeregisterConsumer(ctx context.Context, streamARN, name string) error {
	return c.retrier.do(ctx, "deregister-consumer", false, func(ctx context.Context) error {
		var _, err = c.api.DeregisterStreamConsumer(ctx, &kinesis.DeregisterStreamConsumerInput{
			StreamARN:    aws.String(streamARN),
			ConsumerName: aws.String(name),
		})
		return err
	})
}

// GetShardIterator obtains an iterator for a shard position.
func (c *Client) GetShardIterator(ctx context.Context, shardID string, iterType types.ShardIteratorType, sequenceNumber string) (string, error) {
	var in = &kinesis.GetShardIteratorInput{
		StreamName:        aws.String(c.stream),
		ShardId:           aws.String(shardID),
		ShardIteratorType: iterType,
	}
	if sequenceNumber != "" {
		in.StartingSequenceNumber = aws.String(sequenceNumber)
	}

	var out *kinesis.GetShardIteratorOutput
	var err = c.retrier.do(ctx, "get-shard-iterator", true, func(ctx context.Context) error {
		var err error
		out, err = c.api.GetShardIterator(ctx, in)
		return err
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.ShardIterator), nil
}

// GetRecords reads one batch from an iterator.
func (c *Client) GetRecords(ctx context.Context, iterator string, limit int32) (*kinesis.GetRecordsOutput, error) {
	var out *kinesis.GetRecordsOutput
	var err = c.retrier.do(ctx, "get-records", true, func(ctx context.Context) error {
		var err error
		out, err = c.api.GetRecords(ctx, &kinesis.GetRecordsInput{
			ShardIterator: aws.String(iterator),
			Limit:         aws.Int32(limit),
		})
		return err
	})
	return out, err
}

// PutRecord writes a single record.
func (c *Client) PutRecord(ctx context.Context, in *kinesis.PutRecordInput) (*kinesis.PutRecordOutput, error) {
	if in.StreamName == nil {
		in.StreamName = aws.String(c.stream)
	}
	var out *kinesis.PutRecordOutput
	var err = c.retrier.do(ctx, "put-record", true, func(ctx context.Context) error {
		var err error
		out, err = c.api.PutRecord(ctx, in)
		return err
	})
	return out, err
}

// errPartialPut signals that a batched write succeeded only partially;
// it's retryable within the call's overall budget.
var errPartialPut = errors.New("batch write partially failed")

// PutRecords writes a batch. On partial failure only the unsuccessful
// sub-records are re-submitted, and results are merged in the original
// order. The whole call shares one retry budget.
func (c *Client) PutRecords(ctx context.Context, in *kinesis.PutRecordsInput) (*kinesis.PutRecordsOutput, error) {
	if in.StreamName == nil {
		in.StreamName = aws.String(c.stream)
	}

	var results = make([]types.PutRecordsResultEntry, len(in.Records))
	var pending = make([]int, len(in.Records)) // indexes into in.Records
	for i := range pending {
		pending[i] = i
	}
	var encryptionType types.EncryptionType

	var err = c.retrier.do(ctx, "put-records", true, func(ctx context.Context) error {
		var entries = make([]types.PutRecordsRequestEntry, len(pending))
		for i, idx := range pending {
			entries[i] = in.Records[idx]
		}

		var out, err = c.api.PutRecords(ctx, &kinesis.PutRecordsInput{
			StreamName: in.StreamName,
			Records:    entries,
		})
		if err != nil {
			return err
		}
		encryptionType = out.EncryptionType

		var failed []int
		for i, result := range out.Records {
			results[pending[i]] = result
			if result.ErrorCode != nil {
				failed = append(failed, pending[i])
			}
		}
		if len(failed) > 0 {
			c.logger.WithFields(log.Fields{
				"failed": len(failed),
				"total":  len(in.Records),
			}).Warn("batch write partially failed; re-submitting failed records")
			pending = failed
			return errPartialPut
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &kinesis.PutRecordsOutput{
		EncryptionType:    encryptionType,
		FailedRecordCount: aws.Int32(0),
		Records:           results,
	}, nil
}
