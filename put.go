package lagoon

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	kintypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
)

// PutResult describes one accepted record.
type PutResult struct {
	SequenceNumber string `json:"sequenceNumber"`
	ShardID        string `json:"shardId"`
	EncryptionType string `json:"encryptionType,omitempty"`
}

// PutRecord encodes and writes a single record: serialize, compress,
// offload when oversized, then submit.
func (c *Client) PutRecord(ctx context.Context, sub Submission) (PutResult, error) {
	var enc, err = c.encoder.Encode(ctx, sub)
	if err != nil {
		return PutResult{}, err
	}
	var in = &kinesis.PutRecordInput{
		Data:         enc.Data,
		PartitionKey: aws.String(enc.PartitionKey),
	}
	if enc.ExplicitHashKey != "" {
		in.ExplicitHashKey = aws.String(enc.ExplicitHashKey)
	}
	if enc.SequenceNumberForOrdering != "" {
		in.SequenceNumberForOrdering = aws.String(enc.SequenceNumberForOrdering)
	}
	out, err := c.stream.PutRecord(ctx, in)
	if err != nil {
		return PutResult{}, err
	}
	c.sink.RecordsSent(1)
	return PutResult{
		SequenceNumber: aws.ToString(out.SequenceNumber),
		ShardID:        aws.ToString(out.ShardId),
		EncryptionType: string(out.EncryptionType),
	}, nil
}

// PutRecords encodes and writes a batch. Partially-failed batches are
// resubmitted by the log client within its retry budget; on success
// every result entry carries a sequence number.
func (c *Client) PutRecords(ctx context.Context, subs []Submission) ([]PutResult, error) {
	var entries = make([]kintypes.PutRecordsRequestEntry, len(subs))
	for i, sub := range subs {
		var enc, err = c.encoder.Encode(ctx, sub)
		if err != nil {
			return nil, err
		}
		entries[i] = kintypes.PutRecordsRequestEntry{
			Data:         enc.Data,
			PartitionKey: aws.String(enc.PartitionKey),
		}
		if enc.ExplicitHashKey != "" {
			entries[i].ExplicitHashKey = aws.String(enc.ExplicitHashKey)
		}
	}
	var out, err = c.stream.PutRecords(ctx, &kinesis.PutRecordsInput{Records: entries})
	if err != nil {
		return nil, err
	}
	c.sink.RecordsSent(len(entries))

	var results = make([]PutResult, len(out.Records))
	for i, rec := range out.Records {
		results[i] = PutResult{
			SequenceNumber: aws.ToString(rec.SequenceNumber),
			ShardID:        aws.ToString(rec.ShardId),
			EncryptionType: string(out.EncryptionType),
		}
	}
	return results, nil
}
