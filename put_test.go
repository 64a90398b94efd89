package lagoon

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	kintypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/lagoon-io/lagoon/codec"
)

func putClient(t *testing.T, kin *fakeKinesis) *Client {
	t.Helper()
	var client, err = NewClientWith(Config{
		StreamName: "a-stream",
		ConsumerID: "consumer-1",
	}, Backends{
		Kinesis: kin,
		Dynamo:  &memoryDynamo{},
		Logger:  log.WithField("test", t.Name()),
	})
	require.NoError(t, err)
	return client
}

func TestPutRecordEncodesAndSubmits(t *testing.T) {
	var submitted *kinesis.PutRecordInput
	var kin = &fakeKinesis{}
	kin.putRecord = func(in *kinesis.PutRecordInput) (*kinesis.PutRecordOutput, error) {
		submitted = in
		return &kinesis.PutRecordOutput{
			SequenceNumber: aws.String("7"),
			ShardId:        aws.String("shard-000"),
			EncryptionType: kintypes.EncryptionTypeKms,
		}, nil
	}
	var client = putClient(t, kin)

	var result, err = client.PutRecord(context.Background(), Submission{
		Data:         map[string]interface{}{"message": "hello"},
		PartitionKey: "pk-0",
	})
	require.NoError(t, err)
	require.Equal(t, PutResult{
		SequenceNumber: "7",
		ShardID:        "shard-000",
		EncryptionType: "KMS",
	}, result)

	require.JSONEq(t, `{"message":"hello"}`, string(submitted.Data))
	require.Equal(t, "pk-0", aws.ToString(submitted.PartitionKey))
	require.Nil(t, submitted.ExplicitHashKey)

	require.Equal(t, uint64(1), client.sink.Snapshot().RecordsSent)
}

func TestPutRecordDerivesPartitionKey(t *testing.T) {
	var kin = &fakeKinesis{}
	var keys []string
	kin.putRecord = func(in *kinesis.PutRecordInput) (*kinesis.PutRecordOutput, error) {
		keys = append(keys, aws.ToString(in.PartitionKey))
		return &kinesis.PutRecordOutput{
			SequenceNumber: aws.String("1"),
			ShardId:        aws.String("shard-000"),
		}, nil
	}
	var client = putClient(t, kin)

	for i := 0; i < 2; i++ {
		var _, err = client.PutRecord(context.Background(), Submission{Data: "same body"})
		require.NoError(t, err)
	}
	require.Len(t, keys, 2)
	require.NotEmpty(t, keys[0])
	// The derived key is a digest of the body, so identical bodies agree.
	require.Equal(t, keys[0], keys[1])
}

func TestPutRecordRejectsMissingData(t *testing.T) {
	var client = putClient(t, &fakeKinesis{})
	var _, err = client.PutRecord(context.Background(), Submission{PartitionKey: "pk-0"})

	var missing codec.MissingFieldError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "data", missing.Field)
}

func TestPutRecordsSubmitsBatch(t *testing.T) {
	var submitted *kinesis.PutRecordsInput
	var kin = &fakeKinesis{}
	kin.putRecords = func(in *kinesis.PutRecordsInput) (*kinesis.PutRecordsOutput, error) {
		submitted = in
		return &kinesis.PutRecordsOutput{
			EncryptionType: kintypes.EncryptionTypeNone,
			Records: []kintypes.PutRecordsResultEntry{
				{SequenceNumber: aws.String("1"), ShardId: aws.String("shard-000")},
				{SequenceNumber: aws.String("2"), ShardId: aws.String("shard-001")},
			},
		}, nil
	}
	var client = putClient(t, kin)

	var results, err = client.PutRecords(context.Background(), []Submission{
		{Data: "first", PartitionKey: "pk-0"},
		{Data: "second", PartitionKey: "pk-1", ExplicitHashKey: "42"},
	})
	require.NoError(t, err)
	require.Equal(t, []PutResult{
		{SequenceNumber: "1", ShardID: "shard-000", EncryptionType: "NONE"},
		{SequenceNumber: "2", ShardID: "shard-001", EncryptionType: "NONE"},
	}, results)

	require.Len(t, submitted.Records, 2)
	require.Equal(t, "first", string(submitted.Records[0].Data))
	require.Nil(t, submitted.Records[0].ExplicitHashKey)
	require.Equal(t, "42", aws.ToString(submitted.Records[1].ExplicitHashKey))

	require.Equal(t, uint64(2), client.sink.Snapshot().RecordsSent)
}
