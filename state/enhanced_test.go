package state

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestRegisterEnhancedConsumer(t *testing.T) {
	var captured *dynamodb.UpdateItemInput
	var db = &fakeDynamo{
		updateItem: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			captured = in
			return &dynamodb.UpdateItemOutput{}, nil
		},
	}
	var store = testStore(db, clockwork.NewFakeClock())

	require.NoError(t, store.RegisterEnhancedConsumer(context.Background(), "lagoon-3", "arn:consumer/3"))
	require.Equal(t, "attribute_not_exists(#ec.#name)", aws.ToString(captured.ConditionExpression))
	require.Equal(t, "lagoon-3", captured.ExpressionAttributeNames["#name"])

	var record EnhancedConsumer
	require.NoError(t, attributevalue.Unmarshal(captured.ExpressionAttributeValues[":record"], &record))
	require.Equal(t, "arn:consumer/3", record.ARN)
	require.Nil(t, record.IsUsedBy)
	require.NotEmpty(t, record.Version)
}

func TestRegisterEnhancedConsumerToleratesPeerInsert(t *testing.T) {
	var db = &fakeDynamo{
		updateItem: func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			return nil, conditionalFailure()
		},
	}
	require.NoError(t, testStore(db, clockwork.NewFakeClock()).
		RegisterEnhancedConsumer(context.Background(), "lagoon-3", "arn:consumer/3"))
}

func TestLockStreamConsumer(t *testing.T) {
	var captured *dynamodb.UpdateItemInput
	var db = &fakeDynamo{
		updateItem: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			captured = in
			return &dynamodb.UpdateItemOutput{}, nil
		},
	}
	var store = testStore(db, clockwork.NewFakeClock())

	require.NoError(t, store.LockStreamConsumer(context.Background(), "lagoon-0", "v-old"))
	require.Equal(t, "#ec.#name.version = :expected", aws.ToString(captured.ConditionExpression))
	require.Equal(t, "consumer-1", attrS(t, captured.ExpressionAttributeValues[":me"]))
	require.Equal(t, "v-old", attrS(t, captured.ExpressionAttributeValues[":expected"]))
}

func TestLockStreamConsumerReportsConflict(t *testing.T) {
	var db = &fakeDynamo{
		updateItem: func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			return nil, conditionalFailure()
		},
	}
	require.ErrorIs(t,
		testStore(db, clockwork.NewFakeClock()).LockStreamConsumer(context.Background(), "lagoon-0", "v-old"),
		ErrConflict)
}

func TestGetAssignedEnhancedConsumer(t *testing.T) {
	var db = &fakeDynamo{
		getItem: func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			return stateItem(t, GroupState{Version: "v", EnhancedConsumers: map[string]EnhancedConsumer{
				"lagoon-0": {ARN: "arn:consumer/0", IsUsedBy: aws.String("consumer-2"), Version: "a"},
				"lagoon-1": {ARN: "arn:consumer/1", IsUsedBy: aws.String("consumer-1"), Version: "b"},
				"lagoon-2": {ARN: "arn:consumer/2", Version: "c"},
			}}), nil
		},
	}
	var arn, err = testStore(db, clockwork.NewFakeClock()).GetAssignedEnhancedConsumer(context.Background())
	require.NoError(t, err)
	require.Equal(t, "arn:consumer/1", arn)
}

func TestGetAssignedEnhancedConsumerNone(t *testing.T) {
	var db = &fakeDynamo{
		getItem: func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			return stateItem(t, GroupState{Version: "v"}), nil
		},
	}
	var arn, err = testStore(db, clockwork.NewFakeClock()).GetAssignedEnhancedConsumer(context.Background())
	require.NoError(t, err)
	require.Empty(t, arn)
}
