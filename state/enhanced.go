package state

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// RegisterEnhancedConsumer records a push-delivery endpoint in the
// group document. Losing the insert race to a peer is not an error.
func (s *Store) RegisterEnhancedConsumer(ctx context.Context, name, arn string) error {
	var record, merr = attributevalue.Marshal(EnhancedConsumer{
		ARN:     arn,
		Version: uuid.NewString(),
	})
	if merr != nil {
		return fmt.Errorf("marshalling enhanced consumer: %w", merr)
	}

	var _, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.key(),
		UpdateExpression:    aws.String("SET #ec.#name = :record"),
		ConditionExpression: aws.String("attribute_not_exists(#ec.#name)"),
		ExpressionAttributeNames: map[string]string{
			"#ec":   "enhancedConsumers",
			"#name": name,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":record": record,
		},
	})
	if isConditionalFailure(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("registering enhanced consumer: %w", err)
	}
	return nil
}

// DeregisterEnhancedConsumer removes a push-delivery endpoint record.
func (s *Store) DeregisterEnhancedConsumer(ctx context.Context, name string) error {
	var _, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.key(),
		UpdateExpression: aws.String("REMOVE #ec.#name"),
		ExpressionAttributeNames: map[string]string{
			"#ec":   "enhancedConsumers",
			"#name": name,
		},
	})
	if err != nil {
		return fmt.Errorf("deregistering enhanced consumer: %w", err)
	}
	return nil
}

// LockStreamConsumer claims a push-delivery endpoint for this instance,
// conditioned on the endpoint's version.
func (s *Store) LockStreamConsumer(ctx context.Context, name, expectedVersion string) error {
	var _, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(),
		UpdateExpression: aws.String(
			"SET #ec.#name.isUsedBy = :me, #ec.#name.version = :new"),
		ConditionExpression: aws.String("#ec.#name.version = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#ec":   "enhancedConsumers",
			"#name": name,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":me":       &types.AttributeValueMemberS{Value: s.consumerID},
			":new":      &types.AttributeValueMemberS{Value: uuid.NewString()},
			":expected": &types.AttributeValueMemberS{Value: expectedVersion},
		},
	})
	if isConditionalFailure(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("locking stream consumer: %w", err)
	}
	return nil
}

// GetAssignedEnhancedConsumer returns the endpoint ARN assigned to this
// instance, or "" when none is.
func (s *Store) GetAssignedEnhancedConsumer(ctx context.Context) (string, error) {
	var state, err = s.Get(ctx)
	if err != nil {
		return "", err
	}
	for _, ec := range state.EnhancedConsumers {
		if ec.IsUsedBy != nil && *ec.IsUsedBy == s.consumerID {
			return ec.ARN, nil
		}
	}
	return "", nil
}
