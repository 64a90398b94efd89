package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	tablePollInterval = 3 * time.Second
	tableWaitBudget   = 5 * time.Minute
)

// EnsureTable creates and tags the backing table on first use, waiting
// out any in-flight state transitions.
func (s *Store) EnsureTable(ctx context.Context, tags map[string]string) error {
	var deadline = s.clock.Now().Add(tableWaitBudget)
	for {
		var out, err = s.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(s.table),
		})

		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			if err = s.createTable(ctx); err != nil {
				return err
			}
		} else if err != nil {
			return fmt.Errorf("describing table %q: %w", s.table, err)
		} else {
			switch out.Table.TableStatus {
			case types.TableStatusActive:
				return s.tagTable(ctx, aws.ToString(out.Table.TableArn), tags)
			case types.TableStatusCreating, types.TableStatusUpdating:
				// fall through to wait
			default:
				return fmt.Errorf("table %q is in unusable state %q", s.table, out.Table.TableStatus)
			}
		}

		if s.clock.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for table %q to become active", s.table)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(tablePollInterval):
		}
	}
}

func (s *Store) createTable(ctx context.Context) error {
	s.logger.WithField("table", s.table).Info("creating coordinator store table")

	var _, err = s.db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("consumerGroup"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("streamName"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("consumerGroup"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("streamName"), KeyType: types.KeyTypeRange},
		},
		SSESpecification: &types.SSESpecification{Enabled: aws.Bool(true)},
	})

	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		return nil // concurrently created by a peer
	}
	if err != nil {
		return fmt.Errorf("creating table %q: %w", s.table, err)
	}
	return nil
}

func (s *Store) tagTable(ctx context.Context, arn string, tags map[string]string) error {
	if len(tags) == 0 || arn == "" {
		return nil
	}

	var set []types.Tag
	for k, v := range tags {
		set = append(set, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	var _, err = s.db.TagResource(ctx, &dynamodb.TagResourceInput{
		ResourceArn: aws.String(arn),
		Tags:        set,
	})
	if err != nil {
		return fmt.Errorf("tagging table %q: %w", s.table, err)
	}
	return nil
}
