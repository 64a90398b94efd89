// Package state implements the coordinator store: persistent,
// consistent consumer-group state held as a single document per
// (group, stream) in a transactional key-value table. Every mutation is
// a compare-and-swap on a version token; a conflict is not an error to
// the caller but a signal to re-read and retry the decision.
package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// ErrConflict reports a conditional update that lost its race. Callers
// re-read and re-evaluate on the next tick.
var ErrConflict = errors.New("conditional update conflict")

// DynamoAPI is the subset of the store client consumed by Store.
type DynamoAPI interface {
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	TagResource(ctx context.Context, in *dynamodb.TagResourceInput, opts ...func(*dynamodb.Options)) (*dynamodb.TagResourceOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Store mediates all access to the group's coordinator document.
type Store struct {
	db         DynamoAPI
	table      string
	group      string
	stream     string
	consumerID string
	clock      clockwork.Clock
	logger     *log.Entry
}

// NewStore builds a Store for the (group, stream) document in |table|.
func NewStore(db DynamoAPI, table, group, stream, consumerID string, clock clockwork.Clock, logger *log.Entry) *Store {
	return &Store{
		db:         db,
		table:      table,
		group:      group,
		stream:     stream,
		consumerID: consumerID,
		clock:      clock,
		logger:     logger,
	}
}

// ConsumerID names this instance in the group.
func (s *Store) ConsumerID() string { return s.consumerID }

func (s *Store) key() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"consumerGroup": &types.AttributeValueMemberS{Value: s.group},
		"streamName":    &types.AttributeValueMemberS{Value: s.stream},
	}
}

// InitState inserts the empty document if it isn't present.
func (s *Store) InitState(ctx context.Context) error {
	var doc = GroupState{
		ConsumerGroup:     s.group,
		StreamName:        s.stream,
		Version:           uuid.NewString(),
		Consumers:         map[string]ConsumerState{},
		Shards:            map[string]ShardState{},
		EnhancedConsumers: map[string]EnhancedConsumer{},
	}
	var item, err = attributevalue.MarshalMap(doc)
	if err != nil {
		return fmt.Errorf("marshalling group state: %w", err)
	}

	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(consumerGroup)"),
	})
	if isConditionalFailure(err) {
		return nil // another member got there first
	}
	if err != nil {
		return fmt.Errorf("initializing group state: %w", err)
	}
	return nil
}

// Get reads the current document with a consistent read.
func (s *Store) Get(ctx context.Context) (*GroupState, error) {
	var out, err = s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("reading group state: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("group state for %q/%q not found", s.group, s.stream)
	}

	var state GroupState
	if err = attributevalue.UnmarshalMap(out.Item, &state); err != nil {
		return nil, fmt.Errorf("unmarshalling group state: %w", err)
	}
	return &state, nil
}

// ConsumerMeta describes this instance for registration.
type ConsumerMeta struct {
	AppName      string
	Host         string
	PID          int
	IsStandalone bool
}

// RegisterConsumer upserts this instance's liveness record, always
// refreshing its heartbeat.
func (s *Store) RegisterConsumer(ctx context.Context, meta ConsumerMeta) error {
	var now = s.clock.Now().UnixMilli()

	// Fast path: the record exists and only the heartbeat moves.
	var _, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.key(),
		UpdateExpression:    aws.String("SET #c.#cid.heartbeat = :hb"),
		ConditionExpression: aws.String("attribute_exists(#c.#cid)"),
		ExpressionAttributeNames: map[string]string{
			"#c":   "consumers",
			"#cid": s.consumerID,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":hb": &types.AttributeValueMemberN{Value: strconv.FormatInt(now, 10)},
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionalFailure(err) {
		return fmt.Errorf("refreshing consumer heartbeat: %w", err)
	}

	// First registration: write the full record.
	var record, merr = attributevalue.Marshal(ConsumerState{
		AppName:      meta.AppName,
		Host:         meta.Host,
		PID:          meta.PID,
		StartedAt:    now,
		Heartbeat:    now,
		IsActive:     true,
		IsStandalone: meta.IsStandalone,
	})
	if merr != nil {
		return fmt.Errorf("marshalling consumer record: %w", merr)
	}

	if _, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.key(),
		UpdateExpression: aws.String("SET #c.#cid = :record"),
		ExpressionAttributeNames: map[string]string{
			"#c":   "consumers",
			"#cid": s.consumerID,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":record": record,
		},
	}); err != nil {
		return fmt.Errorf("registering consumer: %w", err)
	}
	return nil
}

// ClearOldConsumers removes, in a single conditional update, members
// whose heartbeat is older than |threshold|.
func (s *Store) ClearOldConsumers(ctx context.Context, threshold time.Duration) error {
	var state, err = s.Get(ctx)
	if err != nil {
		return err
	}

	var cutoff = s.clock.Now().Add(-threshold).UnixMilli()
	var stale []string
	for id, c := range state.Consumers {
		if c.Heartbeat < cutoff {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	s.logger.WithField("consumers", stale).Info("evicting dead consumers")

	var names = map[string]string{"#c": "consumers", "#version": "version"}
	var clauses []string
	for i, id := range stale {
		var ph = fmt.Sprintf("#dead%d", i)
		names[ph] = id
		clauses = append(clauses, fmt.Sprintf("#c.%s", ph))
	}

	_, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(),
		UpdateExpression: aws.String(
			fmt.Sprintf("REMOVE %s SET #version = :new", strings.Join(clauses, ", "))),
		ConditionExpression:      aws.String("#version = :old"),
		ExpressionAttributeNames: names,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":old": &types.AttributeValueMemberS{Value: state.Version},
			":new": &types.AttributeValueMemberS{Value: uuid.NewString()},
		},
	})
	if isConditionalFailure(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("clearing old consumers: %w", err)
	}
	return nil
}

// GetShardAndGroupState reads the current state, inserting a default
// ShardState for a shard not seen before by any group member.
func (s *Store) GetShardAndGroupState(ctx context.Context, info ShardInfo) (ShardState, *GroupState, error) {
	var state, err = s.Get(ctx)
	if err != nil {
		return ShardState{}, nil, err
	}
	if shard, ok := state.Shards[info.ID]; ok {
		return shard, state, nil
	}

	var shard = ShardState{
		Parents:                info.Parents,
		StartingSequenceNumber: info.StartingSequenceNumber,
		Version:                uuid.NewString(),
	}
	var record, merr = attributevalue.Marshal(shard)
	if merr != nil {
		return ShardState{}, nil, fmt.Errorf("marshalling shard state: %w", merr)
	}

	_, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.key(),
		UpdateExpression:    aws.String("SET #shards.#sid = :record"),
		ConditionExpression: aws.String("attribute_not_exists(#shards.#sid)"),
		ExpressionAttributeNames: map[string]string{
			"#shards": "shards",
			"#sid":    info.ID,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":record": record,
		},
	})
	if isConditionalFailure(err) {
		// Lost the race to another member; re-read their version.
		if state, err = s.Get(ctx); err != nil {
			return ShardState{}, nil, err
		}
		return state.Shards[info.ID], state, nil
	}
	if err != nil {
		return ShardState{}, nil, fmt.Errorf("inserting shard state: %w", err)
	}

	state.Shards[info.ID] = shard
	return shard, state, nil
}

// LockShardLease acquires the lease on a shard for |term|, conditioned
// on the shard's version. Returns the shard's new version.
func (s *Store) LockShardLease(ctx context.Context, shardID string, term time.Duration, expectedVersion string) (string, error) {
	var newVersion = uuid.NewString()
	var expiration = s.clock.Now().Add(term).UnixMilli()

	var _, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(),
		UpdateExpression: aws.String(
			"SET #shards.#sid.leaseOwner = :owner, #shards.#sid.leaseExpiration = :exp, #shards.#sid.version = :new"),
		ConditionExpression: aws.String("#shards.#sid.version = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#shards": "shards",
			"#sid":    shardID,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner":    &types.AttributeValueMemberS{Value: s.consumerID},
			":exp":      &types.AttributeValueMemberN{Value: strconv.FormatInt(expiration, 10)},
			":new":      &types.AttributeValueMemberS{Value: newVersion},
			":expected": &types.AttributeValueMemberS{Value: expectedVersion},
		},
	})
	if isConditionalFailure(err) {
		return "", ErrConflict
	}
	if err != nil {
		return "", fmt.Errorf("locking shard lease: %w", err)
	}
	return newVersion, nil
}

// ReleaseShardLease clears the lease on a shard, conditioned on the
// shard's version. Returns the shard's new version.
func (s *Store) ReleaseShardLease(ctx context.Context, shardID, expectedVersion string) (string, error) {
	var newVersion = uuid.NewString()

	var _, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(),
		UpdateExpression: aws.String(
			"SET #shards.#sid.leaseOwner = :null, #shards.#sid.leaseExpiration = :null, #shards.#sid.version = :new"),
		ConditionExpression: aws.String("#shards.#sid.version = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#shards": "shards",
			"#sid":    shardID,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":null":     &types.AttributeValueMemberNULL{Value: true},
			":new":      &types.AttributeValueMemberS{Value: newVersion},
			":expected": &types.AttributeValueMemberS{Value: expectedVersion},
		},
	})
	if isConditionalFailure(err) {
		return "", ErrConflict
	}
	if err != nil {
		return "", fmt.Errorf("releasing shard lease: %w", err)
	}
	return newVersion, nil
}

// StoreShardCheckpoint persists the last safely-processed sequence
// number. There is no version condition: the sequence space is
// monotonic and the shard has a single writer.
func (s *Store) StoreShardCheckpoint(ctx context.Context, shardID, sequenceNumber string) error {
	var _, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       s.key(),
		UpdateExpression: aws.String(
			"SET #shards.#sid.checkpoint = :cp, #shards.#sid.version = :new"),
		ConditionExpression: aws.String("attribute_exists(#shards.#sid)"),
		ExpressionAttributeNames: map[string]string{
			"#shards": "shards",
			"#sid":    shardID,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cp":  &types.AttributeValueMemberS{Value: sequenceNumber},
			":new": &types.AttributeValueMemberS{Value: uuid.NewString()},
		},
	})
	if err != nil {
		return fmt.Errorf("storing shard checkpoint: %w", err)
	}
	return nil
}

// MarkShardAsDepleted flags the shard as fully consumed and folds in
// child shards observed in the log's listing, so their parent links are
// recorded before the coordinator evaluates them.
func (s *Store) MarkShardAsDepleted(ctx context.Context, allShards []ShardInfo, shardID string) error {
	for attempt := 0; attempt < 5; attempt++ {
		var state, err = s.Get(ctx)
		if err != nil {
			return err
		}
		var shard, ok = state.Shards[shardID]
		if !ok {
			return fmt.Errorf("shard %q has no state to mark depleted", shardID)
		}
		if shard.Depleted {
			break
		}

		_, err = s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.table),
			Key:       s.key(),
			UpdateExpression: aws.String(
				"SET #shards.#sid.depleted = :true, #shards.#sid.version = :new"),
			ConditionExpression: aws.String("#shards.#sid.version = :expected"),
			ExpressionAttributeNames: map[string]string{
				"#shards": "shards",
				"#sid":    shardID,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":true":     &types.AttributeValueMemberBOOL{Value: true},
				":new":      &types.AttributeValueMemberS{Value: uuid.NewString()},
				":expected": &types.AttributeValueMemberS{Value: shard.Version},
			},
		})
		if isConditionalFailure(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("marking shard depleted: %w", err)
		}
		break
	}

	// Fold in children so the coordinator can see their parent links.
	for _, info := range allShards {
		for _, parent := range info.Parents {
			if parent == shardID {
				if _, _, err := s.GetShardAndGroupState(ctx, info); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

// GetOwnedShards returns the shards currently leased by this instance.
func (s *Store) GetOwnedShards(ctx context.Context) (map[string]OwnedShard, error) {
	var state, err = s.Get(ctx)
	if err != nil {
		return nil, err
	}

	var owned = map[string]OwnedShard{}
	for id, shard := range state.Shards {
		if shard.Depleted || shard.LeaseOwner == nil || *shard.LeaseOwner != s.consumerID {
			continue
		}
		var expiration, _ = shard.LeaseExpirationTime()
		owned[id] = OwnedShard{
			ShardID:         id,
			Checkpoint:      shard.Checkpoint,
			LeaseExpiration: expiration,
			HasChildren:     hasChildren(state, id),
		}
	}
	return owned, nil
}

func hasChildren(state *GroupState, shardID string) bool {
	for _, shard := range state.Shards {
		for _, parent := range shard.Parents {
			if parent == shardID {
				return true
			}
		}
	}
	return false
}

func isConditionalFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
