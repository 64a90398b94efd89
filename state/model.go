package state

import "time"

// GroupState is the single coordinator document shared by a consumer
// group over one stream. Every mutation is a conditional update against
// a version token, either the document's or a nested record's.
type GroupState struct {
	ConsumerGroup     string                      `dynamodbav:"consumerGroup"`
	StreamName        string                      `dynamodbav:"streamName"`
	Version           string                      `dynamodbav:"version"`
	Consumers         map[string]ConsumerState    `dynamodbav:"consumers"`
	Shards            map[string]ShardState       `dynamodbav:"shards"`
	EnhancedConsumers map[string]EnhancedConsumer `dynamodbav:"enhancedConsumers"`
}

// ConsumerState is one group member's liveness record.
type ConsumerState struct {
	AppName      string `dynamodbav:"appName"`
	Host         string `dynamodbav:"host"`
	PID          int    `dynamodbav:"pid"`
	StartedAt    int64  `dynamodbav:"startedAt"` // unix millis
	Heartbeat    int64  `dynamodbav:"heartbeat"` // unix millis
	IsActive     bool   `dynamodbav:"isActive"`
	IsStandalone bool   `dynamodbav:"isStandalone"`
}

// ShardState tracks one shard's lease and progress.
type ShardState struct {
	Parents                []string `dynamodbav:"parents,omitempty"`
	StartingSequenceNumber string   `dynamodbav:"startingSequenceNumber"`
	Checkpoint             *string  `dynamodbav:"checkpoint"`
	LeaseOwner             *string  `dynamodbav:"leaseOwner"`
	LeaseExpiration        *int64   `dynamodbav:"leaseExpiration"` // unix millis
	Depleted               bool     `dynamodbav:"depleted"`
	Version                string   `dynamodbav:"version"`
}

// LeaseExpirationTime converts the stored expiration, reporting whether
// one is set.
func (s ShardState) LeaseExpirationTime() (time.Time, bool) {
	if s.LeaseExpiration == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*s.LeaseExpiration), true
}

// EnhancedConsumer is one registered push-delivery endpoint.
type EnhancedConsumer struct {
	ARN      string  `dynamodbav:"arn"`
	IsUsedBy *string `dynamodbav:"isUsedBy"`
	Version  string  `dynamodbav:"version"`
}

// ShardInfo is a shard description folded in from the log's listing.
type ShardInfo struct {
	ID                     string
	Parents                []string
	StartingSequenceNumber string
}

// OwnedShard is the coordinator's view of one shard leased by this
// instance, as consumed by the reconciler.
type OwnedShard struct {
	ShardID         string
	Checkpoint      *string
	LeaseExpiration time.Time
	HasChildren     bool
}

// ActiveConsumers counts members participating in shard distribution.
// Standalone members read everything and don't count toward the split.
func (g *GroupState) ActiveConsumers() int {
	var n = 0
	for _, c := range g.Consumers {
		if c.IsActive && !c.IsStandalone {
			n++
		}
	}
	return n
}

// NonDepletedShards counts shards still eligible for leasing.
func (g *GroupState) NonDepletedShards() int {
	var n = 0
	for _, s := range g.Shards {
		if !s.Depleted {
			n++
		}
	}
	return n
}

// OwnedLeases counts non-depleted shards currently leased by |consumerID|.
func (g *GroupState) OwnedLeases(consumerID string) int {
	var n = 0
	for _, s := range g.Shards {
		if !s.Depleted && s.LeaseOwner != nil && *s.LeaseOwner == consumerID {
			n++
		}
	}
	return n
}
