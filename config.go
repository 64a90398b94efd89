// Package lagoon is a consumer-group client for partitioned cloud
// streams. A Client joins a named consumer group, leases shards
// through a shared coordinator table, reads them with pull or push
// delivery, and emits decoded records on a single output channel.
package lagoon

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"github.com/lagoon-io/lagoon/codec"
)

// Config is the full set of Client knobs. The zero value is not
// usable; call Validate to apply defaults and clamp ranges.
type Config struct {
	StreamName    string `long:"stream" env:"LAGOON_STREAM" description:"Name of the stream to consume"`
	ConsumerGroup string `long:"consumer-group" env:"LAGOON_CONSUMER_GROUP" description:"Consumer group name. Defaults to the stream name"`
	ConsumerID    string `long:"consumer-id" env:"LAGOON_CONSUMER_ID" description:"Stable identity of this group member. Defaults to host:pid:uuid"`

	Region      string `long:"region" env:"AWS_REGION" description:"Vendor region hosting the stream"`
	Endpoint    string `long:"endpoint" env:"LAGOON_ENDPOINT" description:"Override the vendor API endpoint (e.g. a local emulator)"`
	AccessKeyID string `long:"access-key-id" env:"AWS_ACCESS_KEY_ID" description:"Static credential. Omit to use the default provider chain"`
	SecretKey   string `long:"secret-access-key" env:"AWS_SECRET_ACCESS_KEY" description:"Static credential secret"`

	CreateStreamIfNeeded bool              `long:"create-stream" env:"LAGOON_CREATE_STREAM" description:"Create the stream on start when it doesn't exist"`
	ShardCount           int32             `long:"shard-count" env:"LAGOON_SHARD_COUNT" default:"1" description:"Shards to create the stream with"`
	EncryptionType       string            `long:"encryption-type" env:"LAGOON_ENCRYPTION_TYPE" description:"Server-side encryption type (KMS or NONE)"`
	EncryptionKeyID      string            `long:"encryption-key-id" env:"LAGOON_ENCRYPTION_KEY_ID" description:"Key for server-side encryption"`
	Tags                 map[string]string `long:"tag" env:"LAGOON_TAGS" description:"Tags ensured on the stream, table and bucket"`

	Compression string `long:"compression" env:"LAGOON_COMPRESSION" description:"Record compression: LZ-UTF8 or GZIP. Empty disables"`

	Limit              int32 `long:"limit" env:"LAGOON_LIMIT" default:"10000" description:"Records per fetch, 1 to 10000"`
	PollDelay          int   `long:"poll-delay" env:"LAGOON_POLL_DELAY" default:"250" description:"Milliseconds between polls that returned records"`
	NoRecordsPollDelay int   `long:"no-records-poll-delay" env:"LAGOON_NO_RECORDS_POLL_DELAY" default:"1000" description:"Milliseconds between polls that returned nothing, at least 250"`

	DisableAutoCheckpoints     bool `long:"disable-auto-checkpoints" env:"LAGOON_DISABLE_AUTO_CHECKPOINTS" description:"Do not checkpoint after each emitted batch; the consumer checkpoints through the batch handle"`
	DisableAutoShardAssignment bool `long:"disable-auto-shard-assignment" env:"LAGOON_DISABLE_AUTO_SHARD_ASSIGNMENT" description:"Read all shards regardless of peers instead of balancing across the group"`
	UseEnhancedFanOut          bool `long:"enhanced-fan-out" env:"LAGOON_ENHANCED_FAN_OUT" description:"Use push delivery over a dedicated endpoint"`
	UsePausedPolling           bool `long:"paused-polling" env:"LAGOON_PAUSED_POLLING" description:"Park each shard after a batch until ContinuePolling is invoked"`

	UseS3ForLargeItems bool     `long:"s3-large-items" env:"LAGOON_S3_LARGE_ITEMS" description:"Offload oversized records to the blob store"`
	LargeItemThreshold int      `long:"large-item-threshold" env:"LAGOON_LARGE_ITEM_THRESHOLD" default:"400" description:"Offload bodies above this size in KiB"`
	NonS3Keys          []string `long:"non-s3-key" env:"LAGOON_NON_S3_KEYS" description:"Keys kept inline next to the offload sentinel"`
	BucketName         string   `long:"bucket" env:"LAGOON_BUCKET" description:"Blob store bucket for offloaded records. Defaults to the stream name"`

	InitialPositionInStream string `long:"initial-position" env:"LAGOON_INITIAL_POSITION" default:"LATEST" description:"Position for shards without a checkpoint: LATEST or TRIM_HORIZON"`
	MaxEnhancedConsumers    int    `long:"max-enhanced-consumers" env:"LAGOON_MAX_ENHANCED_CONSUMERS" default:"5" description:"Push delivery endpoints to register, at least 1"`
	StatsInterval           int    `long:"stats-interval" env:"LAGOON_STATS_INTERVAL" default:"30000" description:"Milliseconds between stats events, at least 1000"`

	// Parse controls JSON parsing of record bodies: "true", "false",
	// or "auto".
	Parse string `long:"parse" env:"LAGOON_PARSE" default:"auto" description:"Parse record bodies as JSON: true, false, or auto"`

	TableName string `long:"table" env:"LAGOON_TABLE" description:"Coordinator table name. Defaults to lagoon-<consumerGroup>"`
	// EventBuffer bounds the output channel; readers block when the
	// consumer falls behind.
	EventBuffer int `long:"event-buffer" env:"LAGOON_EVENT_BUFFER" default:"128" description:"Output channel capacity"`
}

// Validate applies defaults, clamps ranges, and rejects combinations
// the client can't run with.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("missing required stream name")
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = c.StreamName
	}
	if c.TableName == "" {
		c.TableName = "lagoon-" + c.ConsumerGroup
	}
	if c.BucketName == "" {
		c.BucketName = c.StreamName
	}

	if c.Compression != "" {
		if _, err := codec.LookupCompressor(c.Compression); err != nil {
			return err
		}
	}

	if c.Limit < 1 || c.Limit > 10000 {
		c.Limit = 10000
	}
	if c.PollDelay < 0 {
		c.PollDelay = 250
	}
	if c.NoRecordsPollDelay == 0 {
		c.NoRecordsPollDelay = 1000
	} else if c.NoRecordsPollDelay < 250 {
		c.NoRecordsPollDelay = 250
	}
	if c.LargeItemThreshold <= 0 {
		c.LargeItemThreshold = 400
	}
	if c.MaxEnhancedConsumers < 1 {
		c.MaxEnhancedConsumers = 5
	}
	if c.StatsInterval < 1000 {
		c.StatsInterval = 30000
	}
	if c.EventBuffer < 1 {
		c.EventBuffer = 128
	}
	if c.ShardCount < 1 {
		c.ShardCount = 1
	}

	switch c.InitialPositionInStream {
	case "":
		c.InitialPositionInStream = string(types.ShardIteratorTypeLatest)
	case string(types.ShardIteratorTypeLatest), string(types.ShardIteratorTypeTrimHorizon):
	default:
		return fmt.Errorf("invalid initial position %q", c.InitialPositionInStream)
	}

	switch c.Parse {
	case "":
		c.Parse = "auto"
	case "true", "false", "auto":
	default:
		return fmt.Errorf("invalid parse mode %q (true, false or auto)", c.Parse)
	}

	if c.UsePausedPolling && c.UseEnhancedFanOut {
		return fmt.Errorf("paused polling is a pull-mode feature and cannot combine with enhanced fan-out")
	}
	return nil
}

// parseMode maps the configured parse knob onto the codec's mode.
func (c *Config) parseMode() codec.ParseMode {
	switch c.Parse {
	case "true":
		return codec.ParseAlways
	case "auto":
		return codec.ParseAuto
	}
	return codec.ParseNever
}

func (c *Config) pollDelay() time.Duration { return time.Duration(c.PollDelay) * time.Millisecond }

func (c *Config) noRecordsPollDelay() time.Duration {
	return time.Duration(c.NoRecordsPollDelay) * time.Millisecond
}

func (c *Config) statsInterval() time.Duration {
	return time.Duration(c.StatsInterval) * time.Millisecond
}

func (c *Config) initialPosition() types.ShardIteratorType {
	return types.ShardIteratorType(c.InitialPositionInStream)
}
