package lagoon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	kintypes "github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/lagoon-io/lagoon/blob"
	"github.com/lagoon-io/lagoon/codec"
	"github.com/lagoon-io/lagoon/lease"
	"github.com/lagoon-io/lagoon/ops"
	"github.com/lagoon-io/lagoon/reader"
	"github.com/lagoon-io/lagoon/state"
	"github.com/lagoon-io/lagoon/stream"
)

// Event aliases let callers consume the output channel without
// importing the reader package.
type (
	Event       = reader.Event
	RecordBatch = reader.RecordBatch
	ErrorEvent  = reader.ErrorEvent
	StatsEvent  = reader.StatsEvent
	NoticeEvent = reader.NoticeEvent

	Record     = codec.Record
	Submission = codec.Submission
	Stats      = ops.Stats
)

// Backends carries the provider connections a Client operates over.
// Tests substitute fakes; NewClient builds the real ones.
type Backends struct {
	Kinesis     stream.KinesisAPI
	Dynamo      state.DynamoAPI
	S3          blob.S3API
	Credentials aws.CredentialsProvider
	HTTPClient  *http.Client
	Clock       clockwork.Clock
	Logger      *log.Entry
}

// Client is the single long-lived handle of this library. It joins the
// consumer group on Start and delivers decoded records, errors and
// periodic stats on Events until Stop.
type Client struct {
	cfg    Config
	logger *log.Entry
	clock  clockwork.Clock

	sink    *ops.Sink
	stream  *stream.Client
	store   *state.Store
	blobs   *blob.Store
	encoder *codec.Encoder
	decoder *codec.Decoder
	recon   *reader.Reconciler
	coord   *lease.Coordinator
	heart   *lease.Heartbeat
	creds   aws.CredentialsProvider
	httpc   *http.Client

	events chan reader.Event

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// heartbeatInterval paces liveness refreshes; peers are evicted after
// three missed beats.
const heartbeatInterval = 15 * time.Second

// NewClient validates |cfg|, connects to the vendor, and wires a
// Client. Start must be called before records flow.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, "")))
	}
	var awsCfg, err = awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading provider configuration: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = awsCfg.Region
	}

	var backends = Backends{
		Kinesis: kinesis.NewFromConfig(awsCfg, func(o *kinesis.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		}),
		Dynamo: dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		}),
		S3: s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		}),
		Credentials: awsCfg.Credentials,
	}
	return NewClientWith(cfg, backends)
}

// NewClientWith wires a Client over explicit backends.
func NewClientWith(cfg Config, backends Backends) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConsumerID == "" {
		var host, _ = os.Hostname()
		cfg.ConsumerID = fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())
	}

	var logger = backends.Logger
	if logger == nil {
		logger = log.WithFields(log.Fields{
			"stream": cfg.StreamName,
			"group":  cfg.ConsumerGroup,
		})
	}
	var clock = backends.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var c = &Client{
		cfg:    cfg,
		logger: logger,
		clock:  clock,
		sink:   ops.NewSink(cfg.StreamName),
		creds:  backends.Credentials,
		httpc:  backends.HTTPClient,
		events: make(chan reader.Event, cfg.EventBuffer),
	}

	c.stream = stream.NewClient(backends.Kinesis, cfg.StreamName, logger, c.sink, clock)
	c.store = state.NewStore(
		backends.Dynamo, cfg.TableName, cfg.ConsumerGroup, cfg.StreamName,
		cfg.ConsumerID, clock, logger)

	var compressor codec.Compressor
	if cfg.Compression != "" {
		compressor, _ = codec.LookupCompressor(cfg.Compression) // validated
	}
	var blobs codec.BlobStore
	if cfg.UseS3ForLargeItems {
		c.blobs = blob.NewStore(backends.S3, cfg.BucketName, logger)
		blobs = c.blobs
	}
	c.encoder = &codec.Encoder{
		Stream:             cfg.StreamName,
		Compressor:         compressor,
		Blobs:              blobs,
		LargeItemThreshold: cfg.LargeItemThreshold << 10,
		NonBlobKeys:        cfg.NonS3Keys,
		Logger:             logger,
	}
	c.decoder = &codec.Decoder{
		Compressor: compressor,
		Blobs:      blobs,
		ParseMode:  cfg.parseMode(),
		Logger:     logger,
	}

	c.recon = &reader.Reconciler{
		Store:   c.store,
		Factory: c.newReader,
		Logger:  logger,
		Sink:    c.sink,
	}
	var fanOut *lease.FanOut
	if cfg.UseEnhancedFanOut {
		fanOut = &lease.FanOut{
			GroupName:    cfg.ConsumerGroup,
			MaxConsumers: cfg.MaxEnhancedConsumers,
		}
	}
	c.coord = &lease.Coordinator{
		Store:         c.store,
		Stream:        c.stream,
		Reconciler:    c.recon,
		Standalone:    cfg.DisableAutoShardAssignment,
		FanOut:        fanOut,
		Interval:      lease.DefaultInterval,
		RetryInterval: lease.DefaultRetryInterval,
		LeaseTerm:     lease.DefaultLeaseTerm,
		Clock:         clock,
		Logger:        logger,
		Sink:          c.sink,
	}
	c.heart = &lease.Heartbeat{
		Store: c.store,
		Meta: state.ConsumerMeta{
			AppName:      filepath.Base(os.Args[0]),
			Host:         hostname(),
			PID:          os.Getpid(),
			IsStandalone: cfg.DisableAutoShardAssignment,
		},
		Interval: heartbeatInterval,
		Clock:    clock,
		Logger:   logger,
	}
	return c, nil
}

func hostname() string {
	var host, _ = os.Hostname()
	return host
}

// Events is the client's output: *RecordBatch, *ErrorEvent,
// *StatsEvent and *NoticeEvent entries. The channel is bounded;
// readers block when the consumer falls behind.
func (c *Client) Events() <-chan Event { return c.events }

// Registry exposes the client's metric collectors for scraping.
func (c *Client) Registry() *prometheus.Registry { return c.sink.Registry() }

// Start ensures the stream, coordinator table and bucket exist, joins
// the consumer group, and launches the heartbeat, lease and stats
// loops. It returns once the group is joined; records then arrive on
// Events.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("client already started")
	}
	c.started = true
	var runCtx context.Context
	runCtx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	var encryption *stream.Encryption
	if c.cfg.EncryptionType != "" {
		encryption = &stream.Encryption{
			Type:  kintypes.EncryptionType(c.cfg.EncryptionType),
			KeyID: c.cfg.EncryptionKeyID,
		}
	}
	var _, err = c.stream.Ensure(runCtx, stream.EnsureOptions{
		Create:     c.cfg.CreateStreamIfNeeded,
		ShardCount: c.cfg.ShardCount,
		Encryption: encryption,
		Tags:       c.cfg.Tags,
	})
	if err != nil {
		return fmt.Errorf("ensuring the stream: %w", err)
	}
	if err = c.store.EnsureTable(runCtx, c.cfg.Tags); err != nil {
		return fmt.Errorf("ensuring the coordinator table: %w", err)
	}
	if c.blobs != nil {
		if err = c.blobs.Ensure(runCtx, c.cfg.StreamName, c.cfg.Tags); err != nil {
			return fmt.Errorf("ensuring the blob bucket: %w", err)
		}
	}
	if err = c.store.InitState(runCtx); err != nil {
		return fmt.Errorf("initializing group state: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.heart.Run(runCtx)
	}()

	if err = c.recon.Reconcile(runCtx); err != nil {
		c.logger.WithError(err).Warn("initial reconcile failed; the lease loop will retry")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.coord.Run(runCtx)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.statsLoop(runCtx)
	}()

	c.logger.Info("started")
	return nil
}

// Stop cancels every task, stops all shard readers, and waits for them
// to wind down. The output channel stays open; no further events are
// emitted after Stop returns.
func (c *Client) Stop() {
	c.mu.Lock()
	var cancel = c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.recon.Stop()
	c.wg.Wait()
	c.logger.Info("stopped")
}

// statsLoop emits a periodic metrics snapshot to the output channel.
func (c *Client) statsLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.cfg.statsInterval()):
		}
		select {
		case <-ctx.Done():
			return
		case c.events <- &reader.StatsEvent{Stats: c.sink.Snapshot()}:
		}
	}
}

// newReader is the reconciler's factory for per-shard readers.
func (c *Client) newReader(shard state.OwnedShard) reader.Reader {
	if c.cfg.UseEnhancedFanOut {
		return reader.NewPushReader(reader.PushConfig{
			ShardID:         shard.ShardID,
			StreamName:      c.cfg.StreamName,
			Shard:           shard,
			ConsumerARN:     c.coord.AssignedConsumerARN(),
			Client:          c.stream,
			Store:           c.store,
			Decoder:         c.decoder,
			Out:             c.events,
			StopShard:       c.recon.Drop,
			Endpoint:        c.cfg.Endpoint,
			Region:          c.cfg.Region,
			Credentials:     c.creds,
			HTTPClient:      c.httpc,
			AutoCheckpoint:  !c.cfg.DisableAutoCheckpoints,
			InitialPosition: c.cfg.initialPosition(),
			Clock:           c.clock,
			Logger:          c.logger,
			Sink:            c.sink,
		})
	}
	return reader.NewPullReader(reader.PullConfig{
		ShardID:            shard.ShardID,
		StreamName:         c.cfg.StreamName,
		Shard:              shard,
		Client:             c.stream,
		Store:              c.store,
		Decoder:            c.decoder,
		Out:                c.events,
		StopShard:          c.recon.Drop,
		Limit:              c.cfg.Limit,
		PollDelay:          c.cfg.pollDelay(),
		NoRecordsPollDelay: c.cfg.noRecordsPollDelay(),
		AutoCheckpoint:     !c.cfg.DisableAutoCheckpoints,
		PausedPolling:      c.cfg.UsePausedPolling,
		InitialPosition:    c.cfg.initialPosition(),
		Clock:              c.clock,
		Logger:             c.logger,
		Sink:               c.sink,
	})
}
