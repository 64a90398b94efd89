package reader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/lagoon-io/lagoon/ops"
	"github.com/lagoon-io/lagoon/state"
	"github.com/lagoon-io/lagoon/stream"
)

// shardBase carries the lifecycle and checkpointing shared by the pull
// and push reader variants.
type shardBase struct {
	shardID    string
	streamName string
	store      *state.Store
	out        chan<- Event
	stopShard  func(shardID string)
	clock      clockwork.Clock
	logger     *log.Entry
	sink       *ops.Sink

	autoCheckpoint bool

	leaseExpMs atomic.Int64
	stopOnce   sync.Once
	stopCh     chan struct{}

	mu             sync.Mutex
	lastCheckpoint string
}

func initShardBase(
	b *shardBase,
	shardID, streamName string,
	store *state.Store,
	out chan<- Event,
	stopShard func(string),
	clock clockwork.Clock,
	logger *log.Entry,
	sink *ops.Sink,
	autoCheckpoint bool,
	shard state.OwnedShard,
) {
	*b = shardBase{
		shardID:        shardID,
		streamName:     streamName,
		store:          store,
		out:            out,
		stopShard:      stopShard,
		clock:          clock,
		logger:         logger.WithField("shard", shardID),
		sink:           sink,
		autoCheckpoint: autoCheckpoint,
		stopCh:         make(chan struct{}),
	}
	b.leaseExpMs.Store(shard.LeaseExpiration.UnixMilli())
	if shard.Checkpoint != nil {
		b.lastCheckpoint = *shard.Checkpoint
	}
}

// UpdateLeaseExpiration replaces the lease deadline. An expiration in
// the past causes the read loop to terminate on its next iteration.
func (b *shardBase) UpdateLeaseExpiration(t time.Time) {
	b.leaseExpMs.Store(t.UnixMilli())
}

func (b *shardBase) leaseExpired() bool {
	return b.clock.Now().UnixMilli() > b.leaseExpMs.Load()
}

// Stop terminates the reader. Idempotent.
func (b *shardBase) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

func (b *shardBase) stopped() bool {
	select {
	case <-b.stopCh:
		return true
	default:
		return false
	}
}

// scope derives the read loop's context, cancelled by Stop.
func (b *shardBase) scope(parent context.Context) (context.Context, context.CancelFunc) {
	var ctx, cancel = context.WithCancel(parent)
	go func() {
		select {
		case <-b.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (b *shardBase) checkpoint() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastCheckpoint
}

// setCheckpoint persists |sequenceNumber| and remembers it as the
// reader's resume position. Also the manual-mode handle on batches.
func (b *shardBase) setCheckpoint(ctx context.Context, sequenceNumber string) error {
	if err := b.store.StoreShardCheckpoint(ctx, b.shardID, sequenceNumber); err != nil {
		return err
	}
	b.mu.Lock()
	b.lastCheckpoint = sequenceNumber
	b.mu.Unlock()
	if b.sink != nil {
		b.sink.Checkpointed()
	}
	return nil
}

// emit delivers an event, blocking until the consumer drains or the
// reader is cancelled. Reports whether the event was delivered.
func (b *shardBase) emit(ctx context.Context, event Event) bool {
	select {
	case <-ctx.Done():
		return false
	case b.out <- event:
		return true
	}
}

// markDepleted records the shard as fully consumed and terminates the
// reader. The lease coordinator unblocks the children within one tick.
func (b *shardBase) markDepleted(ctx context.Context, client *stream.Client) {
	b.logger.Info("shard is depleted; marking it and stopping the reader")

	var infos []state.ShardInfo
	if shards, err := client.ListShards(ctx); err != nil {
		b.logger.WithError(err).Warn("failed to list shards while marking depletion")
	} else {
		infos = stream.ShardInfos(shards)
	}
	if err := b.store.MarkShardAsDepleted(ctx, infos, b.shardID); err != nil && ctx.Err() == nil {
		b.logger.WithError(err).Error("failed to mark shard as depleted")
	}
	b.stopShard(b.shardID)
}

// fail surfaces an unrecoverable read error and stops the reader.
func (b *shardBase) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	b.logger.WithError(err).Error("shard read failed")
	if b.sink != nil {
		b.sink.ObserveError(err)
	}
	b.emit(ctx, &ErrorEvent{Err: err, ShardID: b.shardID})
	b.stopShard(b.shardID)
}
