package reader

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/lagoon-io/lagoon/codec"
	"github.com/lagoon-io/lagoon/ops"
	"github.com/lagoon-io/lagoon/state"
	"github.com/lagoon-io/lagoon/stream"
)

// PullConfig configures a PullReader.
type PullConfig struct {
	ShardID    string
	StreamName string
	Shard      state.OwnedShard

	Client  *stream.Client
	Store   *state.Store
	Decoder *codec.Decoder
	Out     chan<- Event
	// StopShard tells the reconciler this reader terminated itself.
	StopShard func(shardID string)

	Limit              int32
	PollDelay          time.Duration
	NoRecordsPollDelay time.Duration
	AutoCheckpoint     bool
	PausedPolling      bool
	// InitialPosition applies when the shard has no checkpoint:
	// TRIM_HORIZON or LATEST.
	InitialPosition types.ShardIteratorType

	Clock  clockwork.Clock
	Logger *log.Entry
	Sink   *ops.Sink
}

// PullReader owns the polling read loop for a single shard: it derives
// iterators, fetches batches, emits decoded records, advances the
// checkpoint, and honours the lease expiration.
type PullReader struct {
	shardBase
	cfg        PullConfig
	continueCh chan struct{}
}

// NewPullReader builds a PullReader; Start begins reading.
func NewPullReader(cfg PullConfig) *PullReader {
	var r = &PullReader{
		cfg:        cfg,
		continueCh: make(chan struct{}, 1),
	}
	initShardBase(&r.shardBase,
		cfg.ShardID, cfg.StreamName, cfg.Store, cfg.Out, cfg.StopShard,
		cfg.Clock, cfg.Logger, cfg.Sink, cfg.AutoCheckpoint, cfg.Shard)
	return r
}

// Start launches the read loop.
func (r *PullReader) Start(ctx context.Context) error {
	if r.stopped() {
		return errors.New("reader already stopped")
	}
	go r.run(ctx)
	return nil
}

func (r *PullReader) run(parent context.Context) {
	var ctx, cancel = r.scope(parent)
	defer cancel()

	if r.leaseExpired() {
		r.logger.Info("lease already expired; not starting shard reader")
		r.stopShard(r.shardID)
		return
	}

	var iterator, err = r.initialIterator(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.WithError(err).Error("failed to obtain a shard iterator")
			r.emit(ctx, &ErrorEvent{Err: err, ShardID: r.shardID})
		}
		r.stopShard(r.shardID)
		return
	}

	var delay time.Duration
	for {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-r.clock.After(delay):
			}
		}
		if ctx.Err() != nil {
			return
		}
		if r.leaseExpired() {
			r.logger.Info("shard lease expired; stopping reader")
			r.stopShard(r.shardID)
			return
		}

		var out, err = r.cfg.Client.GetRecords(ctx, iterator, r.cfg.Limit)
		if isExpiredIterator(err) {
			r.logger.Warn("shard iterator expired; deriving a fresh one")
			if iterator, err = r.iteratorAfterCheckpoint(ctx); err != nil {
				r.fail(ctx, err)
				return
			}
			continue
		} else if err != nil {
			r.fail(ctx, err)
			return
		}

		var hasNext = out.NextShardIterator != nil
		if hasNext {
			iterator = *out.NextShardIterator
		}
		var millisBehind = aws.ToInt64(out.MillisBehindLatest)

		if len(out.Records) > 0 {
			if !r.emitBatch(ctx, out.Records, millisBehind) {
				return
			}
			delay = r.cfg.PollDelay
			if r.cfg.PausedPolling && !r.waitForContinue(ctx) {
				return
			}
		} else if millisBehind > 0 {
			r.logger.WithField("millisBehindLatest", millisBehind).Debug("no records but behind; fast-forwarding")
			delay = 0
		} else if hasNext {
			delay = r.cfg.NoRecordsPollDelay
		} else {
			r.markDepleted(ctx, r.cfg.Client)
			return
		}

		if r.leaseExpired() {
			r.logger.Info("shard lease expired; stopping reader")
			r.stopShard(r.shardID)
			return
		}
	}
}

// initialIterator derives the first iterator from the checkpoint, or
// from the configured initial position when there is none. An invalid
// stored checkpoint falls back to LATEST without being altered.
func (r *PullReader) initialIterator(ctx context.Context) (string, error) {
	if cp := r.checkpoint(); cp != "" {
		var iterator, err = r.cfg.Client.GetShardIterator(
			ctx, r.shardID, types.ShardIteratorTypeAfterSequenceNumber, cp)
		if isInvalidArgument(err) {
			r.logger.WithField("checkpoint", cp).
				Warn("stored checkpoint rejected by the stream; falling back to LATEST")
			return r.cfg.Client.GetShardIterator(ctx, r.shardID, types.ShardIteratorTypeLatest, "")
		}
		return iterator, err
	}
	return r.cfg.Client.GetShardIterator(ctx, r.shardID, r.cfg.InitialPosition, "")
}

// iteratorAfterCheckpoint re-derives an iterator after the latest
// emitted sequence number, for expired-iterator recovery.
func (r *PullReader) iteratorAfterCheckpoint(ctx context.Context) (string, error) {
	if cp := r.checkpoint(); cp != "" {
		return r.cfg.Client.GetShardIterator(
			ctx, r.shardID, types.ShardIteratorTypeAfterSequenceNumber, cp)
	}
	return r.cfg.Client.GetShardIterator(ctx, r.shardID, r.cfg.InitialPosition, "")
}

// emitBatch decodes and delivers one batch, advancing the checkpoint
// per the configured mode. Reports false when the reader is cancelled.
func (r *PullReader) emitBatch(ctx context.Context, records []types.Record, millisBehind int64) bool {
	var decoded = make([]codec.Record, 0, len(records))
	for _, rec := range records {
		var raw = codec.Raw{
			Data:           rec.Data,
			PartitionKey:   aws.ToString(rec.PartitionKey),
			SequenceNumber: aws.ToString(rec.SequenceNumber),
			EncryptionType: string(rec.EncryptionType),
		}
		if rec.ApproximateArrivalTimestamp != nil {
			raw.ApproximateArrivalTimestamp = *rec.ApproximateArrivalTimestamp
		}
		for _, sub := range codec.Deaggregate(raw) {
			decoded = append(decoded, r.cfg.Decoder.Decode(ctx, sub))
		}
	}
	var last = aws.ToString(records[len(records)-1].SequenceNumber)

	var batch = &RecordBatch{
		Records:                    decoded,
		ShardID:                    r.shardID,
		StreamName:                 r.streamName,
		MillisBehindLatest:         millisBehind,
		ContinuationSequenceNumber: last,
	}
	if !r.autoCheckpoint {
		batch.Checkpoint = func(sequenceNumber string) error {
			return r.setCheckpoint(context.Background(), sequenceNumber)
		}
	}
	if r.cfg.PausedPolling {
		batch.ContinuePolling = r.continuePolling
	}

	if !r.emit(ctx, batch) {
		return false
	}
	if r.sink != nil {
		r.sink.RecordsReceived(len(decoded))
	}

	if r.autoCheckpoint {
		if err := r.setCheckpoint(ctx, last); err != nil {
			r.logger.WithError(err).Warn("failed to store shard checkpoint")
		}
	} else {
		// Track the position locally so iterator recovery resumes from
		// the last emitted record even before the consumer checkpoints.
		r.mu.Lock()
		r.lastCheckpoint = last
		r.mu.Unlock()
	}
	return true
}

// waitForContinue parks the loop until the consumer invokes the
// batch's ContinuePolling handle.
func (r *PullReader) waitForContinue(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-r.continueCh:
		return true
	}
}

func (r *PullReader) continuePolling() {
	select {
	case r.continueCh <- struct{}{}:
	default:
	}
}

func isExpiredIterator(err error) bool {
	if err == nil {
		return false
	}
	var e *stream.Error
	return errors.As(err, &e) && e.Code == "ExpiredIteratorException"
}

func isInvalidArgument(err error) bool {
	if err == nil {
		return false
	}
	var e *stream.Error
	return errors.As(err, &e) && e.Code == "InvalidArgumentException"
}
