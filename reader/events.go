// Package reader implements the per-shard readers (pull and push
// variants) and the reconciler that keeps running readers in agreement
// with the owned-shard set.
package reader

import (
	"github.com/lagoon-io/lagoon/codec"
	"github.com/lagoon-io/lagoon/ops"
)

// Event is one entry of the facade's output stream: a *RecordBatch, an
// *ErrorEvent, a *StatsEvent, or a *NoticeEvent.
type Event interface{ isEvent() }

// RecordBatch is a chunk of decoded records read from one shard.
type RecordBatch struct {
	Records                    []codec.Record
	ShardID                    string
	StreamName                 string
	MillisBehindLatest         int64
	ContinuationSequenceNumber string

	// Checkpoint persists a safely-processed sequence number. Set only
	// when automatic checkpointing is disabled.
	Checkpoint func(sequenceNumber string) error
	// ContinuePolling schedules the shard's next poll. Set only in
	// paused-polling mode; the reader is parked until it's invoked.
	ContinuePolling func()
}

func (*RecordBatch) isEvent() {}

// ErrorEvent surfaces a failure that the library couldn't absorb.
type ErrorEvent struct {
	Err     error
	ShardID string
}

func (*ErrorEvent) isEvent() {}

// StatsEvent is the periodic metrics snapshot.
type StatsEvent struct {
	Stats ops.Stats
}

func (*StatsEvent) isEvent() {}

// NoticeEvent re-emits a named, informational subscription event.
type NoticeEvent struct {
	Name    string
	ShardID string
	Payload []byte
}

func (*NoticeEvent) isEvent() {}
