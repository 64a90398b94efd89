package lease

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/lagoon-io/lagoon/state"
)

func TestHeartbeatTickRegistersAndEvicts(t *testing.T) {
	var clock = clockwork.NewFakeClockAt(time.UnixMilli(10_000_000))
	var db = newMemoryDynamo(state.GroupState{
		Consumers: map[string]state.ConsumerState{
			// Last heartbeat far beyond the three-interval threshold.
			"dead-peer": {Heartbeat: 1_000, IsActive: true},
			"live-peer": {Heartbeat: 9_990_000, IsActive: true},
		},
	})
	var h = &Heartbeat{
		Store:    state.NewStore(db, "a-table", "a-group", "a-stream", "self", clock, log.WithField("test", t.Name())),
		Meta:     state.ConsumerMeta{AppName: "worker", Host: "box-1", PID: 7},
		Interval: 15 * time.Second,
		Clock:    clock,
		Logger:   log.WithField("test", t.Name()),
	}
	h.tick(context.Background())

	var doc = db.snapshot()
	require.NotContains(t, doc.Consumers, "dead-peer")
	require.Contains(t, doc.Consumers, "live-peer")

	var self = doc.Consumers["self"]
	require.Equal(t, "worker", self.AppName)
	require.Equal(t, clock.Now().UnixMilli(), self.Heartbeat)
	require.True(t, self.IsActive)
}

func TestHeartbeatTickRefreshesExistingRecord(t *testing.T) {
	var clock = clockwork.NewFakeClockAt(time.UnixMilli(10_000_000))
	var db = newMemoryDynamo(state.GroupState{
		Consumers: map[string]state.ConsumerState{
			"self": {AppName: "worker", Heartbeat: 9_000_000, StartedAt: 1_000, IsActive: true},
		},
	})
	var h = &Heartbeat{
		Store:    state.NewStore(db, "a-table", "a-group", "a-stream", "self", clock, log.WithField("test", t.Name())),
		Interval: 15 * time.Second,
		Clock:    clock,
		Logger:   log.WithField("test", t.Name()),
	}
	h.tick(context.Background())

	var self = db.snapshot().Consumers["self"]
	require.Equal(t, clock.Now().UnixMilli(), self.Heartbeat)
	require.Equal(t, int64(1_000), self.StartedAt) // untouched by the fast path
}

func TestHeartbeatRunLoopsUntilCancelled(t *testing.T) {
	var clock = clockwork.NewFakeClockAt(time.UnixMilli(10_000_000))
	var db = newMemoryDynamo(state.GroupState{})
	var h = &Heartbeat{
		Store:    state.NewStore(db, "a-table", "a-group", "a-stream", "self", clock, log.WithField("test", t.Name())),
		Interval: 15 * time.Second,
		Clock:    clock,
		Logger:   log.WithField("test", t.Name()),
	}

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan struct{})
	go func() {
		defer close(done)
		h.Run(ctx)
	}()

	clock.BlockUntil(1) // first tick completed, loop is waiting
	require.Contains(t, db.snapshot().Consumers, "self")

	cancel()
	clock.Advance(15 * time.Second)
	<-done
}