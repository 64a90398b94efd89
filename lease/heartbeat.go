// Package lease implements the cooperative distribution layer: the
// heartbeat manager that publishes liveness and evicts dead peers, and
// the lease coordinator that acquires, renews, releases, and
// garbage-collects per-shard leases in the coordinator store.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/lagoon-io/lagoon/state"
)

// heartbeatFailureFactor scales the interval into the eviction
// threshold for dead peers.
const heartbeatFailureFactor = 3

// Heartbeat periodically refreshes this instance's liveness record and
// evicts peers whose heartbeat has gone stale.
type Heartbeat struct {
	Store    *state.Store
	Meta     state.ConsumerMeta
	Interval time.Duration
	Clock    clockwork.Clock
	Logger   *log.Entry
}

// Run loops until |ctx| is cancelled. Tick failures are logged and the
// loop continues; they never surface to callers.
func (h *Heartbeat) Run(ctx context.Context) {
	for {
		h.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-h.Clock.After(h.Interval):
		}
	}
}

func (h *Heartbeat) tick(ctx context.Context) {
	if err := h.Store.RegisterConsumer(ctx, h.Meta); err != nil {
		h.Logger.WithError(err).Warn("failed to refresh consumer heartbeat")
		return
	}

	var err = h.Store.ClearOldConsumers(ctx, heartbeatFailureFactor*h.Interval)
	if errors.Is(err, state.ErrConflict) {
		h.Logger.Debug("lost race evicting dead consumers; a peer got there first")
	} else if err != nil {
		h.Logger.WithError(err).Warn("failed to evict dead consumers")
	}
}
