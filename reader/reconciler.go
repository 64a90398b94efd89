package reader

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lagoon-io/lagoon/ops"
	"github.com/lagoon-io/lagoon/state"
)

// Reader is one running per-shard read loop.
type Reader interface {
	Start(ctx context.Context) error
	Stop()
	UpdateLeaseExpiration(time.Time)
}

// Factory builds a reader for a newly-owned shard.
type Factory func(shard state.OwnedShard) Reader

// Reconciler starts and stops per-shard readers as the owned-shard set
// changes.
type Reconciler struct {
	Store   *state.Store
	Factory Factory
	Logger  *log.Entry
	Sink    *ops.Sink

	mu      sync.Mutex
	running map[string]Reader
}

// Reconcile aligns running readers with the current owned-shard set:
// missing readers are started, disowned readers stopped, and surviving
// readers get their lease expirations refreshed. Start errors bubble;
// stopping never blocks the rest.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	var owned, err = r.Store.GetOwnedShards(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running == nil {
		r.running = map[string]Reader{}
	}

	for shardID, shard := range owned {
		if reader, ok := r.running[shardID]; ok {
			reader.UpdateLeaseExpiration(shard.LeaseExpiration)
			continue
		}
		var reader = r.Factory(shard)
		if err = reader.Start(ctx); err != nil {
			return err
		}
		r.Logger.WithField("shard", shardID).Info("started shard reader")
		r.running[shardID] = reader
	}

	for shardID, reader := range r.running {
		if _, ok := owned[shardID]; ok {
			continue
		}
		r.Logger.WithField("shard", shardID).Info("stopping disowned shard reader")
		reader.Stop()
		delete(r.running, shardID)
	}

	if r.Sink != nil {
		r.Sink.SetOwnedShards(len(r.running))
	}
	return nil
}

// Drop removes a reader that stopped itself, e.g. on lease expiry or
// shard depletion.
func (r *Reconciler) Drop(shardID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reader, ok := r.running[shardID]; ok {
		reader.Stop()
		delete(r.running, shardID)
	}
	if r.Sink != nil {
		r.Sink.SetOwnedShards(len(r.running))
	}
}

// Stop stops every running reader.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for shardID, reader := range r.running {
		reader.Stop()
		delete(r.running, shardID)
	}
	if r.Sink != nil {
		r.Sink.SetOwnedShards(0)
	}
}
