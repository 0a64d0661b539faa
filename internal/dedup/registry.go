// Package dedup implements the first-seen registry that decides whether an item
// is announced. Every producer (watch socket, reconciliation, chat history) goes
// through Observe, and only a true result may lead to an announcement.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Radvylf/npsp2/internal/model"
	"github.com/Radvylf/npsp2/internal/telemetry"
)

// Store persists observed ids so a restart does not re-announce them.
type Store interface {
	MarkSeen(ctx context.Context, room, feedKey, itemID string) error
	ListSeen(ctx context.Context, room string, since time.Time) ([]model.SeenItem, error)
}

// Registry holds one set of item ids per feed key for a single destination room.
type Registry struct {
	scope string
	store Store
	log   *slog.Logger

	mu   sync.Mutex
	sets map[string]map[string]struct{}
}

// New creates an empty registry. scope names the registry in logs and in the store;
// store may be nil for a purely in-memory registry.
func New(scope string, store Store, log *slog.Logger) *Registry {
	return &Registry{
		scope: scope,
		store: store,
		log:   log.With("registry", scope),
		sets:  make(map[string]map[string]struct{}),
	}
}

// Observe inserts id into the set for feedKey and reports whether it was new.
// It returns true exactly once per (feedKey, id) for the life of the registry.
func (r *Registry) Observe(feedKey, id string) bool {
	if !r.insert(feedKey, id) {
		telemetry.RecordDuplicate(r.scope, feedKey)
		return false
	}

	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.MarkSeen(ctx, r.scope, feedKey, id); err != nil {
			r.log.Error("persist seen item", "feed_key", feedKey, "item_id", id, "error", err)
		}
	}
	return true
}

func (r *Registry) insert(feedKey, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sets[feedKey]
	if !ok {
		set = make(map[string]struct{})
		r.sets[feedKey] = set
	}
	if _, seen := set[id]; seen {
		return false
	}
	set[id] = struct{}{}
	return true
}

// Load seeds the registry with items the store recorded at or after since.
func (r *Registry) Load(ctx context.Context, since time.Time) error {
	if r.store == nil {
		return nil
	}
	items, err := r.store.ListSeen(ctx, r.scope, since)
	if err != nil {
		return fmt.Errorf("load seen items: %w", err)
	}
	for _, it := range items {
		r.insert(it.FeedKey, it.ItemID)
	}
	r.log.Info("loaded seen items", "count", len(items))
	return nil
}

// Len returns the number of ids recorded for feedKey.
func (r *Registry) Len(feedKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets[feedKey])
}
