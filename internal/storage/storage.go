// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"time"

	"github.com/Radvylf/npsp2/internal/model"
)

// DefaultRetention is how long seen items are kept.
const DefaultRetention = 7 * 24 * time.Hour

// Storage is the interface for all persistence operations.
type Storage interface {
	MarkSeen(ctx context.Context, room, feedKey, itemID string) error
	IsSeen(ctx context.Context, room, feedKey, itemID string) (bool, error)
	ListSeen(ctx context.Context, room string, since time.Time) ([]model.SeenItem, error)
	PruneSeen(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
