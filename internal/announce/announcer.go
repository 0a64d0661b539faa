// Package announce turns observed items into room posts, at most once per item
// and room.
package announce

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Radvylf/npsp2/internal/model"
	"github.com/Radvylf/npsp2/internal/telemetry"
)

// Registry decides whether an item is new to the room.
type Registry interface {
	Observe(feedKey, id string) bool
}

// Poster delivers a message to the room.
type Poster interface {
	Post(ctx context.Context, text string) error
}

// Visibility reports whether the query API already returns an item.
type Visibility interface {
	Visible(ctx context.Context, item model.Item) (bool, error)
}

// VisibilitySchedule is the pause after each unsuccessful visibility check.
var VisibilitySchedule = []time.Duration{
	200 * time.Millisecond, 200 * time.Millisecond, 200 * time.Millisecond, 200 * time.Millisecond,
	time.Second, time.Second, time.Second, time.Second,
}

// Announcer announces items of one route.
type Announcer struct {
	room       string
	registry   Registry
	poster     Poster
	visibility Visibility
	schedule   []time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	log        *slog.Logger
}

// New creates an Announcer for room. visibility may be nil, in which case
// socket items are posted without waiting for the API.
func New(room string, registry Registry, poster Poster, visibility Visibility, log *slog.Logger) *Announcer {
	return &Announcer{
		room:       room,
		registry:   registry,
		poster:     poster,
		visibility: visibility,
		schedule:   VisibilitySchedule,
		sleep:      sleepContext,
		log:        log.With("component", "announce", "room", room),
	}
}

// Announce posts item's link unless the room has seen it already. Items from
// the socket are posted only once the API shows them, or the wait runs out.
func (a *Announcer) Announce(ctx context.Context, item model.Item, origin string) error {
	if !a.registry.Observe(item.Feed.Key(), item.ID) {
		a.log.Debug("already seen", "feed", item.Feed.Name, "id", item.ID, "origin", origin)
		return nil
	}

	var waited time.Duration
	if origin == model.OriginSocket && a.visibility != nil {
		var err error
		waited, err = a.waitVisible(ctx, item)
		if err != nil {
			return err
		}
	}

	if err := a.poster.Post(ctx, item.URL()); err != nil {
		return fmt.Errorf("announce %s %s: %w", item.Kind, item.ID, err)
	}
	telemetry.RecordAnnouncement(a.room, origin)
	a.log.Info("announced", "feed", item.Feed.Name, "id", item.ID, "origin", origin, "waited", waited)
	return nil
}

func (a *Announcer) waitVisible(ctx context.Context, item model.Item) (time.Duration, error) {
	start := time.Now()
	for _, pause := range a.schedule {
		ok, err := a.visibility.Visible(ctx, item)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			a.log.Warn("visibility check", "id", item.ID, "error", err)
		}
		if ok {
			return time.Since(start), nil
		}
		if err := a.sleep(ctx, pause); err != nil {
			return 0, err
		}
	}
	a.log.Warn("item still not visible in api, posting anyway", "id", item.ID, "waited", time.Since(start))
	return time.Since(start), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
