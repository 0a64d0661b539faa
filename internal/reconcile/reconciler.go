// Package reconcile polls the query API for recent items so that anything the
// socket missed is still announced.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Radvylf/npsp2/internal/model"
	"github.com/Radvylf/npsp2/internal/telemetry"
)

// Slack is subtracted from every cutoff to absorb clock skew between us and the API.
const Slack = 20 * time.Second

// Source lists the newest items of a feed.
type Source interface {
	Recent(ctx context.Context, feed *model.Feed) ([]model.Item, error)
}

// Announcer announces a newly seen item in one room.
type Announcer interface {
	Announce(ctx context.Context, item model.Item, origin string) error
}

// QueryError is a failed query for one feed. It is retried on the next pass.
type QueryError struct {
	Feed string
	Err  error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("reconcile %s: %v", e.Feed, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Group is one query: a feed, the source used to query it and every route
// announcing its items.
type Group struct {
	Feed       *model.Feed
	Source     Source
	Announcers []Announcer
}

// Reconciler runs catch-up passes over a fixed set of groups.
type Reconciler struct {
	groups   []Group
	log      *slog.Logger
	interval time.Duration
	lookback time.Duration
	now      func() time.Time
}

// New creates a Reconciler. Run polls every interval looking back lookback.
func New(groups []Group, interval, lookback time.Duration, log *slog.Logger) *Reconciler {
	return &Reconciler{
		groups:   groups,
		log:      log.With("component", "reconcile"),
		interval: interval,
		lookback: lookback,
		now:      time.Now,
	}
}

// Reconcile queries every group once and announces the items created at or
// after since, less Slack. Groups are independent: a failing query does not
// stop the others, but an announcement failure stops the pass.
func (r *Reconciler) Reconcile(ctx context.Context, since time.Time) error {
	cutoff := since.Add(-Slack)
	var errs []error
	announced := 0

	for _, g := range r.groups {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		items, err := g.Source.Recent(ctx, g.Feed)
		if err != nil {
			errs = append(errs, &QueryError{Feed: g.Feed.Name, Err: err})
			continue
		}
		for _, item := range items {
			if item.Created.Before(cutoff) {
				continue
			}
			for _, a := range g.Announcers {
				if err := a.Announce(ctx, item, model.OriginReconcile); err != nil {
					telemetry.RecordReconcile(err)
					return err
				}
			}
			announced++
		}
	}

	err := errors.Join(errs...)
	telemetry.RecordReconcile(err)
	r.log.Debug("reconciled", "since", cutoff, "candidates", announced, "failed_groups", len(errs))
	return err
}

// Run reconciles every interval until ctx is cancelled. Query failures are
// logged and retried on the next tick; announcement failures end the loop.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Reconcile(ctx, r.now().Add(-r.lookback)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				var qe *QueryError
				if !errors.As(err, &qe) {
					return err
				}
				r.log.Error("reconcile", "error", err)
			}
		}
	}
}
