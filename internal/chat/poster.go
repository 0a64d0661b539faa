package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Radvylf/npsp2/internal/telemetry"
)

// CooldownMargin is added to the server-announced cooldown before retrying.
const CooldownMargin = 2 * time.Second

// ErrDeliveryFailed is returned when a message could not be posted within the
// bounded retry.
var ErrDeliveryFailed = errors.New("delivery failed")

// MessagePoster posts a message into one room.
type MessagePoster interface {
	PostMessage(ctx context.Context, text string) error
}

// Poster delivers announcements to one room. A rate-limited post is retried
// exactly once after the announced cooldown.
type Poster struct {
	client  MessagePoster
	room    string
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
	log     *slog.Logger
}

// NewPoster creates a Poster for the room named room. Posts are paced to at
// most one every interval, with a burst of burst.
func NewPoster(client MessagePoster, room string, interval time.Duration, burst int, log *slog.Logger) *Poster {
	return &Poster{
		client:  client,
		room:    room,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		sleep:   sleepContext,
		log:     log.With("component", "poster", "room", room),
	}
}

// Post delivers text, making at most two attempts.
func (p *Poster) Post(ctx context.Context, text string) error {
	err := p.attempt(ctx, text)
	if err == nil {
		return nil
	}

	var cooldown *CooldownError
	if !errors.As(err, &cooldown) {
		telemetry.RecordPostFailure(p.room)
		return fmt.Errorf("post to %s: %w: %w", p.room, ErrDeliveryFailed, err)
	}

	telemetry.RecordCooldown(p.room)
	wait := cooldown.Wait + CooldownMargin
	p.log.Warn("rate limited, retrying once", "wait", wait)
	if err := p.sleep(ctx, wait); err != nil {
		return err
	}

	if err := p.attempt(ctx, text); err != nil {
		telemetry.RecordPostFailure(p.room)
		return fmt.Errorf("post to %s after cooldown: %w: %w", p.room, ErrDeliveryFailed, err)
	}
	return nil
}

func (p *Poster) attempt(ctx context.Context, text string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.client.PostMessage(ctx, text)
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
