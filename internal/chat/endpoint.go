package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Radvylf/npsp2/internal/stream"
)

// DialFunc opens a socket to url.
type DialFunc func(ctx context.Context, url string, header http.Header) (stream.Socket, error)

// Endpoint is the chat room socket protocol. Before every connection it
// acknowledges unread messages and seeds the registry from recent history;
// while connected it acknowledges mentions and replies and seeds from new
// messages.
type Endpoint struct {
	client *Client
	sync   *Sync
	dial   DialFunc
	log    *slog.Logger

	acks  *AckSet
	since int64
}

// NewEndpoint creates a chat Endpoint.
func NewEndpoint(client *Client, sync *Sync, dial DialFunc, log *slog.Logger) *Endpoint {
	return &Endpoint{client: client, sync: sync, dial: dial, log: log}
}

func (e *Endpoint) Prepare(ctx context.Context) error {
	acks := NewAckSet()
	if err := e.sync.AckUnread(ctx, acks); err != nil {
		return sessionFatal(err)
	}
	since, err := e.sync.SeedFromHistory(ctx)
	if err != nil {
		return sessionFatal(err)
	}
	e.acks = acks
	e.since = since
	return nil
}

func (e *Endpoint) Dial(ctx context.Context) (stream.Socket, error) {
	url, err := e.client.SocketURL(ctx, e.since)
	if err != nil {
		return nil, sessionFatal(err)
	}
	header := http.Header{}
	header.Set("Origin", e.client.Origin())
	return e.dial(ctx, url, header)
}

func (e *Endpoint) Open(context.Context, stream.Socket) error {
	return nil
}

// Control reports false for every frame: the chat server's keepalives are
// ordinary room frames without events.
func (e *Endpoint) Control([]byte) ([]byte, bool) {
	return nil, false
}

type roomFrame struct {
	Events []Event `json:"e"`
}

func (e *Endpoint) Handle(ctx context.Context, frame []byte) error {
	var rooms map[string]roomFrame
	if err := json.Unmarshal(frame, &rooms); err != nil {
		return fmt.Errorf("%w: %w", stream.ErrMalformed, err)
	}
	for _, room := range rooms {
		for _, ev := range room.Events {
			switch ev.EventType {
			case EventMessagePosted:
				e.sync.SeedFromContent(ev.Content)
			case EventUserMentioned, EventMessageReply:
				if ev.MessageID == 0 {
					continue
				}
				if err := e.sync.Ack(ctx, e.acks, ev.MessageID); err != nil {
					if errors.Is(err, ErrSessionRejected) {
						return err
					}
					e.log.Warn("acknowledge message", "message_id", ev.MessageID, "error", err)
				}
			}
		}
	}
	return nil
}

func sessionFatal(err error) error {
	if errors.Is(err, ErrSessionRejected) {
		return stream.Fatal(err)
	}
	return err
}
