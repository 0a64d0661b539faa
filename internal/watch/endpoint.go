// Package watch speaks the Q&A realtime socket: it subscribes to the routed
// feeds' topics and turns their frames into items.
package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Radvylf/npsp2/internal/model"
	"github.com/Radvylf/npsp2/internal/reconcile"
	"github.com/Radvylf/npsp2/internal/stream"
)

// DefaultURL is the production realtime socket.
const DefaultURL = "wss://qa.sockets.stackexchange.com/"

// Lookback is how far back the catch-up reconciliation before each connection reaches.
const Lookback = 20 * time.Minute

// Announcer announces a newly seen item in one room.
type Announcer interface {
	Announce(ctx context.Context, item model.Item, origin string) error
}

// Reconciler catches up on items created since a point in time.
type Reconciler interface {
	Reconcile(ctx context.Context, since time.Time) error
}

// DialFunc opens a socket to url.
type DialFunc func(ctx context.Context, url string, header http.Header) (stream.Socket, error)

// Subscription routes one feed's items to the rooms it is announced in.
type Subscription struct {
	Feed       *model.Feed
	Announcers []Announcer
}

// Endpoint subscribes to a fixed set of topics. Frames for any other topic
// mean the subscription and dispatch tables disagree.
type Endpoint struct {
	url        string
	topics     []string
	subs       map[string]*Subscription
	reconciler Reconciler
	dial       DialFunc
	log        *slog.Logger
	now        func() time.Time
}

// NewEndpoint creates an Endpoint for subs. Subscriptions sharing a topic are merged.
func NewEndpoint(url string, subs []Subscription, reconciler Reconciler, dial DialFunc, log *slog.Logger) *Endpoint {
	e := &Endpoint{
		url:        url,
		subs:       make(map[string]*Subscription),
		reconciler: reconciler,
		dial:       dial,
		log:        log,
		now:        time.Now,
	}
	for _, s := range subs {
		topic := s.Feed.Topic()
		existing, ok := e.subs[topic]
		if !ok {
			existing = &Subscription{Feed: s.Feed}
			e.subs[topic] = existing
			e.topics = append(e.topics, topic)
		}
		existing.Announcers = append(existing.Announcers, s.Announcers...)
	}
	return e
}

// Topics returns the subscribed topics in subscription order.
func (e *Endpoint) Topics() []string {
	return e.topics
}

// Prepare runs a reconciliation pass so that whatever the previous socket
// missed is announced before the new one starts delivering.
func (e *Endpoint) Prepare(ctx context.Context) error {
	if e.reconciler == nil {
		return nil
	}
	err := e.reconciler.Reconcile(ctx, e.now().Add(-Lookback))
	if err == nil {
		return nil
	}
	var qe *reconcile.QueryError
	if errors.As(err, &qe) {
		return fmt.Errorf("catch up: %w", err)
	}
	return stream.Fatal(fmt.Errorf("catch up: %w", err))
}

func (e *Endpoint) Dial(ctx context.Context) (stream.Socket, error) {
	return e.dial(ctx, e.url, nil)
}

func (e *Endpoint) Open(_ context.Context, sock stream.Socket) error {
	topics := e.Topics()
	for _, topic := range topics {
		if err := sock.WriteMessage([]byte(topic)); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	e.log.Debug("subscribed", "topics", topics)
	return nil
}

var heartbeat = []byte(`"hb"`)

// Control answers heartbeats with "pong".
func (e *Endpoint) Control(frame []byte) ([]byte, bool) {
	if bytes.Contains(frame, heartbeat) {
		var m message
		if err := json.Unmarshal(frame, &m); err == nil && m.Action == "hb" {
			return []byte("pong"), true
		}
	}
	return nil, false
}

type message struct {
	Action string `json:"action"`
	Data   string `json:"data"`
}

type questionData struct {
	ID postID `json:"id"`
}

type answerData struct {
	Action   string `json:"a"`
	AnswerID postID `json:"answerid"`
}

// postID accepts both numeric and string ids.
type postID string

func (p *postID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = postID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseUint(n.String(), 10, 64); err != nil {
		return fmt.Errorf("post id %s: %w", n, err)
	}
	*p = postID(n.String())
	return nil
}

func (e *Endpoint) Handle(ctx context.Context, raw []byte) error {
	var f message
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("%w: %w", stream.ErrMalformed, err)
	}
	sub, ok := e.subs[f.Action]
	if !ok {
		return fmt.Errorf("%w: topic %q", stream.ErrUnknownEvent, f.Action)
	}

	item, ok, err := decodeItem(sub.Feed, f.Data)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", stream.ErrMalformed, f.Action, err)
	}
	if !ok {
		return nil
	}
	item.Created = e.now().UTC()
	e.log.Debug("item from socket", "topic", f.Action, "id", item.ID)

	for _, a := range sub.Announcers {
		if err := a.Announce(ctx, item, model.OriginSocket); err != nil {
			return err
		}
	}
	return nil
}

// decodeItem extracts the new item from a topic's data payload. Answer topics
// carry other updates as well; those yield no item.
func decodeItem(feed *model.Feed, data string) (model.Item, bool, error) {
	if feed.Kind == model.KindAnswer {
		var d answerData
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return model.Item{}, false, err
		}
		if d.Action != "answer-add" {
			return model.Item{}, false, nil
		}
		if d.AnswerID == "" {
			return model.Item{}, false, errors.New("answer-add without answerid")
		}
		return model.Item{Feed: feed, Kind: model.KindAnswer, ID: string(d.AnswerID)}, true, nil
	}

	var d questionData
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return model.Item{}, false, err
	}
	if d.ID == "" {
		return model.Item{}, false, errors.New("question without id")
	}
	return model.Item{Feed: feed, Kind: model.KindQuestion, ID: string(d.ID)}, true, nil
}
