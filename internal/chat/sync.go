package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/Radvylf/npsp2/internal/htmlutil"
	"github.com/Radvylf/npsp2/internal/model"
	"github.com/Radvylf/npsp2/internal/telemetry"
)

// ErrMissingUnread is returned when the room page carries no unread-message list.
var ErrMissingUnread = errors.New("room page has no StartChat script")

// AckSet remembers which messages were already acknowledged on one connection.
type AckSet struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

// NewAckSet creates an empty AckSet.
func NewAckSet() *AckSet {
	return &AckSet{ids: make(map[int64]struct{})}
}

// Add records id and reports whether it was not yet present.
func (s *AckSet) Add(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Remove forgets id so that a later Add succeeds again.
func (s *AckSet) Remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

// Observer records post ids that are already known in a room.
type Observer interface {
	Observe(feedKey, id string) bool
}

// Sync keeps one room's inbox acknowledged and seeds the room's registry from
// links posted in it.
type Sync struct {
	client   *Client
	registry Observer
	sites    []*model.Site
	log      *slog.Logger
}

// NewSync creates a Sync. Links are recognized on sites only.
func NewSync(client *Client, registry Observer, sites []*model.Site, log *slog.Logger) *Sync {
	return &Sync{client: client, registry: registry, sites: sites, log: log}
}

// Ack acknowledges id unless it is already in acks.
func (s *Sync) Ack(ctx context.Context, acks *AckSet, id int64) error {
	if !acks.Add(id) {
		return nil
	}
	if err := s.client.Ack(ctx, id); err != nil {
		acks.Remove(id)
		return fmt.Errorf("ack %d: %w", id, err)
	}
	telemetry.RecordAck()
	s.log.Debug("acknowledged", "message_id", id)
	return nil
}

// AckUnread acknowledges every message the room page lists as unread.
func (s *Sync) AckUnread(ctx context.Context, acks *AckSet) error {
	page, err := s.client.RoomPage(ctx)
	if err != nil {
		return fmt.Errorf("load room page: %w", err)
	}
	ids, err := UnreadMessageIDs(page)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.Ack(ctx, acks, id); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		s.log.Info("acknowledged unread messages", "count", len(ids))
	}
	return nil
}

// SeedFromHistory observes every post linked in the room's recent messages
// and returns the server's logical clock.
func (s *Sync) SeedFromHistory(ctx context.Context) (int64, error) {
	events, err := s.client.RecentEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("load recent events: %w", err)
	}
	seeded := 0
	for _, e := range events.Events {
		if e.EventType == EventMessagePosted {
			seeded += s.SeedFromContent(e.Content)
		}
	}
	s.log.Debug("seeded from history", "messages", len(events.Events), "new_ids", seeded)
	return events.Time, nil
}

// SeedFromContent observes the posts linked in one message body and returns
// how many were new.
func (s *Sync) SeedFromContent(content string) int {
	if content == "" {
		return 0
	}
	n := 0
	for _, l := range LinkedPosts(s.sites, content) {
		if s.registry.Observe(l.Site.SocketID, l.ID) {
			n++
		}
	}
	return n
}

// LinkedPost is a post referenced by a link in a chat message.
type LinkedPost struct {
	Site *model.Site
	ID   string
}

// LinkedPosts returns the posts on sites that content links to. A link to an
// answer under its question path yields both the question and the answer.
func LinkedPosts(sites []*model.Site, content string) []LinkedPost {
	root, err := htmlutil.Parse(content)
	if err != nil {
		return nil
	}
	hrefs := htmlutil.FindAll(root, htmlutil.Element("a",
		func(n *html.Node) bool { _, ok := htmlutil.Attr(n, "href"); return ok },
		func(n *html.Node) string { v, _ := htmlutil.Attr(n, "href"); return v },
	))

	var posts []LinkedPost
	for _, href := range hrefs {
		for _, site := range sites {
			kind, id, ok := model.ParsePostURL(site, href)
			if !ok {
				continue
			}
			if q, ok := parentQuestion(href); ok && kind == model.KindAnswer {
				posts = append(posts, LinkedPost{Site: site, ID: q})
			}
			posts = append(posts, LinkedPost{Site: site, ID: id})
			break
		}
	}
	return posts
}

// parentQuestion returns q for links of the form .../questions/<q>/<slug>/<a>.
func parentQuestion(href string) (string, bool) {
	_, rest, ok := strings.Cut(href, "/questions/")
	if !ok {
		return "", false
	}
	q, _, _ := strings.Cut(rest, "/")
	if _, err := strconv.ParseUint(q, 10, 64); err != nil {
		return "", false
	}
	return q, true
}

// UnreadMessageIDs parses the unread message ids out of the room page. The
// page boots the client with a StartChat(...) call whose last argument is an
// object literal keyed by unread message id.
func UnreadMessageIDs(page string) ([]int64, error) {
	root, err := htmlutil.Parse(page)
	if err != nil {
		return nil, fmt.Errorf("parse room page: %w", err)
	}
	script, ok := htmlutil.FindFirst(root, htmlutil.Element("script",
		func(n *html.Node) bool { return strings.Contains(htmlutil.Text(n), "StartChat(") },
		htmlutil.Text,
	))
	if !ok {
		return nil, ErrMissingUnread
	}

	_, args, _ := strings.Cut(script, "StartChat(")
	args, _, ok = strings.Cut(args, ");")
	if !ok {
		return nil, ErrMissingUnread
	}
	i := strings.LastIndexByte(args, '\n')
	if i < 0 {
		return nil, ErrMissingUnread
	}
	obj := strings.TrimSpace(args[i+1:])
	if !strings.HasPrefix(obj, "{") || !strings.HasSuffix(obj, "}") {
		return nil, fmt.Errorf("%w: unexpected unread list %q", ErrMissingUnread, obj)
	}

	obj = strings.TrimSpace(obj[1 : len(obj)-1])
	if obj == "" {
		return nil, nil
	}
	var ids []int64
	for _, pair := range strings.Split(obj, ",") {
		key, _, _ := strings.Cut(pair, ":")
		id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse unread id %q: %w", key, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
