// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ItemKind is the kind of post a feed produces.
type ItemKind string

// Supported item kinds.
const (
	KindQuestion ItemKind = "question"
	KindAnswer   ItemKind = "answer"
)

// Site is a Q&A site as known to the realtime socket, the API and the web.
type Site struct {
	Name     string
	APISite  string // "site" parameter of the query API, e.g. "codegolf"
	Title    string
	URL      string // base URL without trailing slash
	SocketID string // numeric id used in socket topics, e.g. "200"
}

// Host returns the host part of the site URL.
func (s *Site) Host() string {
	h := strings.TrimPrefix(strings.TrimPrefix(s.URL, "https://"), "http://")
	if i := strings.IndexByte(h, '/'); i >= 0 {
		h = h[:i]
	}
	return h
}

// Feed is a logical source of new items on one site.
type Feed struct {
	Name       string
	Site       *Site
	Kind       ItemKind
	QuestionID string // only for KindAnswer feeds
}

// Key identifies the dedup set the feed's items belong to.
// Questions and answers share a post id space per site, so the key is the site.
func (f *Feed) Key() string {
	return f.Site.SocketID
}

// Topic returns the watch socket topic that carries this feed.
func (f *Feed) Topic() string {
	if f.Kind == KindAnswer {
		return fmt.Sprintf("%s-question-%s", f.Site.SocketID, f.QuestionID)
	}
	return f.Site.SocketID + "-questions-newest"
}

// Room is an announcement destination.
type Room struct {
	Name   string
	Server string // chat host such as "chat.stackexchange.com", or "telegram"
	ID     string
}

// TelegramServer marks rooms that are Telegram chats.
const TelegramServer = "telegram"

// IsTelegram reports whether the room is a Telegram chat rather than a chat server room.
func (r *Room) IsTelegram() bool {
	return r.Server == TelegramServer
}

// ServerURL returns the chat server base URL. Bare hosts are assumed to be https.
func (r *Room) ServerURL() string {
	return BaseURL(r.Server)
}

// Route binds a feed to a room, posting as a given account.
type Route struct {
	Name    string
	Account string
	Feed    *Feed
	Room    *Room

	// ForceAccountClient makes API calls for the feed go through the
	// account's authenticated client instead of the anonymous one.
	ForceAccountClient bool
}

// Origins of an observed item.
const (
	OriginSocket    = "socket"
	OriginReconcile = "reconcile"
)

// Item is a single new post observed on a feed.
type Item struct {
	Feed    *Feed
	Kind    ItemKind
	ID      string
	Created time.Time
}

// URL returns the short link announced for the item.
func (i Item) URL() string {
	if i.Kind == KindAnswer {
		return i.Feed.Site.URL + "/a/" + i.ID
	}
	return i.Feed.Site.URL + "/q/" + i.ID
}

// BaseURL normalizes a host or URL into a scheme-qualified base URL without trailing slash.
func BaseURL(s string) string {
	s = strings.TrimRight(s, "/")
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return s
	}
	return "https://" + s
}

// SeenItem is a persisted dedup record.
type SeenItem struct {
	Room    string
	FeedKey string
	ItemID  string
	SeenAt  time.Time
}

// ParsePostURL extracts the post a site link points at. It recognizes
// /questions/<q>, /questions/<q>/<slug>, /questions/<q>/<slug>/<a>, /q/<q>
// and /a/<a>, optionally followed by further segments or a fragment.
func ParsePostURL(site *Site, link string) (ItemKind, string, bool) {
	u, err := url.Parse(link)
	if err != nil || !strings.EqualFold(u.Host, site.Host()) {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || !isNumeric(parts[1]) {
		return "", "", false
	}
	switch parts[0] {
	case "q":
		return KindQuestion, parts[1], true
	case "a":
		return KindAnswer, parts[1], true
	case "questions":
		if len(parts) >= 4 && isNumeric(parts[3]) {
			return KindAnswer, parts[3], true
		}
		return KindQuestion, parts[1], true
	}
	return "", "", false
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
