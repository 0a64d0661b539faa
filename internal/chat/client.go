// Package chat talks to a chat server room: posting announcements, keeping the
// bot's inbox acknowledged, and learning already-linked posts from history.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Radvylf/npsp2/internal/model"
	"github.com/Radvylf/npsp2/internal/session"
)

// Event types sent by the chat server.
const (
	EventMessagePosted = 1
	EventUserMentioned = 8
	EventMessageReply  = 18
)

// ErrSessionRejected is returned when the chat server refuses the session's
// cookies or fkey. Logging in again is the only remedy.
var ErrSessionRejected = errors.New("chat session rejected")

// RejectedError names the account whose session was refused. It matches
// ErrSessionRejected.
type RejectedError struct {
	Account string
	Status  int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: status %d: %v", e.Account, e.Status, ErrSessionRejected)
}

func (e *RejectedError) Is(target error) bool {
	return target == ErrSessionRejected
}

// MaxCooldown caps a server-announced cooldown.
const MaxCooldown = time.Hour

// CooldownError is returned when the server rate-limits a post.
type CooldownError struct {
	Wait time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("rate limited for %s", e.Wait)
}

// Event is one chat event as delivered by the events endpoint and the socket.
type Event struct {
	EventType int    `json:"event_type"`
	MessageID int64  `json:"message_id"`
	RoomID    int64  `json:"room_id"`
	UserID    int64  `json:"user_id"`
	Content   string `json:"content"`
}

// Events is the response of the events endpoint.
type Events struct {
	Time   int64   `json:"time"`
	Events []Event `json:"events"`
}

// Client performs the HTTP calls for one room as one account.
type Client struct {
	sess   *session.Session
	base   string
	roomID string
}

// NewClient creates a Client for room.
func NewClient(sess *session.Session, room *model.Room) *Client {
	return &Client{
		sess:   sess,
		base:   room.ServerURL(),
		roomID: room.ID,
	}
}

// Origin returns the chat server origin, as sent in the socket handshake.
func (c *Client) Origin() string {
	return c.base
}

// PostMessage posts text into the room.
func (c *Client) PostMessage(ctx context.Context, text string) error {
	_, err := c.postForm(ctx, "/chats/"+c.roomID+"/messages/new", url.Values{"text": {text}})
	return err
}

// Ack marks a message as read.
func (c *Client) Ack(ctx context.Context, messageID int64) error {
	_, err := c.postForm(ctx, "/messages/ack", url.Values{"id": {strconv.FormatInt(messageID, 10)}})
	return err
}

// RecentEvents returns the last hundred messages of the room along with the
// server's logical clock.
func (c *Client) RecentEvents(ctx context.Context) (*Events, error) {
	body, err := c.postForm(ctx, "/chats/"+c.roomID+"/events", url.Values{
		"since":    {"0"},
		"mode":     {"Messages"},
		"msgCount": {"100"},
	})
	if err != nil {
		return nil, err
	}
	var events Events
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return &events, nil
}

// SocketURL obtains an authorized socket URL resuming at logical time since.
func (c *Client) SocketURL(ctx context.Context, since int64) (string, error) {
	body, err := c.postForm(ctx, "/ws-auth", url.Values{"roomid": {c.roomID}})
	if err != nil {
		return "", err
	}
	var auth struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &auth); err != nil {
		return "", fmt.Errorf("decode ws-auth: %w", err)
	}
	if auth.URL == "" {
		return "", errors.New("ws-auth returned no url")
	}
	return auth.URL + "?l=" + strconv.FormatInt(since, 10), nil
}

// RoomPage returns the HTML of the room page.
func (c *Client) RoomPage(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/rooms/"+c.roomID, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	form.Set("fkey", c.sess.FKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.sess.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		if wait, ok := ParseCooldown(string(body)); ok {
			return nil, &CooldownError{Wait: wait}
		}
		return nil, fmt.Errorf("%s %s: conflict: %s", req.Method, req.URL.Path, snippet(body))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, &RejectedError{Account: c.sess.Account, Status: resp.StatusCode})
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return body, nil
}

var cooldownPattern = regexp.MustCompile(`again in (\d+) seconds?`)

// ParseCooldown extracts the wait from a rate-limit message such as
// "You can perform this action again in 5 seconds". Waits above MaxCooldown
// are clamped.
func ParseCooldown(body string) (time.Duration, bool) {
	m := cooldownPattern.FindStringSubmatch(body)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		// Only overflow is possible here; the pattern matched digits.
		return MaxCooldown, true
	}
	if n > int64(MaxCooldown/time.Second) {
		return MaxCooldown, true
	}
	return time.Duration(n) * time.Second, true
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 120 {
		cut := 120
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}
