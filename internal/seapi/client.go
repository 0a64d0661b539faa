// Package seapi queries the Stack Exchange REST API for recent posts.
package seapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Radvylf/npsp2/internal/model"
)

// DefaultBaseURL is the API root used in production.
const DefaultBaseURL = "https://api.stackexchange.com/2.3"

// PageSize is how many of the newest posts one query returns.
const PageSize = 12

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Error is an error envelope returned by the API.
type Error struct {
	StatusCode int
	ID         int
	Name       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d %s (status %d): %s", e.ID, e.Name, e.StatusCode, e.Message)
}

type post struct {
	QuestionID   int64 `json:"question_id"`
	AnswerID     int64 `json:"answer_id"`
	CreationDate int64 `json:"creation_date"`
}

type envelope struct {
	Items          []post `json:"items"`
	QuotaRemaining int    `json:"quota_remaining"`
	Backoff        int    `json:"backoff"`
	ErrorID        int    `json:"error_id"`
	ErrorName      string `json:"error_name"`
	ErrorMessage   string `json:"error_message"`
}

// Client is an API client bound to one HTTP client and key. The API can ask
// callers to back off; the client honours that before its next request.
type Client struct {
	base   string
	key    string
	client HTTPClient
	log    *slog.Logger

	mu        sync.Mutex
	notBefore time.Time
}

// New creates a Client. An empty base selects DefaultBaseURL.
func New(base, key string, client HTTPClient, log *slog.Logger) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	return &Client{base: base, key: key, client: client, log: log.With("component", "seapi")}
}

// Recent returns the newest posts of feed, newest first.
func (c *Client) Recent(ctx context.Context, feed *model.Feed) ([]model.Item, error) {
	path := "/questions"
	if feed.Kind == model.KindAnswer {
		path = "/questions/" + feed.QuestionID + "/answers"
	}
	q := url.Values{
		"pagesize": {strconv.Itoa(PageSize)},
		"order":    {"desc"},
		"sort":     {"creation"},
	}
	env, err := c.get(ctx, path, feed.Site.APISite, q)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", feed.Name, err)
	}

	items := make([]model.Item, 0, len(env.Items))
	for _, p := range env.Items {
		id := p.QuestionID
		if feed.Kind == model.KindAnswer {
			id = p.AnswerID
		}
		if id == 0 {
			continue
		}
		items = append(items, model.Item{
			Feed:    feed,
			Kind:    feed.Kind,
			ID:      strconv.FormatInt(id, 10),
			Created: time.Unix(p.CreationDate, 0).UTC(),
		})
	}
	return items, nil
}

// Visible reports whether the API already returns item.
func (c *Client) Visible(ctx context.Context, item model.Item) (bool, error) {
	path := "/questions/" + item.ID
	if item.Kind == model.KindAnswer {
		path = "/answers/" + item.ID
	}
	env, err := c.get(ctx, path, item.Feed.Site.APISite, url.Values{})
	if err != nil {
		return false, fmt.Errorf("look up %s %s: %w", item.Kind, item.ID, err)
	}
	return len(env.Items) > 0, nil
}

func (c *Client) get(ctx context.Context, path, site string, q url.Values) (*envelope, error) {
	if err := c.waitBackoff(ctx); err != nil {
		return nil, err
	}

	q.Set("site", site)
	if c.key != "" {
		q.Set("key", c.key)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.ErrorID != 0 || resp.StatusCode != http.StatusOK {
		return nil, &Error{StatusCode: resp.StatusCode, ID: env.ErrorID, Name: env.ErrorName, Message: env.ErrorMessage}
	}

	if env.Backoff > 0 {
		c.log.Warn("api requested backoff", "seconds", env.Backoff, "quota_remaining", env.QuotaRemaining)
		c.mu.Lock()
		c.notBefore = time.Now().Add(time.Duration(env.Backoff) * time.Second)
		c.mu.Unlock()
	}
	return &env, nil
}

func (c *Client) waitBackoff(ctx context.Context) error {
	c.mu.Lock()
	wait := time.Until(c.notBefore)
	c.mu.Unlock()
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
