// Package fetcher reads a site's Atom feeds as a reconciliation source when no
// API key is configured.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/Radvylf/npsp2/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads and parses site feeds.
type Fetcher struct {
	client    HTTPClient
	userAgent string
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient, userAgent string) *Fetcher {
	return &Fetcher{client: client, userAgent: userAgent}
}

// FeedURL returns the Atom feed carrying feed's items.
func FeedURL(feed *model.Feed) string {
	if feed.Kind == model.KindAnswer {
		return feed.Site.URL + "/feeds/question/" + feed.QuestionID
	}
	return feed.Site.URL + "/feeds"
}

// Fetch downloads and parses the feed at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parser := gofeed.NewParser()
	parsed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return parsed, nil
}

// Recent returns the items of feed currently listed in its Atom feed.
func (f *Fetcher) Recent(ctx context.Context, feed *model.Feed) ([]model.Item, error) {
	parsed, err := f.Fetch(ctx, FeedURL(feed))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", feed.Name, err)
	}
	return Items(feed, parsed.Items), nil
}

// Items converts feed entries into items of feed. Entries of another kind,
// such as the question entry heading an answers feed, are skipped.
func Items(feed *model.Feed, entries []*gofeed.Item) []model.Item {
	var items []model.Item
	for _, e := range entries {
		kind, id, ok := entryPost(feed.Site, e)
		if !ok || kind != feed.Kind {
			continue
		}
		items = append(items, model.Item{
			Feed:    feed,
			Kind:    kind,
			ID:      id,
			Created: entryTime(e),
		})
	}
	return items
}

func entryPost(site *model.Site, e *gofeed.Item) (model.ItemKind, string, bool) {
	if kind, id, ok := model.ParsePostURL(site, e.GUID); ok {
		return kind, id, true
	}
	return model.ParsePostURL(site, e.Link)
}

func entryTime(e *gofeed.Item) time.Time {
	switch {
	case e.PublishedParsed != nil:
		return e.PublishedParsed.UTC()
	case e.UpdatedParsed != nil:
		return e.UpdatedParsed.UTC()
	}
	return time.Time{}
}
