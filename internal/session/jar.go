package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// persistentJar is a cookie jar that remembers what it was given so it can be
// written to disk and replayed into a fresh jar on the next start.
type persistentJar struct {
	jar *cookiejar.Jar

	mu      sync.Mutex
	entries map[string]map[string]*http.Cookie // origin -> cookie key -> cookie
}

type jarEntry struct {
	URL     string         `json:"url"`
	Cookies []*http.Cookie `json:"cookies"`
}

func newPersistentJar() (*persistentJar, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &persistentJar{jar: jar, entries: make(map[string]map[string]*http.Cookie)}, nil
}

func (j *persistentJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.jar.SetCookies(u, cookies)

	origin := u.Scheme + "://" + u.Host
	j.mu.Lock()
	defer j.mu.Unlock()
	m, ok := j.entries[origin]
	if !ok {
		m = make(map[string]*http.Cookie)
		j.entries[origin] = m
	}
	for _, c := range cookies {
		m[c.Domain+"|"+c.Path+"|"+c.Name] = c
	}
}

func (j *persistentJar) Cookies(u *url.URL) []*http.Cookie {
	return j.jar.Cookies(u)
}

func (j *persistentJar) save(path string) error {
	j.mu.Lock()
	entries := make([]jarEntry, 0, len(j.entries))
	for origin, m := range j.entries {
		e := jarEntry{URL: origin}
		for _, c := range m {
			e.Cookies = append(e.Cookies, c)
		}
		entries = append(entries, e)
	}
	j.mu.Unlock()

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write cookies: %w", err)
	}
	return nil
}

func (j *persistentJar) load(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is built from the configured session dir
	if err != nil {
		return fmt.Errorf("read cookies: %w", err)
	}
	var entries []jarEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode cookies: %w", err)
	}
	for _, e := range entries {
		u, err := url.Parse(e.URL)
		if err != nil {
			return fmt.Errorf("parse cookie origin %q: %w", e.URL, err)
		}
		j.SetCookies(u, e.Cookies)
	}
	return nil
}
