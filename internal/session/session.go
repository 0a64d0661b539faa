// Package session logs accounts in to the network and keeps their cookies and
// anti-forgery keys on disk between runs.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Radvylf/npsp2/internal/config"
	"github.com/Radvylf/npsp2/internal/model"
)

// UserAgent is sent with every request made on behalf of an account.
const UserAgent = "Mozilla/5.0 (compatible; NPSP/2.0; +https://chat.stackexchange.com/rooms/240/the-nineteenth-byte)"

// MaxAge is how long stored credentials are trusted.
const MaxAge = 2 * time.Hour

// Errors returned by the login flow and the credential store.
var (
	ErrMissingFKey   = errors.New("missing fkey")
	ErrMissingUserID = errors.New("missing user id")
	ErrLoginRejected = errors.New("login rejected")
	ErrStale         = errors.New("stored credentials are stale")
)

// Session is an authenticated client for one account. It is read-only once created.
type Session struct {
	Account string
	Client  *http.Client
	FKey    string
	UserID  string
	ChatURL string
}

type credentials struct {
	Time   int64  `json:"time"` // unix milliseconds
	UserID string `json:"user_id"`
	FKey   string `json:"fkey"`
}

// Provider creates sessions, reusing fresh credentials from dir when possible.
type Provider struct {
	dir     string
	log     *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

// NewProvider creates a Provider storing credential and cookie files in dir.
func NewProvider(dir string, log *slog.Logger) *Provider {
	return &Provider{
		dir:     dir,
		log:     log.With("component", "session"),
		now:     time.Now,
		timeout: 30 * time.Second,
	}
}

func (p *Provider) credentialsPath(account string) string {
	return filepath.Join(p.dir, account+"-credentials.json")
}

func (p *Provider) cookiesPath(account string) string {
	return filepath.Join(p.dir, account+"-cookies.json")
}

// Login returns a session for account, logging in again when the stored
// credentials are missing, unreadable or stale.
func (p *Provider) Login(ctx context.Context, account string, user config.UserConfig) (*Session, error) {
	jar, err := newPersistentJar()
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		Jar:       jar,
		Timeout:   p.timeout,
		Transport: userAgentTransport{base: http.DefaultTransport},
	}
	s := &Session{Account: account, Client: client, ChatURL: model.BaseURL(user.ChatServer)}

	creds, err := p.loadCredentials(account)
	if err == nil {
		err = jar.load(p.cookiesPath(account))
	}
	if err == nil {
		s.FKey = creds.FKey
		s.UserID = creds.UserID
		p.log.Info("reusing stored credentials",
			"account", account,
			"age", p.now().Sub(time.UnixMilli(creds.Time)).Round(time.Minute),
		)
		return s, nil
	}
	p.log.Info("stored credentials unusable, logging in", "account", account, "reason", err)

	login := &loginFlow{client: client, site: model.BaseURL(user.LoginSite), chat: s.ChatURL}
	fkey, userID, err := login.run(ctx, user.Email, user.Password)
	if err != nil {
		return nil, fmt.Errorf("log in %s: %w", account, err)
	}
	s.FKey = fkey
	s.UserID = userID

	if err := os.MkdirAll(p.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := p.saveCredentials(account, credentials{Time: p.now().UnixMilli(), UserID: userID, FKey: fkey}); err != nil {
		return nil, err
	}
	if err := jar.save(p.cookiesPath(account)); err != nil {
		return nil, err
	}

	p.log.Info("logged in", "account", account, "user_id", userID)
	return s, nil
}

// Invalidate forgets the stored credentials of account so the next Login runs
// the full login flow. Cookies are kept; the flow replaces them.
func (p *Provider) Invalidate(account string) error {
	err := os.Remove(p.credentialsPath(account))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	p.log.Info("stored credentials invalidated", "account", account)
	return nil
}

func (p *Provider) loadCredentials(account string) (*credentials, error) {
	data, err := os.ReadFile(p.credentialsPath(account))
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var c credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if err := checkFresh(c.Time, p.now()); err != nil {
		return nil, err
	}
	if c.FKey == "" {
		return nil, ErrMissingFKey
	}
	return &c, nil
}

func checkFresh(stampMillis int64, now time.Time) error {
	stamp := time.UnixMilli(stampMillis)
	if stamp.After(now) || now.Sub(stamp) > MaxAge {
		return ErrStale
	}
	return nil
}

func (p *Provider) saveCredentials(account string, c credentials) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.WriteFile(p.credentialsPath(account), data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

type userAgentTransport struct {
	base http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", UserAgent)
	}
	return t.base.RoundTrip(req)
}
