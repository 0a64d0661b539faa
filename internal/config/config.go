// Package config handles application configuration from environment variables
// and the JSON file describing accounts, sites, rooms, feeds and routes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Radvylf/npsp2/internal/model"
)

// Config holds the application configuration.
type Config struct {
	ConfigPath       string
	DatabasePath     string
	SessionDir       string
	LogLevel         string
	MetricsAddr      string
	TelegramBotToken string

	Bot *Bot
}

// Load reads configuration from environment variables and the config file they point to.
func Load() (*Config, error) {
	cfg := &Config{
		ConfigPath:       envOrDefault("CONFIG_PATH", "./config.json"),
		DatabasePath:     envOrDefault("DATABASE_PATH", "./data/npsp.db"),
		SessionDir:       envOrDefault("SESSION_DIR", "./tmp"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		MetricsAddr:      os.Getenv("METRICS_ADDR"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	f, err := os.Open(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	bot, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", cfg.ConfigPath, err)
	}

	if bot.HasTelegramRoutes() && cfg.TelegramBotToken == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required when a route targets a telegram room")
	}

	cfg.Bot = bot
	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// SiteConfig describes one site of the network.
type SiteConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	WebsocketID string `json:"websocketId"`
}

// UserConfig holds the credentials of one account.
type UserConfig struct {
	LoginSite  string `json:"loginSite"`
	ChatServer string `json:"chatServer,omitempty"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

// RoomConfig addresses one chat room.
type RoomConfig struct {
	Server string `json:"server"`
	ID     string `json:"id"`
}

// WatchSocketConfig describes one feed carried by the watch socket.
type WatchSocketConfig struct {
	Site       string `json:"site"`
	Type       string `json:"type"` // "questions" or "answers"
	QuestionID string `json:"questionId,omitempty"`
}

// RouteConfig binds an account, a feed and a room together.
type RouteConfig struct {
	User                          string `json:"user"`
	WatchSocket                   string `json:"watchSocket"`
	Room                          string `json:"room"`
	ForceUserClientForWatchSocket bool   `json:"forceUserClientForWatchSocket"`
}

type fileConfig struct {
	APIKey       string                       `json:"apiKey"`
	WatchSockets int                          `json:"redundantWatchSockets,omitempty"`
	Sites        map[string]SiteConfig        `json:"sites"`
	Users        map[string]UserConfig        `json:"users"`
	WatchFeeds   map[string]WatchSocketConfig `json:"watchSockets"`
	Rooms        map[string]RoomConfig        `json:"rooms"`
	Routes       map[string]RouteConfig       `json:"routes"`
}

// Bot is the linked form of the config file: every reference is resolved.
type Bot struct {
	APIKey string

	// WatchSockets is how many redundant watch sockets to keep open.
	WatchSockets int

	Users  map[string]UserConfig
	Sites  map[string]*model.Site
	Feeds  map[string]*model.Feed
	Rooms  map[string]*model.Room
	Routes []*model.Route
}

// DefaultChatServer is used for accounts that do not name one.
const DefaultChatServer = "chat.stackexchange.com"

// ErrInvalid is wrapped by every linking error.
var ErrInvalid = errors.New("invalid config")

// Parse decodes and links a JSON config file.
func Parse(r io.Reader) (*Bot, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var fc fileConfig
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return fc.link()
}

func (fc *fileConfig) link() (*Bot, error) {
	b := &Bot{
		APIKey:       fc.APIKey,
		WatchSockets: fc.WatchSockets,
		Users:        make(map[string]UserConfig, len(fc.Users)),
		Sites:        make(map[string]*model.Site, len(fc.Sites)),
		Feeds:        make(map[string]*model.Feed, len(fc.WatchFeeds)),
		Rooms:        make(map[string]*model.Room, len(fc.Rooms)),
	}
	if b.WatchSockets <= 0 {
		b.WatchSockets = 2
	}

	for name, u := range fc.Users {
		if u.LoginSite == "" || u.Email == "" || u.Password == "" {
			return nil, fmt.Errorf("%w: user %q needs loginSite, email and password", ErrInvalid, name)
		}
		if u.ChatServer == "" {
			u.ChatServer = DefaultChatServer
		}
		b.Users[name] = u
	}

	for name, s := range fc.Sites {
		if s.ID == "" || s.URL == "" || s.WebsocketID == "" {
			return nil, fmt.Errorf("%w: site %q needs id, url and websocketId", ErrInvalid, name)
		}
		b.Sites[name] = &model.Site{
			Name:     name,
			APISite:  s.ID,
			Title:    s.Name,
			URL:      model.BaseURL(s.URL),
			SocketID: s.WebsocketID,
		}
	}

	for name, w := range fc.WatchFeeds {
		site, ok := b.Sites[w.Site]
		if !ok {
			return nil, fmt.Errorf("%w: missing site %q in watch socket %q", ErrInvalid, w.Site, name)
		}
		feed := &model.Feed{Name: name, Site: site}
		switch w.Type {
		case "questions":
			feed.Kind = model.KindQuestion
		case "answers":
			if w.QuestionID == "" {
				return nil, fmt.Errorf("%w: watch socket %q of type answers needs questionId", ErrInvalid, name)
			}
			feed.Kind = model.KindAnswer
			feed.QuestionID = w.QuestionID
		default:
			return nil, fmt.Errorf("%w: unknown type %q in watch socket %q", ErrInvalid, w.Type, name)
		}
		b.Feeds[name] = feed
	}

	for name, r := range fc.Rooms {
		if r.Server == "" || r.ID == "" {
			return nil, fmt.Errorf("%w: room %q needs server and id", ErrInvalid, name)
		}
		b.Rooms[name] = &model.Room{Name: name, Server: r.Server, ID: r.ID}
	}

	names := make([]string, 0, len(fc.Routes))
	for name := range fc.Routes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rc := fc.Routes[name]
		feed, ok := b.Feeds[rc.WatchSocket]
		if !ok {
			return nil, fmt.Errorf("%w: missing watch socket %q in route %q", ErrInvalid, rc.WatchSocket, name)
		}
		room, ok := b.Rooms[rc.Room]
		if !ok {
			return nil, fmt.Errorf("%w: missing room %q in route %q", ErrInvalid, rc.Room, name)
		}
		if rc.User != "" {
			if _, ok := b.Users[rc.User]; !ok {
				return nil, fmt.Errorf("%w: missing user %q in route %q", ErrInvalid, rc.User, name)
			}
		}
		if !room.IsTelegram() {
			if rc.User == "" {
				return nil, fmt.Errorf("%w: route %q posts to a chat room and needs a user", ErrInvalid, name)
			}
			if model.BaseURL(b.Users[rc.User].ChatServer) != room.ServerURL() {
				return nil, fmt.Errorf("%w: user %q is not logged in to chat server %q used by route %q", ErrInvalid, rc.User, room.Server, name)
			}
		}
		if rc.ForceUserClientForWatchSocket && rc.User == "" {
			return nil, fmt.Errorf("%w: route %q forces a user client but names no user", ErrInvalid, name)
		}
		b.Routes = append(b.Routes, &model.Route{
			Name:               name,
			Account:            rc.User,
			Feed:               feed,
			Room:               room,
			ForceAccountClient: rc.ForceUserClientForWatchSocket,
		})
	}

	if len(b.Routes) == 0 {
		return nil, fmt.Errorf("%w: no routes configured", ErrInvalid)
	}
	return b, nil
}

// HasTelegramRoutes reports whether any route posts to a telegram room.
func (b *Bot) HasTelegramRoutes() bool {
	for _, r := range b.Routes {
		if r.Room.IsTelegram() {
			return true
		}
	}
	return false
}

// Accounts returns the sorted names of accounts used by at least one route.
func (b *Bot) Accounts() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range b.Routes {
		if r.Account == "" || seen[r.Account] {
			continue
		}
		seen[r.Account] = true
		out = append(out, r.Account)
	}
	sort.Strings(out)
	return out
}

// RoutedFeeds returns the distinct feeds used by routes, in route order.
func (b *Bot) RoutedFeeds() []*model.Feed {
	seen := make(map[*model.Feed]bool)
	var out []*model.Feed
	for _, r := range b.Routes {
		if seen[r.Feed] {
			continue
		}
		seen[r.Feed] = true
		out = append(out, r.Feed)
	}
	return out
}

// ChatPresence is one account present in one chat room.
type ChatPresence struct {
	Account string
	Room    *model.Room
}

// ChatPresences returns every (account, chat room) pair used by routes, deduplicated.
func (b *Bot) ChatPresences() []ChatPresence {
	seen := make(map[ChatPresence]bool)
	var out []ChatPresence
	for _, r := range b.Routes {
		if r.Room.IsTelegram() {
			continue
		}
		p := ChatPresence{Account: r.Account, Room: r.Room}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
