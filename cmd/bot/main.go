package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Radvylf/npsp2/internal/announce"
	"github.com/Radvylf/npsp2/internal/chat"
	"github.com/Radvylf/npsp2/internal/config"
	"github.com/Radvylf/npsp2/internal/dedup"
	"github.com/Radvylf/npsp2/internal/fetcher"
	"github.com/Radvylf/npsp2/internal/model"
	"github.com/Radvylf/npsp2/internal/reconcile"
	"github.com/Radvylf/npsp2/internal/seapi"
	"github.com/Radvylf/npsp2/internal/session"
	"github.com/Radvylf/npsp2/internal/storage"
	"github.com/Radvylf/npsp2/internal/stream"
	"github.com/Radvylf/npsp2/internal/telegram"
	"github.com/Radvylf/npsp2/internal/telemetry"
	"github.com/Radvylf/npsp2/internal/watch"
)

const (
	reconcileInterval = 5 * time.Minute
	postInterval      = 3 * time.Second
	postBurst         = 2
)

var (
	watchOptions = stream.Options{
		Kind:          "watch",
		Lifetime:      24 * time.Minute,
		EarlyLifetime: 12 * time.Minute,
		IdleTimeout:   10 * time.Minute,
		CheckInterval: 30 * time.Second,
		RestartDelay:  2 * time.Second,
	}
	chatOptions = stream.Options{
		Kind:          "chat",
		Lifetime:      2 * time.Hour,
		EarlyLifetime: time.Hour,
		IdleTimeout:   45 * time.Second,
		CheckInterval: 15 * time.Second,
		RestartDelay:  2 * time.Second,
	}
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting bot", "routes", len(cfg.Bot.Routes), "watch_sockets", cfg.Bot.WatchSockets)
	for _, feed := range cfg.Bot.RoutedFeeds() {
		log.Info("watching feed", "feed", feed.Name, "site", feed.Site.Title, "topic", feed.Topic())
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error("bot failed", "error", err)
		os.Exit(1)
	}

	log.Info("bot stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	for _, dir := range []string{filepath.Dir(cfg.DatabasePath), cfg.SessionDir} {
		if dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	defer func() { _ = store.Close() }()

	if pruned, err := store.PruneSeen(ctx, time.Now().Add(-storage.DefaultRetention)); err != nil {
		log.Warn("prune seen items", "error", err)
	} else if pruned > 0 {
		log.Info("pruned seen items", "count", pruned)
	}

	telemetry.Init()

	provider := session.NewProvider(cfg.SessionDir, log)
	a, err := assemble(ctx, cfg, store, provider, log)
	if err == nil {
		err = serve(ctx, cfg, a, log)
	}

	// A rejected session is replaced by a fresh login on the next start.
	var rejected *chat.RejectedError
	if errors.As(err, &rejected) {
		if ierr := provider.Invalidate(rejected.Account); ierr != nil {
			log.Error("invalidate session", "account", rejected.Account, "error", ierr)
		}
	}
	return err
}

// serve runs every long-lived component until one fails or ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, a *app, log *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, log) })
	}
	if a.notifier != nil {
		g.Go(func() error { return a.notifier.Run(ctx) })
	}
	g.Go(func() error { return a.reconciler.Run(ctx) })
	for _, s := range a.supervisors {
		g.Go(func() error { return s.Run(ctx) })
	}

	return g.Wait()
}

// app is the fully wired set of long-running components.
type app struct {
	reconciler  *reconcile.Reconciler
	supervisors []*stream.Supervisor
	notifier    *telegram.Notifier
}

type presenceKey struct {
	account string
	room    string
}

type groupKey struct {
	feed    string
	account string
}

func assemble(ctx context.Context, cfg *config.Config, store storage.Storage, provider *session.Provider, log *slog.Logger) (*app, error) {
	bot := cfg.Bot
	anonymous := &http.Client{Timeout: 30 * time.Second}

	sessions := make(map[string]*session.Session)
	for _, account := range bot.Accounts() {
		sess, err := provider.Login(ctx, account, bot.Users[account])
		if err != nil {
			return nil, fmt.Errorf("log in %s: %w", account, err)
		}
		log.Info("logged in", "account", account, "user_id", sess.UserID)
		sessions[account] = sess
	}

	out := &app{}
	if bot.HasTelegramRoutes() {
		n, err := telegram.New(cfg.TelegramBotToken, log)
		if err != nil {
			return nil, err
		}
		out.notifier = n
	}

	registries := make(map[string]*dedup.Registry)
	registryFor := func(room *model.Room) (*dedup.Registry, error) {
		if r, ok := registries[room.Name]; ok {
			return r, nil
		}
		r := dedup.New(room.Name, store, log)
		if err := r.Load(ctx, time.Now().Add(-storage.DefaultRetention)); err != nil {
			return nil, fmt.Errorf("load seen items for %s: %w", room.Name, err)
		}
		registries[room.Name] = r
		return r, nil
	}

	chatClients := make(map[presenceKey]*chat.Client)
	posters := make(map[presenceKey]announce.Poster)
	posterFor := func(route *model.Route) (announce.Poster, error) {
		key := presenceKey{account: route.Account, room: route.Room.Name}
		if route.Room.IsTelegram() {
			key.account = ""
		}
		if p, ok := posters[key]; ok {
			return p, nil
		}
		var p announce.Poster
		if route.Room.IsTelegram() {
			tp, err := out.notifier.Room(route.Room)
			if err != nil {
				return nil, err
			}
			p = tp
		} else {
			client := chat.NewClient(sessions[route.Account], route.Room)
			chatClients[key] = client
			p = chat.NewPoster(client, route.Room.Name, postInterval, postBurst, log)
		}
		posters[key] = p
		return p, nil
	}

	apiClients := make(map[string]*seapi.Client)
	apiFor := func(account string) *seapi.Client {
		if c, ok := apiClients[account]; ok {
			return c
		}
		var hc seapi.HTTPClient = anonymous
		if account != "" {
			hc = sessions[account].Client
		}
		c := seapi.New("", bot.APIKey, hc, log)
		apiClients[account] = c
		return c
	}
	sourceFor := func(account string) reconcile.Source {
		if bot.APIKey != "" {
			return apiFor(account)
		}
		var hc fetcher.HTTPClient = anonymous
		if account != "" {
			hc = sessions[account].Client
		}
		return fetcher.New(hc, session.UserAgent)
	}

	var (
		subs   []watch.Subscription
		groups []reconcile.Group
		index  = make(map[groupKey]int)
	)
	for _, route := range bot.Routes {
		registry, err := registryFor(route.Room)
		if err != nil {
			return nil, err
		}
		poster, err := posterFor(route)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", route.Name, err)
		}

		account := ""
		if route.ForceAccountClient {
			account = route.Account
		}
		var visibility announce.Visibility
		if bot.APIKey != "" {
			visibility = apiFor(account)
		}
		a := announce.New(route.Room.Name, registry, poster, visibility, log)

		subs = append(subs, watch.Subscription{Feed: route.Feed, Announcers: []watch.Announcer{a}})

		key := groupKey{feed: route.Feed.Name, account: account}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, reconcile.Group{Feed: route.Feed, Source: sourceFor(account)})
		}
		groups[i].Announcers = append(groups[i].Announcers, a)
	}

	out.reconciler = reconcile.New(groups, reconcileInterval, watch.Lookback, log)

	for i := range bot.WatchSockets {
		name := fmt.Sprintf("watch-%d", i)
		endpoint := watch.NewEndpoint(watch.DefaultURL, subs, out.reconciler, dialWebSocket, log.With("supervisor", name))
		opts := watchOptions
		opts.EarlyFirst = i > 0
		out.supervisors = append(out.supervisors, stream.New(name, endpoint, opts, log))
	}

	sites := make([]*model.Site, 0, len(bot.Sites))
	for _, s := range bot.Sites {
		sites = append(sites, s)
	}
	perRoom := make(map[string]int)
	for _, p := range bot.ChatPresences() {
		key := presenceKey{account: p.Account, room: p.Room.Name}
		client, ok := chatClients[key]
		if !ok {
			return nil, fmt.Errorf("no chat client for %s in %s", p.Account, p.Room.Name)
		}
		registry, err := registryFor(p.Room)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("chat-%s-%s", p.Room.Name, p.Account)
		clog := log.With("supervisor", name)
		roomSync := chat.NewSync(client, registry, sites, clog)
		if perRoom[p.Room.Name] == 0 {
			// Links already posted in the room must be known before any
			// watch socket or reconcile pass can announce them.
			if _, err := roomSync.SeedFromHistory(ctx); err != nil {
				return nil, fmt.Errorf("seed %s from chat history: %w", p.Room.Name, err)
			}
		}
		endpoint := chat.NewEndpoint(client, roomSync, dialWebSocket, clog)
		opts := chatOptions
		opts.EarlyFirst = perRoom[p.Room.Name] > 0
		perRoom[p.Room.Name]++
		out.supervisors = append(out.supervisors, stream.New(name, endpoint, opts, log))
	}

	return out, nil
}

func dialWebSocket(ctx context.Context, url string, header http.Header) (stream.Socket, error) {
	ws, err := stream.DialWebSocket(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func serveMetrics(ctx context.Context, addr string, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
