package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleConfig = `{
  "apiKey": "k3y",
  "sites": {
    "codegolf": {"id": "codegolf", "name": "Code Golf", "url": "https://codegolf.stackexchange.com", "websocketId": "200"},
    "cgmeta": {"id": "codegolf.meta", "name": "Code Golf Meta", "url": "https://codegolf.meta.stackexchange.com/", "websocketId": "202"}
  },
  "users": {
    "main": {"loginSite": "https://codegolf.stackexchange.com", "email": "a@example.com", "password": "pw"},
    "sandbox": {"loginSite": "https://codegolf.stackexchange.com", "email": "b@example.com", "password": "pw"}
  },
  "watchSockets": {
    "cg-questions": {"site": "codegolf", "type": "questions"},
    "sandbox-answers": {"site": "cgmeta", "type": "answers", "questionId": "2140"}
  },
  "rooms": {
    "byte": {"server": "chat.stackexchange.com", "id": "240"},
    "mirror": {"server": "telegram", "id": "-1001"}
  },
  "routes": {
    "a-main": {"user": "main", "watchSocket": "cg-questions", "room": "byte"},
    "b-sandbox": {"user": "sandbox", "watchSocket": "sandbox-answers", "room": "byte", "forceUserClientForWatchSocket": true},
    "c-mirror": {"watchSocket": "cg-questions", "room": "mirror"}
  }
}`

func TestParse(t *testing.T) {
	b, err := Parse(strings.NewReader(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if diff := cmp.Diff(2, b.WatchSockets); diff != "" {
		t.Errorf("watch sockets default (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(DefaultChatServer, b.Users["main"].ChatServer); diff != "" {
		t.Errorf("chat server default (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("https://codegolf.meta.stackexchange.com", b.Sites["cgmeta"].URL); diff != "" {
		t.Errorf("site url normalized (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("Code Golf Meta", b.Sites["cgmeta"].Title); diff != "" {
		t.Errorf("site title (-want +got):\n%s", diff)
	}

	type routeView struct {
		Name, Account, Topic, Room string
		Force                      bool
	}
	var got []routeView
	for _, r := range b.Routes {
		got = append(got, routeView{r.Name, r.Account, r.Feed.Topic(), r.Room.Name, r.ForceAccountClient})
	}
	want := []routeView{
		{"a-main", "main", "200-questions-newest", "byte", false},
		{"b-sandbox", "sandbox", "202-question-2140", "byte", true},
		{"c-mirror", "", "200-questions-newest", "mirror", false},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("routes mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"main", "sandbox"}, b.Accounts()); diff != "" {
		t.Errorf("accounts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(2, len(b.RoutedFeeds())); diff != "" {
		t.Errorf("routed feeds (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(2, len(b.ChatPresences())); diff != "" {
		t.Errorf("chat presences (-want +got):\n%s", diff)
	}
	if !b.HasTelegramRoutes() {
		t.Error("expected telegram routes")
	}
}

func TestParseLinkErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantSub string
	}{
		{
			name:    "missing user",
			mutate:  func(s string) string { return strings.Replace(s, `"user": "main"`, `"user": "ghost"`, 1) },
			wantSub: `missing user "ghost"`,
		},
		{
			name:    "missing room",
			mutate:  func(s string) string { return strings.Replace(s, `"room": "byte"}`, `"room": "nowhere"}`, 1) },
			wantSub: `missing room "nowhere"`,
		},
		{
			name:    "missing watch socket",
			mutate:  func(s string) string { return strings.Replace(s, `"watchSocket": "cg-questions", "room": "byte"`, `"watchSocket": "nope", "room": "byte"`, 1) },
			wantSub: `missing watch socket "nope"`,
		},
		{
			name:    "unknown feed type",
			mutate:  func(s string) string { return strings.Replace(s, `"type": "questions"`, `"type": "comments"`, 1) },
			wantSub: `unknown type "comments"`,
		},
		{
			name:    "answers without question id",
			mutate:  func(s string) string { return strings.Replace(s, `, "questionId": "2140"`, ``, 1) },
			wantSub: "needs questionId",
		},
		{
			name:    "chat route without user",
			mutate:  func(s string) string { return strings.Replace(s, `"user": "main", `, ``, 1) },
			wantSub: "needs a user",
		},
		{
			name: "user on another chat server",
			mutate: func(s string) string {
				return strings.Replace(s, `"email": "a@example.com"`, `"chatServer": "chat.meta.stackexchange.com", "email": "a@example.com"`, 1)
			},
			wantSub: "not logged in to chat server",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.mutate(sampleConfig)))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("error %v does not wrap ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not contain %q", err, tt.wantSub)
			}
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader(`{"routes": {}, "surprise": true}`))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	tests := []struct {
		name    string
		env     map[string]string
		want    *Config
		wantErr bool
	}{
		{
			name:    "missing config file",
			env:     map[string]string{"CONFIG_PATH": filepath.Join(dir, "absent.json")},
			wantErr: true,
		},
		{
			name:    "telegram route without token",
			env:     map[string]string{"CONFIG_PATH": path},
			wantErr: true,
		},
		{
			name: "defaults applied",
			env:  map[string]string{"CONFIG_PATH": path, "TELEGRAM_BOT_TOKEN": "tok"},
			want: &Config{
				ConfigPath:       path,
				DatabasePath:     "./data/npsp.db",
				SessionDir:       "./tmp",
				LogLevel:         "info",
				TelegramBotToken: "tok",
			},
		},
		{
			name: "all values set",
			env: map[string]string{
				"CONFIG_PATH":        path,
				"DATABASE_PATH":      "/tmp/npsp.db",
				"SESSION_DIR":        "/tmp/sessions",
				"LOG_LEVEL":          "debug",
				"METRICS_ADDR":       ":9090",
				"TELEGRAM_BOT_TOKEN": "tok",
			},
			want: &Config{
				ConfigPath:       path,
				DatabasePath:     "/tmp/npsp.db",
				SessionDir:       "/tmp/sessions",
				LogLevel:         "debug",
				MetricsAddr:      ":9090",
				TelegramBotToken: "tok",
			},
		},
	}

	envKeys := []string{"CONFIG_PATH", "DATABASE_PATH", "SESSION_DIR", "LOG_LEVEL", "METRICS_ADDR", "TELEGRAM_BOT_TOKEN"}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range envKeys {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := Load()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Bot == nil || len(got.Bot.Routes) != 3 {
				t.Fatalf("config file not linked: %+v", got.Bot)
			}
			got.Bot = nil
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
