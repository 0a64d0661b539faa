package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFeedTopicAndKey(t *testing.T) {
	site := &Site{Name: "cgmeta", URL: "https://codegolf.meta.stackexchange.com", SocketID: "202"}

	tests := []struct {
		name      string
		feed      Feed
		wantTopic string
	}{
		{
			name:      "questions",
			feed:      Feed{Site: site, Kind: KindQuestion},
			wantTopic: "202-questions-newest",
		},
		{
			name:      "answers on a thread",
			feed:      Feed{Site: site, Kind: KindAnswer, QuestionID: "2140"},
			wantTopic: "202-question-2140",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.wantTopic, tt.feed.Topic()); diff != "" {
				t.Errorf("topic mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff("202", tt.feed.Key()); diff != "" {
				t.Errorf("key mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestItemURL(t *testing.T) {
	site := &Site{URL: "https://codegolf.stackexchange.com", SocketID: "200"}
	feed := &Feed{Site: site, Kind: KindQuestion}

	if diff := cmp.Diff("https://codegolf.stackexchange.com/q/12345", Item{Feed: feed, Kind: KindQuestion, ID: "12345"}.URL()); diff != "" {
		t.Errorf("question url (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("https://codegolf.stackexchange.com/a/999", Item{Feed: feed, Kind: KindAnswer, ID: "999"}.URL()); diff != "" {
		t.Errorf("answer url (-want +got):\n%s", diff)
	}
}

func TestSiteHostAndBaseURL(t *testing.T) {
	site := &Site{URL: "https://codegolf.meta.stackexchange.com"}
	if diff := cmp.Diff("codegolf.meta.stackexchange.com", site.Host()); diff != "" {
		t.Errorf("host (-want +got):\n%s", diff)
	}

	tests := map[string]string{
		"chat.stackexchange.com":       "https://chat.stackexchange.com",
		"https://chat.example/":        "https://chat.example",
		"http://127.0.0.1:8080":        "http://127.0.0.1:8080",
		"chat.meta.stackexchange.com/": "https://chat.meta.stackexchange.com",
	}
	for in, want := range tests {
		if diff := cmp.Diff(want, BaseURL(in)); diff != "" {
			t.Errorf("BaseURL(%q) (-want +got):\n%s", in, diff)
		}
	}
}

func TestParsePostURL(t *testing.T) {
	site := &Site{URL: "https://codegolf.stackexchange.com", SocketID: "200"}

	type result struct {
		Kind ItemKind
		ID   string
		OK   bool
	}
	tests := []struct {
		link string
		want result
	}{
		{"https://codegolf.stackexchange.com/questions/12345", result{KindQuestion, "12345", true}},
		{"https://codegolf.stackexchange.com/questions/12345/some-title", result{KindQuestion, "12345", true}},
		{"https://codegolf.stackexchange.com/questions/12345/some-title/678#678", result{KindAnswer, "678", true}},
		{"https://codegolf.stackexchange.com/q/12345", result{KindQuestion, "12345", true}},
		{"https://codegolf.stackexchange.com/q/12345/42", result{KindQuestion, "12345", true}},
		{"//codegolf.stackexchange.com/a/678", result{KindAnswer, "678", true}},
		{"https://CodeGolf.StackExchange.com/q/1", result{KindQuestion, "1", true}},
		{"https://codegolf.meta.stackexchange.com/q/12345", result{}},
		{"https://codegolf.stackexchange.com/users/42/someone", result{}},
		{"https://codegolf.stackexchange.com/questions/tagged/code-golf", result{}},
		{"https://codegolf.stackexchange.com/", result{}},
	}
	for _, tt := range tests {
		kind, id, ok := ParsePostURL(site, tt.link)
		if diff := cmp.Diff(tt.want, result{kind, id, ok}); diff != "" {
			t.Errorf("ParsePostURL(%q) (-want +got):\n%s", tt.link, diff)
		}
	}
}
