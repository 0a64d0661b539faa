package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Radvylf/npsp2/internal/model"
)

type mockTransport struct {
	body       string
	statusCode int
	err        error
	gotURL     string
	gotAgent   string
}

func (m *mockTransport) Do(req *http.Request) (*http.Response, error) {
	m.gotURL = req.URL.String()
	m.gotAgent = req.UserAgent()
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test-only fixture loading
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

var (
	mainSite = &model.Site{Name: "cg", URL: "https://codegolf.stackexchange.com", SocketID: "200"}
	metaSite = &model.Site{Name: "cgmeta", URL: "https://codegolf.meta.stackexchange.com", SocketID: "202"}
)

func TestFetch(t *testing.T) {
	atom := loadFixture(t, "../../testdata/questions.atom")

	tests := []struct {
		name      string
		transport *mockTransport
		wantTitle string
		wantItems int
		wantErr   bool
	}{
		{
			name:      "successful fetch",
			transport: &mockTransport{body: atom, statusCode: 200},
			wantTitle: "Newest questions - Code Golf Stack Exchange",
			wantItems: 2,
		},
		{
			name:      "http error status",
			transport: &mockTransport{body: "not found", statusCode: 404},
			wantErr:   true,
		},
		{
			name:      "network error",
			transport: &mockTransport{err: io.ErrUnexpectedEOF},
			wantErr:   true,
		},
		{
			name:      "invalid xml",
			transport: &mockTransport{body: "not xml at all", statusCode: 200},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.transport, "test-agent")
			feed, err := f.Fetch(context.Background(), "https://codegolf.stackexchange.com/feeds")

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if diff := cmp.Diff(tt.wantTitle, feed.Title); diff != "" {
				t.Errorf("title mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantItems, len(feed.Items)); diff != "" {
				t.Errorf("item count mismatch (-want +got):\n%s", diff)
			}
			if tt.transport.gotAgent != "test-agent" {
				t.Errorf("user agent = %q", tt.transport.gotAgent)
			}
		})
	}
}

func TestRecentQuestions(t *testing.T) {
	transport := &mockTransport{body: loadFixture(t, "../../testdata/questions.atom"), statusCode: 200}
	feed := &model.Feed{Name: "cg-new", Site: mainSite, Kind: model.KindQuestion}

	items, err := New(transport, "").Recent(context.Background(), feed)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}

	want := []model.Item{
		{Feed: feed, Kind: model.KindQuestion, ID: "271502", Created: time.Date(2024, 5, 1, 12, 4, 0, 0, time.UTC)},
		{Feed: feed, Kind: model.KindQuestion, ID: "271501", Created: time.Date(2024, 5, 1, 11, 50, 0, 0, time.UTC)},
	}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Errorf("items (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("https://codegolf.stackexchange.com/feeds", transport.gotURL); diff != "" {
		t.Errorf("url (-want +got):\n%s", diff)
	}
}

func TestRecentAnswersSkipsQuestionEntry(t *testing.T) {
	transport := &mockTransport{body: loadFixture(t, "../../testdata/answers.atom"), statusCode: 200}
	feed := &model.Feed{Name: "sandbox", Site: metaSite, Kind: model.KindAnswer, QuestionID: "2140"}

	items, err := New(transport, "").Recent(context.Background(), feed)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}

	want := []model.Item{
		{Feed: feed, Kind: model.KindAnswer, ID: "26790", Created: time.Date(2024, 5, 1, 12, 4, 0, 0, time.UTC)},
	}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Errorf("items (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff("https://codegolf.meta.stackexchange.com/feeds/question/2140", transport.gotURL); diff != "" {
		t.Errorf("url (-want +got):\n%s", diff)
	}
}
