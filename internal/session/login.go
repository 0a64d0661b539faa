package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/Radvylf/npsp2/internal/htmlutil"
)

// loginFlow performs the two-step site login followed by the chat fkey lookup.
// The validation call must precede the login call: the second step is only
// accepted once the first one has been made with the same fkey.
type loginFlow struct {
	client *http.Client
	site   string
	chat   string
}

func (l *loginFlow) run(ctx context.Context, email, password string) (fkey, userID string, err error) {
	page, err := l.get(ctx, l.site+"/users/login")
	if err != nil {
		return "", "", err
	}
	siteKey, err := extractFKey(page)
	if err != nil {
		return "", "", fmt.Errorf("login page: %w", err)
	}

	verdict, err := l.post(ctx, l.site+"/users/login-or-signup/validation/track", url.Values{
		"email":        {email},
		"password":     {password},
		"isSignup":     {"false"},
		"isLogin":      {"true"},
		"isPassword":   {"false"},
		"isAddLogin":   {"false"},
		"hasCaptcha":   {"false"},
		"ssrc":         {"head"},
		"submitButton": {"Log in"},
		"fkey":         {siteKey},
	})
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(verdict) != "Login-OK" {
		return "", "", fmt.Errorf("%w: validation answered %q", ErrLoginRejected, truncate(verdict, 80))
	}

	returnURL := url.QueryEscape(l.site + "/")
	landing, err := l.post(ctx, l.site+"/users/login?ssrc=head&returnurl="+returnURL, url.Values{
		"email":    {email},
		"password": {password},
		"ssrc":     {"head"},
		"fkey":     {siteKey},
	})
	if err != nil {
		return "", "", err
	}
	ok, err := containsLogout(landing)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("%w: no logout link after login, possibly a captcha", ErrLoginRejected)
	}

	favorites, err := l.get(ctx, l.chat+"/chats/join/favorite")
	if err != nil {
		return "", "", err
	}
	if userID, err = extractUserID(favorites); err != nil {
		return "", "", fmt.Errorf("chat page: %w", err)
	}
	if fkey, err = extractFKey(favorites); err != nil {
		return "", "", fmt.Errorf("chat page: %w", err)
	}
	return fkey, userID, nil
}

func (l *loginFlow) get(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	return l.do(req)
}

func (l *loginFlow) post(ctx context.Context, target string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return l.do(req)
}

func (l *loginFlow) do(req *http.Request) (string, error) {
	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}

func extractFKey(page string) (string, error) {
	root, err := htmlutil.Parse(page)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	fkey, ok := htmlutil.FindFirst(root, htmlutil.Element("input",
		func(n *html.Node) bool {
			name, _ := htmlutil.Attr(n, "name")
			return name == "fkey"
		},
		func(n *html.Node) string {
			v, _ := htmlutil.Attr(n, "value")
			return v
		},
	))
	if !ok || fkey == "" {
		return "", ErrMissingFKey
	}
	return fkey, nil
}

func containsLogout(page string) (bool, error) {
	root, err := htmlutil.Parse(page)
	if err != nil {
		return false, fmt.Errorf("parse html: %w", err)
	}
	_, ok := htmlutil.FindFirst(root, htmlutil.Element("a",
		func(n *html.Node) bool {
			href, _ := htmlutil.Attr(n, "href")
			return strings.HasSuffix(href, "logout")
		},
		func(*html.Node) struct{} { return struct{}{} },
	))
	return ok, nil
}

func extractUserID(page string) (string, error) {
	root, err := htmlutil.Parse(page)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	id, ok := htmlutil.FindFirst(root, htmlutil.Element("a",
		func(n *html.Node) bool {
			href, _ := htmlutil.Attr(n, "href")
			return strings.HasPrefix(href, "/users/")
		},
		func(n *html.Node) string {
			href, _ := htmlutil.Attr(n, "href")
			id, _, _ := strings.Cut(strings.TrimPrefix(href, "/users/"), "/")
			return id
		},
	))
	if !ok || id == "" {
		return "", ErrMissingUserID
	}
	return id, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
