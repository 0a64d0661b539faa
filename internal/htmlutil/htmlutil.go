// Package htmlutil provides small traversal helpers over golang.org/x/net/html trees.
package htmlutil

import (
	"strings"

	"golang.org/x/net/html"
)

// Parse parses an HTML document or fragment.
func Parse(s string) (*html.Node, error) {
	return html.Parse(strings.NewReader(s))
}

// FindFirst walks the tree depth-first and returns the first value extract accepts.
func FindFirst[T any](root *html.Node, extract func(*html.Node) (T, bool)) (T, bool) {
	if v, ok := extract(root); ok {
		return v, true
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if v, ok := FindFirst(c, extract); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// FindAll walks the tree depth-first and collects every value extract accepts.
// Children of an accepted node are not visited.
func FindAll[T any](root *html.Node, extract func(*html.Node) (T, bool)) []T {
	var out []T
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if v, ok := extract(n); ok {
			out = append(out, v)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// Element returns an extractor that matches elements named tag for which pred
// holds, and extracts with value.
func Element[T any](tag string, pred func(*html.Node) bool, value func(*html.Node) T) func(*html.Node) (T, bool) {
	return func(n *html.Node) (T, bool) {
		if n.Type != html.ElementNode || n.Data != tag || (pred != nil && !pred(n)) {
			var zero T
			return zero, false
		}
		return value(n), true
	}
}

// Attr returns the value of attribute key and whether it is present.
func Attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// Text concatenates the text nodes below n.
func Text(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
