// Package searchtools provides external web search tools used by search-only providers.
package searchtools

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DefaultMaxResults is the number of results requested per query.
const DefaultMaxResults = 8

// Result is a single web search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

// Tool runs one web search query.
type Tool interface {
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
	Name() string
}

// StatusError is a non-2xx response from a search API.
type StatusError struct {
	Tool       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s search returned HTTP %d: %s", e.Tool, e.StatusCode, e.Body)
}

// PlainText flattens an HTML fragment to whitespace-normalized text.
// Input that fails to parse is returned trimmed.
func PlainText(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.Join(strings.Fields(fragment), " ")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}

// Format renders results as a numbered list for inclusion in a prompt.
func Format(query string, results []Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for %q:\n", query)
	if len(results) == 0 {
		sb.WriteString("(no results)\n")
		return sb.String()
	}
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Content != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Content)
		}
	}
	return sb.String()
}

func clampResults(n int) int {
	if n <= 0 {
		return DefaultMaxResults
	}
	return n
}
