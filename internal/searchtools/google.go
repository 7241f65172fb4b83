package searchtools

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const googleMaxResults = 10

// GoogleCSE searches through Google Programmable Search.
type GoogleCSE struct {
	svc *customsearch.Service
	cx  string
}

// NewGoogleCSE creates a Google Programmable Search tool for engine cx.
// Extra client options are appended after the API key, e.g. an endpoint override in tests.
func NewGoogleCSE(ctx context.Context, apiKey, cx string, opts ...option.ClientOption) (*GoogleCSE, error) {
	if cx == "" {
		return nil, errors.New("google search engine id (cx) is required")
	}
	svc, err := customsearch.NewService(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create custom search service: %w", err)
	}
	return &GoogleCSE{svc: svc, cx: cx}, nil
}

// Name returns the tool name.
func (g *GoogleCSE) Name() string { return "google_cse" }

// Search runs a query.
func (g *GoogleCSE) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	n := min(clampResults(maxResults), googleMaxResults)
	resp, err := g.svc.Cse.List().Cx(g.cx).Q(query).Num(int64(n)).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) {
			return nil, &StatusError{Tool: g.Name(), StatusCode: gerr.Code, Body: gerr.Message}
		}
		return nil, fmt.Errorf("google search failed: %w", err)
	}

	results := make([]Result, 0, len(resp.Items))
	for _, item := range resp.Items {
		snippet := item.Snippet
		if item.HtmlSnippet != "" {
			snippet = item.HtmlSnippet
		}
		results = append(results, Result{
			Title:   item.Title,
			URL:     item.Link,
			Content: PlainText(snippet),
		})
	}
	return results, nil
}
