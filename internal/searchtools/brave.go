package searchtools

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

const (
	braveEndpoint   = "https://api.search.brave.com/res/v1/web/search"
	braveMaxResults = 20
)

// Brave searches through the Brave Search REST API.
type Brave struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewBrave creates a Brave tool. An empty endpoint uses the public API.
func NewBrave(apiKey, endpoint string, client *http.Client) *Brave {
	if endpoint == "" {
		endpoint = braveEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Brave{apiKey: apiKey, endpoint: endpoint, client: client}
}

// Name returns the tool name.
func (b *Brave) Name() string { return "brave" }

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// Search runs a query. Snippets arrive with inline HTML which is flattened.
func (b *Brave) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(min(clampResults(maxResults), braveMaxResults)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := doWithRetry(ctx, b.client, req, 0)
	if err != nil {
		return nil, fmt.Errorf("brave request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readError(b.Name(), resp)
	}

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("brave gzip: %w", err)
		}
		defer gz.Close()
		body = gz
	}

	var data braveResponse
	if err := json.NewDecoder(body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decoding brave response: %w", err)
	}

	results := make([]Result, 0, len(data.Web.Results))
	for _, r := range data.Web.Results {
		results = append(results, Result{
			Title:   PlainText(r.Title),
			URL:     r.URL,
			Content: PlainText(r.Description),
		})
	}
	return results, nil
}
