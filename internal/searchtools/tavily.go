package searchtools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

const tavilyEndpoint = "https://api.tavily.com/search"

// Tavily searches through the Tavily REST API.
type Tavily struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

// NewTavily creates a Tavily tool. An empty endpoint uses the public API.
func NewTavily(apiKey, endpoint string, client *http.Client) *Tavily {
	if endpoint == "" {
		endpoint = tavilyEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Tavily{apiKey: apiKey, endpoint: endpoint, client: client}
}

// Name returns the tool name.
func (t *Tavily) Name() string { return "tavily" }

type tavilyRequest struct {
	APIKey     string `json:"api_key"`
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search runs a query.
func (t *Tavily) Search(ctx context.Context, query string, maxResults int) ([]Result, error) {
	payload, err := json.Marshal(tavilyRequest{APIKey: t.apiKey, Query: query, MaxResults: clampResults(maxResults)})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := doWithRetry(ctx, t.client, req, 0)
	if err != nil {
		return nil, fmt.Errorf("tavily request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readError(t.Name(), resp)
	}

	var data tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("decoding tavily response: %w", err)
	}

	results := make([]Result, 0, len(data.Results))
	for _, r := range data.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Content: PlainText(r.Content)})
	}
	return results, nil
}
