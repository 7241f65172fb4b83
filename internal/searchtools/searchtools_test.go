package searchtools

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestPlainText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain", input: "  protein   folding ", want: "protein folding"},
		{name: "inline tags", input: "Work on <strong>catalysis</strong> and <em>ML</em>", want: "Work on catalysis and ML"},
		{name: "entities", input: "Smith &amp; Jones", want: "Smith & Jones"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlainText(tt.input))
		})
	}
}

func TestFormat(t *testing.T) {
	out := Format("catalysis MIT", []Result{{Title: "Lab", URL: "https://x.edu", Content: "does catalysis"}})
	assert.Contains(t, out, `"catalysis MIT"`)
	assert.Contains(t, out, "1. Lab")
	assert.Contains(t, out, "does catalysis")

	assert.Contains(t, Format("q", nil), "(no results)")
}

func TestTavily_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req tavilyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "t-key", req.APIKey)
		assert.Equal(t, "ml chemistry", req.Query)
		assert.Equal(t, 3, req.MaxResults)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[{"title":"Group","url":"https://a.edu","content":"ML <b>for</b> chemistry"}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	tool := NewTavily("t-key", srv.URL, srv.Client())
	results, err := tool.Search(context.Background(), "ml chemistry", 3)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "ML for chemistry", results[0].Content)
	assert.Equal(t, "tavily", tool.Name())
}

func TestTavily_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewTavily("bad", srv.URL, srv.Client()).Search(context.Background(), "q", 0)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
}

func TestBrave_SearchGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "b-key", r.Header.Get("X-Subscription-Token"))
		assert.Equal(t, "20", r.URL.Query().Get("count"))
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		gz.Write([]byte(`{"web":{"results":[{"title":"<b>Lab</b>","url":"https://b.edu","description":"Studies <strong>polymers</strong>"}]}}`)) //nolint:errcheck
	}))
	defer srv.Close()

	results, err := NewBrave("b-key", srv.URL, &http.Client{Transport: &http.Transport{DisableCompression: true}}).
		Search(context.Background(), "polymers", 50)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Lab", results[0].Title)
	assert.Equal(t, "Studies polymers", results[0].Content)
}

func TestDoWithRetry_RetriesTooManyRequests(t *testing.T) {
	old := RetryBaseDelay
	RetryBaseDelay = time.Millisecond
	defer func() { RetryBaseDelay = old }()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"results":[]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	results, err := NewTavily("k", srv.URL, srv.Client()).Search(context.Background(), "q", 1)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDoWithRetry_GivesUp(t *testing.T) {
	old := RetryBaseDelay
	RetryBaseDelay = time.Millisecond
	defer func() { RetryBaseDelay = old }()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewBrave("k", srv.URL, srv.Client()).Search(context.Background(), "q", 1)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
}

func TestGoogleCSE_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "engine", r.URL.Query().Get("cx"))
		assert.Equal(t, "catalysis", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items":[{"title":"Catalysis Lab","link":"https://c.edu","snippet":"plain","htmlSnippet":"<b>Catalysis</b> research"}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	tool, err := NewGoogleCSE(context.Background(), "g-key", "engine",
		option.WithEndpoint(srv.URL+"/"), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	results, err := tool.Search(context.Background(), "catalysis", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Catalysis research", results[0].Content)
	assert.Equal(t, "https://c.edu", results[0].URL)
}

func TestGoogleCSE_RequiresEngine(t *testing.T) {
	_, err := NewGoogleCSE(context.Background(), "k", "")
	assert.Error(t, err)
}
