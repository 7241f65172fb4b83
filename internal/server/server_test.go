package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/collagent/internal/job"
	"github.com/jonathan/collagent/internal/llm"
	"github.com/jonathan/collagent/internal/llm/llmtest"
	"github.com/jonathan/collagent/internal/registry"
	"github.com/jonathan/collagent/internal/session"
	"github.com/jonathan/collagent/internal/types"
)

type connector struct {
	searcher *llmtest.Searcher
}

func (c connector) Open(_ context.Context, _, _ registry.Provider) (*llm.Pair, error) {
	proc := &llmtest.Processor{Reply: func(string) (string, error) {
		return llmtest.Collaborators(
			llmtest.Person{Name: "Ada Lovelace", Alignment: 5},
			llmtest.Person{Name: "Alan Turing", Alignment: 3},
		), nil
	}}
	return llm.NewPair(c.searcher, proc), nil
}

type testServer struct {
	*Server
	http *httptest.Server
}

func newTestServer(t *testing.T, rateLimit int, searcher *llmtest.Searcher) *testServer {
	t.Helper()
	if searcher == nil {
		searcher = &llmtest.Searcher{}
	}
	reg, err := registry.New(context.Background(), []registry.Entry{{
		ID:           "gemini",
		Kind:         registry.KindGemini,
		Model:        "gemini-2.5-flash",
		Capabilities: []types.Capability{types.CapabilitySearch, types.CapabilityProcessing},
	}, {
		ID:            "brave",
		Kind:          registry.KindBrave,
		CredentialRef: "env:COLLAGENT_TEST_MISSING_KEY",
		Capabilities:  []types.Capability{types.CapabilitySearch},
	}}, registry.Options{LookupEnv: func(string) (string, bool) { return "", false }})
	require.NoError(t, err)

	mgr := session.NewManager(reg, connector{searcher: searcher}, session.Options{
		MaxConcurrent: 2,
		JobTimeout:    5 * time.Second,
		Machine:       job.Options{CallTimeout: time.Second},
	})
	s := New(Config{
		RateLimit: rateLimit,
		Defaults:  Defaults{TotalTurns: 4, MaxInstitutions: 3, TopN: 5},
	}, mgr, reg)
	ts := httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		ts.Close()
		s.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, mgr.Shutdown(ctx))
	})
	return &testServer{Server: s, http: ts}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := ts.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, 0, nil)

	resp := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestModelsEndpoint(t *testing.T) {
	ts := newTestServer(t, 0, nil)

	resp := ts.do(t, http.MethodGet, "/models", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Available []struct {
			ID string `json:"id"`
		} `json:"available"`
		Absent []struct {
			Entry  struct{ ID string } `json:"entry"`
			Reason string              `json:"reason"`
		} `json:"absent"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Available, 1)
	assert.Equal(t, "gemini", body.Available[0].ID)
	require.Len(t, body.Absent, 1)
	assert.Contains(t, body.Absent[0].Reason, "COLLAGENT_TEST_MISSING_KEY")
}

func TestCreateJob_Rejected(t *testing.T) {
	ts := newTestServer(t, 0, nil)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantKind string
	}{
		{name: "malformed body", body: `{`, wantCode: http.StatusBadRequest, wantKind: "invalid_request"},
		{name: "missing profile", body: `{"mode":"broad"}`, wantCode: http.StatusBadRequest, wantKind: "invalid_request"},
		{name: "bad mode", body: `{"profile":"x","mode":"deep"}`, wantCode: http.StatusBadRequest, wantKind: "invalid_request"},
		{name: "targeted without institution", body: `{"profile":"x","mode":"targeted"}`, wantCode: http.StatusBadRequest, wantKind: "config_error"},
		{name: "unknown provider", body: `{"profile":"x","institution":"MIT","search_provider":"nope"}`, wantCode: http.StatusBadRequest, wantKind: "config_error"},
		{name: "absent provider", body: `{"profile":"x","institution":"MIT","search_provider":"brave"}`, wantCode: http.StatusServiceUnavailable, wantKind: "provider_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.wantKind, body["error"])
		})
	}
}

func TestJobLifecycle(t *testing.T) {
	ts := newTestServer(t, 0, nil)

	resp := ts.do(t, http.MethodPost, "/jobs", `{"profile":"ML for chemical engineering","institution":"MIT"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted JobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.NotEmpty(t, accepted.JobID)

	stream := ts.do(t, http.MethodGet, accepted.EventsURL, "")
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))
	events := readEvents(t, stream)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, string(job.EventJobCompleted), last.name)

	var ev job.Event
	require.NoError(t, json.Unmarshal([]byte(last.data), &ev))
	require.NotNil(t, ev.Shortlist)
	assert.Len(t, ev.Shortlist.Collaborators, 2)

	resp = ts.do(t, http.MethodGet, "/jobs/"+accepted.JobID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st session.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, job.StateCompleted, st.State)

	md := ts.do(t, http.MethodGet, "/results/"+accepted.JobID+"?download=md", "")
	require.Equal(t, http.StatusOK, md.StatusCode)
	assert.Contains(t, md.Header.Get("Content-Disposition"), ".md")

	html := ts.do(t, http.MethodGet, "/results/"+accepted.JobID+"?download=html", "")
	require.Equal(t, http.StatusOK, html.StatusCode)
	assert.Contains(t, html.Header.Get("Content-Type"), "text/html")

	bad := ts.do(t, http.MethodGet, "/results/"+accepted.JobID+"?download=docx", "")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestSearchStreamsJob(t *testing.T) {
	ts := newTestServer(t, 0, nil)

	resp := ts.do(t, http.MethodGet, "/search?profile=protein+folding&institution=ETH+Zurich&turns=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readEvents(t, resp)
	require.NotEmpty(t, events)
	assert.Equal(t, string(job.EventPhaseStarted), events[0].name)
	assert.Equal(t, string(job.EventJobCompleted), events[len(events)-1].name)

	bad := ts.do(t, http.MethodGet, "/search?profile=x&turns=many", "")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestCancelJob(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	started := make(chan string, 8)
	ts := newTestServer(t, 0, &llmtest.Searcher{Gate: gate, Started: started})

	resp := ts.do(t, http.MethodPost, "/jobs", `{"profile":"x","institution":"MIT"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted JobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never reached the provider")
	}

	resp = ts.do(t, http.MethodDelete, "/jobs/"+accepted.JobID, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	events := readEvents(t, ts.do(t, http.MethodGet, accepted.EventsURL, ""))
	require.NotEmpty(t, events)
	assert.Equal(t, string(job.EventJobCancelled), events[len(events)-1].name)

	missing := ts.do(t, http.MethodDelete, "/jobs/unknown", "")
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, 1, nil)

	first := ts.do(t, http.MethodPost, "/jobs", `{"profile":"x","institution":"MIT"}`)
	assert.Equal(t, http.StatusAccepted, first.StatusCode)
	assert.Equal(t, "1", first.Header.Get("X-RateLimit-Limit"))

	second := ts.do(t, http.MethodPost, "/jobs", `{"profile":"x","institution":"MIT"}`)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.NotEmpty(t, second.Header.Get("Retry-After"))

	health := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ErrValidation{Field: "profile", Message: "required"}, http.StatusBadRequest},
		{&ErrUnknownFormat{Format: "docx"}, http.StatusBadRequest},
		{session.ErrNotFound, http.StatusNotFound},
		{session.ErrClosed, http.StatusServiceUnavailable},
		{types.NewJobError(types.ErrConfig, "bad", nil), http.StatusBadRequest},
		{types.NewJobError(types.ErrBudgetExhausted, "", nil), http.StatusUnprocessableEntity},
		{types.NewJobError(types.ErrProviderUnavailable, "", nil), http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
