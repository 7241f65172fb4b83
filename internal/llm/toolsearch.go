package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jonathan/collagent/internal/prompts"
	"github.com/jonathan/collagent/internal/searchtools"
)

// ToolSearcher drives an external search tool with a processing model that
// plans each query. One Send runs at most one external search.
type ToolSearcher struct {
	tool       searchtools.Tool
	planner    Processor
	maxResults int
}

// NewToolSearcher pairs a search tool with its query planner.
func NewToolSearcher(tool searchtools.Tool, planner Processor, maxResults int) *ToolSearcher {
	return &ToolSearcher{tool: tool, planner: planner, maxResults: maxResults}
}

// Name returns the tool and planner names.
func (s *ToolSearcher) Name() string {
	return s.tool.Name() + "+" + s.planner.Name()
}

// StartSession opens a planning session.
func (s *ToolSearcher) StartSession(_ context.Context, instructions string) (SearchSession, error) {
	return &toolSession{searcher: s, instructions: instructions}, nil
}

type toolSession struct {
	searcher     *ToolSearcher
	instructions string
	request      string
	findings     []string
}

type queryPlan struct {
	Query   string `json:"query"`
	Done    bool   `json:"done"`
	Summary string `json:"summary"`
}

// Send treats the first message as the research request; later messages are
// continuation nudges and only advance the loop.
func (t *toolSession) Send(ctx context.Context, message string) (string, error) {
	if t.request == "" {
		t.request = message
	}

	findings := strings.Join(t.findings, "\n")
	if findings == "" {
		findings = "(none yet)"
	}
	raw, err := t.searcher.planner.GenerateJSON(ctx, prompts.Render("tool.plan", map[string]string{
		"Instructions": t.instructions,
		"Request":      t.request,
		"Findings":     findings,
	}))
	if err != nil {
		return "", err
	}

	var plan queryPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return "", &ProviderError{
			Provider: t.searcher.planner.Name(),
			Class:    ClassOther,
			Message:  "query plan is not valid JSON",
			Cause:    err,
		}
	}

	plan.Query = strings.TrimSpace(plan.Query)
	if plan.Done || plan.Query == "" {
		return strings.TrimSpace(plan.Summary + "\n\n" + CompletionMarker), nil
	}

	results, err := t.searcher.tool.Search(ctx, plan.Query, t.searcher.maxResults)
	if err != nil {
		return "", Wrap(t.searcher.tool.Name(), err)
	}

	block := searchtools.Format(plan.Query, results)
	t.findings = append(t.findings, block)

	var sb strings.Builder
	if plan.Summary != "" {
		sb.WriteString(plan.Summary)
		sb.WriteString("\n\n")
	}
	sb.WriteString(block)
	return sb.String(), nil
}
