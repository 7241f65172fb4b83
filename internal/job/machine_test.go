package job

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonathan/collagent/internal/llm"
	"github.com/jonathan/collagent/internal/llm/llmtest"
	"github.com/jonathan/collagent/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) sink(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) kinds(kind EventKind) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) terminal() []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Kind.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

func plan(cfg types.JobConfig) Plan {
	return Plan{Config: cfg.WithDefaults()}
}

func researchTarget(first string) string {
	const marker = "Target Institution: "
	i := strings.Index(first, marker)
	if i < 0 {
		return ""
	}
	rest := first[i+len(marker):]
	if j := strings.Index(rest, "\n"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

func TestRun_TargetedEndToEnd(t *testing.T) {
	searcher := &llmtest.Searcher{Reply: func(first string, turn int) (string, error) {
		assert.Equal(t, "MIT", researchTarget(first))
		if turn < 3 {
			return strings.Repeat("Prof. Green runs the catalysis ML group. ", 4), nil
		}
		return "Dr. Jones models reactors with neural networks. SEARCH COMPLETE", nil
	}}
	processor := &llmtest.Processor{Reply: func(prompt string) (string, error) {
		return llmtest.Collaborators(
			llmtest.Person{Name: "Ada Green", Alignment: 4},
			llmtest.Person{Name: "Bo Jones", Alignment: 5},
		), nil
	}}

	rec := &recorder{}
	m := New("job-1", plan(types.JobConfig{
		Profile:     types.ResearchProfile{Text: "ML for chemical engineering"},
		Mode:        types.ModeTargeted,
		Institution: "MIT",
		TotalTurns:  10,
	}), searcher, processor, rec.sink, Options{Logger: zaptest.NewLogger(t)})
	assert.Equal(t, StatePending, m.State())

	res := m.Run(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 3, res.Turns)
	require.Len(t, res.Shortlist.Collaborators, 2)
	for _, c := range res.Shortlist.Collaborators {
		assert.Equal(t, "MIT", c.Institution)
	}
	assert.Equal(t, "Bo Jones", res.Shortlist.Collaborators[0].Name)

	var states []State
	for _, ev := range rec.all() {
		if len(states) == 0 || states[len(states)-1] != ev.State {
			states = append(states, ev.State)
		}
	}
	assert.Equal(t, []State{StateResearching, StateExtracting, StateMerging, StateCompleted}, states)

	for i, ev := range rec.all() {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, "job-1", ev.JobID)
	}
	terminal := rec.terminal()
	require.Len(t, terminal, 1)
	assert.Equal(t, EventJobCompleted, terminal[0].Kind)
	require.NotNil(t, terminal[0].Shortlist)
	assert.Len(t, terminal[0].Shortlist.Collaborators, 2)
	assert.Len(t, rec.kinds(EventTurnConsumed), 3)
	assert.Len(t, rec.kinds(EventCollaboratorFound), 2)
}

func TestRun_ZeroTopNHighlightsNothing(t *testing.T) {
	processor := &llmtest.Processor{Reply: func(string) (string, error) {
		return llmtest.Collaborators(llmtest.Person{Name: "Ada Green", Alignment: 4}), nil
	}}
	zero := 0
	m := New("job-top", plan(types.JobConfig{
		Profile:     types.ResearchProfile{Text: "ML for chemical engineering"},
		Institution: "MIT",
		TotalTurns:  2,
		TopN:        &zero,
	}), &llmtest.Searcher{}, processor, (&recorder{}).sink, Options{Logger: zaptest.NewLogger(t)})

	res := m.Run(context.Background())
	require.NoError(t, res.Err)
	require.Len(t, res.Shortlist.Collaborators, 1)
	assert.False(t, res.Shortlist.Collaborators[0].Highlighted)
	assert.Empty(t, res.Shortlist.Highlighted())
}

func broadProcessor(institutions ...string) *llmtest.Processor {
	return &llmtest.Processor{Reply: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Extract institution information") {
			return llmtest.Institutions(institutions...), nil
		}
		for _, name := range institutions {
			if llmtest.Mentions(prompt, name) {
				return llmtest.Collaborators(llmtest.Person{Name: "Researcher " + name, Alignment: 3}), nil
			}
		}
		return `{"collaborators": []}`, nil
	}}
}

func TestRun_BroadIsolatesResearchFailure(t *testing.T) {
	searcher := &llmtest.Searcher{Reply: func(first string, _ int) (string, error) {
		if researchTarget(first) == "B" {
			return "", errors.New("connection reset")
		}
		return "Findings. SEARCH COMPLETE", nil
	}}

	rec := &recorder{}
	m := New("job-2", plan(types.JobConfig{
		Profile:         types.ResearchProfile{Text: "soft robotics"},
		Mode:            types.ModeBroad,
		MaxInstitutions: 3,
		TotalTurns:      7,
	}), searcher, broadProcessor("A", "B", "C"), rec.sink, Options{MaxInFlight: 2})

	res := m.Run(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, StateCompleted, res.State)
	var names []string
	for _, c := range res.Shortlist.Collaborators {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"Researcher A", "Researcher C"}, names)
	assert.Len(t, res.Shortlist.Institutions, 3)

	var failed []types.Diagnostic
	for _, d := range res.Diagnostics {
		if d.Kind == types.DiagResearchFailed {
			failed = append(failed, d)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "B", failed[0].Institution)
	assert.LessOrEqual(t, res.Turns, 7)
	assert.Len(t, rec.kinds(EventInstitutionFound), 3)
}

func TestRun_PerInstitutionSequence(t *testing.T) {
	searcher := &llmtest.Searcher{Reply: func(_ string, turn int) (string, error) {
		if turn == 2 {
			return "Done. SEARCH COMPLETE", nil
		}
		return strings.Repeat("finding ", 10), nil
	}}

	rec := &recorder{}
	m := New("job-3", plan(types.JobConfig{
		Profile:         types.ResearchProfile{Text: "x"},
		MaxInstitutions: 2,
		TotalTurns:      5,
	}), searcher, broadProcessor("A", "B"), rec.sink, Options{})
	res := m.Run(context.Background())
	require.NoError(t, res.Err)

	perInstitution := map[string]uint64{}
	for _, ev := range rec.all() {
		if ev.Institution == "" {
			assert.Zero(t, ev.InstitutionSeq)
			continue
		}
		perInstitution[ev.Institution]++
		assert.Equal(t, perInstitution[ev.Institution], ev.InstitutionSeq)
	}
	assert.NotZero(t, perInstitution["A"])
	assert.NotZero(t, perInstitution["B"])
}

func TestRun_InstitutionsReducedToFitBudget(t *testing.T) {
	rec := &recorder{}
	m := New("job-4", plan(types.JobConfig{
		Profile:         types.ResearchProfile{Text: "x"},
		MaxInstitutions: 5,
		TotalTurns:      3,
	}), &llmtest.Searcher{}, broadProcessor("A", "B", "C", "D", "E"), rec.sink, Options{})

	res := m.Run(context.Background())

	require.NoError(t, res.Err)
	assert.Len(t, res.Shortlist.Institutions, 2)
	assert.Equal(t, types.DiagInstitutionsReduced, res.Diagnostics[0].Kind)
	assert.LessOrEqual(t, res.Turns, 3)
}

func TestRun_FatalOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		cfg       types.JobConfig
		searcher  *llmtest.Searcher
		processor *llmtest.Processor
		wantKind  types.ErrorKind
		wantSends int
	}{
		{
			name:      "budget exhausted",
			cfg:       types.JobConfig{Profile: types.ResearchProfile{Text: "x"}, MaxInstitutions: 3, TotalTurns: 1},
			searcher:  &llmtest.Searcher{},
			processor: broadProcessor("A"),
			wantKind:  types.ErrBudgetExhausted,
		},
		{
			name:      "no institutions found",
			cfg:       types.JobConfig{Profile: types.ResearchProfile{Text: "x"}, TotalTurns: 5},
			searcher:  &llmtest.Searcher{},
			processor: broadProcessor(),
			wantKind:  types.ErrNoInstitutionsFound,
			wantSends: 1,
		},
		{
			name: "provider unavailable",
			cfg:  types.JobConfig{Profile: types.ResearchProfile{Text: "x"}, Institution: "MIT", TotalTurns: 5},
			searcher: &llmtest.Searcher{Reply: func(string, int) (string, error) {
				return "", &llm.ProviderError{Provider: "p", Class: llm.ClassUnavailable, Message: "invalid API key"}
			}},
			processor: broadProcessor(),
			wantKind:  types.ErrProviderUnavailable,
			wantSends: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			res := New("job", plan(tt.cfg), tt.searcher, tt.processor, rec.sink, Options{}).Run(context.Background())

			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, tt.wantKind, types.KindOf(res.Err))
			assert.Equal(t, tt.wantSends, tt.searcher.Sends())

			terminal := rec.terminal()
			require.Len(t, terminal, 1)
			assert.Equal(t, EventJobFailed, terminal[0].Kind)
			require.NotNil(t, terminal[0].Error)
			assert.Equal(t, tt.wantKind, terminal[0].Error.Kind)
		})
	}
}

func TestRun_CancelledMidResearch(t *testing.T) {
	searcher := &llmtest.Searcher{
		Started: make(chan string),
		Gate:    make(chan struct{}),
		Reply: func(string, int) (string, error) {
			return strings.Repeat("partial ", 20), nil
		},
	}
	rec := &recorder{}
	m := New("job-5", plan(types.JobConfig{
		Profile:     types.ResearchProfile{Text: "x"},
		Institution: "MIT",
		TotalTurns:  10,
	}), searcher, broadProcessor("MIT"), rec.sink, Options{CallTimeout: time.Minute})

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan Result, 1)
	go func() { done <- m.Run(ctx) }()

	<-searcher.Started
	cancel(types.NewJobError(types.ErrCancelled, "cancelled by user", nil))
	close(searcher.Gate)
	res := <-done

	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, types.ErrCancelled, types.KindOf(res.Err))
	assert.Equal(t, 1, res.Turns)
	assert.Equal(t, 1, searcher.Sends())
	assert.Empty(t, rec.kinds(EventJobCompleted))

	terminal := rec.terminal()
	require.Len(t, terminal, 1)
	assert.Equal(t, EventJobCancelled, terminal[0].Kind)
	assert.Equal(t, StateCancelled, terminal[0].State)
	require.NotNil(t, terminal[0].Shortlist)
	assert.Empty(t, terminal[0].Shortlist.Collaborators)
	assert.Equal(t, terminal[0].Seq, rec.all()[len(rec.all())-1].Seq)
}

func TestRun_TimeoutReportedAsTimedOut(t *testing.T) {
	searcher := &llmtest.Searcher{Gate: make(chan struct{})}
	defer close(searcher.Gate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := New("job-6", plan(types.JobConfig{
		Profile:     types.ResearchProfile{Text: "x"},
		Institution: "MIT",
		TotalTurns:  4,
	}), searcher, broadProcessor(), nil, Options{CallTimeout: 200 * time.Millisecond}).Run(ctx)

	assert.Equal(t, StateCancelled, res.State)
	assert.Equal(t, types.ErrTimedOut, types.KindOf(res.Err))
	assert.Equal(t, 1, searcher.Sends())
}

func TestRun_EmptyShortlistCompletes(t *testing.T) {
	res := New("job-7", plan(types.JobConfig{
		Profile:     types.ResearchProfile{Text: "x"},
		Institution: "Nowhere",
		TotalTurns:  2,
	}), &llmtest.Searcher{}, broadProcessor(), nil, Options{}).Run(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Empty(t, res.Shortlist.Collaborators)
}

func TestState_Transitions(t *testing.T) {
	assert.True(t, StatePending.CanTransition(StateDiscovering))
	assert.True(t, StatePending.CanTransition(StateResearching))
	assert.False(t, StatePending.CanTransition(StateMerging))
	assert.True(t, StateExtracting.CanTransition(StateCancelled))
	assert.False(t, StateCompleted.CanTransition(StateFailed))
	assert.False(t, StateCancelled.CanTransition(StateResearching))
}
