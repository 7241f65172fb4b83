package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonathan/collagent/internal/budget"
	"github.com/jonathan/collagent/internal/llm"
	"github.com/jonathan/collagent/internal/merge"
	"github.com/jonathan/collagent/internal/metrics"
	"github.com/jonathan/collagent/internal/phases"
	"github.com/jonathan/collagent/internal/types"
	"go.uber.org/zap"
)

// DefaultMaxInFlight bounds concurrent research slots when Options leaves it unset.
const DefaultMaxInFlight = 5

// Options tune a Machine.
type Options struct {
	// MaxInFlight bounds concurrently running institution slots.
	MaxInFlight int
	// CallTimeout bounds each provider call. Zero means phases.DefaultCallTimeout.
	CallTimeout time.Duration
	Logger      *zap.Logger
	Now         func() time.Time
}

// Result is the outcome of a finished job.
type Result struct {
	State       State
	Shortlist   types.Shortlist
	Diagnostics []types.Diagnostic
	Turns       int
	// Err is nil for completed jobs and a *types.JobError otherwise.
	Err error
}

// Machine runs one job through its phases and reports progress to a sink.
// A Machine is used for a single Run.
type Machine struct {
	id        string
	plan      Plan
	searcher  llm.Searcher
	processor llm.Processor
	sink      func(Event)
	opts      Options
	log       *zap.Logger

	mu       sync.Mutex
	state    State
	seq      uint64
	instSeq  map[string]uint64
	turns    int
	diags    []types.Diagnostic
	searched []types.Institution
	results  []*types.InstitutionResult
}

// New creates a machine in the Pending state. sink is called synchronously,
// in sequence order, for every event; it must not block for long.
func New(id string, plan Plan, searcher llm.Searcher, processor llm.Processor, sink func(Event), opts Options) *Machine {
	if opts.MaxInFlight < 1 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if sink == nil {
		sink = func(Event) {}
	}
	return &Machine{
		id:        id,
		plan:      plan,
		searcher:  searcher,
		processor: processor,
		sink:      sink,
		opts:      opts,
		log:       opts.Logger.With(zap.String("job_id", id)),
		state:     StatePending,
		instSeq:   make(map[string]uint64),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Turns returns the turns consumed so far.
func (m *Machine) Turns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turns
}

// Run executes the job until it reaches a terminal state. Cancelling ctx moves
// the job to Cancelled once in-flight provider calls have returned; a context
// cause carrying a *types.JobError decides between cancelled and timed_out.
func (m *Machine) Run(ctx context.Context) Result {
	cfg := m.plan.Config
	m.log.Info("job started",
		zap.String("mode", string(cfg.Mode)),
		zap.Int("total_turns", cfg.TotalTurns),
		zap.String("search_provider", m.searcher.Name()),
		zap.String("processing_provider", m.processor.Name()))
	m.note(m.plan.Diagnostics...)

	institutions, allocation, err := m.institutions(ctx)
	if err != nil {
		return m.finish(ctx, err)
	}
	m.mu.Lock()
	m.searched = institutions
	m.results = make([]*types.InstitutionResult, len(institutions))
	m.mu.Unlock()

	texts, err := m.research(ctx, institutions, allocation)
	if err != nil {
		return m.finish(ctx, err)
	}
	results, err := m.extract(ctx, institutions, texts)
	if err != nil {
		return m.finish(ctx, err)
	}

	if err := m.enter(ctx, StateMerging); err != nil {
		return m.finish(ctx, err)
	}
	shortlist := merge.Merge(results, cfg.Highlight())
	m.emit(Event{Kind: EventPhaseCompleted, Phase: StateMerging})
	return m.complete(shortlist)
}

// institutions runs discovery in broad mode and returns the research slots
// with their fixed allocation.
func (m *Machine) institutions(ctx context.Context) ([]types.Institution, []int, error) {
	cfg := m.plan.Config
	if cfg.Mode == types.ModeTargeted {
		alloc, err := budget.Allocate(cfg.TotalTurns, types.ModeTargeted, 1)
		if err != nil {
			return nil, nil, err
		}
		return []types.Institution{{Name: cfg.Institution}}, alloc.Research, nil
	}

	alloc, err := budget.Allocate(cfg.TotalTurns, types.ModeBroad, cfg.MaxInstitutions)
	if err != nil {
		return nil, nil, err
	}
	m.note(alloc.Diagnostics...)

	if err := m.enter(ctx, StateDiscovering); err != nil {
		return nil, nil, err
	}
	out, err := phases.Discover(ctx, phases.DiscoveryInput{
		Profile:         cfg.Profile,
		MaxInstitutions: alloc.Slots(),
		Turns:           alloc.Discovery,
		Searcher:        m.searcher,
		Processor:       m.processor,
		OnTurn:          m.onTurn(StateDiscovering, ""),
	}, m.phaseOptions())
	m.note(out.Diagnostics...)
	if err != nil {
		return nil, nil, err
	}

	for i := range out.Institutions {
		inst := out.Institutions[i]
		m.emit(Event{Kind: EventInstitutionFound, Institution: inst.Name, Found: &inst})
	}
	m.emit(Event{Kind: EventPhaseCompleted, Phase: StateDiscovering, Turns: out.Turns})

	// Fixed from here on; the discovery reserve is unchanged.
	final, err := budget.Allocate(cfg.TotalTurns, types.ModeBroad, len(out.Institutions))
	if err != nil {
		return nil, nil, err
	}
	return out.Institutions, final.Research, nil
}

func (m *Machine) research(ctx context.Context, institutions []types.Institution, allocation []int) ([]string, error) {
	if err := m.enter(ctx, StateResearching); err != nil {
		return nil, err
	}

	texts := make([]string, len(institutions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.MaxInFlight)
	for i, inst := range institutions {
		g.Go(func() error {
			out, err := phases.Research(gctx, phases.ResearchInput{
				Institution: inst,
				Profile:     m.plan.Config.Profile,
				Turns:       allocation[i],
				Searcher:    m.searcher,
				OnTurn:      m.onTurn(StateResearching, inst.Name),
			}, m.phaseOptions())
			m.note(out.Diagnostics...)
			if err != nil {
				return err
			}
			texts[i] = out.Text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m.emit(Event{Kind: EventPhaseCompleted, Phase: StateResearching, Turns: m.Turns()})
	return texts, nil
}

func (m *Machine) extract(ctx context.Context, institutions []types.Institution, texts []string) ([]types.InstitutionResult, error) {
	if err := m.enter(ctx, StateExtracting); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.MaxInFlight)
	for i, inst := range institutions {
		g.Go(func() error {
			out, err := phases.Extract(gctx, phases.ExtractionInput{
				Institution: inst,
				Text:        texts[i],
				Profile:     m.plan.Config.Profile,
				Processor:   m.processor,
			}, m.phaseOptions())
			m.note(out.Diagnostics...)
			if err != nil {
				return err
			}
			m.record(i, types.InstitutionResult{Institution: inst, Collaborators: out.Collaborators})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m.emit(Event{Kind: EventPhaseCompleted, Phase: StateExtracting})
	return m.gathered(), nil
}

// record stores one institution's collaborators and announces each of them.
func (m *Machine) record(i int, res types.InstitutionResult) {
	m.mu.Lock()
	m.results[i] = &res
	m.mu.Unlock()
	for j := range res.Collaborators {
		c := res.Collaborators[j]
		m.emit(Event{Kind: EventCollaboratorFound, Institution: res.Institution.Name, Collaborator: &c})
	}
}

// gathered returns every searched institution with whatever was extracted for it.
func (m *Machine) gathered() []types.InstitutionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.InstitutionResult, len(m.searched))
	for i, inst := range m.searched {
		if m.results[i] != nil {
			out[i] = *m.results[i]
			continue
		}
		out[i] = types.InstitutionResult{Institution: inst}
	}
	return out
}

// enter transitions to a phase state, unless ctx has already been cancelled.
func (m *Machine) enter(ctx context.Context, next State) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	m.mu.Lock()
	if !m.state.CanTransition(next) {
		prev := m.state
		m.mu.Unlock()
		m.log.Error("invalid transition", zap.String("from", string(prev)), zap.String("to", string(next)))
		return types.NewJobError(types.ErrConfig, "invalid state transition to "+string(next), nil)
	}
	m.state = next
	m.mu.Unlock()

	m.log.Info("phase started", zap.String("phase", string(next)))
	m.emit(Event{Kind: EventPhaseStarted, Phase: next})
	return nil
}

func (m *Machine) onTurn(phase State, institution string) func() {
	return func() {
		m.mu.Lock()
		m.turns++
		turns := m.turns
		m.mu.Unlock()
		metrics.IncreaseTurnsConsumed(string(phase))
		m.emit(Event{Kind: EventTurnConsumed, Phase: phase, Institution: institution, Turns: turns})
	}
}

func (m *Machine) note(diags ...types.Diagnostic) {
	for i := range diags {
		d := diags[i]
		m.mu.Lock()
		m.diags = append(m.diags, d)
		m.mu.Unlock()
		metrics.IncreaseDiagnostics(string(d.Kind))
		if d.Kind == types.DiagRetried {
			m.log.Debug("diagnostic", zap.String("kind", string(d.Kind)), zap.String("institution", d.Institution), zap.String("message", d.Message))
		} else {
			m.log.Warn("diagnostic", zap.String("kind", string(d.Kind)), zap.String("institution", d.Institution), zap.String("message", d.Message))
		}
		m.emit(Event{Kind: EventDiagnostic, Institution: d.Institution, Diagnostic: &d})
	}
}

// emit stamps and delivers an event. Nothing is delivered after the terminal event.
func (m *Machine) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitLocked(ev)
}

func (m *Machine) emitLocked(ev Event) {
	if m.state.Terminal() && !ev.Kind.Terminal() {
		return
	}
	m.seq++
	ev.JobID = m.id
	ev.Seq = m.seq
	ev.State = m.state
	ev.Time = m.opts.Now()
	if ev.Institution != "" {
		m.instSeq[ev.Institution]++
		ev.InstitutionSeq = m.instSeq[ev.Institution]
	}
	m.sink(ev)
}

func (m *Machine) complete(shortlist types.Shortlist) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateCompleted
	m.emitLocked(Event{Kind: EventJobCompleted, Turns: m.turns, Shortlist: &shortlist})
	m.log.Info("job completed",
		zap.Int("turns", m.turns),
		zap.Int("collaborators", len(shortlist.Collaborators)),
		zap.Int("institutions", len(shortlist.Institutions)))
	return Result{State: StateCompleted, Shortlist: shortlist, Diagnostics: m.diags, Turns: m.turns}
}

// finish ends the job as Failed or Cancelled. Cancelled jobs carry the
// partial shortlist merged from institutions extracted so far.
func (m *Machine) finish(ctx context.Context, err error) Result {
	je := jobError(ctx, err)
	info := &ErrorInfo{Kind: je.Kind, Message: je.Error(), Institution: je.Institution}

	var partial types.Shortlist
	if je.Kind.Stopped() {
		var extracted []types.InstitutionResult
		for _, r := range m.gathered() {
			if len(r.Collaborators) > 0 {
				extracted = append(extracted, r)
			}
		}
		partial = merge.Merge(extracted, m.plan.Config.Highlight())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if je.Kind.Stopped() {
		m.state = StateCancelled
		m.emitLocked(Event{Kind: EventJobCancelled, Turns: m.turns, Shortlist: &partial, Error: info})
		m.log.Info("job cancelled", zap.String("reason", string(je.Kind)), zap.Int("turns", m.turns))
	} else {
		m.state = StateFailed
		m.emitLocked(Event{Kind: EventJobFailed, Turns: m.turns, Error: info})
		m.log.Error("job failed", zap.Int("turns", m.turns), zap.Error(je))
	}
	return Result{State: m.state, Shortlist: partial, Diagnostics: m.diags, Turns: m.turns, Err: je}
}

func (m *Machine) phaseOptions() phases.Options {
	return phases.Options{CallTimeout: m.opts.CallTimeout, Logger: m.log}
}

// jobError maps a phase error to the job taxonomy.
func jobError(ctx context.Context, err error) *types.JobError {
	var je *types.JobError
	if errors.As(err, &je) {
		return je
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if errors.As(context.Cause(ctx), &je) {
			return je
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
			return types.NewJobError(types.ErrTimedOut, "job timed out", err)
		}
		return types.NewJobError(types.ErrCancelled, "job cancelled", err)
	}
	return types.NewJobError(types.ErrProviderUnavailable, "job failed", err)
}
