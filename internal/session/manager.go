// Package session runs collaborator search jobs on behalf of CLI and web
// callers. It admits jobs in submission order up to a concurrency cap and fans
// each job's progress events out to any number of subscribers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jonathan/collagent/internal/job"
	"github.com/jonathan/collagent/internal/llm"
	"github.com/jonathan/collagent/internal/metrics"
	"github.com/jonathan/collagent/internal/registry"
	"github.com/jonathan/collagent/internal/store"
	"github.com/jonathan/collagent/internal/types"
)

// Defaults used when Options leaves a field unset.
const (
	DefaultMaxConcurrent = 4
	DefaultJobTimeout    = 15 * time.Minute
	DefaultEventBuffer   = 1024
	DefaultRetention     = 10 * time.Minute
)

var (
	// ErrNotFound is returned for job ids the manager does not know.
	ErrNotFound = errors.New("job not found")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("session manager is shut down")
)

// Connector opens the provider adapters for a job.
type Connector interface {
	Open(ctx context.Context, search, processing registry.Provider) (*llm.Pair, error)
}

// Options configure a Manager.
type Options struct {
	// MaxConcurrent caps jobs running at once; later submissions queue.
	MaxConcurrent int
	// JobTimeout is the wall-clock limit of a running job.
	JobTimeout time.Duration
	// EventBuffer bounds the replay log of each job.
	EventBuffer int
	// Retention is how long a finished job without subscribers stays addressable.
	Retention time.Duration
	Machine   job.Options
	Logger    *zap.Logger
	// Store receives every finished report. Nil keeps reports in memory.
	Store store.Store
	NewID func() string
	Now   func() time.Time
}

// Status is a point-in-time view of a job.
type Status struct {
	ID            string          `json:"id"`
	State         job.State       `json:"state"`
	Config        types.JobConfig `json:"config"`
	Turns         int             `json:"turns"`
	QueuePosition int             `json:"queue_position,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Report        *types.Report   `json:"report,omitempty"`
}

// Manager owns every job started by this process.
type Manager struct {
	reg  *registry.Registry
	conn Connector
	opts Options
	log  *zap.Logger
	sem  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*entry
	queue  []*entry
	closed bool
}

type entry struct {
	id      string
	plan    job.Plan
	created time.Time
	ctx     context.Context
	cancel  context.CancelCauseFunc
	events  *broadcaster
	done    chan struct{}

	// guarded by Manager.mu
	state       job.State
	turns       int
	subscribers int
	report      *types.Report
	result      job.Result
	expiry      *time.Timer
}

// NewManager creates a manager and starts its dispatcher. Call Shutdown to stop it.
func NewManager(reg *registry.Registry, conn Connector, opts Options) *Manager {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.EventBuffer < 1 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory(0)
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Machine.Logger == nil {
		opts.Machine.Logger = opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		reg:    reg,
		conn:   conn,
		opts:   opts,
		log:    opts.Logger,
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		jobs:   make(map[string]*entry),
	}
	m.wg.Add(1)
	go m.dispatch()
	return m
}

// Submit validates cfg against the registry and queues the job. It returns
// the job id immediately; ConfigError and ProviderUnavailable are reported
// here and the job never starts.
func (m *Manager) Submit(cfg types.JobConfig) (string, error) {
	plan, err := job.Prepare(cfg, m.reg)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	ctx, cancel := context.WithCancelCause(m.ctx)
	e := &entry{
		id:      m.opts.NewID(),
		plan:    plan,
		created: m.opts.Now(),
		ctx:     ctx,
		cancel:  cancel,
		events:  newBroadcaster(m.opts.EventBuffer),
		done:    make(chan struct{}),
		state:   job.StatePending,
	}
	m.jobs[e.id] = e
	m.queue = append(m.queue, e)

	metrics.IncreaseJobsSubmitted()
	metrics.UpdateJobsQueued(len(m.queue))
	m.log.Info("job submitted",
		zap.String("job_id", e.id),
		zap.String("mode", string(plan.Config.Mode)),
		zap.Int("queued", len(m.queue)))

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return e.id, nil
}

// Subscribe streams a job's events from the start of its retained log. The
// channel closes after the terminal event or when ctx ends.
func (m *Manager) Subscribe(ctx context.Context, id string) (<-chan job.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	e.subscribers++
	if e.expiry != nil {
		e.expiry.Stop()
		e.expiry = nil
	}
	return e.events.subscribe(ctx, func() { m.unsubscribe(e) }), nil
}

// Cancel stops a job. A queued job is cancelled without starting; a running
// one stops after its in-flight provider calls return. Cancelling a finished
// job does nothing.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	e, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if m.dequeueLocked(e) {
		m.mu.Unlock()
		m.log.Info("queued job cancelled", zap.String("job_id", id))
		m.abandon(e, types.NewJobError(types.ErrCancelled, "cancelled before start", nil))
		return nil
	}
	m.mu.Unlock()

	e.cancel(types.NewJobError(types.ErrCancelled, "cancelled by request", nil))
	return nil
}

// Status returns the live state of a job, or its stored report once released.
// A job whose terminal event is out but whose report is still being saved is
// waited for, so callers that drained the event stream always see the report.
func (m *Manager) Status(ctx context.Context, id string) (Status, error) {
	m.mu.Lock()
	if e, ok := m.jobs[id]; ok {
		if e.report == nil && e.state.Terminal() {
			m.mu.Unlock()
			select {
			case <-e.done:
			case <-ctx.Done():
				return Status{}, ctx.Err()
			}
			m.mu.Lock()
		}
		st := Status{
			ID:        e.id,
			State:     e.state,
			Config:    e.plan.Config,
			Turns:     e.turns,
			CreatedAt: e.created,
			Report:    e.report,
		}
		for i, q := range m.queue {
			if q == e {
				st.QueuePosition = i + 1
			}
		}
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	r, err := m.opts.Store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Status{}, ErrNotFound
	}
	if err != nil {
		return Status{}, err
	}
	return Status{ID: r.JobID, State: job.State(r.State), Config: r.Config, Turns: r.Turns, CreatedAt: r.CreatedAt, Report: &r}, nil
}

// Report returns the finished report of a job.
func (m *Manager) Report(ctx context.Context, id string) (types.Report, error) {
	st, err := m.Status(ctx, id)
	if err != nil {
		return types.Report{}, err
	}
	if st.Report == nil {
		return types.Report{}, fmt.Errorf("job %s is %s: %w", id, st.State, ErrNotFound)
	}
	return *st.Report, nil
}

// Wait blocks until the job is terminal or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (job.Result, error) {
	m.mu.Lock()
	e, ok := m.jobs[id]
	m.mu.Unlock()
	if !ok {
		return job.Result{}, ErrNotFound
	}
	select {
	case <-e.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return e.result, nil
	case <-ctx.Done():
		return job.Result{}, ctx.Err()
	}
}

// Shutdown cancels every job, waits for running ones to finish and stops the dispatcher.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	queued := m.queue
	m.queue = nil
	running := make([]*entry, 0, len(m.jobs))
	for _, e := range m.jobs {
		running = append(running, e)
	}
	metrics.UpdateJobsQueued(0)
	m.mu.Unlock()

	cause := types.NewJobError(types.ErrCancelled, "server shutting down", nil)
	for _, e := range queued {
		m.abandon(e, cause)
	}
	for _, e := range running {
		e.cancel(cause)
	}
	m.cancel()

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	for id, e := range m.jobs {
		if e.expiry != nil {
			e.expiry.Stop()
		}
		delete(m.jobs, id)
	}
	m.mu.Unlock()
	return nil
}

// dispatch starts queued jobs in submission order as concurrency slots free up.
func (m *Manager) dispatch() {
	defer m.wg.Done()
	for {
		if err := m.sem.Acquire(m.ctx, 1); err != nil {
			return
		}
		e := m.next()
		if e == nil {
			m.sem.Release(1)
			return
		}
		m.wg.Add(1)
		go m.run(e)
	}
}

func (m *Manager) next() *entry {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			e := m.queue[0]
			m.queue = m.queue[1:]
			metrics.UpdateJobsQueued(len(m.queue))
			m.mu.Unlock()
			return e
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m *Manager) run(e *entry) {
	defer m.wg.Done()
	defer m.sem.Release(1)
	metrics.UpdateJobsRunning(1)
	defer metrics.UpdateJobsRunning(-1)

	log := m.log.With(zap.String("job_id", e.id))
	ctx, cancel := context.WithTimeoutCause(e.ctx, m.opts.JobTimeout,
		types.NewJobError(types.ErrTimedOut, fmt.Sprintf("job exceeded %s", m.opts.JobTimeout), nil))
	defer cancel()

	pair, err := m.conn.Open(ctx, e.plan.Search, e.plan.Processing)
	if err != nil {
		log.Error("failed to open providers", zap.Error(err))
		m.abandon(e, types.NewJobError(types.ErrProviderUnavailable, "could not open providers", err))
		return
	}
	defer func() {
		if err := pair.Close(); err != nil {
			log.Warn("failed to close providers", zap.Error(err))
		}
	}()

	machine := job.New(e.id, e.plan, pair.Searcher, pair.Processor, func(ev job.Event) {
		m.observe(e, ev)
		e.events.publish(ev)
	}, m.opts.Machine)
	m.finish(e, machine.Run(ctx))
}

func (m *Manager) observe(e *entry, ev job.Event) {
	m.mu.Lock()
	e.state = ev.State
	if ev.Turns > e.turns {
		e.turns = ev.Turns
	}
	m.mu.Unlock()
}

// abandon ends a job that never ran, publishing its single terminal event.
func (m *Manager) abandon(e *entry, je *types.JobError) {
	ev := job.Event{
		JobID: e.id,
		Seq:   1,
		Time:  m.opts.Now(),
		Error: &job.ErrorInfo{Kind: je.Kind, Message: je.Error()},
	}
	res := job.Result{Diagnostics: e.plan.Diagnostics, Err: je}
	if je.Kind.Stopped() {
		ev.Kind, ev.State = job.EventJobCancelled, job.StateCancelled
		ev.Shortlist = &types.Shortlist{}
		res.State = job.StateCancelled
	} else {
		ev.Kind, ev.State = job.EventJobFailed, job.StateFailed
		res.State = job.StateFailed
	}
	m.observe(e, ev)
	e.events.publish(ev)
	m.finish(e, res)
}

// finish records the result, saves the report and schedules release.
func (m *Manager) finish(e *entry, res job.Result) {
	report := types.Report{
		JobID:       e.id,
		Config:      e.plan.Config,
		State:       string(res.State),
		Shortlist:   res.Shortlist,
		Diagnostics: res.Diagnostics,
		Turns:       res.Turns,
		CreatedAt:   e.created,
	}
	if res.Err != nil {
		report.ErrorKind = types.KindOf(res.Err)
		report.Error = res.Err.Error()
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.opts.Store.Save(saveCtx, report); err != nil {
		m.log.Warn("failed to save report", zap.String("job_id", e.id), zap.Error(err))
	}
	metrics.IncreaseJobsFinished(string(res.State))

	m.mu.Lock()
	e.state = res.State
	e.result = res
	e.report = &report
	close(e.done)
	m.releaseLocked(e)
	m.mu.Unlock()
	e.cancel(nil)
}

// unsubscribe drops a finished job as soon as its last subscriber has gone.
func (m *Manager) unsubscribe(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.subscribers--
	if e.subscribers > 0 || e.report == nil {
		return
	}
	if e.expiry != nil {
		e.expiry.Stop()
		e.expiry = nil
	}
	m.dropLocked(e)
}

// releaseLocked schedules a finished job without subscribers to be dropped
// after the retention period.
func (m *Manager) releaseLocked(e *entry) {
	if e.report == nil || e.subscribers > 0 {
		return
	}
	if e.expiry != nil {
		e.expiry.Stop()
	}
	e.expiry = time.AfterFunc(m.opts.Retention, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e.subscribers == 0 {
			m.dropLocked(e)
		}
	})
}

func (m *Manager) dropLocked(e *entry) {
	if m.jobs[e.id] == e {
		delete(m.jobs, e.id)
		m.log.Debug("job released", zap.String("job_id", e.id))
	}
}

func (m *Manager) dequeueLocked(e *entry) bool {
	for i, q := range m.queue {
		if q == e {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			metrics.UpdateJobsQueued(len(m.queue))
			return true
		}
	}
	return false
}
