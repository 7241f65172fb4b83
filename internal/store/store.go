// Package store keeps finished job reports after their events are released.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonathan/collagent/internal/types"
)

// ErrNotFound is returned when no report exists for a job id.
var ErrNotFound = errors.New("report not found")

// Store saves and retrieves finished reports.
type Store interface {
	Save(ctx context.Context, report types.Report) error
	Get(ctx context.Context, jobID string) (types.Report, error)
	Close() error
}

// Memory is an in-process Store whose reports expire after a TTL.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	reports map[string]memoryItem
}

type memoryItem struct {
	report  types.Report
	expires time.Time
}

// NewMemory creates a Memory store. A zero ttl keeps reports until Close.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, reports: make(map[string]memoryItem)}
}

func (m *Memory) Save(_ context.Context, report types.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := memoryItem{report: report}
	if m.ttl > 0 {
		item.expires = m.now().Add(m.ttl)
	}
	m.reports[report.JobID] = item
	m.sweepLocked()
	return nil
}

func (m *Memory) Get(_ context.Context, jobID string) (types.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.reports[jobID]
	if !ok || m.expired(item) {
		delete(m.reports, jobID)
		return types.Report{}, ErrNotFound
	}
	return item.report, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.reports = make(map[string]memoryItem)
	m.mu.Unlock()
	return nil
}

func (m *Memory) expired(item memoryItem) bool {
	return !item.expires.IsZero() && m.now().After(item.expires)
}

func (m *Memory) sweepLocked() {
	for id, item := range m.reports {
		if m.expired(item) {
			delete(m.reports, id)
		}
	}
}
