// Package llmtest provides scripted search and processing providers for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/jonathan/collagent/internal/llm"
)

// Searcher answers every session through Reply. The first message of a
// session is passed on each turn so replies can be keyed by institution.
type Searcher struct {
	// Reply returns the answer to turn (1-based) of a session opened with first.
	Reply func(first string, turn int) (string, error)
	// Started, if set, receives the first message of each turn before Reply runs.
	Started chan string
	// Gate, if set, blocks each turn until it is closed or the call context ends.
	Gate chan struct{}

	mu    sync.Mutex
	sends int
}

var _ llm.Searcher = (*Searcher)(nil)

func (s *Searcher) Name() string { return "scripted-search" }

// Sends returns how many turns were sent across all sessions.
func (s *Searcher) Sends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

func (s *Searcher) StartSession(_ context.Context, _ string) (llm.SearchSession, error) {
	return &session{searcher: s}, nil
}

type session struct {
	searcher *Searcher
	first    string
	turn     int
}

func (ss *session) Send(ctx context.Context, message string) (string, error) {
	s := ss.searcher
	if ss.turn == 0 {
		ss.first = message
	}
	ss.turn++

	s.mu.Lock()
	s.sends++
	s.mu.Unlock()

	if s.Started != nil {
		select {
		case s.Started <- ss.first:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.Reply == nil {
		return llm.CompletionMarker, nil
	}
	return s.Reply(ss.first, ss.turn)
}

// Processor answers every prompt through Reply.
type Processor struct {
	Reply func(prompt string) (string, error)

	mu    sync.Mutex
	calls int
}

var _ llm.Processor = (*Processor)(nil)

func (p *Processor) Name() string { return "scripted-processing" }

// Calls returns how many prompts were answered.
func (p *Processor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *Processor) GenerateContent(_ context.Context, prompt string) (string, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.Reply == nil {
		return "", nil
	}
	return p.Reply(prompt)
}

func (p *Processor) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	return p.GenerateContent(ctx, prompt)
}

// Person is a collaborator record in extraction output.
type Person struct {
	Name      string
	Alignment int
}

// Collaborators renders an extraction reply listing people.
func Collaborators(people ...Person) string {
	type record struct {
		Name      string `json:"name"`
		Alignment int    `json:"alignment_score"`
		Position  string `json:"position"`
	}
	doc := struct {
		Collaborators []record `json:"collaborators"`
	}{Collaborators: []record{}}
	for _, p := range people {
		doc.Collaborators = append(doc.Collaborators, record{Name: p.Name, Alignment: p.Alignment, Position: "Professor"})
	}
	b, _ := json.Marshal(doc)
	return string(b)
}

// Institutions renders a discovery extraction reply; relevance descends with position.
func Institutions(names ...string) string {
	type record struct {
		Name      string `json:"name"`
		Relevance int    `json:"relevance_score"`
		Country   string `json:"country"`
	}
	doc := struct {
		Institutions []record `json:"institutions"`
	}{Institutions: []record{}}
	for i, n := range names {
		doc.Institutions = append(doc.Institutions, record{Name: n, Relevance: max(5-i, 1), Country: "Unknown"})
	}
	b, _ := json.Marshal(doc)
	return string(b)
}

// Mentions reports whether a prompt names the institution in its research target line.
func Mentions(prompt, institution string) bool {
	return strings.Contains(prompt, "Target Institution: "+institution) ||
		strings.Contains(prompt, "must be at "+institution+".")
}
