// Package llm adapts language-model and search providers to the collaborator search phases.
package llm

import (
	"context"
	"errors"
	"io"
)

// Processor generates text from a prompt without searching the web.
type Processor interface {
	// GenerateContent returns free text.
	GenerateContent(ctx context.Context, prompt string) (string, error)
	// GenerateJSON returns a JSON document with any code fence removed.
	GenerateJSON(ctx context.Context, prompt string) (string, error)
	// Name identifies the provider in logs and diagnostics.
	Name() string
}

// SearchSession is one multi-turn research conversation.
// Every Send is a single provider query and costs one turn.
type SearchSession interface {
	Send(ctx context.Context, message string) (string, error)
}

// Searcher opens search sessions against a search-capable provider.
type Searcher interface {
	StartSession(ctx context.Context, instructions string) (SearchSession, error)
	Name() string
}

// Pair is the search and processing adapters serving one job.
type Pair struct {
	Searcher  Searcher
	Processor Processor
	closers   []io.Closer
}

// NewPair bundles adapters with the resources to release when the job ends.
func NewPair(s Searcher, p Processor, closers ...io.Closer) *Pair {
	return &Pair{Searcher: s, Processor: p, closers: closers}
}

// Close releases every underlying client.
func (p *Pair) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
