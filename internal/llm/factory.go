package llm

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/jonathan/collagent/internal/registry"
	"github.com/jonathan/collagent/internal/searchtools"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Factory opens provider adapters for registry entries.
type Factory struct {
	HTTPClient *http.Client
	// MaxResults is passed to search-only tools per query.
	MaxResults int
	Logger     *zap.Logger
}

// Open builds the adapters for one job. Construction failures are reported as
// unavailable providers.
func (f *Factory) Open(ctx context.Context, search, processing registry.Provider) (*Pair, error) {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	proc, procCloser, err := f.processor(ctx, processing)
	if err != nil {
		return nil, unavailable(processing.ID, err)
	}
	closers := []io.Closer{}
	if procCloser != nil {
		closers = append(closers, procCloser)
	}

	searcher, err := f.searcher(ctx, search, proc)
	if err != nil {
		for _, c := range closers {
			c.Close() //nolint:errcheck
		}
		return nil, unavailable(search.ID, err)
	}

	logger.Debug("providers opened",
		zap.String("search", searcher.Name()),
		zap.String("processing", proc.Name()))
	return NewPair(searcher, proc, closers...), nil
}

func (f *Factory) processor(ctx context.Context, p registry.Provider) (Processor, io.Closer, error) {
	switch p.Kind {
	case registry.KindGemini:
		var opts []option.ClientOption
		if p.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(p.Endpoint))
		}
		g, err := NewGeminiProcessor(ctx, p.Credential, p.Model, opts...)
		if err != nil {
			return nil, nil, err
		}
		return g, g, nil
	case registry.KindOpenAICompatible:
		o, err := NewOpenAIProcessor(p.Credential, p.Model, p.Endpoint, f.HTTPClient)
		if err != nil {
			return nil, nil, err
		}
		return o, nil, nil
	default:
		return nil, nil, fmt.Errorf("%s providers cannot process", p.Kind)
	}
}

func (f *Factory) searcher(ctx context.Context, p registry.Provider, planner Processor) (Searcher, error) {
	switch p.Kind {
	case registry.KindGemini:
		return NewGeminiSearch(ctx, p.Credential, p.Model, p.Endpoint, f.HTTPClient)
	case registry.KindTavily:
		return NewToolSearcher(searchtools.NewTavily(p.Credential, p.Endpoint, f.HTTPClient), planner, f.MaxResults), nil
	case registry.KindBrave:
		return NewToolSearcher(searchtools.NewBrave(p.Credential, p.Endpoint, f.HTTPClient), planner, f.MaxResults), nil
	case registry.KindGoogleCSE:
		var opts []option.ClientOption
		if p.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(p.Endpoint))
		}
		tool, err := searchtools.NewGoogleCSE(ctx, p.Credential, p.Values["cx"], opts...)
		if err != nil {
			return nil, err
		}
		return NewToolSearcher(tool, planner, f.MaxResults), nil
	default:
		return nil, fmt.Errorf("%s providers cannot search", p.Kind)
	}
}

func unavailable(provider string, err error) error {
	return &ProviderError{Provider: provider, Class: ClassUnavailable, Message: "could not open provider", Cause: err}
}
