package job

import (
	"fmt"

	"github.com/jonathan/collagent/internal/registry"
	"github.com/jonathan/collagent/internal/types"
)

// Plan is a validated job configuration bound to concrete providers.
type Plan struct {
	Config      types.JobConfig
	Search      registry.Provider
	Processing  registry.Provider
	Diagnostics []types.Diagnostic
}

// Prepare validates cfg and selects its providers from reg. Every error is a
// ConfigError or ProviderUnavailable JobError and means the job never starts.
func Prepare(cfg types.JobConfig, reg *registry.Registry) (Plan, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Plan{}, types.NewJobError(types.ErrConfig, "invalid job configuration", err)
	}

	search, err := searchProvider(cfg.SearchProvider, reg)
	if err != nil {
		return Plan{}, err
	}

	plan := Plan{Search: search}
	processing, diag, err := processingProvider(cfg.ProcessingProvider, search, reg)
	if err != nil {
		return Plan{}, err
	}
	if diag != nil {
		plan.Diagnostics = append(plan.Diagnostics, *diag)
	}
	plan.Processing = processing

	cfg.SearchProvider = search.ID
	cfg.ProcessingProvider = processing.ID
	plan.Config = cfg
	return plan, nil
}

func searchProvider(id string, reg *registry.Registry) (registry.Provider, error) {
	if id == "" {
		p, ok := reg.DefaultSearch()
		if !ok {
			return registry.Provider{}, types.NewJobError(types.ErrProviderUnavailable, "no search-capable provider is available", nil)
		}
		return p, nil
	}

	p, err := lookup(id, reg)
	if err != nil {
		return registry.Provider{}, err
	}
	if !p.CanSearch() {
		return registry.Provider{}, types.NewJobError(types.ErrConfig,
			fmt.Sprintf("provider %q cannot take the search role", id), nil)
	}
	return p, nil
}

// processingProvider resolves the processing role. An empty id, or an absent
// one, falls back to the search provider when it can process.
func processingProvider(id string, search registry.Provider, reg *registry.Registry) (registry.Provider, *types.Diagnostic, error) {
	if id == "" {
		if !search.CanProcess() {
			return registry.Provider{}, nil, types.NewJobError(types.ErrConfig,
				fmt.Sprintf("search-only provider %q needs a separate processing provider", search.ID), nil)
		}
		return search, nil, nil
	}

	p, err := lookup(id, reg)
	if err != nil {
		if types.KindOf(err) == types.ErrProviderUnavailable && search.CanProcess() {
			return search, &types.Diagnostic{
				Kind:    types.DiagProviderAbsent,
				Message: fmt.Sprintf("processing provider %q unavailable, using %q: %v", id, search.ID, err),
			}, nil
		}
		return registry.Provider{}, nil, err
	}
	if !p.CanProcess() {
		return registry.Provider{}, nil, types.NewJobError(types.ErrConfig,
			fmt.Sprintf("provider %q cannot take the processing role", id), nil)
	}
	return p, nil, nil
}

func lookup(id string, reg *registry.Registry) (registry.Provider, error) {
	if p, ok := reg.Get(id); ok {
		return p, nil
	}
	if a, ok := reg.Absence(id); ok {
		return registry.Provider{}, types.NewJobError(types.ErrProviderUnavailable,
			fmt.Sprintf("provider %q is not available: %s", id, a.Reason), nil)
	}
	return registry.Provider{}, types.NewJobError(types.ErrConfig, fmt.Sprintf("unknown provider %q", id), nil)
}
