package phases

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/jonathan/collagent/internal/llm"
	"github.com/jonathan/collagent/internal/merge"
	"github.com/jonathan/collagent/internal/prompts"
	"github.com/jonathan/collagent/internal/schemas"
	"github.com/jonathan/collagent/internal/types"
	"go.uber.org/zap"
)

// DiscoveryInput configures the broad-mode institution search.
type DiscoveryInput struct {
	Profile         types.ResearchProfile
	MaxInstitutions int
	Turns           int
	Searcher        llm.Searcher
	Processor       llm.Processor
	OnTurn          func()
}

// DiscoveryOutput lists institutions ranked by relevance, at most MaxInstitutions long.
type DiscoveryOutput struct {
	Institutions []types.Institution
	Turns        int
	Diagnostics  []types.Diagnostic
}

// Discover searches for candidate institutions. A shorter list than requested
// is accepted; an empty one fails the job with NoInstitutionsFound.
func Discover(ctx context.Context, in DiscoveryInput, opts Options) (DiscoveryOutput, error) {
	log := opts.logger()
	region := in.Profile.Region
	if region == "" {
		region = "Global"
	}

	res, err := runSession(ctx, in.Searcher, sessionPlan{
		instructions: prompts.Render("discovery.instructions", map[string]string{
			"Count": strconv.Itoa(in.MaxInstitutions),
		}),
		start: prompts.Render("discovery.start", map[string]string{
			"Profile": in.Profile.Text,
			"Focus":   in.Profile.Focus(),
			"Region":  region,
		}),
		followUp: prompts.Render("discovery.continue", nil),
		turns:    in.Turns,
		onTurn:   in.OnTurn,
	}, opts)

	out := DiscoveryOutput{Turns: res.used, Diagnostics: res.diags}
	if err != nil {
		return out, err
	}
	if res.failure != nil {
		return out, types.NewJobError(types.ErrNoInstitutionsFound, "institution search failed", res.failure)
	}
	if strings.TrimSpace(res.text) == "" {
		return out, types.NewJobError(types.ErrNoInstitutionsFound, "institution search returned nothing", nil)
	}

	prompt := prompts.Render("discovery.extract", map[string]string{
		"Profile":  in.Profile.Text,
		"Findings": res.text,
	})
	raw, err := call(ctx, "processing", opts, func(c context.Context) (string, error) {
		return in.Processor.GenerateJSON(c, prompt)
	})
	if err := stopped(ctx); err != nil {
		return out, err
	}
	if err != nil {
		if f := fatal("", err); f != nil {
			return out, f
		}
		return out, types.NewJobError(types.ErrNoInstitutionsFound, "could not extract institutions", err)
	}

	institutions, err := parseInstitutions(raw, in.MaxInstitutions)
	if err != nil {
		return out, types.NewJobError(types.ErrNoInstitutionsFound, "could not extract institutions", err)
	}
	if len(institutions) == 0 {
		return out, types.NewJobError(types.ErrNoInstitutionsFound, "no institutions matched the profile", nil)
	}
	out.Institutions = institutions

	log.Info("institutions discovered",
		zap.Int("count", len(institutions)),
		zap.Int("turns", res.used))
	return out, nil
}

// parseInstitutions decodes, dedupes and ranks discovery output.
func parseInstitutions(raw string, limit int) ([]types.Institution, error) {
	doc := llm.CleanJSONBlock(raw)
	if err := schemas.ValidateInstitutions(doc); err != nil {
		return nil, err
	}
	var parsed institutionsDoc
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode institutions: %w", err)
	}

	seen := make(map[string]bool)
	var out []types.Institution
	for _, inst := range parsed.Institutions {
		name := strings.TrimSpace(inst.Name)
		key := merge.Normalize(name)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, types.Institution{
			Name:       name,
			Department: strings.TrimSpace(inst.Department),
			Country:    strings.TrimSpace(inst.Country),
			City:       strings.TrimSpace(inst.City),
			Relevance:  rating(inst.Relevance),
			Reason:     strings.TrimSpace(inst.Reason),
			KeyGroups:  inst.KeyGroups,
		})
	}

	slices.SortStableFunc(out, func(a, b types.Institution) int {
		return b.Relevance - a.Relevance
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
