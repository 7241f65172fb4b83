package phases

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jonathan/collagent/internal/llm"
	"github.com/jonathan/collagent/internal/prompts"
	"github.com/jonathan/collagent/internal/schemas"
	"github.com/jonathan/collagent/internal/types"
	"go.uber.org/zap"
)

// ExtractionInput is the research text gathered for one institution.
type ExtractionInput struct {
	Institution types.Institution
	Text        string
	Profile     types.ResearchProfile
	Processor   llm.Processor
}

// ExtractionOutput holds the collaborators found in one institution's text.
type ExtractionOutput struct {
	Collaborators []types.Collaborator
	Diagnostics   []types.Diagnostic
}

// Extract turns research text into collaborator records. It consumes no turns.
// Empty text yields an empty result without a provider call. Malformed output
// and any failure short of an unavailable provider, timeouts included, degrade
// to an empty result and an ExtractionFailed diagnostic. Calls are not retried.
func Extract(ctx context.Context, in ExtractionInput, opts Options) (ExtractionOutput, error) {
	var out ExtractionOutput
	name := in.Institution.Name
	if strings.TrimSpace(in.Text) == "" {
		return out, nil
	}
	if err := stopped(ctx); err != nil {
		return out, err
	}

	prompt := prompts.Render("research.extract", map[string]string{
		"Institution": name,
		"Profile":     in.Profile.Text,
		"Findings":    in.Text,
	})

	raw, err := call(ctx, "processing", opts, func(c context.Context) (string, error) {
		return in.Processor.GenerateJSON(c, prompt)
	})
	if err := stopped(ctx); err != nil {
		return ExtractionOutput{}, err
	}
	if err != nil {
		if f := fatal(name, err); f != nil {
			return out, f
		}
		return failed(out, name, err, opts), nil
	}

	collaborators, err := parseCollaborators(raw, name)
	if err != nil {
		return failed(out, name, err, opts), nil
	}
	out.Collaborators = collaborators

	opts.logger().Debug("extraction finished",
		zap.String("institution", name),
		zap.Int("collaborators", len(collaborators)))
	return out, nil
}

func failed(out ExtractionOutput, institution string, err error, opts Options) ExtractionOutput {
	opts.logger().Warn("extraction failed", zap.String("institution", institution), zap.Error(err))
	out.Collaborators = nil
	out.Diagnostics = append(out.Diagnostics, types.Diagnostic{
		Kind:        types.DiagExtractionFailed,
		Institution: institution,
		Message:     fmt.Sprintf("extraction failed: %v", err),
	})
	return out
}

// parseCollaborators validates and decodes extraction output. Every record is
// attributed to the institution it was researched under.
func parseCollaborators(raw, institution string) ([]types.Collaborator, error) {
	doc := llm.CleanJSONBlock(raw)
	if err := schemas.ValidateCollaborators(doc); err != nil {
		return nil, err
	}

	var parsed collaboratorsDoc
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode collaborators: %w", err)
	}

	out := make([]types.Collaborator, 0, len(parsed.Collaborators))
	for _, c := range parsed.Collaborators {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		out = append(out, types.Collaborator{
			Name:                   name,
			Institution:            institution,
			Position:               strings.TrimSpace(c.Position),
			Email:                  strings.TrimSpace(c.Email),
			ResearchFocus:          strings.TrimSpace(c.Focus),
			Alignment:              rating(c.Alignment),
			Justification:          strings.TrimSpace(c.Reasons),
			SuggestedCollaboration: strings.TrimSpace(c.Angle),
			Publications:           c.Publications,
		})
	}
	return out, nil
}
