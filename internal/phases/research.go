package phases

import (
	"context"
	"fmt"

	"github.com/jonathan/collagent/internal/llm"
	"github.com/jonathan/collagent/internal/prompts"
	"github.com/jonathan/collagent/internal/types"
	"go.uber.org/zap"
)

// ResearchInput is one institution slot.
type ResearchInput struct {
	Institution types.Institution
	Profile     types.ResearchProfile
	Turns       int
	Searcher    llm.Searcher
	// OnTurn is called after every search turn, including failed ones.
	OnTurn func()
}

// ResearchOutput is the unstructured findings text for one institution.
type ResearchOutput struct {
	Text        string
	Turns       int
	Complete    bool
	Diagnostics []types.Diagnostic
}

// Research runs a multi-turn search for collaborators at one institution.
// A provider failure yields empty text and a ResearchFailed diagnostic; the
// returned error is reserved for cancellation and unavailable providers.
func Research(ctx context.Context, in ResearchInput, opts Options) (ResearchOutput, error) {
	name := in.Institution.Name
	log := opts.logger().With(zap.String("institution", name))

	res, err := runSession(ctx, in.Searcher, sessionPlan{
		institution:  name,
		instructions: prompts.Render("research.instructions", nil),
		start: prompts.Render("research.start", map[string]string{
			"Profile":     in.Profile.Text,
			"Institution": name,
			"Focus":       in.Profile.Focus(),
		}),
		followUp: prompts.Render("research.continue", nil),
		turns:    in.Turns,
		onTurn:   in.OnTurn,
	}, opts)

	out := ResearchOutput{
		Text:        res.text,
		Turns:       res.used,
		Complete:    res.complete,
		Diagnostics: res.diags,
	}
	if err != nil {
		return out, err
	}

	if res.failure != nil {
		log.Warn("research failed", zap.Int("turns", res.used), zap.Error(res.failure))
		out.Text = ""
		out.Diagnostics = append(out.Diagnostics, types.Diagnostic{
			Kind:        types.DiagResearchFailed,
			Institution: name,
			Message:     fmt.Sprintf("research failed: %v", res.failure),
		})
		return out, nil
	}

	log.Debug("research finished",
		zap.Int("turns", res.used),
		zap.Bool("complete", res.complete),
		zap.Int("chars", len(res.text)))
	return out, nil
}
