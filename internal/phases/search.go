package phases

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonathan/collagent/internal/llm"
	"github.com/jonathan/collagent/internal/types"
	"go.uber.org/zap"
)

// diminishingRatio stops a session when a reply is shorter than this share of the previous one.
const diminishingRatio = 0.3

type sessionPlan struct {
	institution  string
	instructions string
	start        string
	followUp     string
	turns        int
	onTurn       func()
}

type sessionResult struct {
	text     string
	used     int
	complete bool
	diags    []types.Diagnostic
	// failure is a non-fatal provider error that ended the session.
	failure error
}

// runSession drives a multi-turn search within its turn allocation.
// It returns an error only on cancellation or an unavailable provider.
func runSession(ctx context.Context, searcher llm.Searcher, plan sessionPlan, opts Options) (res sessionResult, err error) {
	if plan.turns < 1 {
		return res, nil
	}
	if err := stopped(ctx); err != nil {
		return res, err
	}

	session, err := searcher.StartSession(ctx, plan.instructions)
	if err != nil {
		if f := fatal(plan.institution, err); f != nil {
			return res, f
		}
		res.failure = err
		return res, nil
	}

	retry := newRetrier(plan.institution)
	defer func() { res.diags = append(retry.diags, res.diags...) }()

	var parts []string
	message := plan.start
	prevLen := 0

	for res.used < plan.turns {
		if err := stopped(ctx); err != nil {
			return res, err
		}

		text, err := retry.do(ctx, "search", opts, func(c context.Context) (string, error) {
			return session.Send(c, message)
		})
		res.used++
		if plan.onTurn != nil {
			plan.onTurn()
		}

		if err := stopped(ctx); err != nil {
			return res, err
		}
		if err != nil {
			if f := fatal(plan.institution, err); f != nil {
				return res, f
			}
			res.failure = err
			return res, nil
		}

		text = strings.TrimSpace(text)
		parts = append(parts, text)
		res.text = strings.Join(parts, "\n\n")

		if llm.IsComplete(text) {
			res.complete = true
			break
		}
		if prevLen > 0 && float64(len(text)) < float64(prevLen)*diminishingRatio {
			opts.logger().Debug("diminishing returns, ending search",
				zap.String("institution", plan.institution),
				zap.Int("turns", res.used))
			res.complete = true
			break
		}
		prevLen = len(text)
		message = plan.followUp
	}

	if !res.complete {
		res.diags = append(res.diags, types.Diagnostic{
			Kind:        types.DiagBudgetExceeded,
			Institution: plan.institution,
			Message:     fmt.Sprintf("search stopped at its %d-turn allocation before completing", plan.turns),
		})
	}
	return res, nil
}
