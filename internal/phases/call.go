// Package phases implements the discovery, research and extraction executors.
//
// Executors are stateless: each takes its allocation and providers and returns
// its result, the turns it consumed and any diagnostics. Only conditions that
// must end the job are returned as errors.
package phases

import (
	"context"
	"fmt"
	"time"

	"github.com/jonathan/collagent/internal/llm"
	"github.com/jonathan/collagent/internal/metrics"
	"github.com/jonathan/collagent/internal/types"
	"go.uber.org/zap"
)

// DefaultCallTimeout bounds a provider call when Options leaves CallTimeout unset.
const DefaultCallTimeout = 2 * time.Minute

// Options apply to every executor.
type Options struct {
	// CallTimeout bounds each provider call. Zero means DefaultCallTimeout.
	CallTimeout time.Duration
	Logger      *zap.Logger
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// invoke runs one provider call. The call is detached from ctx cancellation
// so an issued request can finish; the caller discards its result if ctx
// was cancelled meanwhile.
func invoke(ctx context.Context, timeout time.Duration, fn func(context.Context) (string, error)) (string, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return fn(cctx)
}

// call invokes fn once and records the outcome. Processing calls go through
// call; only search turns get the transparent retry.
func call(ctx context.Context, role string, opts Options, fn func(context.Context) (string, error)) (string, error) {
	text, err := invoke(ctx, opts.CallTimeout, fn)
	if err != nil {
		metrics.IncreaseProviderCalls(role, llm.Classify(err).String())
		return "", err
	}
	metrics.IncreaseProviderCalls(role, "ok")
	return text, nil
}

// stopped returns the reason ctx was cancelled, or nil.
func stopped(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

// retrier hands out the single transparent retry a search session is allowed.
type retrier struct {
	left        int
	institution string
	diags       []types.Diagnostic
}

func newRetrier(institution string) *retrier {
	return &retrier{left: 1, institution: institution}
}

// do invokes fn and retries once on a transient failure if the allowance remains.
func (r *retrier) do(ctx context.Context, role string, opts Options, fn func(context.Context) (string, error)) (string, error) {
	text, err := call(ctx, role, opts, fn)
	if err == nil {
		return text, nil
	}
	if llm.Classify(err) != llm.ClassTransient || r.left == 0 || stopped(ctx) != nil {
		return "", err
	}

	r.left--
	r.diags = append(r.diags, types.Diagnostic{
		Kind:        types.DiagRetried,
		Institution: r.institution,
		Message:     fmt.Sprintf("%s call retried after transient failure: %v", role, err),
	})
	opts.logger().Debug("retrying provider call",
		zap.String("institution", r.institution),
		zap.String("role", role),
		zap.Error(err))

	text, err = invoke(ctx, opts.CallTimeout, fn)
	if err != nil {
		metrics.IncreaseProviderCalls(role, llm.Classify(err).String())
		return "", err
	}
	metrics.IncreaseProviderCalls(role, "retried")
	return text, nil
}

// fatal converts an unavailable-provider failure into a job error.
func fatal(institution string, err error) error {
	if llm.Classify(err) != llm.ClassUnavailable {
		return nil
	}
	je := types.NewJobError(types.ErrProviderUnavailable, "provider cannot serve this job", err)
	je.Institution = institution
	return je
}
