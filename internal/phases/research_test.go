package phases

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonathan/collagent/internal/llm"
	"github.com/jonathan/collagent/internal/llm/llmtest"
	"github.com/jonathan/collagent/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var profile = types.ResearchProfile{Text: "ML for chemical engineering", FocusAreas: []string{"catalysis"}}

func mit() types.Institution { return types.Institution{Name: "MIT"} }

func diagKinds(diags []types.Diagnostic) []types.DiagnosticKind {
	var kinds []types.DiagnosticKind
	for _, d := range diags {
		kinds = append(kinds, d.Kind)
	}
	return kinds
}

func transient() error {
	return &llm.ProviderError{Provider: "test", Class: llm.ClassTransient, Message: "rate limited"}
}

func TestResearch_StopsOnCompletionMarker(t *testing.T) {
	searcher := &llmtest.Searcher{Reply: func(first string, turn int) (string, error) {
		assert.Contains(t, first, "Target Institution: MIT")
		if turn == 2 {
			return "Dr. Lee works on catalysis.\nSEARCH COMPLETE", nil
		}
		return "Prof. Kim leads the reaction engineering lab.", nil
	}}

	turns := 0
	out, err := Research(context.Background(), ResearchInput{
		Institution: mit(), Profile: profile, Turns: 5, Searcher: searcher,
		OnTurn: func() { turns++ },
	}, Options{Logger: zaptest.NewLogger(t)})

	require.NoError(t, err)
	assert.Equal(t, 2, out.Turns)
	assert.Equal(t, 2, turns)
	assert.True(t, out.Complete)
	assert.Contains(t, out.Text, "Prof. Kim")
	assert.Contains(t, out.Text, "Dr. Lee")
	assert.Empty(t, out.Diagnostics)
}

func TestResearch_BudgetExceeded(t *testing.T) {
	searcher := &llmtest.Searcher{Reply: func(_ string, turn int) (string, error) {
		return strings.Repeat("more findings ", 10), nil
	}}

	out, err := Research(context.Background(), ResearchInput{
		Institution: mit(), Profile: profile, Turns: 3, Searcher: searcher,
	}, Options{})

	require.NoError(t, err)
	assert.Equal(t, 3, out.Turns)
	assert.Equal(t, 3, searcher.Sends())
	assert.False(t, out.Complete)
	assert.Equal(t, []types.DiagnosticKind{types.DiagBudgetExceeded}, diagKinds(out.Diagnostics))
	assert.NotEmpty(t, out.Text)
}

func TestResearch_DiminishingReturns(t *testing.T) {
	searcher := &llmtest.Searcher{Reply: func(_ string, turn int) (string, error) {
		if turn == 1 {
			return strings.Repeat("long answer ", 20), nil
		}
		return "nothing new", nil
	}}

	out, err := Research(context.Background(), ResearchInput{
		Institution: mit(), Profile: profile, Turns: 6, Searcher: searcher,
	}, Options{})

	require.NoError(t, err)
	assert.Equal(t, 2, out.Turns)
	assert.True(t, out.Complete)
}

func TestResearch_TransientFailureRetriedOnce(t *testing.T) {
	attempts := 0
	searcher := &llmtest.Searcher{Reply: func(_ string, _ int) (string, error) {
		attempts++
		if attempts == 1 {
			return "", transient()
		}
		return "Prof. Kim. SEARCH COMPLETE", nil
	}}

	out, err := Research(context.Background(), ResearchInput{
		Institution: mit(), Profile: profile, Turns: 2, Searcher: searcher,
	}, Options{})

	require.NoError(t, err)
	assert.Equal(t, 1, out.Turns, "a retry reuses the turn")
	assert.Equal(t, 2, searcher.Sends())
	assert.Equal(t, []types.DiagnosticKind{types.DiagRetried}, diagKinds(out.Diagnostics))
}

func TestResearch_SecondTransientFailureIsLocal(t *testing.T) {
	searcher := &llmtest.Searcher{Reply: func(_ string, _ int) (string, error) {
		return "", transient()
	}}

	out, err := Research(context.Background(), ResearchInput{
		Institution: mit(), Profile: profile, Turns: 4, Searcher: searcher,
	}, Options{})

	require.NoError(t, err)
	assert.Empty(t, out.Text)
	assert.Equal(t, 1, out.Turns)
	assert.Equal(t, []types.DiagnosticKind{types.DiagRetried, types.DiagResearchFailed}, diagKinds(out.Diagnostics))
	assert.Equal(t, "MIT", out.Diagnostics[1].Institution)
}

func TestResearch_OtherFailureNotRetried(t *testing.T) {
	searcher := &llmtest.Searcher{Reply: func(_ string, _ int) (string, error) {
		return "", errors.New("malformed response")
	}}

	out, err := Research(context.Background(), ResearchInput{
		Institution: mit(), Profile: profile, Turns: 4, Searcher: searcher,
	}, Options{})

	require.NoError(t, err)
	assert.Equal(t, 1, searcher.Sends())
	assert.Equal(t, []types.DiagnosticKind{types.DiagResearchFailed}, diagKinds(out.Diagnostics))
}

func TestResearch_UnavailableProviderIsFatal(t *testing.T) {
	searcher := &llmtest.Searcher{Reply: func(_ string, _ int) (string, error) {
		return "", &llm.ProviderError{Provider: "test", Class: llm.ClassUnavailable, Message: "invalid API key"}
	}}

	_, err := Research(context.Background(), ResearchInput{
		Institution: mit(), Profile: profile, Turns: 4, Searcher: searcher,
	}, Options{})

	require.Error(t, err)
	assert.Equal(t, types.ErrProviderUnavailable, types.KindOf(err))
}

func TestResearch_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	searcher := &llmtest.Searcher{}

	out, err := Research(ctx, ResearchInput{
		Institution: mit(), Profile: profile, Turns: 4, Searcher: searcher,
	}, Options{})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, out.Turns)
	assert.Zero(t, searcher.Sends())
}

func TestResearch_InFlightCallDrainsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	searcher := &llmtest.Searcher{
		Started: make(chan string),
		Gate:    make(chan struct{}),
		Reply: func(_ string, _ int) (string, error) {
			return "partial findings", nil
		},
	}

	done := make(chan error, 1)
	go func() {
		_, err := Research(ctx, ResearchInput{
			Institution: mit(), Profile: profile, Turns: 4, Searcher: searcher,
		}, Options{CallTimeout: time.Minute})
		done <- err
	}()

	<-searcher.Started
	cancel()
	close(searcher.Gate)

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, searcher.Sends(), "no call after cancellation")
}

func TestResearch_ZeroTurnsDoesNothing(t *testing.T) {
	searcher := &llmtest.Searcher{}
	out, err := Research(context.Background(), ResearchInput{
		Institution: mit(), Profile: profile, Searcher: searcher,
	}, Options{})
	require.NoError(t, err)
	assert.Zero(t, out.Turns)
	assert.Zero(t, searcher.Sends())
}
