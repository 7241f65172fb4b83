package report

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonathan/collagent/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() types.Report {
	return types.Report{
		JobID:  "0123456789abcdef",
		Config: types.JobConfig{Mode: types.ModeBroad, SearchProvider: "gemini-flash", ProcessingProvider: "gemini-flash"},
		State:  "completed",
		Shortlist: types.Shortlist{
			Collaborators: []types.Collaborator{
				{Name: "Ada Green", Institution: "MIT", Position: "Professor", Alignment: 5, Email: "ada@mit.edu",
					Publications: []string{"Paper A", "Paper B"}, Highlighted: true},
				{Name: "Bo <Jones>", Institution: "ETH Zurich", Alignment: 3},
			},
			Institutions: []types.Institution{
				{Name: "MIT", Country: "USA", Relevance: 5, Reason: "Strong catalysis group"},
				{Name: "ETH Zurich", Country: "Switzerland", Relevance: 4},
			},
		},
		Diagnostics: []types.Diagnostic{
			{Kind: types.DiagRetried, Institution: "MIT", Message: "retried"},
			{Kind: types.DiagResearchFailed, Institution: "Caltech", Message: "research failed: timeout"},
		},
		Turns:     7,
		CreatedAt: time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
	}
}

func TestStars(t *testing.T) {
	assert.Equal(t, "★★★☆☆", Stars(3))
	assert.Equal(t, "★☆☆☆☆", Stars(0))
	assert.Equal(t, "★★★★★", Stars(9))
}

func TestMarkdown(t *testing.T) {
	md := Markdown(sample())

	assert.Contains(t, md, "Generated: 2026-03-01 12:30")
	assert.Contains(t, md, "Found **2** potential collaborators across **2** institutions using 7 search turns.")
	assert.Contains(t, md, "- **MIT** (USA) - Relevance: ★★★★★")
	assert.Contains(t, md, "## Top 1 Candidates")
	assert.Contains(t, md, "## Other Candidates")
	assert.Contains(t, md, "**Key Publications:** Paper A; Paper B")
	assert.Contains(t, md, "| Email | N/A |")
	assert.Contains(t, md, "research_failed(Caltech)")
	assert.NotContains(t, md, "retried")
	assert.Less(t, strings.Index(md, "Ada Green"), strings.Index(md, "Bo <Jones>"))
}

func TestMarkdown_EmptyAndPartial(t *testing.T) {
	r := sample()
	r.State = "cancelled"
	r.ErrorKind = types.ErrCancelled
	r.Error = "cancelled: cancelled by request"
	r.Shortlist.Collaborators = nil

	md := Markdown(r)
	assert.Contains(t, md, "> Job cancelled: cancelled by request. Results may be partial.")
	assert.Contains(t, md, "No collaborators found.")
}

func TestStopNote(t *testing.T) {
	tests := []struct {
		name  string
		state string
		err   error
		want  string
	}{
		{"completed", "completed", nil, ""},
		{"cancelled by request", "cancelled", types.NewJobError(types.ErrCancelled, "cancelled by request", nil), "Job cancelled: cancelled by request"},
		{"timed out", "cancelled", types.NewJobError(types.ErrTimedOut, "job exceeded 15m0s", nil), "Job cancelled (timed_out): job exceeded 15m0s"},
		{"failed", "failed", types.NewJobError(types.ErrNoInstitutionsFound, "discovery returned nothing", nil), "Job failed (no_institutions_found): discovery returned nothing"},
		{"failed with institution", "failed", &types.JobError{Kind: types.ErrProviderUnavailable, Institution: "MIT", Message: "quota exceeded"}, "Job failed (provider_unavailable(MIT)): quota exceeded"},
		{"kind only", "cancelled", types.NewJobError(types.ErrCancelled, "", nil), "Job cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := types.Report{State: tt.state}
			if tt.err != nil {
				r.ErrorKind = types.KindOf(tt.err)
				r.Error = tt.err.Error()
			}
			assert.Equal(t, tt.want, StopNote(r))
		})
	}
}

func TestHTML_StopNote(t *testing.T) {
	r := sample()
	r.State = "cancelled"
	r.ErrorKind = types.ErrCancelled
	r.Error = "cancelled: cancelled by request"

	out, err := HTML(r)
	require.NoError(t, err)
	assert.Contains(t, out, "Job cancelled: cancelled by request. Results may be partial.")
}

func TestHTML(t *testing.T) {
	out, err := HTML(sample())
	require.NoError(t, err)

	assert.Contains(t, out, "Top 1 Candidates")
	assert.Contains(t, out, "Other Candidates")
	assert.Contains(t, out, "mailto:ada@mit.edu")
	assert.Contains(t, out, "Bo &lt;Jones&gt;")
	assert.Contains(t, out, "2. Bo")
	assert.Contains(t, out, "Strong catalysis group")
	assert.NotContains(t, out, "Bo <Jones>")
}

func TestTable(t *testing.T) {
	out := Table(sample().Shortlist)
	assert.Contains(t, out, "Ada Green")
	assert.Contains(t, out, "1 *")
	assert.Contains(t, out, "ETH Zurich")
	assert.Equal(t, "No collaborators found.", Table(types.Shortlist{}))
}

func TestTerminal(t *testing.T) {
	out, err := Terminal("# Title\n\nSome **bold** text.", 60)
	require.NoError(t, err)
	assert.Contains(t, out, "Title")
	assert.Contains(t, out, "bold")
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "collagent_report_01234567.pdf", Filename(sample(), "pdf"))
}

func TestRenderError(t *testing.T) {
	cause := errors.New("boom")
	err := &RenderError{Format: "pdf", Message: "failed", Cause: cause}
	assert.Equal(t, "render pdf: failed: boom", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "a b", truncate(" a \n b ", 10))
}
