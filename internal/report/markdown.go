package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/jonathan/collagent/internal/types"
)

// Stars renders an ordinal 1-5 rating.
func Stars(rating int) string {
	rating = types.ClampRating(rating)
	return strings.Repeat("★", rating) + strings.Repeat("☆", 5-rating)
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

// Markdown renders the report as a Markdown document. Highlighted collaborators
// are listed first, followed by the remaining candidates in rank order.
func Markdown(r types.Report) string {
	var sb strings.Builder
	s := r.Shortlist

	sb.WriteString("# Collaborator Search Report\n\n")
	fmt.Fprintf(&sb, "Generated: %s\n", r.CreatedAt.Format("2006-01-02 15:04"))
	if r.Config.SearchProvider != "" {
		fmt.Fprintf(&sb, "Search provider: %s\n", r.Config.SearchProvider)
	}
	if r.Config.ProcessingProvider != "" && r.Config.ProcessingProvider != r.Config.SearchProvider {
		fmt.Fprintf(&sb, "Processing provider: %s\n", r.Config.ProcessingProvider)
	}
	if note := StopNote(r); note != "" {
		fmt.Fprintf(&sb, "\n> %s. Results may be partial.\n", note)
	}

	sb.WriteString("\n## Summary\n\n")
	fmt.Fprintf(&sb, "Found **%d** potential collaborators", len(s.Collaborators))
	if len(s.Institutions) > 1 {
		fmt.Fprintf(&sb, " across **%d** institutions", len(s.Institutions))
	}
	fmt.Fprintf(&sb, " using %d search turns.\n\n", r.Turns)

	if r.Config.Mode == types.ModeBroad && len(s.Institutions) > 0 {
		sb.WriteString("### Institutions Searched\n\n")
		for _, inst := range s.Institutions {
			fmt.Fprintf(&sb, "- **%s**", inst.Name)
			if loc := location(inst); loc != "" {
				fmt.Fprintf(&sb, " (%s)", loc)
			}
			fmt.Fprintf(&sb, " - Relevance: %s\n", Stars(inst.Relevance))
			if inst.Reason != "" {
				fmt.Fprintf(&sb, "  - %s\n", inst.Reason)
			}
		}
		sb.WriteString("\n")
	}

	if len(s.Collaborators) == 0 {
		sb.WriteString("No collaborators found.\n")
		writeDiagnostics(&sb, r.Diagnostics)
		return sb.String()
	}

	sb.WriteString("---\n\n")
	top := s.Highlighted()
	if len(top) > 0 {
		fmt.Fprintf(&sb, "## Top %d Candidates\n\n", len(top))
	}
	for i, c := range s.Collaborators {
		if i == len(top) && i > 0 {
			sb.WriteString("## Other Candidates\n\n")
		}
		writeCollaborator(&sb, i+1, c)
	}
	writeDiagnostics(&sb, r.Diagnostics)
	return sb.String()
}

func writeCollaborator(sb *strings.Builder, n int, c types.Collaborator) {
	fmt.Fprintf(sb, "### %d. %s\n\n", n, c.Name)
	fmt.Fprintf(sb, "**Alignment:** %s (%d/5)\n\n", Stars(c.Alignment), types.ClampRating(c.Alignment))
	sb.WriteString("| Field | Details |\n|-------|---------|\n")
	fmt.Fprintf(sb, "| Position | %s |\n", orNA(c.Position))
	fmt.Fprintf(sb, "| Institution | %s |\n", orNA(c.Institution))
	fmt.Fprintf(sb, "| Email | %s |\n\n", orNA(c.Email))
	fmt.Fprintf(sb, "**Research Focus:** %s\n\n", orNA(c.ResearchFocus))
	fmt.Fprintf(sb, "**Why This Match:** %s\n\n", orNA(c.Justification))
	fmt.Fprintf(sb, "**Suggested Collaboration:** %s\n\n", orNA(c.SuggestedCollaboration))
	fmt.Fprintf(sb, "**Key Publications:** %s\n\n", orNA(strings.Join(c.Publications, "; ")))
	sb.WriteString("---\n\n")
}

func writeDiagnostics(sb *strings.Builder, diags []types.Diagnostic) {
	var notes []types.Diagnostic
	for _, d := range diags {
		if d.Kind != types.DiagRetried {
			notes = append(notes, d)
		}
	}
	if len(notes) == 0 {
		return
	}
	sb.WriteString("\n## Notes\n\n")
	for _, d := range notes {
		fmt.Fprintf(sb, "- %s\n", d)
	}
}

func location(inst types.Institution) string {
	var parts []string
	for _, p := range []string{inst.Department, inst.City, inst.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// StopNote describes how a job ended without completing, or returns "" for a
// completed job. The error kind is shown only when it differs from the state.
func StopNote(r types.Report) string {
	if r.State == "" || r.State == "completed" {
		return ""
	}
	note := "Job " + r.State
	msg := r.Error
	if r.ErrorKind != "" {
		label := string(r.ErrorKind)
		msg = strings.TrimPrefix(msg, label)
		if strings.HasPrefix(msg, "(") {
			if i := strings.Index(msg, ")"); i >= 0 {
				label += msg[:i+1]
				msg = msg[i+1:]
			}
		}
		msg = strings.TrimPrefix(msg, ": ")
		if label != r.State {
			note += " (" + label + ")"
		}
	}
	if msg != "" {
		note += ": " + msg
	}
	return note
}

// Filename returns a download name for a report in the given extension.
func Filename(r types.Report, ext string) string {
	id := r.JobID
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		id = time.Now().Format("20060102-150405")
	}
	return fmt.Sprintf("collagent_report_%s.%s", id, ext)
}
