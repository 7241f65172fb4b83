package report

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/jonathan/collagent/internal/types"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1)
	cellStyle      = lipgloss.NewStyle().Padding(0, 1)
	highlightStyle = cellStyle.Foreground(lipgloss.Color("220"))
	borderStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// maxFocusWidth truncates the research focus column.
const maxFocusWidth = 48

// Table renders the shortlist as a terminal table. Highlighted rows are marked.
func Table(s types.Shortlist) string {
	if len(s.Collaborators) == 0 {
		return "No collaborators found."
	}

	rows := make([][]string, 0, len(s.Collaborators))
	for i, c := range s.Collaborators {
		rank := fmt.Sprintf("%d", i+1)
		if c.Highlighted {
			rank += " *"
		}
		rows = append(rows, []string{
			rank,
			c.Name,
			c.Institution,
			orNA(c.Position),
			Stars(c.Alignment),
			truncate(c.ResearchFocus, maxFocusWidth),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("#", "Name", "Institution", "Position", "Alignment", "Focus").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row >= 0 && row < len(s.Collaborators) && s.Collaborators[row].Highlighted:
				return highlightStyle
			default:
				return cellStyle
			}
		})
	return t.String()
}

// Terminal renders Markdown for display in a terminal. width <= 0 uses 80 columns.
func Terminal(markdown string, width int) (string, error) {
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", &RenderError{Format: "terminal", Message: "failed to create renderer", Cause: err}
	}
	out, err := r.Render(markdown)
	if err != nil {
		return "", &RenderError{Format: "terminal", Message: "failed to render markdown", Cause: err}
	}
	return out, nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
