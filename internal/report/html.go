package report

import (
	_ "embed"
	"html/template"
	"strings"

	"github.com/jonathan/collagent/internal/types"
)

//go:embed report.html.tmpl
var htmlSource string

type cardData struct {
	N   int
	C   types.Collaborator
	Top bool
}

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"stars": Stars,
	"add":   func(a, b int) int { return a + b },
	"card": func(i int, c types.Collaborator, top bool) cardData {
		return cardData{N: i + 1, C: c, Top: top}
	},
}).Parse(htmlSource))

type htmlData struct {
	Report       types.Report
	Generated    string
	StopNote     string
	Institutions []types.Institution
	Top          []types.Collaborator
	Others       []types.Collaborator
	Notes        []string
}

// HTML renders the report as a standalone HTML page.
func HTML(r types.Report) (string, error) {
	data := htmlData{
		Report:    r,
		Generated: r.CreatedAt.Format("2006-01-02 15:04"),
		StopNote:  StopNote(r),
	}
	if r.Config.Mode == types.ModeBroad {
		data.Institutions = r.Shortlist.Institutions
	}
	for _, c := range r.Shortlist.Collaborators {
		if c.Highlighted {
			data.Top = append(data.Top, c)
		} else {
			data.Others = append(data.Others, c)
		}
	}
	for _, d := range r.Diagnostics {
		if d.Kind != types.DiagRetried {
			data.Notes = append(data.Notes, d.String())
		}
	}

	var sb strings.Builder
	if err := htmlTemplate.Execute(&sb, data); err != nil {
		return "", &RenderError{Format: "html", Message: "failed to execute template", Cause: err}
	}
	return sb.String(), nil
}
