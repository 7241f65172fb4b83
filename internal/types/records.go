package types

import "time"

// Institution is a candidate institution produced by discovery.
type Institution struct {
	Name       string   `json:"name"`
	Country    string   `json:"country,omitempty"`
	City       string   `json:"city,omitempty"`
	Department string   `json:"department,omitempty"`
	Relevance  int      `json:"relevance"`
	Reason     string   `json:"reason,omitempty"`
	KeyGroups  []string `json:"key_groups,omitempty"`
}

// Collaborator is one candidate researcher.
type Collaborator struct {
	Name                   string   `json:"name"`
	Institution            string   `json:"institution"`
	Position               string   `json:"position,omitempty"`
	Email                  string   `json:"email,omitempty"`
	ResearchFocus          string   `json:"research_focus,omitempty"`
	Alignment              int      `json:"alignment"`
	Justification          string   `json:"justification,omitempty"`
	SuggestedCollaboration string   `json:"suggested_collaboration,omitempty"`
	Publications           []string `json:"publications,omitempty"`
	Highlighted            bool     `json:"highlighted,omitempty"`
}

// InstitutionResult pairs a searched institution with what extraction found there.
type InstitutionResult struct {
	Institution   Institution    `json:"institution"`
	Collaborators []Collaborator `json:"collaborators"`
}

// Shortlist is the terminal artifact of a job.
type Shortlist struct {
	Collaborators []Collaborator `json:"collaborators"`
	Institutions  []Institution  `json:"institutions"`
}

// Highlighted returns the collaborators flagged for presentation.
func (s Shortlist) Highlighted() []Collaborator {
	var out []Collaborator
	for _, c := range s.Collaborators {
		if c.Highlighted {
			out = append(out, c)
		}
	}
	return out
}

// Report is a finished job as handed to rendering and storage collaborators.
type Report struct {
	JobID       string       `json:"job_id"`
	Config      JobConfig    `json:"config"`
	State       string       `json:"state"`
	Shortlist   Shortlist    `json:"shortlist"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Turns       int          `json:"turns"`
	ErrorKind   ErrorKind    `json:"error_kind,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ClampRating bounds an ordinal rating to 1..5.
func ClampRating(r int) int {
	switch {
	case r < 1:
		return 1
	case r > 5:
		return 5
	default:
		return r
	}
}
