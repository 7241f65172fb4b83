// Package types provides the data model shared by the collaborator search orchestrator.
package types

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// Default job shape values.
const (
	DefaultTopN            = 5
	DefaultMaxInstitutions = 5
	DefaultTotalTurns      = 10
)

// Mode selects whether institutions are discovered or supplied by the caller.
type Mode string

const (
	// ModeBroad discovers institutions before researching each of them.
	ModeBroad Mode = "broad"
	// ModeTargeted researches a single caller-supplied institution.
	ModeTargeted Mode = "targeted"
)

// Capability is a role a provider can perform.
type Capability string

const (
	CapabilitySearch     Capability = "search"
	CapabilityProcessing Capability = "processing"
)

// ResearchProfile describes the requester's research interests.
// It is immutable for the lifetime of a job.
type ResearchProfile struct {
	Text       string   `json:"text" validate:"required"`
	FocusAreas []string `json:"focus_areas,omitempty" validate:"dive,required"`
	Region     string   `json:"region,omitempty"`
}

// Focus returns the focus areas joined for display, or an empty string.
func (p ResearchProfile) Focus() string {
	return strings.Join(p.FocusAreas, ", ")
}

// JobConfig is a single collaborator search request.
type JobConfig struct {
	Profile            ResearchProfile `json:"profile"`
	Mode               Mode            `json:"mode" validate:"required,oneof=broad targeted"`
	Institution        string          `json:"institution,omitempty" validate:"required_if=Mode targeted"`
	MaxInstitutions    int             `json:"max_institutions,omitempty" validate:"gte=0,lte=50"`
	TotalTurns         int             `json:"total_turns" validate:"gte=0"`
	TopN               *int            `json:"top_n,omitempty" validate:"omitempty,gte=0"`
	SearchProvider     string          `json:"search_provider,omitempty"`
	ProcessingProvider string          `json:"processing_provider,omitempty"`
}

// WithDefaults returns a copy with zero-valued optional fields filled in.
// TotalTurns is left alone so that an explicit zero budget is reported as
// exhausted, and an explicit TopN of zero turns highlighting off.
func (c JobConfig) WithDefaults() JobConfig {
	if c.Mode == "" {
		if strings.TrimSpace(c.Institution) != "" {
			c.Mode = ModeTargeted
		} else {
			c.Mode = ModeBroad
		}
	}
	if c.TopN == nil {
		n := DefaultTopN
		c.TopN = &n
	}
	if c.Mode == ModeBroad && c.MaxInstitutions == 0 {
		c.MaxInstitutions = DefaultMaxInstitutions
	}
	c.Institution = strings.TrimSpace(c.Institution)
	c.Profile.Text = strings.TrimSpace(c.Profile.Text)
	return c
}

// Highlight is the number of top-ranked collaborators to flag.
func (c JobConfig) Highlight() int {
	if c.TopN == nil {
		return DefaultTopN
	}
	return *c.TopN
}

// Validate checks the struct-level constraints of the config.
// Provider pairing is checked against the registry by the job package.
func (c *JobConfig) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// SlotCount is the number of research slots the job asks for before allocation.
func (c JobConfig) SlotCount() int {
	if c.Mode == ModeTargeted {
		return 1
	}
	return c.MaxInstitutions
}
