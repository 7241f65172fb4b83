// Package registry holds the configured capability providers and their availability.
package registry

import (
	"fmt"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/jonathan/collagent/internal/types"
)

// Kind identifies the adapter that talks to a provider.
type Kind string

const (
	KindGemini           Kind = "gemini"
	KindOpenAICompatible Kind = "openai_compatible"
	KindTavily           Kind = "tavily"
	KindBrave            Kind = "brave"
	KindGoogleCSE        Kind = "google_cse"
)

// SearchOnly reports whether the kind is an external search tool with no model behind it.
func (k Kind) SearchOnly() bool {
	return k == KindTavily || k == KindBrave || k == KindGoogleCSE
}

// Entry is one provider as written in the registry file.
type Entry struct {
	ID             string             `yaml:"id" json:"id" validate:"required"`
	DisplayName    string             `yaml:"display_name" json:"display_name"`
	Kind           Kind               `yaml:"kind" json:"kind" validate:"required,oneof=gemini openai_compatible tavily brave google_cse"`
	Model          string             `yaml:"model" json:"model,omitempty" validate:"required_if=Kind gemini,required_if=Kind openai_compatible"`
	Endpoint       string             `yaml:"endpoint" json:"endpoint,omitempty" validate:"omitempty,url"`
	CredentialRef  string             `yaml:"credential_ref" json:"-"`
	Params         map[string]string  `yaml:"params" json:"-"`
	Capabilities   []types.Capability `yaml:"capabilities" json:"capabilities" validate:"required,min=1,dive,oneof=search processing"`
	ProcessingOnly bool               `yaml:"processing_only" json:"processing_only"`
	Default        bool               `yaml:"default" json:"default"`
}

// Validate checks field constraints and capability/kind consistency.
func (e *Entry) Validate() error {
	if err := validator.New().Struct(e); err != nil {
		return err
	}
	if e.Kind.SearchOnly() && e.Has(types.CapabilityProcessing) {
		return fmt.Errorf("%s provider %q cannot declare processing", e.Kind, e.ID)
	}
	if e.Kind == KindOpenAICompatible && e.Has(types.CapabilitySearch) {
		return fmt.Errorf("openai_compatible provider %q has no built-in search", e.ID)
	}
	return nil
}

// Has reports whether the entry declares capability c.
func (e Entry) Has(c types.Capability) bool {
	return slices.Contains(e.Capabilities, c)
}

// Name returns the display name, falling back to the id.
func (e Entry) Name() string {
	if e.DisplayName != "" {
		return e.DisplayName
	}
	return e.ID
}

// Provider is an available entry with its credentials resolved.
type Provider struct {
	Entry
	Credential string            `json:"-"`
	Values     map[string]string `json:"-"`
}

// CanSearch reports whether the provider may take the search role.
func (p Provider) CanSearch() bool {
	return p.Has(types.CapabilitySearch) && !p.ProcessingOnly
}

// CanProcess reports whether the provider may take the processing role.
func (p Provider) CanProcess() bool {
	return p.Has(types.CapabilityProcessing)
}

// Absent is an entry that was configured but could not be made available.
type Absent struct {
	Entry  Entry  `json:"entry"`
	Reason string `json:"reason"`
}
