// Package genai is the generation adapter: it turns structured clinical
// inputs into a sectioned discharge plan draft by calling a generative text
// service. Callers treat it as an opaque, possibly slow, possibly failing
// function; it never touches plan state.
package genai

import "context"

// PatientInputs is the structured clinical picture handed to the model.
type PatientInputs struct {
	Name            string
	MRN             string
	Disposition     string
	StrokeType      string
	FallRisk        string
	Dysphagia       string
	Anticoagulant   bool
	Medications     []string
	HospitalSummary string
}

// StyleConfig controls the voice of the generated draft.
type StyleConfig struct {
	Language         string // en, es, zh
	ReadingLevel     string // standard, simplified
	IncludeCaregiver bool
}

// Draft is a complete sectioned plan as returned by the model.
type Draft struct {
	Sections map[string]string // section key -> body
}

// Generator produces a sectioned draft. Implementations must be safe to
// retry: a failed call leaves no observable state behind.
type Generator interface {
	Generate(ctx context.Context, in PatientInputs, style StyleConfig) (*Draft, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, in PatientInputs, style StyleConfig) (*Draft, error)

func (f GeneratorFunc) Generate(ctx context.Context, in PatientInputs, style StyleConfig) (*Draft, error) {
	return f(ctx, in, style)
}
