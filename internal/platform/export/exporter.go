// Package export renders finalized discharge plans into portable artifacts.
// It defines the Exporter interface plus the snapshot types handed to an
// exporter, and a PDF implementation backed by fpdf.
package export

import "context"

// SectionSnapshot is one rendered plan section, already resolved to the
// display title for the plan's language.
type SectionSnapshot struct {
	Key   string
	Title string
	Body  string
}

// Snapshot is the immutable view of a finalized plan handed to an Exporter.
// Exporters must not mutate it.
type Snapshot struct {
	PlanID          string
	PatientName     string
	MRN             string
	Language        string
	ReadingLevel    string
	Version         int
	Sections        []SectionSnapshot
	FinalizedBy     string
	TeachBack       bool
	CaregiverJoined bool
	InterpreterUsed bool
	NurseConfidence int
}

// Result reports the outcome of a single export attempt.
type Result struct {
	Success          bool
	ArtifactLocation string
	Reason           string
}

// Exporter renders a plan snapshot to an external artifact. Implementations
// report recoverable rendering failures through Result rather than an error;
// the returned error is reserved for infrastructure faults.
type Exporter interface {
	Export(ctx context.Context, snap Snapshot) (Result, error)
}

// ExporterFunc adapts a function to the Exporter interface.
type ExporterFunc func(ctx context.Context, snap Snapshot) (Result, error)

// Export calls f.
func (f ExporterFunc) Export(ctx context.Context, snap Snapshot) (Result, error) {
	return f(ctx, snap)
}
