package patient

import (
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patients table. Clinical attributes drive plan
// generation and QC; patients are archived rather than deleted.
type Patient struct {
	ID               uuid.UUID `db:"id" json:"id"`
	Name             string    `db:"name" json:"name"`
	MRN              string    `db:"mrn" json:"mrn"`
	Language         string    `db:"language" json:"language"`
	ReadingLevel     string    `db:"reading_level" json:"reading_level"`
	Disposition      string    `db:"disposition" json:"disposition"`
	StrokeType       string    `db:"stroke_type" json:"stroke_type"`
	FallRisk         string    `db:"fall_risk" json:"fall_risk"`
	Dysphagia        string    `db:"dysphagia" json:"dysphagia"`
	Anticoagulant    bool      `db:"anticoagulant" json:"anticoagulant"`
	Medications      []string  `db:"medications" json:"medications"`
	CaregiverPresent bool      `db:"caregiver_present" json:"caregiver_present"`
	HospitalSummary  string    `db:"hospital_summary" json:"hospital_summary"`
	Archived         bool      `db:"archived" json:"archived"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}
