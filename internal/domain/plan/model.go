// Package plan implements the discharge plan lifecycle: generation of a
// sectioned draft, deterministic quality review, human editing, sign-off and
// export, with an append-only audit trail behind every mutation.
package plan

import (
	"time"

	"github.com/google/uuid"

	"github.com/dpa/dpa/internal/qc"
)

// Stage is the lifecycle position of a plan. Transitions are explicit
// operations checked against the transition table, never side effects.
type Stage string

const (
	StageDraft      Stage = "draft"
	StageQCReview   Stage = "qc_review"
	StagePlanEditor Stage = "plan_editor"
	StageFinalize   Stage = "finalize"
	StageExported   Stage = "exported"
	StageArchived   Stage = "archived"
)

// Operation names the mutating lifecycle operations, used both for
// transition checks and error reporting.
type Operation string

const (
	OpGenerate       Operation = "generate"
	OpSubmitReview   Operation = "submit_for_review"
	OpResolveFlag    Operation = "resolve_flag"
	OpEditSection    Operation = "edit_section"
	OpReturnToEditor Operation = "return_to_editor"
	OpFinalize       Operation = "finalize"
	OpExport         Operation = "export"
	OpReopen         Operation = "reopen"
	OpArchive        Operation = "archive"
)

// allowedStages lists, per operation, the stages in which it may run.
// Archived appears nowhere: an archived plan accepts no mutation.
var allowedStages = map[Operation][]Stage{
	OpGenerate:       {StageDraft},
	OpSubmitReview:   {StageDraft, StagePlanEditor},
	OpResolveFlag:    {StageQCReview, StagePlanEditor},
	OpEditSection:    {StageQCReview, StagePlanEditor},
	OpReturnToEditor: {StageQCReview},
	OpFinalize:       {StageQCReview, StagePlanEditor},
	OpExport:         {StageFinalize},
	OpReopen:         {StageFinalize, StageExported},
	OpArchive:        {StageDraft, StageQCReview, StagePlanEditor, StageFinalize, StageExported},
}

// StageAllows reports whether op may run while a plan is in stage.
func StageAllows(stage Stage, op Operation) bool {
	for _, s := range allowedStages[op] {
		if s == stage {
			return true
		}
	}
	return false
}

// DischargePlan maps to the discharge_plans table. A patient has at most one
// plan outside the archived stage; earlier plans stay as history.
type DischargePlan struct {
	ID               uuid.UUID `db:"id" json:"id"`
	PatientID        uuid.UUID `db:"patient_id" json:"patient_id"`
	Stage            Stage     `db:"stage" json:"stage"`
	Version          int       `db:"version" json:"version"`
	Language         string    `db:"language" json:"language"`
	ReadingLevel     string    `db:"reading_level" json:"reading_level"`
	IncludeCaregiver bool      `db:"include_caregiver" json:"include_caregiver"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// PlanSection is one named content unit of a plan. Keys are unique within a
// plan and fixed by the plan's language/caregiver configuration.
type PlanSection struct {
	PlanID       uuid.UUID `db:"plan_id" json:"plan_id"`
	Key          string    `db:"section_key" json:"section_key"`
	Body         string    `db:"body" json:"body"`
	Position     int       `db:"position" json:"position"`
	LastEditedBy string    `db:"last_edited_by" json:"last_edited_by"`
	LastEditedAt time.Time `db:"last_edited_at" json:"last_edited_at"`
}

// QCFlag is one quality finding attached to a plan. Blocking flags gate
// finalization until resolved.
type QCFlag struct {
	ID             uuid.UUID   `db:"id" json:"id"`
	PlanID         uuid.UUID   `db:"plan_id" json:"plan_id"`
	Category       qc.Category `db:"category" json:"category"`
	Severity       qc.Severity `db:"severity" json:"severity"`
	SectionKey     *string     `db:"section_key" json:"section_key,omitempty"`
	Description    string      `db:"description" json:"description"`
	SuggestedFix   string      `db:"suggested_fix" json:"suggested_fix,omitempty"`
	Resolved       bool        `db:"resolved" json:"resolved"`
	ResolutionNote string      `db:"resolution_note" json:"resolution_note,omitempty"`
	ResolvedBy     *string     `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time  `db:"resolved_at" json:"resolved_at,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
}

// Audit entry kinds.
const (
	AuditGenerated    = "generated"
	AuditSectionEdit  = "section-edited"
	AuditFlagRaised   = "flag-raised"
	AuditFlagResolved = "flag-resolved"
	AuditTransition   = "stage-transitioned"
	AuditExported     = "exported"
	AuditExportFailed = "export-failed"
)

// AuditLogEntry is append-only. Entries are totally ordered per plan by Seq;
// they are never updated or deleted.
type AuditLogEntry struct {
	PlanID     uuid.UUID `db:"plan_id" json:"plan_id"`
	Seq        int       `db:"seq" json:"seq"`
	At         time.Time `db:"at" json:"at"`
	Actor      string    `db:"actor" json:"actor"`
	Kind       string    `db:"kind" json:"kind"`
	SectionKey *string   `db:"section_key" json:"section_key,omitempty"`
	Before     *string   `db:"before_value" json:"before_value,omitempty"`
	After      *string   `db:"after_value" json:"after_value,omitempty"`
	Note       string    `db:"note" json:"note,omitempty"`
}

// Finalization records the sign-off captured when a plan reaches Finalize.
type Finalization struct {
	PlanID             uuid.UUID `db:"plan_id" json:"plan_id"`
	FinalizedBy        string    `db:"finalized_by" json:"finalized_by"`
	TeachBackConfirmed bool      `db:"teach_back_confirmed" json:"teach_back_confirmed"`
	CaregiverPresent   bool      `db:"caregiver_present" json:"caregiver_present"`
	InterpreterUsed    bool      `db:"interpreter_used" json:"interpreter_used"`
	NurseConfidence    int       `db:"nurse_confidence" json:"nurse_confidence"`
	FinalizedAt        time.Time `db:"finalized_at" json:"finalized_at"`
}

// PlanView is a plan with all of its children, as returned by plan lookups.
type PlanView struct {
	DischargePlan
	Sections     []PlanSection   `json:"sections"`
	Flags        []QCFlag        `json:"flags"`
	Audit        []AuditLogEntry `json:"audit"`
	Finalization *Finalization   `json:"finalization,omitempty"`
}
