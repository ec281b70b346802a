package plan

import (
	"context"

	"github.com/google/uuid"

	"github.com/dpa/dpa/internal/domain/patient"
)

// PlanRepository persists plans and their children. Implementations must
// honor a transaction placed in the context so the service can group a
// transition, its flags, and its audit entry into one atomic write.
type PlanRepository interface {
	Create(ctx context.Context, p *DischargePlan) error
	GetByID(ctx context.Context, id uuid.UUID) (*DischargePlan, error)
	GetView(ctx context.Context, id uuid.UUID) (*PlanView, error)
	CurrentForPatient(ctx context.Context, patientID uuid.UUID) (*DischargePlan, error)
	ListForPatient(ctx context.Context, patientID uuid.UUID) ([]*DischargePlan, error)
	SetStage(ctx context.Context, id uuid.UUID, stage Stage) error
	BumpVersion(ctx context.Context, id uuid.UUID) (int, error)
	SetStyle(ctx context.Context, id uuid.UUID, language, readingLevel string, includeCaregiver bool) error

	ReplaceSections(ctx context.Context, planID uuid.UUID, sections []PlanSection) error
	GetSection(ctx context.Context, planID uuid.UUID, key string) (*PlanSection, error)
	UpdateSection(ctx context.Context, planID uuid.UUID, key, body, actor string) error
	ListSections(ctx context.Context, planID uuid.UUID) ([]PlanSection, error)

	ReplaceOpenFlags(ctx context.Context, planID uuid.UUID, flags []QCFlag) error
	GetFlag(ctx context.Context, planID, flagID uuid.UUID) (*QCFlag, error)
	ResolveFlag(ctx context.Context, planID, flagID uuid.UUID, note, actor string) error
	OpenBlockingFlags(ctx context.Context, planID uuid.UUID) ([]QCFlag, error)

	AppendAudit(ctx context.Context, e *AuditLogEntry) error
	ListAudit(ctx context.Context, planID uuid.UUID) ([]AuditLogEntry, error)

	CreateFinalization(ctx context.Context, f *Finalization) error
	GetFinalization(ctx context.Context, planID uuid.UUID) (*Finalization, error)
}

// TxRunner runs fn inside a storage transaction carried in the context.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PatientReader is the slice of the patient domain the lifecycle needs.
type PatientReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}
