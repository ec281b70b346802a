package patient

import (
	"context"

	"github.com/google/uuid"
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByMRN(ctx context.Context, mrn string) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	SetArchived(ctx context.Context, id uuid.UUID, archived bool) error
	List(ctx context.Context, includeArchived bool, limit, offset int) ([]*Patient, int, error)
}
