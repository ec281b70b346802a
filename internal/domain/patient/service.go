package patient

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Service struct {
	repo PatientRepository
}

func NewService(repo PatientRepository) *Service {
	return &Service{repo: repo}
}

var validLanguages = map[string]bool{
	"en": true, "es": true, "zh": true,
}

var validReadingLevels = map[string]bool{
	"standard": true, "simplified": true,
}

func (s *Service) validate(p *Patient) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(p.MRN) == "" {
		return fmt.Errorf("mrn is required")
	}
	if !validLanguages[p.Language] {
		return fmt.Errorf("invalid language: %s", p.Language)
	}
	if p.ReadingLevel == "" {
		p.ReadingLevel = "standard"
	}
	if !validReadingLevels[p.ReadingLevel] {
		return fmt.Errorf("invalid reading level: %s", p.ReadingLevel)
	}
	return nil
}

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if err := s.validate(p); err != nil {
		return err
	}
	return s.repo.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetPatientByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return s.repo.GetByMRN(ctx, mrn)
}

// UpdatePatient applies clinician edits. The MRN is an intake identity and
// never changes after creation.
func (s *Service) UpdatePatient(ctx context.Context, p *Patient) error {
	existing, err := s.repo.GetByID(ctx, p.ID)
	if err != nil {
		return err
	}
	if existing.Archived {
		return fmt.Errorf("patient %s is archived", p.ID)
	}
	p.MRN = existing.MRN
	if err := s.validate(p); err != nil {
		return err
	}
	return s.repo.Update(ctx, p)
}

// ArchivePatient hides a patient from default listings. Records are kept for
// the audit history of any plans they own.
func (s *Service) ArchivePatient(ctx context.Context, id uuid.UUID) error {
	return s.repo.SetArchived(ctx, id, true)
}

func (s *Service) RestorePatient(ctx context.Context, id uuid.UUID) error {
	return s.repo.SetArchived(ctx, id, false)
}

func (s *Service) ListPatients(ctx context.Context, includeArchived bool, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, includeArchived, limit, offset)
}
