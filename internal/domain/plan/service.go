package plan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dpa/dpa/internal/platform/export"
	"github.com/dpa/dpa/internal/platform/genai"
	"github.com/dpa/dpa/internal/qc"
	"github.com/dpa/dpa/internal/sectioncfg"
)

// Service is the plan lifecycle engine. Mutating operations on one plan are
// serialized through a per-plan lock; operations on different plans run in
// parallel. The generation and export adapters are invoked outside any held
// lock, with their results applied atomically afterwards.
type Service struct {
	repo     PlanRepository
	patients PatientReader
	gen      genai.Generator
	exp      export.Exporter
	sections sectioncfg.Config
	tx       TxRunner

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(repo PlanRepository, patients PatientReader, gen genai.Generator, exp export.Exporter, sections sectioncfg.Config, tx TxRunner) *Service {
	return &Service{
		repo:     repo,
		patients: patients,
		gen:      gen,
		exp:      exp,
		sections: sections,
		tx:       tx,
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *Service) lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func planKey(id uuid.UUID) string    { return "plan:" + id.String() }
func patientKey(id uuid.UUID) string { return "patient:" + id.String() }

func notFound(err error, kind string, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return &NotFoundError{Kind: kind, ID: id.String()}
	}
	return err
}

// getForOp loads a plan and checks that op is permitted in its stage.
func (s *Service) getForOp(ctx context.Context, planID uuid.UUID, op Operation) (*DischargePlan, error) {
	p, err := s.repo.GetByID(ctx, planID)
	if err != nil {
		return nil, notFound(err, "plan", planID)
	}
	if !StageAllows(p.Stage, op) {
		return nil, &InvalidStateError{Stage: p.Stage, Op: op}
	}
	return p, nil
}

func (s *Service) transition(ctx context.Context, p *DischargePlan, to Stage, actor, note string) error {
	if err := s.repo.SetStage(ctx, p.ID, to); err != nil {
		return err
	}
	if note == "" {
		note = fmt.Sprintf("%s -> %s", p.Stage, to)
	}
	return s.repo.AppendAudit(ctx, &AuditLogEntry{
		PlanID: p.ID, Actor: actor, Kind: AuditTransition, Note: note,
	})
}

// Generate produces a fresh sectioned draft for a patient. Permitted when
// the patient has no live plan, or when the live plan is still in Draft (in
// which case the draft content is replaced and the version bumped). The
// adapter runs without any lock held; its result is discarded if the plan
// moved on or the context was cancelled in the meantime.
func (s *Service) Generate(ctx context.Context, patientID uuid.UUID, actor string) (*PlanView, error) {
	unlock := s.lock(patientKey(patientID))
	pat, err := s.patients.GetByID(ctx, patientID)
	if err != nil {
		unlock()
		return nil, notFound(err, "patient", patientID)
	}
	if pat.Archived {
		unlock()
		return nil, fmt.Errorf("patient %s is archived", patientID)
	}
	prior, err := s.repo.CurrentForPatient(ctx, patientID)
	if err != nil {
		unlock()
		return nil, err
	}
	if prior != nil && prior.Stage != StageDraft {
		unlock()
		return nil, &InvalidStateError{Stage: prior.Stage, Op: OpGenerate}
	}
	unlock()

	inputs := genai.PatientInputs{
		Name:            pat.Name,
		MRN:             pat.MRN,
		Disposition:     pat.Disposition,
		StrokeType:      pat.StrokeType,
		FallRisk:        pat.FallRisk,
		Dysphagia:       pat.Dysphagia,
		Anticoagulant:   pat.Anticoagulant,
		Medications:     pat.Medications,
		HospitalSummary: pat.HospitalSummary,
	}
	style := genai.StyleConfig{
		Language:         pat.Language,
		ReadingLevel:     pat.ReadingLevel,
		IncludeCaregiver: pat.CaregiverPresent,
	}
	draft, err := s.gen.Generate(ctx, inputs, style)
	if err != nil {
		return nil, &GenerationError{Err: err}
	}
	if draft == nil {
		return nil, &GenerationError{Err: errors.New("adapter returned no draft")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &GenerationError{Err: err}
	}

	unlock = s.lock(patientKey(patientID))
	defer unlock()
	if prior != nil {
		unlockPlan := s.lock(planKey(prior.ID))
		defer unlockPlan()
	}

	var planID uuid.UUID
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.CurrentForPatient(ctx, patientID)
		if err != nil {
			return err
		}
		// The patient's plan situation must be unchanged since the
		// adapter was dispatched; otherwise the draft is stale.
		switch {
		case prior == nil && current != nil,
			prior != nil && (current == nil || current.ID != prior.ID || current.Stage != StageDraft):
			return &GenerationError{Err: errors.New("plan changed while generating, draft discarded")}
		}

		p := current
		if p == nil {
			p = &DischargePlan{
				PatientID:        patientID,
				Stage:            StageDraft,
				Version:          1,
				Language:         style.Language,
				ReadingLevel:     style.ReadingLevel,
				IncludeCaregiver: style.IncludeCaregiver,
			}
			if err := s.repo.Create(ctx, p); err != nil {
				return err
			}
		} else {
			if _, err := s.repo.BumpVersion(ctx, p.ID); err != nil {
				return err
			}
			// The regenerated sections follow the patient's current style;
			// the plan row must say the same.
			if err := s.repo.SetStyle(ctx, p.ID, style.Language, style.ReadingLevel, style.IncludeCaregiver); err != nil {
				return err
			}
		}
		planID = p.ID

		keys := s.sections.RequiredKeys(style.IncludeCaregiver)
		sections := make([]PlanSection, 0, len(keys))
		for i, key := range keys {
			sections = append(sections, PlanSection{
				PlanID:       p.ID,
				Key:          key,
				Body:         draft.Sections[key],
				Position:     i,
				LastEditedBy: actor,
			})
		}
		if err := s.repo.ReplaceSections(ctx, p.ID, sections); err != nil {
			return err
		}
		return s.repo.AppendAudit(ctx, &AuditLogEntry{
			PlanID: p.ID, Actor: actor, Kind: AuditGenerated,
			Note: fmt.Sprintf("draft generated: %d sections, language %s, reading level %s", len(sections), style.Language, style.ReadingLevel),
		})
	})
	if err != nil {
		return nil, err
	}
	return s.repo.GetView(ctx, planID)
}

// SubmitForReview moves a plan from Draft or PlanEditor into QCReview. All
// required sections must be present with non-empty bodies. The QC battery
// runs inside the same transaction that replaces the open flag set.
func (s *Service) SubmitForReview(ctx context.Context, planID uuid.UUID, actor string) (*PlanView, error) {
	defer s.lock(planKey(planID))()

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.getForOp(ctx, planID, OpSubmitReview)
		if err != nil {
			return err
		}
		sections, err := s.repo.ListSections(ctx, planID)
		if err != nil {
			return err
		}
		bodies := make(map[string]string, len(sections))
		for _, sec := range sections {
			bodies[sec.Key] = sec.Body
		}
		var unmet []string
		for _, key := range s.sections.RequiredKeys(p.IncludeCaregiver) {
			if strings.TrimSpace(bodies[key]) == "" {
				unmet = append(unmet, fmt.Sprintf("section %q is missing or empty", key))
			}
		}
		if len(unmet) > 0 {
			return &PreconditionError{Op: OpSubmitReview, Unmet: unmet}
		}

		pat, err := s.patients.GetByID(ctx, p.PatientID)
		if err != nil {
			return err
		}
		found := qc.Run(s.sections, qc.Input{
			Language:         p.Language,
			ReadingLevel:     p.ReadingLevel,
			IncludeCaregiver: p.IncludeCaregiver,
			Medications:      medicationNames(pat.Medications),
			Sections:         bodies,
		})
		flags := make([]QCFlag, 0, len(found))
		for _, f := range found {
			flags = append(flags, fromQCFlag(f))
		}
		if err := s.repo.ReplaceOpenFlags(ctx, planID, flags); err != nil {
			return err
		}
		if err := s.transition(ctx, p, StageQCReview, actor, ""); err != nil {
			return err
		}
		if len(flags) > 0 {
			return s.repo.AppendAudit(ctx, &AuditLogEntry{
				PlanID: planID, Actor: actor, Kind: AuditFlagRaised,
				Note: flagSummary(flags),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.repo.GetView(ctx, planID)
}

// ResolveFlag marks one open flag resolved with a note.
func (s *Service) ResolveFlag(ctx context.Context, planID, flagID uuid.UUID, note, actor string) error {
	defer s.lock(planKey(planID))()

	return s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.getForOp(ctx, planID, OpResolveFlag)
		if err != nil {
			return err
		}
		f, err := s.repo.GetFlag(ctx, planID, flagID)
		if err != nil {
			return notFound(err, "flag", flagID)
		}
		if f.Resolved {
			return &NotFoundError{Kind: "unresolved flag", ID: flagID.String()}
		}
		if err := s.repo.ResolveFlag(ctx, planID, flagID, note, actor); err != nil {
			return notFound(err, "flag", flagID)
		}
		return s.repo.AppendAudit(ctx, &AuditLogEntry{
			PlanID: p.ID, Actor: actor, Kind: AuditFlagResolved, SectionKey: f.SectionKey,
			Note: fmt.Sprintf("%s: %s", f.Category, note),
		})
	})
}

// EditSection replaces a section body. Allowed only while the plan is under
// review or editing; finalized content is frozen until reopened.
func (s *Service) EditSection(ctx context.Context, planID uuid.UUID, key, newBody, actor string) error {
	defer s.lock(planKey(planID))()

	return s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.getForOp(ctx, planID, OpEditSection)
		if err != nil {
			return err
		}
		sec, err := s.repo.GetSection(ctx, planID, key)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &NotFoundError{Kind: "section", ID: key}
			}
			return err
		}
		if err := s.repo.UpdateSection(ctx, planID, key, newBody, actor); err != nil {
			return err
		}
		if _, err := s.repo.BumpVersion(ctx, planID); err != nil {
			return err
		}
		before, after := sec.Body, newBody
		return s.repo.AppendAudit(ctx, &AuditLogEntry{
			PlanID: p.ID, Actor: actor, Kind: AuditSectionEdit, SectionKey: &key,
			Before: &before, After: &after,
		})
	})
}

// ReturnToEditor moves a plan from QCReview back to PlanEditor for
// substantive rewriting before re-review.
func (s *Service) ReturnToEditor(ctx context.Context, planID uuid.UUID, actor string) error {
	defer s.lock(planKey(planID))()

	return s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.getForOp(ctx, planID, OpReturnToEditor)
		if err != nil {
			return err
		}
		return s.transition(ctx, p, StagePlanEditor, actor, "")
	})
}

// FinalizeInput carries the sign-off details captured at the bedside.
type FinalizeInput struct {
	TeachBackConfirmed bool `json:"teach_back_confirmed"`
	CaregiverPresent   bool `json:"caregiver_present"`
	InterpreterUsed    bool `json:"interpreter_used"`
	NurseConfidence    int  `json:"nurse_confidence"`
}

// Finalize freezes a plan. Every unresolved blocking flag and a missing
// teach-back confirmation are reported together in one PreconditionError.
func (s *Service) Finalize(ctx context.Context, planID uuid.UUID, in FinalizeInput, actor string) (*PlanView, error) {
	defer s.lock(planKey(planID))()

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.getForOp(ctx, planID, OpFinalize)
		if err != nil {
			return err
		}
		blocking, err := s.repo.OpenBlockingFlags(ctx, planID)
		if err != nil {
			return err
		}
		var unmet []string
		for _, f := range blocking {
			unmet = append(unmet, fmt.Sprintf("unresolved blocking flag %s (%s)", f.ID, f.Category))
		}
		if !in.TeachBackConfirmed {
			unmet = append(unmet, "teach-back confirmation missing")
		}
		if in.NurseConfidence < 1 || in.NurseConfidence > 5 {
			unmet = append(unmet, "nurse confidence must be between 1 and 5")
		}
		if len(unmet) > 0 {
			return &PreconditionError{Op: OpFinalize, Unmet: unmet}
		}
		if err := s.repo.CreateFinalization(ctx, &Finalization{
			PlanID:             planID,
			FinalizedBy:        actor,
			TeachBackConfirmed: in.TeachBackConfirmed,
			CaregiverPresent:   in.CaregiverPresent,
			InterpreterUsed:    in.InterpreterUsed,
			NurseConfidence:    in.NurseConfidence,
		}); err != nil {
			return err
		}
		return s.transition(ctx, p, StageFinalize, actor, fmt.Sprintf("%s -> %s (teach-back confirmed)", p.Stage, StageFinalize))
	})
	if err != nil {
		return nil, err
	}
	return s.repo.GetView(ctx, planID)
}

// Export renders the finalized plan through the export adapter and, on
// success, moves it to Exported. A failed attempt leaves the stage at
// Finalize and appends an export-failed audit entry with the reason; export
// failure is itself an auditable clinical event.
func (s *Service) Export(ctx context.Context, planID uuid.UUID, actor string) (export.Result, error) {
	unlock := s.lock(planKey(planID))
	snap, err := s.snapshot(ctx, planID)
	if err != nil {
		unlock()
		return export.Result{}, err
	}
	unlock()

	res, err := s.exp.Export(ctx, snap)
	if err != nil {
		return export.Result{}, &ExportError{Reason: err.Error()}
	}

	unlock = s.lock(planKey(planID))
	defer unlock()
	if !res.Success {
		auditErr := s.tx.InTx(ctx, func(ctx context.Context) error {
			// The plan may have been archived or reopened while the adapter
			// ran; only a plan still awaiting export takes the entry.
			if _, err := s.getForOp(ctx, planID, OpExport); err != nil {
				var invalid *InvalidStateError
				if errors.As(err, &invalid) {
					return nil
				}
				return err
			}
			return s.repo.AppendAudit(ctx, &AuditLogEntry{
				PlanID: planID, Actor: actor, Kind: AuditExportFailed, Note: res.Reason,
			})
		})
		if auditErr != nil {
			return res, auditErr
		}
		return res, &ExportError{Reason: res.Reason}
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.getForOp(ctx, planID, OpExport)
		if err != nil {
			return err
		}
		if err := s.repo.SetStage(ctx, p.ID, StageExported); err != nil {
			return err
		}
		return s.repo.AppendAudit(ctx, &AuditLogEntry{
			PlanID: planID, Actor: actor, Kind: AuditExported,
			Note: fmt.Sprintf("artifact written to %s", res.ArtifactLocation),
		})
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

// snapshot builds the frozen view handed to the export adapter. The plan
// must be in Finalize.
func (s *Service) snapshot(ctx context.Context, planID uuid.UUID) (export.Snapshot, error) {
	p, err := s.getForOp(ctx, planID, OpExport)
	if err != nil {
		return export.Snapshot{}, err
	}
	pat, err := s.patients.GetByID(ctx, p.PatientID)
	if err != nil {
		return export.Snapshot{}, err
	}
	sections, err := s.repo.ListSections(ctx, planID)
	if err != nil {
		return export.Snapshot{}, err
	}
	fin, err := s.repo.GetFinalization(ctx, planID)
	if err != nil {
		return export.Snapshot{}, err
	}
	snap := export.Snapshot{
		PlanID:          p.ID.String(),
		PatientName:     pat.Name,
		MRN:             pat.MRN,
		Language:        p.Language,
		ReadingLevel:    p.ReadingLevel,
		Version:         p.Version,
		FinalizedBy:     fin.FinalizedBy,
		TeachBack:       fin.TeachBackConfirmed,
		CaregiverJoined: fin.CaregiverPresent,
		InterpreterUsed: fin.InterpreterUsed,
		NurseConfidence: fin.NurseConfidence,
	}
	for _, sec := range sections {
		snap.Sections = append(snap.Sections, export.SectionSnapshot{
			Key:   sec.Key,
			Title: s.sections.Title(sec.Key, p.Language),
			Body:  sec.Body,
		})
	}
	return snap, nil
}

// Reopen is the escape hatch for post-hoc correction of a finalized or
// exported plan. Prior flags stay as history; the next review recomputes
// the open set.
func (s *Service) Reopen(ctx context.Context, planID uuid.UUID, actor string) error {
	defer s.lock(planKey(planID))()

	return s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.getForOp(ctx, planID, OpReopen)
		if err != nil {
			return err
		}
		return s.transition(ctx, p, StagePlanEditor, actor, fmt.Sprintf("%s -> %s (reopened for correction)", p.Stage, StagePlanEditor))
	})
}

// Archive retires a plan from any live stage. Archived is terminal; every
// later mutation fails with InvalidStateError.
func (s *Service) Archive(ctx context.Context, planID uuid.UUID, actor string) error {
	defer s.lock(planKey(planID))()

	return s.tx.InTx(ctx, func(ctx context.Context) error {
		p, err := s.getForOp(ctx, planID, OpArchive)
		if err != nil {
			return err
		}
		return s.transition(ctx, p, StageArchived, actor, "")
	})
}

func (s *Service) GetPlan(ctx context.Context, planID uuid.UUID) (*PlanView, error) {
	v, err := s.repo.GetView(ctx, planID)
	if err != nil {
		return nil, notFound(err, "plan", planID)
	}
	return v, nil
}

func (s *Service) ListPlansForPatient(ctx context.Context, patientID uuid.UUID) ([]*DischargePlan, error) {
	return s.repo.ListForPatient(ctx, patientID)
}

func (s *Service) ListAudit(ctx context.Context, planID uuid.UUID) ([]AuditLogEntry, error) {
	if _, err := s.repo.GetByID(ctx, planID); err != nil {
		return nil, notFound(err, "plan", planID)
	}
	return s.repo.ListAudit(ctx, planID)
}

func fromQCFlag(f qc.Flag) QCFlag {
	out := QCFlag{
		Category:     f.Category,
		Severity:     f.Severity,
		Description:  f.Description,
		SuggestedFix: f.SuggestedFix,
	}
	if f.SectionKey != "" {
		key := f.SectionKey
		out.SectionKey = &key
	}
	return out
}

func flagSummary(flags []QCFlag) string {
	parts := make([]string, 0, len(flags))
	for _, f := range flags {
		if f.SectionKey != nil {
			parts = append(parts, fmt.Sprintf("%s (%s)", f.Category, *f.SectionKey))
		} else {
			parts = append(parts, string(f.Category))
		}
	}
	return fmt.Sprintf("%d flags raised: %s", len(flags), strings.Join(parts, ", "))
}

// medicationNames trims dose and schedule noise off list entries so QC can
// look for the drug name itself.
func medicationNames(meds []string) []string {
	names := make([]string, 0, len(meds))
	for _, m := range meds {
		fields := strings.Fields(m)
		if len(fields) > 0 {
			names = append(names, fields[0])
		}
	}
	return names
}
