package plan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dpa/dpa/internal/domain/patient"
	"github.com/dpa/dpa/internal/platform/export"
	"github.com/dpa/dpa/internal/platform/genai"
	"github.com/dpa/dpa/internal/qc"
	"github.com/dpa/dpa/internal/sectioncfg"
)

// -- Mock Repository --

type mockPlanRepo struct {
	mu        sync.Mutex
	plans     map[uuid.UUID]*DischargePlan
	planOrder []uuid.UUID
	sections  map[uuid.UUID][]PlanSection
	flags     map[uuid.UUID][]QCFlag
	audit     map[uuid.UUID][]AuditLogEntry
	fins      map[uuid.UUID]*Finalization
}

func newMockPlanRepo() *mockPlanRepo {
	return &mockPlanRepo{
		plans:    make(map[uuid.UUID]*DischargePlan),
		sections: make(map[uuid.UUID][]PlanSection),
		flags:    make(map[uuid.UUID][]QCFlag),
		audit:    make(map[uuid.UUID][]AuditLogEntry),
		fins:     make(map[uuid.UUID]*Finalization),
	}
}

func (m *mockPlanRepo) Create(_ context.Context, p *DischargePlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.plans[p.ID] = &cp
	m.planOrder = append(m.planOrder, p.ID)
	return nil
}

func (m *mockPlanRepo) GetByID(_ context.Context, id uuid.UUID) (*DischargePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (m *mockPlanRepo) GetView(ctx context.Context, id uuid.UUID) (*PlanView, error) {
	p, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := &PlanView{DischargePlan: *p}
	v.Sections = append(v.Sections, m.sections[id]...)
	v.Flags = append(v.Flags, m.flags[id]...)
	v.Audit = append(v.Audit, m.audit[id]...)
	v.Finalization = m.fins[id]
	return v, nil
}

func (m *mockPlanRepo) CurrentForPatient(_ context.Context, patientID uuid.UUID) (*DischargePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.planOrder) - 1; i >= 0; i-- {
		p := m.plans[m.planOrder[i]]
		if p.PatientID == patientID && p.Stage != StageArchived {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockPlanRepo) ListForPatient(_ context.Context, patientID uuid.UUID) ([]*DischargePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DischargePlan
	for i := len(m.planOrder) - 1; i >= 0; i-- {
		p := m.plans[m.planOrder[i]]
		if p.PatientID == patientID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockPlanRepo) SetStage(_ context.Context, id uuid.UUID, stage Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return pgx.ErrNoRows
	}
	p.Stage = stage
	p.UpdatedAt = time.Now()
	return nil
}

func (m *mockPlanRepo) BumpVersion(_ context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return 0, pgx.ErrNoRows
	}
	p.Version++
	return p.Version, nil
}

func (m *mockPlanRepo) SetStyle(_ context.Context, id uuid.UUID, language, readingLevel string, includeCaregiver bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return pgx.ErrNoRows
	}
	p.Language = language
	p.ReadingLevel = readingLevel
	p.IncludeCaregiver = includeCaregiver
	p.UpdatedAt = time.Now()
	return nil
}

func (m *mockPlanRepo) ReplaceSections(_ context.Context, planID uuid.UUID, sections []PlanSection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]PlanSection, len(sections))
	copy(cp, sections)
	for i := range cp {
		cp[i].LastEditedAt = time.Now()
	}
	m.sections[planID] = cp
	return nil
}

func (m *mockPlanRepo) GetSection(_ context.Context, planID uuid.UUID, key string) (*PlanSection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sections[planID] {
		if s.Key == key {
			cp := s
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockPlanRepo) UpdateSection(_ context.Context, planID uuid.UUID, key, body, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.sections[planID] {
		if s.Key == key {
			m.sections[planID][i].Body = body
			m.sections[planID][i].LastEditedBy = actor
			m.sections[planID][i].LastEditedAt = time.Now()
			return nil
		}
	}
	return pgx.ErrNoRows
}

func (m *mockPlanRepo) ListSections(_ context.Context, planID uuid.UUID) ([]PlanSection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PlanSection, len(m.sections[planID]))
	copy(out, m.sections[planID])
	return out, nil
}

func (m *mockPlanRepo) ReplaceOpenFlags(_ context.Context, planID uuid.UUID, flags []QCFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []QCFlag
	for _, f := range m.flags[planID] {
		if f.Resolved {
			kept = append(kept, f)
		}
	}
	for _, f := range flags {
		f.ID = uuid.New()
		f.PlanID = planID
		f.CreatedAt = time.Now()
		kept = append(kept, f)
	}
	m.flags[planID] = kept
	return nil
}

func (m *mockPlanRepo) GetFlag(_ context.Context, planID, flagID uuid.UUID) (*QCFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.flags[planID] {
		if f.ID == flagID {
			cp := f
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockPlanRepo) ResolveFlag(_ context.Context, planID, flagID uuid.UUID, note, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, f := range m.flags[planID] {
		if f.ID == flagID && !f.Resolved {
			now := time.Now()
			m.flags[planID][i].Resolved = true
			m.flags[planID][i].ResolutionNote = note
			m.flags[planID][i].ResolvedBy = &actor
			m.flags[planID][i].ResolvedAt = &now
			return nil
		}
	}
	return pgx.ErrNoRows
}

func (m *mockPlanRepo) OpenBlockingFlags(_ context.Context, planID uuid.UUID) ([]QCFlag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []QCFlag
	for _, f := range m.flags[planID] {
		if !f.Resolved && f.Severity == qc.SeverityBlocking {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *mockPlanRepo) AppendAudit(_ context.Context, e *AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.Seq = len(m.audit[e.PlanID]) + 1
	e.At = time.Now()
	m.audit[e.PlanID] = append(m.audit[e.PlanID], *e)
	return nil
}

func (m *mockPlanRepo) ListAudit(_ context.Context, planID uuid.UUID) ([]AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditLogEntry, len(m.audit[planID]))
	copy(out, m.audit[planID])
	return out, nil
}

func (m *mockPlanRepo) CreateFinalization(_ context.Context, f *Finalization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.FinalizedAt = time.Now()
	cp := *f
	m.fins[f.PlanID] = &cp
	return nil
}

func (m *mockPlanRepo) GetFinalization(_ context.Context, planID uuid.UUID) (*Finalization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fins[planID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *f
	return &cp, nil
}

// -- Mock collaborators --

type mockTx struct{}

func (mockTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type mockPatients struct {
	mu    sync.Mutex
	store map[uuid.UUID]*patient.Patient
}

func (m *mockPatients) GetByID(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.store[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func okExporter() export.Exporter {
	return export.ExporterFunc(func(_ context.Context, snap export.Snapshot) (export.Result, error) {
		return export.Result{Success: true, ArtifactLocation: "/exports/" + snap.PlanID + ".pdf"}, nil
	})
}

// cleanDraft passes the full QC battery for testPatient.
func cleanDraft() *genai.Draft {
	return &genai.Draft{Sections: map[string]string{
		"medications":   "Take Lisinopril 10mg by mouth once a day. Take Warfarin 5mg each evening. Do not skip a dose.",
		"warning-signs": "Call 911 right away if you see face drooping or arm weakness. For other concerns call the clinic at 555-123-4567.",
		"mobility":      "Use your walker at all times. Keep walkways clear at home. A nurse will show you safe transfers.",
		"diet":          "Eat soft foods and thick liquids. Sit upright for every meal. Avoid salty snacks.",
		"follow-ups":    "See Dr. Chen in one week. The stroke clinic will call you to set a time.",
		"teach-back":    "Tell your nurse the top three warning signs. Show how you will take your pills each day.",
		"caregiver":     "Help with meals and watch for choking. Keep the medication list on the fridge.",
	}}
}

type fixture struct {
	repo     *mockPlanRepo
	patients *mockPatients
	svc      *Service
	patID    uuid.UUID
}

func newFixture(t *testing.T, gen genai.Generator, exp export.Exporter) *fixture {
	t.Helper()
	if gen == nil {
		gen = genai.GeneratorFunc(func(_ context.Context, _ genai.PatientInputs, _ genai.StyleConfig) (*genai.Draft, error) {
			return cleanDraft(), nil
		})
	}
	if exp == nil {
		exp = okExporter()
	}
	repo := newMockPlanRepo()
	patID := uuid.New()
	patients := &mockPatients{store: map[uuid.UUID]*patient.Patient{
		patID: {
			ID:               patID,
			Name:             "Maria Gonzalez",
			MRN:              "MRN-001234",
			Language:         "en",
			ReadingLevel:     "standard",
			Medications:      []string{"Lisinopril 10mg daily", "Warfarin 5mg nightly"},
			CaregiverPresent: true,
		},
	}}
	svc := NewService(repo, patients, gen, exp, sectioncfg.Default(), mockTx{})
	return &fixture{repo: repo, patients: patients, svc: svc, patID: patID}
}

func (f *fixture) generate(t *testing.T) *PlanView {
	t.Helper()
	v, err := f.svc.Generate(context.Background(), f.patID, "nurse.rivera")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return v
}

func (f *fixture) submit(t *testing.T, planID uuid.UUID) *PlanView {
	t.Helper()
	v, err := f.svc.SubmitForReview(context.Background(), planID, "nurse.rivera")
	if err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	return v
}

func signedOff() FinalizeInput {
	return FinalizeInput{TeachBackConfirmed: true, CaregiverPresent: true, NurseConfidence: 4}
}

// -- Generation --

func TestGenerate_CreatesDraft(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)

	if v.Stage != StageDraft {
		t.Fatalf("stage = %s, want draft", v.Stage)
	}
	if v.Version != 1 {
		t.Fatalf("version = %d, want 1", v.Version)
	}
	wantKeys := sectioncfg.Default().RequiredKeys(true)
	if len(v.Sections) != len(wantKeys) {
		t.Fatalf("sections = %d, want %d", len(v.Sections), len(wantKeys))
	}
	for i, key := range wantKeys {
		if v.Sections[i].Key != key {
			t.Fatalf("section[%d] = %s, want %s", i, v.Sections[i].Key, key)
		}
	}
	if len(v.Audit) != 1 || v.Audit[0].Kind != AuditGenerated || v.Audit[0].Seq != 1 {
		t.Fatalf("audit = %+v, want one generated entry with seq 1", v.Audit)
	}
}

func TestGenerate_RegenerateBumpsVersion(t *testing.T) {
	f := newFixture(t, nil, nil)
	first := f.generate(t)
	second := f.generate(t)

	if second.ID != first.ID {
		t.Fatal("regeneration must reuse the draft plan")
	}
	if second.Version != 2 {
		t.Fatalf("version = %d, want 2", second.Version)
	}
}

func TestGenerate_RegenerateFollowsPatientStyle(t *testing.T) {
	f := newFixture(t, nil, nil)
	first := f.generate(t)
	if first.Language != "en" || !first.IncludeCaregiver {
		t.Fatalf("first draft style = %s caregiver=%v, want en with caregiver", first.Language, first.IncludeCaregiver)
	}

	f.patients.mu.Lock()
	pat := f.patients.store[f.patID]
	pat.Language = "es"
	pat.ReadingLevel = "simplified"
	pat.CaregiverPresent = false
	f.patients.mu.Unlock()

	second := f.generate(t)
	if second.ID != first.ID {
		t.Fatal("regeneration must reuse the draft plan")
	}
	if second.Language != "es" || second.ReadingLevel != "simplified" || second.IncludeCaregiver {
		t.Fatalf("plan style = %s/%s caregiver=%v after regenerate, want es/simplified without caregiver",
			second.Language, second.ReadingLevel, second.IncludeCaregiver)
	}
	wantKeys := sectioncfg.Default().RequiredKeys(false)
	if len(second.Sections) != len(wantKeys) {
		t.Fatalf("sections = %d, want %d", len(second.Sections), len(wantKeys))
	}
}

func TestGenerate_LivePlanBlocks(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)
	f.submit(t, v.ID)

	_, err := f.svc.Generate(context.Background(), f.patID, "nurse.rivera")
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("error = %v, want InvalidStateError", err)
	}
	if ise.Stage != StageQCReview || ise.Op != OpGenerate {
		t.Fatalf("InvalidStateError = %+v", ise)
	}
}

func TestGenerate_AdapterFailureLeavesNothing(t *testing.T) {
	gen := genai.GeneratorFunc(func(_ context.Context, _ genai.PatientInputs, _ genai.StyleConfig) (*genai.Draft, error) {
		return nil, fmt.Errorf("model unavailable")
	})
	f := newFixture(t, gen, nil)

	_, err := f.svc.Generate(context.Background(), f.patID, "nurse.rivera")
	var ge *GenerationError
	if !errors.As(err, &ge) {
		t.Fatalf("error = %v, want GenerationError", err)
	}
	if cur, _ := f.repo.CurrentForPatient(context.Background(), f.patID); cur != nil {
		t.Fatal("failed generation must not create a plan")
	}
}

func TestGenerate_CancelledResultDiscarded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gen := genai.GeneratorFunc(func(_ context.Context, _ genai.PatientInputs, _ genai.StyleConfig) (*genai.Draft, error) {
		cancel()
		return cleanDraft(), nil
	})
	f := newFixture(t, gen, nil)

	_, err := f.svc.Generate(ctx, f.patID, "nurse.rivera")
	var ge *GenerationError
	if !errors.As(err, &ge) {
		t.Fatalf("error = %v, want GenerationError", err)
	}
	if cur, _ := f.repo.CurrentForPatient(context.Background(), f.patID); cur != nil {
		t.Fatal("cancelled generation must not create a plan")
	}
}

func TestGenerate_StaleDraftDiscarded(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)

	// The plan is archived while the second generation is in flight; the
	// late draft must be discarded rather than applied.
	f.svc.gen = genai.GeneratorFunc(func(_ context.Context, _ genai.PatientInputs, _ genai.StyleConfig) (*genai.Draft, error) {
		if err := f.svc.Archive(context.Background(), v.ID, "charge.nurse"); err != nil {
			t.Errorf("Archive during generation: %v", err)
		}
		return cleanDraft(), nil
	})

	_, err := f.svc.Generate(context.Background(), f.patID, "nurse.rivera")
	var ge *GenerationError
	if !errors.As(err, &ge) {
		t.Fatalf("error = %v, want GenerationError", err)
	}
	got, err := f.repo.GetByID(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("stale draft applied: version = %d", got.Version)
	}
}

// -- Review --

func TestSubmitForReview_CleanPlan(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)
	v = f.submit(t, v.ID)

	if v.Stage != StageQCReview {
		t.Fatalf("stage = %s, want qc_review", v.Stage)
	}
	if len(v.Flags) != 0 {
		t.Fatalf("flags = %+v, want none", v.Flags)
	}
	last := v.Audit[len(v.Audit)-1]
	if last.Kind != AuditTransition {
		t.Fatalf("last audit kind = %s, want stage-transitioned", last.Kind)
	}
}

func TestSubmitForReview_EmptySectionBlocked(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)
	if err := f.repo.UpdateSection(context.Background(), v.ID, "diet", "   ", "nurse.rivera"); err != nil {
		t.Fatalf("seed empty section: %v", err)
	}

	_, err := f.svc.SubmitForReview(context.Background(), v.ID, "nurse.rivera")
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want PreconditionError", err)
	}
	if len(pe.Unmet) != 1 || !strings.Contains(pe.Unmet[0], "diet") {
		t.Fatalf("unmet = %v, want the diet section named", pe.Unmet)
	}
	got, _ := f.repo.GetByID(context.Background(), v.ID)
	if got.Stage != StageDraft {
		t.Fatalf("stage = %s after failed submit, want draft", got.Stage)
	}
}

func TestSubmitForReview_RaisesFlags(t *testing.T) {
	gen := genai.GeneratorFunc(func(_ context.Context, _ genai.PatientInputs, _ genai.StyleConfig) (*genai.Draft, error) {
		d := cleanDraft()
		d.Sections["medications"] = "Take Lisinopril 10mg by mouth once a day."
		d.Sections["warning-signs"] = "Watch for face drooping or arm weakness and get help fast."
		return d, nil
	})
	f := newFixture(t, gen, nil)
	v := f.generate(t)
	v = f.submit(t, v.ID)

	var cats []qc.Category
	for _, fl := range v.Flags {
		cats = append(cats, fl.Category)
	}
	want := []qc.Category{qc.CategoryMissingEmergencyContact, qc.CategoryMissingMedicationDetail}
	if len(cats) != len(want) {
		t.Fatalf("flags = %v, want %v", cats, want)
	}
	for i := range want {
		if cats[i] != want[i] {
			t.Fatalf("flags = %v, want %v", cats, want)
		}
	}
	last := v.Audit[len(v.Audit)-1]
	if last.Kind != AuditFlagRaised || !strings.Contains(last.Note, "2 flags raised") {
		t.Fatalf("last audit = %+v, want flag-raised summary", last)
	}
}

func TestResolveFlag(t *testing.T) {
	gen := genai.GeneratorFunc(func(_ context.Context, _ genai.PatientInputs, _ genai.StyleConfig) (*genai.Draft, error) {
		d := cleanDraft()
		d.Sections["medications"] = "Take Lisinopril 10mg by mouth once a day."
		return d, nil
	})
	f := newFixture(t, gen, nil)
	v := f.generate(t)
	v = f.submit(t, v.ID)
	flagID := v.Flags[0].ID

	if err := f.svc.ResolveFlag(context.Background(), v.ID, flagID, "warfarin held per cardiology", "nurse.rivera"); err != nil {
		t.Fatalf("ResolveFlag: %v", err)
	}
	got, _ := f.repo.GetFlag(context.Background(), v.ID, flagID)
	if !got.Resolved || got.ResolutionNote != "warfarin held per cardiology" || got.ResolvedBy == nil {
		t.Fatalf("flag not resolved: %+v", got)
	}

	// Resolving again or resolving a foreign id both report not found.
	err := f.svc.ResolveFlag(context.Background(), v.ID, flagID, "again", "nurse.rivera")
	var nfe *NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("double resolve error = %v, want NotFoundError", err)
	}
	err = f.svc.ResolveFlag(context.Background(), v.ID, uuid.New(), "x", "nurse.rivera")
	if !errors.As(err, &nfe) {
		t.Fatalf("unknown flag error = %v, want NotFoundError", err)
	}
}

// -- Editing --

func TestEditSection_BumpsVersionAndAudits(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)
	f.submit(t, v.ID)

	if err := f.svc.EditSection(context.Background(), v.ID, "diet", "Eat soft foods only. Ask the dietitian about thick liquids.", "nurse.rivera"); err != nil {
		t.Fatalf("EditSection: %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), v.ID)
	if got.Version != 2 {
		t.Fatalf("version = %d, want 2", got.Version)
	}
	audit, _ := f.repo.ListAudit(context.Background(), v.ID)
	last := audit[len(audit)-1]
	if last.Kind != AuditSectionEdit || last.Before == nil || last.After == nil {
		t.Fatalf("last audit = %+v, want section edit with before/after", last)
	}
	if !strings.Contains(*last.Before, "thick liquids") || !strings.Contains(*last.After, "dietitian") {
		t.Fatalf("before/after not captured: %+v", last)
	}
}

func TestEditSection_UnknownKey(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)
	f.submit(t, v.ID)

	err := f.svc.EditSection(context.Background(), v.ID, "exercise", "walk daily", "nurse.rivera")
	var nfe *NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}
}

func TestEditSection_DraftRejected(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)

	err := f.svc.EditSection(context.Background(), v.ID, "diet", "x", "nurse.rivera")
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("error = %v, want InvalidStateError", err)
	}
}

func TestReturnToEditor(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)
	f.submit(t, v.ID)

	if err := f.svc.ReturnToEditor(context.Background(), v.ID, "nurse.rivera"); err != nil {
		t.Fatalf("ReturnToEditor: %v", err)
	}
	got, _ := f.repo.GetByID(context.Background(), v.ID)
	if got.Stage != StagePlanEditor {
		t.Fatalf("stage = %s, want plan_editor", got.Stage)
	}
}

// -- Finalization --

func TestFinalize_ReportsEveryUnmetCondition(t *testing.T) {
	gen := genai.GeneratorFunc(func(_ context.Context, _ genai.PatientInputs, _ genai.StyleConfig) (*genai.Draft, error) {
		d := cleanDraft()
		d.Sections["medications"] = "Take Lisinopril 10mg by mouth once a day."
		return d, nil
	})
	f := newFixture(t, gen, nil)
	v := f.generate(t)
	v = f.submit(t, v.ID)

	_, err := f.svc.Finalize(context.Background(), v.ID, FinalizeInput{NurseConfidence: 3}, "nurse.rivera")
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want PreconditionError", err)
	}
	if len(pe.Unmet) != 2 {
		t.Fatalf("unmet = %v, want blocking flag and teach-back", pe.Unmet)
	}
	if !strings.Contains(pe.Unmet[0], v.Flags[0].ID.String()) {
		t.Fatalf("unmet[0] = %q, want the flag id named", pe.Unmet[0])
	}
	if !strings.Contains(pe.Unmet[1], "teach-back") {
		t.Fatalf("unmet[1] = %q, want teach-back named", pe.Unmet[1])
	}
	got, _ := f.repo.GetByID(context.Background(), v.ID)
	if got.Stage != StageQCReview {
		t.Fatalf("stage = %s after failed finalize, want qc_review", got.Stage)
	}
}

func TestFinalize_AdvisoryFlagsDoNotBlock(t *testing.T) {
	dense := "Subsequently, individualized nutritional recommendations necessitate comprehensive interdisciplinary evaluation regarding deglutition safety considerations throughout convalescent rehabilitation."
	gen := genai.GeneratorFunc(func(_ context.Context, _ genai.PatientInputs, _ genai.StyleConfig) (*genai.Draft, error) {
		d := cleanDraft()
		d.Sections["diet"] = dense
		d.Sections["mobility"] = dense
		d.Sections["follow-ups"] = dense
		return d, nil
	})
	f := newFixture(t, gen, nil)
	v := f.generate(t)
	v = f.submit(t, v.ID)

	sawAdvisory := false
	for _, fl := range v.Flags {
		if fl.Severity == qc.SeverityBlocking {
			t.Fatalf("fixture raised a blocking flag: %+v", fl)
		}
		if fl.Category == qc.CategoryReadabilityViolation {
			sawAdvisory = true
		}
	}
	if !sawAdvisory {
		t.Fatal("expected a readability-violation advisory flag")
	}
	if _, err := f.svc.Finalize(context.Background(), v.ID, signedOff(), "nurse.rivera"); err != nil {
		t.Fatalf("Finalize with only advisory flags: %v", err)
	}
}

func TestFinalize_FreezesContent(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)
	f.submit(t, v.ID)

	got, err := f.svc.Finalize(context.Background(), v.ID, signedOff(), "nurse.rivera")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got.Stage != StageFinalize {
		t.Fatalf("stage = %s, want finalize", got.Stage)
	}
	if got.Finalization == nil || !got.Finalization.TeachBackConfirmed || got.Finalization.NurseConfidence != 4 {
		t.Fatalf("finalization = %+v", got.Finalization)
	}

	err = f.svc.EditSection(context.Background(), v.ID, "diet", "x", "nurse.rivera")
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("edit after finalize = %v, want InvalidStateError", err)
	}
}

func TestFinalize_ConfidenceOutOfRange(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)
	f.submit(t, v.ID)

	in := signedOff()
	in.NurseConfidence = 6
	_, err := f.svc.Finalize(context.Background(), v.ID, in, "nurse.rivera")
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want PreconditionError", err)
	}
}

// -- Export --

func TestExport_Success(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)
	f.submit(t, v.ID)
	if _, err := f.svc.Finalize(context.Background(), v.ID, signedOff(), "nurse.rivera"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	res, err := f.svc.Export(context.Background(), v.ID, "nurse.rivera")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if !res.Success || res.ArtifactLocation == "" {
		t.Fatalf("result = %+v", res)
	}
	got, _ := f.repo.GetByID(context.Background(), v.ID)
	if got.Stage != StageExported {
		t.Fatalf("stage = %s, want exported", got.Stage)
	}
	audit, _ := f.repo.ListAudit(context.Background(), v.ID)
	last := audit[len(audit)-1]
	if last.Kind != AuditExported || !strings.Contains(last.Note, res.ArtifactLocation) {
		t.Fatalf("last audit = %+v, want exported with artifact location", last)
	}
}

func TestExport_FailureStaysFinalized(t *testing.T) {
	exp := export.ExporterFunc(func(_ context.Context, _ export.Snapshot) (export.Result, error) {
		return export.Result{Success: false, Reason: "printer volume full"}, nil
	})
	f := newFixture(t, nil, exp)
	v := f.generate(t)
	f.submit(t, v.ID)
	if _, err := f.svc.Finalize(context.Background(), v.ID, signedOff(), "nurse.rivera"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	_, err := f.svc.Export(context.Background(), v.ID, "nurse.rivera")
	var ee *ExportError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %v, want ExportError", err)
	}
	got, _ := f.repo.GetByID(context.Background(), v.ID)
	if got.Stage != StageFinalize {
		t.Fatalf("stage = %s after failed export, want finalize", got.Stage)
	}
	audit, _ := f.repo.ListAudit(context.Background(), v.ID)
	last := audit[len(audit)-1]
	if last.Kind != AuditExportFailed || !strings.Contains(last.Note, "printer volume full") {
		t.Fatalf("last audit = %+v, want export-failed with reason", last)
	}

	// A retry after the failure succeeds and transitions normally.
	f.svc.exp = okExporter()
	if _, err := f.svc.Export(context.Background(), v.ID, "nurse.rivera"); err != nil {
		t.Fatalf("Export retry: %v", err)
	}
}

func TestExport_FailureAfterArchiveLeavesNoTrace(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)
	f.submit(t, v.ID)
	if _, err := f.svc.Finalize(context.Background(), v.ID, signedOff(), "nurse.rivera"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	// The plan is archived while the adapter is still rendering; the failed
	// result that lands afterwards must not touch the archived plan.
	f.svc.exp = export.ExporterFunc(func(_ context.Context, _ export.Snapshot) (export.Result, error) {
		if err := f.svc.Archive(context.Background(), v.ID, "charge.nurse"); err != nil {
			t.Fatalf("Archive: %v", err)
		}
		return export.Result{Success: false, Reason: "printer volume full"}, nil
	})

	_, err := f.svc.Export(context.Background(), v.ID, "nurse.rivera")
	var ee *ExportError
	if !errors.As(err, &ee) {
		t.Fatalf("error = %v, want ExportError", err)
	}
	got, _ := f.repo.GetByID(context.Background(), v.ID)
	if got.Stage != StageArchived {
		t.Fatalf("stage = %s, want archived", got.Stage)
	}
	audit, _ := f.repo.ListAudit(context.Background(), v.ID)
	for _, e := range audit {
		if e.Kind == AuditExportFailed {
			t.Fatalf("export-failed entry recorded on an archived plan: %+v", e)
		}
	}
	if last := audit[len(audit)-1]; last.Kind != AuditTransition {
		t.Fatalf("last audit = %+v, want the archive transition to stay last", last)
	}
}

func TestExport_RequiresFinalize(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)
	f.submit(t, v.ID)

	_, err := f.svc.Export(context.Background(), v.ID, "nurse.rivera")
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("error = %v, want InvalidStateError", err)
	}
}

// -- Reopen and archive --

func TestReopen_KeepsFlagHistory(t *testing.T) {
	gen := genai.GeneratorFunc(func(_ context.Context, _ genai.PatientInputs, _ genai.StyleConfig) (*genai.Draft, error) {
		d := cleanDraft()
		d.Sections["medications"] = "Take Lisinopril 10mg by mouth once a day."
		return d, nil
	})
	f := newFixture(t, gen, nil)
	v := f.generate(t)
	v = f.submit(t, v.ID)
	flagID := v.Flags[0].ID
	if err := f.svc.ResolveFlag(context.Background(), v.ID, flagID, "held per cardiology", "nurse.rivera"); err != nil {
		t.Fatalf("ResolveFlag: %v", err)
	}
	if _, err := f.svc.Finalize(context.Background(), v.ID, signedOff(), "nurse.rivera"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := f.svc.Export(context.Background(), v.ID, "nurse.rivera"); err != nil {
		t.Fatalf("Export: %v", err)
	}

	if err := f.svc.Reopen(context.Background(), v.ID, "nurse.rivera"); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	got, _ := f.repo.GetView(context.Background(), v.ID)
	if got.Stage != StagePlanEditor {
		t.Fatalf("stage = %s, want plan_editor", got.Stage)
	}
	if len(got.Flags) != 1 || !got.Flags[0].Resolved {
		t.Fatalf("flags = %+v, want resolved history kept", got.Flags)
	}

	// The next review recomputes the open set from current content.
	if err := f.svc.EditSection(context.Background(), v.ID, "medications", "Take Lisinopril 10mg once a day. Take Warfarin 5mg each evening.", "nurse.rivera"); err != nil {
		t.Fatalf("EditSection: %v", err)
	}
	got = f.submit(t, v.ID)
	for _, fl := range got.Flags {
		if !fl.Resolved {
			t.Fatalf("unexpected open flag after corrected content: %+v", fl)
		}
	}
}

func TestArchive_Terminal(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)

	if err := f.svc.Archive(context.Background(), v.ID, "charge.nurse"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	var ise *InvalidStateError
	if _, err := f.svc.SubmitForReview(context.Background(), v.ID, "n"); !errors.As(err, &ise) {
		t.Fatalf("submit on archived = %v, want InvalidStateError", err)
	}
	if err := f.svc.EditSection(context.Background(), v.ID, "diet", "x", "n"); !errors.As(err, &ise) {
		t.Fatalf("edit on archived = %v, want InvalidStateError", err)
	}
	if err := f.svc.Archive(context.Background(), v.ID, "n"); !errors.As(err, &ise) {
		t.Fatalf("double archive = %v, want InvalidStateError", err)
	}
	if err := f.svc.Reopen(context.Background(), v.ID, "n"); !errors.As(err, &ise) {
		t.Fatalf("reopen archived = %v, want InvalidStateError", err)
	}
}

func TestArchive_FreesPatientForNewPlan(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)
	f.submit(t, v.ID)
	if err := f.svc.Archive(context.Background(), v.ID, "charge.nurse"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	fresh := f.generate(t)
	if fresh.ID == v.ID {
		t.Fatal("expected a new plan after archiving the old one")
	}
	plans, _ := f.svc.ListPlansForPatient(context.Background(), f.patID)
	if len(plans) != 2 {
		t.Fatalf("plans = %d, want history of 2", len(plans))
	}
}

// -- Audit trail --

func TestAuditTrail_SequencedAndComplete(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)
	f.submit(t, v.ID)
	if err := f.svc.EditSection(context.Background(), v.ID, "diet", "Eat soft foods. Drink thick liquids.", "nurse.rivera"); err != nil {
		t.Fatalf("EditSection: %v", err)
	}
	if _, err := f.svc.Finalize(context.Background(), v.ID, signedOff(), "nurse.rivera"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := f.svc.Export(context.Background(), v.ID, "nurse.rivera"); err != nil {
		t.Fatalf("Export: %v", err)
	}

	audit, err := f.svc.ListAudit(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	wantKinds := []string{AuditGenerated, AuditTransition, AuditSectionEdit, AuditTransition, AuditExported}
	if len(audit) != len(wantKinds) {
		t.Fatalf("audit length = %d, want %d: %+v", len(audit), len(wantKinds), audit)
	}
	for i, e := range audit {
		if e.Seq != i+1 {
			t.Fatalf("audit[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
		if e.Kind != wantKinds[i] {
			t.Fatalf("audit[%d].Kind = %s, want %s", i, e.Kind, wantKinds[i])
		}
		if e.Actor == "" {
			t.Fatalf("audit[%d] has no actor", i)
		}
	}
}

// -- Concurrency --

func TestConcurrentEdits_Serialized(t *testing.T) {
	f := newFixture(t, nil, nil)
	v := f.generate(t)
	f.submit(t, v.ID)

	keys := []string{"medications", "warning-signs", "mobility", "diet", "follow-ups"}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := keys[i%len(keys)]
			body := fmt.Sprintf("Revision %d. Call 911 for emergencies. Take Lisinopril and Warfarin as directed.", i)
			if err := f.svc.EditSection(context.Background(), v.ID, key, body, "nurse.rivera"); err != nil {
				t.Errorf("EditSection %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := f.repo.GetByID(context.Background(), v.ID)
	if got.Version != 21 {
		t.Fatalf("version = %d, want 21 after 20 serialized edits", got.Version)
	}
	audit, _ := f.repo.ListAudit(context.Background(), v.ID)
	seen := make(map[int]bool)
	for _, e := range audit {
		if seen[e.Seq] {
			t.Fatalf("duplicate audit seq %d", e.Seq)
		}
		seen[e.Seq] = true
	}
}

func TestOperationsOnDifferentPlansProceedIndependently(t *testing.T) {
	f := newFixture(t, nil, nil)
	v1 := f.generate(t)
	f.submit(t, v1.ID)
	if err := f.svc.Archive(context.Background(), v1.ID, "charge.nurse"); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	v2 := f.generate(t)
	f.submit(t, v2.ID)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := f.svc.EditSection(context.Background(), v2.ID, "diet", fmt.Sprintf("Revision %d.", i), "nurse.rivera"); err != nil {
				t.Errorf("edit live plan: %v", err)
			}
			if _, err := f.svc.GetPlan(context.Background(), v1.ID); err != nil {
				t.Errorf("read archived plan: %v", err)
			}
		}(i)
	}
	wg.Wait()
}

func TestGetPlan_NotFound(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.svc.GetPlan(context.Background(), uuid.New())
	var nfe *NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}
}
