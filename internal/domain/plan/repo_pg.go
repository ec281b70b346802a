package plan

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dpa/dpa/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type planRepoPG struct{ pool *pgxpool.Pool }

func NewPlanRepoPG(pool *pgxpool.Pool) PlanRepository {
	return &planRepoPG{pool: pool}
}

func (r *planRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// pgTxRunner adapts db.RunInTx to the TxRunner interface.
type pgTxRunner struct{ pool *pgxpool.Pool }

func NewTxRunner(pool *pgxpool.Pool) TxRunner {
	return &pgTxRunner{pool: pool}
}

func (t *pgTxRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.RunInTx(ctx, t.pool, fn)
}

const planCols = `id, patient_id, stage, version, language, reading_level, include_caregiver, created_at, updated_at`

func (r *planRepoPG) scanPlan(row pgx.Row) (*DischargePlan, error) {
	var p DischargePlan
	err := row.Scan(&p.ID, &p.PatientID, &p.Stage, &p.Version, &p.Language, &p.ReadingLevel,
		&p.IncludeCaregiver, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *planRepoPG) Create(ctx context.Context, p *DischargePlan) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO discharge_plans (id, patient_id, stage, version, language, reading_level, include_caregiver)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.Stage, p.Version, p.Language, p.ReadingLevel, p.IncludeCaregiver).
		Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *planRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*DischargePlan, error) {
	return r.scanPlan(r.conn(ctx).QueryRow(ctx, `SELECT `+planCols+` FROM discharge_plans WHERE id = $1`, id))
}

func (r *planRepoPG) GetView(ctx context.Context, id uuid.UUID) (*PlanView, error) {
	p, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &PlanView{DischargePlan: *p}
	if v.Sections, err = r.ListSections(ctx, id); err != nil {
		return nil, err
	}
	if v.Flags, err = r.listFlags(ctx, id); err != nil {
		return nil, err
	}
	if v.Audit, err = r.ListAudit(ctx, id); err != nil {
		return nil, err
	}
	fin, err := r.GetFinalization(ctx, id)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	v.Finalization = fin
	return v, nil
}

// CurrentForPatient returns the patient's newest non-archived plan, or nil
// when none exists.
func (r *planRepoPG) CurrentForPatient(ctx context.Context, patientID uuid.UUID) (*DischargePlan, error) {
	p, err := r.scanPlan(r.conn(ctx).QueryRow(ctx, `
		SELECT `+planCols+` FROM discharge_plans
		WHERE patient_id = $1 AND stage <> 'archived'
		ORDER BY created_at DESC LIMIT 1`, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *planRepoPG) ListForPatient(ctx context.Context, patientID uuid.UUID) ([]*DischargePlan, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+planCols+` FROM discharge_plans WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*DischargePlan
	for rows.Next() {
		p, err := r.scanPlan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *planRepoPG) SetStage(ctx context.Context, id uuid.UUID, stage Stage) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE discharge_plans SET stage=$2, updated_at=NOW() WHERE id = $1`, id, stage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *planRepoPG) BumpVersion(ctx context.Context, id uuid.UUID) (int, error) {
	var v int
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE discharge_plans SET version = version + 1, updated_at=NOW()
		WHERE id = $1 RETURNING version`, id).Scan(&v)
	return v, err
}

func (r *planRepoPG) SetStyle(ctx context.Context, id uuid.UUID, language, readingLevel string, includeCaregiver bool) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE discharge_plans
		SET language = $2, reading_level = $3, include_caregiver = $4, updated_at=NOW()
		WHERE id = $1`, id, language, readingLevel, includeCaregiver)
	return err
}

func (r *planRepoPG) ReplaceSections(ctx context.Context, planID uuid.UUID, sections []PlanSection) error {
	c := r.conn(ctx)
	if _, err := c.Exec(ctx, `DELETE FROM plan_sections WHERE plan_id = $1`, planID); err != nil {
		return err
	}
	for _, s := range sections {
		_, err := c.Exec(ctx, `
			INSERT INTO plan_sections (plan_id, section_key, body, position, last_edited_by)
			VALUES ($1,$2,$3,$4,$5)`,
			planID, s.Key, s.Body, s.Position, s.LastEditedBy)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *planRepoPG) GetSection(ctx context.Context, planID uuid.UUID, key string) (*PlanSection, error) {
	var s PlanSection
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT plan_id, section_key, body, position, last_edited_by, last_edited_at
		FROM plan_sections WHERE plan_id = $1 AND section_key = $2`, planID, key).
		Scan(&s.PlanID, &s.Key, &s.Body, &s.Position, &s.LastEditedBy, &s.LastEditedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *planRepoPG) UpdateSection(ctx context.Context, planID uuid.UUID, key, body, actor string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE plan_sections SET body=$3, last_edited_by=$4, last_edited_at=NOW()
		WHERE plan_id = $1 AND section_key = $2`, planID, key, body, actor)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *planRepoPG) ListSections(ctx context.Context, planID uuid.UUID) ([]PlanSection, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT plan_id, section_key, body, position, last_edited_by, last_edited_at
		FROM plan_sections WHERE plan_id = $1 ORDER BY position`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []PlanSection
	for rows.Next() {
		var s PlanSection
		if err := rows.Scan(&s.PlanID, &s.Key, &s.Body, &s.Position, &s.LastEditedBy, &s.LastEditedAt); err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

const flagCols = `id, plan_id, category, severity, section_key, description, suggested_fix,
	resolved, resolution_note, resolved_by, resolved_at, created_at`

func (r *planRepoPG) scanFlag(row pgx.Row) (*QCFlag, error) {
	var f QCFlag
	err := row.Scan(&f.ID, &f.PlanID, &f.Category, &f.Severity, &f.SectionKey, &f.Description,
		&f.SuggestedFix, &f.Resolved, &f.ResolutionNote, &f.ResolvedBy, &f.ResolvedAt, &f.CreatedAt)
	return &f, err
}

// ReplaceOpenFlags drops the open flag set and inserts flags in its place.
// Resolved flags are kept as history.
func (r *planRepoPG) ReplaceOpenFlags(ctx context.Context, planID uuid.UUID, flags []QCFlag) error {
	c := r.conn(ctx)
	if _, err := c.Exec(ctx, `DELETE FROM qc_flags WHERE plan_id = $1 AND NOT resolved`, planID); err != nil {
		return err
	}
	for i := range flags {
		flags[i].ID = uuid.New()
		flags[i].PlanID = planID
		_, err := c.Exec(ctx, `
			INSERT INTO qc_flags (id, plan_id, category, severity, section_key, description, suggested_fix)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			flags[i].ID, planID, flags[i].Category, flags[i].Severity, flags[i].SectionKey,
			flags[i].Description, flags[i].SuggestedFix)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *planRepoPG) GetFlag(ctx context.Context, planID, flagID uuid.UUID) (*QCFlag, error) {
	return r.scanFlag(r.conn(ctx).QueryRow(ctx, `
		SELECT `+flagCols+` FROM qc_flags WHERE id = $1 AND plan_id = $2`, flagID, planID))
}

func (r *planRepoPG) ResolveFlag(ctx context.Context, planID, flagID uuid.UUID, note, actor string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE qc_flags SET resolved=true, resolution_note=$3, resolved_by=$4, resolved_at=NOW()
		WHERE id = $1 AND plan_id = $2 AND NOT resolved`, flagID, planID, note, actor)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *planRepoPG) OpenBlockingFlags(ctx context.Context, planID uuid.UUID) ([]QCFlag, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+flagCols+` FROM qc_flags
		WHERE plan_id = $1 AND NOT resolved AND severity = 'blocking'
		ORDER BY created_at, id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFlags(rows)
}

func (r *planRepoPG) listFlags(ctx context.Context, planID uuid.UUID) ([]QCFlag, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+flagCols+` FROM qc_flags WHERE plan_id = $1 ORDER BY created_at, id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFlags(rows)
}

func collectFlags(rows pgx.Rows) ([]QCFlag, error) {
	var items []QCFlag
	for rows.Next() {
		var f QCFlag
		err := rows.Scan(&f.ID, &f.PlanID, &f.Category, &f.Severity, &f.SectionKey, &f.Description,
			&f.SuggestedFix, &f.Resolved, &f.ResolutionNote, &f.ResolvedBy, &f.ResolvedAt, &f.CreatedAt)
		if err != nil {
			return nil, err
		}
		items = append(items, f)
	}
	return items, rows.Err()
}

// AppendAudit assigns the next per-plan sequence number inside the insert so
// concurrent writers under transactional isolation cannot produce gaps or
// duplicates.
func (r *planRepoPG) AppendAudit(ctx context.Context, e *AuditLogEntry) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO plan_audit (plan_id, seq, actor, kind, section_key, before_value, after_value, note)
		VALUES ($1, (SELECT COALESCE(MAX(seq),0)+1 FROM plan_audit WHERE plan_id = $1), $2,$3,$4,$5,$6,$7)
		RETURNING seq, at`,
		e.PlanID, e.Actor, e.Kind, e.SectionKey, e.Before, e.After, e.Note).
		Scan(&e.Seq, &e.At)
}

func (r *planRepoPG) ListAudit(ctx context.Context, planID uuid.UUID) ([]AuditLogEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT plan_id, seq, at, actor, kind, section_key, before_value, after_value, note
		FROM plan_audit WHERE plan_id = $1 ORDER BY seq`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.PlanID, &e.Seq, &e.At, &e.Actor, &e.Kind, &e.SectionKey, &e.Before, &e.After, &e.Note); err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *planRepoPG) CreateFinalization(ctx context.Context, f *Finalization) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO finalizations (plan_id, finalized_by, teach_back_confirmed, caregiver_present, interpreter_used, nurse_confidence)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING finalized_at`,
		f.PlanID, f.FinalizedBy, f.TeachBackConfirmed, f.CaregiverPresent, f.InterpreterUsed, f.NurseConfidence).
		Scan(&f.FinalizedAt)
}

func (r *planRepoPG) GetFinalization(ctx context.Context, planID uuid.UUID) (*Finalization, error) {
	var f Finalization
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT plan_id, finalized_by, teach_back_confirmed, caregiver_present, interpreter_used, nurse_confidence, finalized_at
		FROM finalizations WHERE plan_id = $1
		ORDER BY finalized_at DESC LIMIT 1`, planID).
		Scan(&f.PlanID, &f.FinalizedBy, &f.TeachBackConfirmed, &f.CaregiverPresent, &f.InterpreterUsed, &f.NurseConfidence, &f.FinalizedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
