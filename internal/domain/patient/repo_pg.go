package patient

import (
	"context"

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

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const patientCols = `id, name, mrn, language, reading_level, disposition, stroke_type,
	fall_risk, dysphagia, anticoagulant, medications, caregiver_present,
	hospital_summary, archived, created_at, updated_at`

func (r *patientRepoPG) scanRow(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.MRN, &p.Language, &p.ReadingLevel, &p.Disposition, &p.StrokeType,
		&p.FallRisk, &p.Dysphagia, &p.Anticoagulant, &p.Medications, &p.CaregiverPresent,
		&p.HospitalSummary, &p.Archived, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (id, name, mrn, language, reading_level, disposition, stroke_type,
			fall_risk, dysphagia, anticoagulant, medications, caregiver_present, hospital_summary)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.MRN, p.Language, p.ReadingLevel, p.Disposition, p.StrokeType,
		p.FallRisk, p.Dysphagia, p.Anticoagulant, p.Medications, p.CaregiverPresent, p.HospitalSummary).
		Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
}

func (r *patientRepoPG) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE mrn = $1`, mrn))
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET name=$2, language=$3, reading_level=$4, disposition=$5, stroke_type=$6,
			fall_risk=$7, dysphagia=$8, anticoagulant=$9, medications=$10, caregiver_present=$11,
			hospital_summary=$12, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.Name, p.Language, p.ReadingLevel, p.Disposition, p.StrokeType,
		p.FallRisk, p.Dysphagia, p.Anticoagulant, p.Medications, p.CaregiverPresent,
		p.HospitalSummary)
	return err
}

func (r *patientRepoPG) SetArchived(ctx context.Context, id uuid.UUID, archived bool) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE patients SET archived=$2, updated_at=NOW() WHERE id = $1`, id, archived)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *patientRepoPG) List(ctx context.Context, includeArchived bool, limit, offset int) ([]*Patient, int, error) {
	where := ` WHERE NOT archived`
	if includeArchived {
		where = ``
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients`+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patients`+where+` ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, nil
}
