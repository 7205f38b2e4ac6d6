package clinical

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/roster/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *repoPG) ListFacilities(ctx context.Context) ([]*Facility, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name, active, created_at FROM facility ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Facility
	for rows.Next() {
		var f Facility
		if err := rows.Scan(&f.ID, &f.Name, &f.Active, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (r *repoPG) ListEmployees(ctx context.Context) ([]*Employee, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, first_name, last_name, title, is_provider, active, created_at
		FROM employee ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Employee
	for rows.Next() {
		var e Employee
		if err := rows.Scan(&e.ID, &e.FirstName, &e.LastName, &e.Title, &e.IsProvider, &e.Active, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *repoPG) ListPatients(ctx context.Context) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, facility_id, mrn, first_name, last_name, birth_date, created_at
		FROM patient ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Patient
	for rows.Next() {
		var p Patient
		if err := rows.Scan(&p.ID, &p.FacilityID, &p.MRN, &p.FirstName, &p.LastName, &p.BirthDate, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (r *repoPG) ListHospitalizations(ctx context.Context) ([]*Hospitalization, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, facility_id, patient_id, case_id, admitted_at, created_at
		FROM hospitalization ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Hospitalization
	for rows.Next() {
		var h Hospitalization
		if err := rows.Scan(&h.ID, &h.FacilityID, &h.PatientID, &h.CaseID, &h.AdmittedAt, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (r *repoPG) CreateFacility(ctx context.Context, f *Facility) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO facility (name, active) VALUES ($1, $2)
		RETURNING id, created_at`,
		f.Name, f.Active,
	).Scan(&f.ID, &f.CreatedAt)
}

func (r *repoPG) CreateEmployee(ctx context.Context, e *Employee) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO employee (first_name, last_name, title, is_provider, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		e.FirstName, e.LastName, e.Title, e.IsProvider, e.Active,
	).Scan(&e.ID, &e.CreatedAt)
}

func (r *repoPG) CreatePatient(ctx context.Context, p *Patient) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (facility_id, mrn, first_name, last_name, birth_date)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		p.FacilityID, p.MRN, p.FirstName, p.LastName, p.BirthDate,
	).Scan(&p.ID, &p.CreatedAt)
}

func (r *repoPG) CreateHospitalization(ctx context.Context, h *Hospitalization) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO hospitalization (facility_id, patient_id, case_id, admitted_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		h.FacilityID, h.PatientID, h.CaseID, h.AdmittedAt,
	).Scan(&h.ID, &h.CreatedAt)
}

func (r *repoPG) CreateVisit(ctx context.Context, v *Visit) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit (
			staging_id, batch_id, facility_id, patient_id, hospitalization_id,
			provider_id, nurse_practitioner_id, service_date,
			room, bed, insurance, cleared, hp_complete, psych_eval
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id, created_at`,
		v.StagingID, v.BatchID, v.FacilityID, v.PatientID, v.HospitalizationID,
		v.ProviderID, v.NursePractitionerID, v.ServiceDate,
		v.Room, v.Bed, v.Insurance, v.Cleared, v.HPComplete, v.PsychEval,
	).Scan(&v.ID, &v.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateVisit
	}
	return err
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
