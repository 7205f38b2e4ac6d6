package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/roster/internal/platform/db"
)

type storePG struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

// -- Batches --

const batchCols = `id, facility_id, service_date, status, source_name, blob_key, created_by,
	rows_read, rows_staged, rows_skipped, last_error,
	imported_at, resolved_at, processed_at, created_at, updated_at`

func scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.FacilityID, &b.ServiceDate, &b.Status, &b.SourceName, &b.BlobKey, &b.CreatedBy,
		&b.RowsRead, &b.RowsStaged, &b.RowsSkipped, &b.LastError,
		&b.ImportedAt, &b.ResolvedAt, &b.ProcessedAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *storePG) CreateBatch(ctx context.Context, b *Batch) error {
	if b.Status == "" {
		b.Status = StatusPending
	}
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO assignment_batch (id, facility_id, service_date, status, source_name, blob_key, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		b.ID, b.FacilityID, b.ServiceDate, b.Status, b.SourceName, b.BlobKey, b.CreatedBy,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrBatchExists
	}
	return err
}

func (s *storePG) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	return scanBatch(s.conn(ctx).QueryRow(ctx, `SELECT `+batchCols+` FROM assignment_batch WHERE id = $1`, id))
}

func (s *storePG) ListBatches(ctx context.Context, limit, offset int) ([]*Batch, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM assignment_batch`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+batchCols+` FROM assignment_batch
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}

func (s *storePG) MarkImported(ctx context.Context, id uuid.UUID, stats ImportStats, at time.Time) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE assignment_batch SET
			rows_read = $2, rows_staged = $3, rows_skipped = $4,
			imported_at = $5, last_error = NULL, updated_at = NOW()
		WHERE id = $1`,
		id, stats.RowsRead, stats.RowsStaged, stats.RowsSkipped, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

// allowedFrom lists the statuses a batch may be in before moving to status.
func allowedFrom(status BatchStatus) []string {
	var out []string
	for _, s := range []BatchStatus{StatusPending, StatusResolved, StatusProcessed} {
		if s.CanTransitionTo(status) {
			out = append(out, string(s))
		}
	}
	return out
}

func (s *storePG) UpdateStatus(ctx context.Context, id uuid.UUID, status BatchStatus, at time.Time) error {
	var stampCol string
	switch status {
	case StatusResolved:
		stampCol = "resolved_at"
	case StatusProcessed:
		stampCol = "processed_at"
	default:
		return fmt.Errorf("%w: to %s", ErrInvalidTransition, status)
	}

	tag, err := s.conn(ctx).Exec(ctx, fmt.Sprintf(`
		UPDATE assignment_batch SET status = $2, %s = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)`, stampCol),
		id, status, at, allowedFrom(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	b, err := s.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, b.Status, status)
}

func (s *storePG) SetError(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := s.conn(ctx).Exec(ctx,
		`UPDATE assignment_batch SET last_error = $2, updated_at = NOW() WHERE id = $1`, id, msg)
	return err
}

// -- Staging rows --

const stagingCols = `id, batch_id, row_number, facility_id, service_date,
	name, location, hospital_number, admit_at, mrn, age, dob, insurance,
	nurse_practitioner, cleared, hp, psych_eval, attending_physician,
	room, bed, patient_first_name, patient_last_name,
	physician_last_name, nurse_practitioner_last_name,
	validation_errors, resolution_errors, should_import,
	resolved_provider_id, resolved_nurse_practitioner_id, resolved_patient_id, resolved_hospitalization_id,
	needs_new_provider, needs_new_nurse_practitioner, needs_new_patient, needs_new_hospitalization,
	resolved_at, imported, imported_at, visit_id, created_at`

func scanStaging(row pgx.Row) (*StagingRecord, error) {
	var r StagingRecord
	err := row.Scan(&r.ID, &r.BatchID, &r.RowNumber, &r.FacilityID, &r.ServiceDate,
		&r.Name, &r.Location, &r.HospitalNumber, &r.Admit, &r.MRN, &r.Age, &r.DOB, &r.Insurance,
		&r.NursePractitioner, &r.Cleared, &r.HP, &r.PsychEval, &r.AttendingPhysician,
		&r.Room, &r.Bed, &r.PatientFirstName, &r.PatientLastName,
		&r.PhysicianLastName, &r.NursePractitionerLastName,
		&r.ValidationErrors, &r.ResolutionErrors, &r.ShouldImport,
		&r.ResolvedProviderID, &r.ResolvedNursePractitionerID, &r.ResolvedPatientID, &r.ResolvedHospitalizationID,
		&r.NeedsNewProvider, &r.NeedsNewNursePractitioner, &r.NeedsNewPatient, &r.NeedsNewHospitalization,
		&r.ResolvedAt, &r.Imported, &r.ImportedAt, &r.VisitID, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *storePG) ListRows(ctx context.Context, batchID uuid.UUID) ([]*StagingRecord, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+stagingCols+` FROM assignment_staging
		WHERE batch_id = $1 ORDER BY row_number`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*StagingRecord
	for rows.Next() {
		r, err := scanStaging(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *storePG) ListRowsPage(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]*StagingRecord, int, error) {
	var total int
	if err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM assignment_staging WHERE batch_id = $1`, batchID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+stagingCols+` FROM assignment_staging
		WHERE batch_id = $1 ORDER BY row_number LIMIT $2 OFFSET $3`, batchID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*StagingRecord
	for rows.Next() {
		r, err := scanStaging(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (s *storePG) SaveResolution(ctx context.Context, rowID int64, res Resolution) error {
	errs := res.Errors
	if errs == nil {
		errs = []ValidationError{}
	}
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE assignment_staging SET
			resolved_provider_id = $2, resolved_nurse_practitioner_id = $3,
			resolved_patient_id = $4, resolved_hospitalization_id = $5,
			needs_new_provider = $6, needs_new_nurse_practitioner = $7,
			needs_new_patient = $8, needs_new_hospitalization = $9,
			resolution_errors = $10, resolved_at = $11
		WHERE id = $1`,
		rowID, res.ProviderID, res.NursePractitionerID, res.PatientID, res.HospitalizationID,
		res.NeedsNewProvider, res.NeedsNewNursePractitioner, res.NeedsNewPatient, res.NeedsNewHospitalization,
		errs, res.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRowNotFound
	}
	return nil
}

func (s *storePG) MarkRowImported(ctx context.Context, rowID, visitID int64, at time.Time) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE assignment_staging SET imported = TRUE, imported_at = $2, visit_id = $3
		WHERE id = $1`, rowID, at, visitID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRowNotFound
	}
	return nil
}

func (s *storePG) ClearRows(ctx context.Context, batchID uuid.UUID) (int, error) {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM assignment_staging WHERE batch_id = $1`, batchID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
