package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/roster/internal/domain/assignment"
	"github.com/ehr/roster/internal/platform/db"
)

const stagingTable = "assignment_staging"

// StagingColumns returns the ordered column names for COPY into
// assignment_staging. Resolution and commit columns keep their defaults.
func StagingColumns() []string {
	return []string{
		"batch_id",
		"row_number",
		"facility_id",
		"service_date",
		"name",
		"location",
		"hospital_number",
		"admit_at",
		"mrn",
		"age",
		"dob",
		"insurance",
		"nurse_practitioner",
		"cleared",
		"hp",
		"psych_eval",
		"attending_physician",
		"room",
		"bed",
		"patient_first_name",
		"patient_last_name",
		"physician_last_name",
		"nurse_practitioner_last_name",
		"validation_errors",
		"should_import",
	}
}

// CopyValues returns r's values in StagingColumns order.
func CopyValues(batchID uuid.UUID, r *assignment.StagingRecord) ([]any, error) {
	errs := r.ValidationErrors
	if errs == nil {
		errs = []assignment.ValidationError{}
	}
	payload, err := json.Marshal(errs)
	if err != nil {
		return nil, fmt.Errorf("encode validation errors for row %d: %w", r.RowNumber, err)
	}
	var age *int32
	if r.Age != nil {
		v := int32(*r.Age)
		age = &v
	}
	return []any{
		batchID,
		int32(r.RowNumber),
		r.FacilityID,
		r.ServiceDate,
		r.Name,
		r.Location,
		r.HospitalNumber,
		r.Admit,
		r.MRN,
		age,
		r.DOB,
		r.Insurance,
		r.NursePractitioner,
		r.Cleared,
		r.HP,
		r.PsychEval,
		r.AttendingPhysician,
		r.Room,
		r.Bed,
		r.PatientFirstName,
		r.PatientLastName,
		r.PhysicianLastName,
		r.NursePractitionerLastName,
		payload,
		r.ShouldImport,
	}, nil
}

// Bulk stages rows into assignment_staging with COPY. Each WriteBatch is one
// COPY statement, committed on return unless the context carries a
// transaction.
type Bulk struct {
	db      Copier
	written int64
}

func NewBulk(c Copier) *Bulk {
	return &Bulk{db: c}
}

func (b *Bulk) conn(ctx context.Context) Copier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return b.db
}

func (b *Bulk) Initialize(ctx context.Context) error {
	b.written = 0
	return nil
}

func (b *Bulk) WriteBatch(ctx context.Context, batchID uuid.UUID, rows []assignment.StagingRecord) error {
	if len(rows) == 0 {
		return nil
	}
	values := make([][]any, 0, len(rows))
	for i := range rows {
		v, err := CopyValues(batchID, &rows[i])
		if err != nil {
			return err
		}
		values = append(values, v)
	}
	n, err := b.conn(ctx).CopyFrom(ctx, pgx.Identifier{stagingTable}, StagingColumns(), pgx.CopyFromRows(values))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", stagingTable, err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("copy into %s: wrote %d of %d rows", stagingTable, n, len(rows))
	}
	b.written += n
	return nil
}

func (b *Bulk) Finalize(ctx context.Context) error { return nil }

// Written returns the number of rows copied in this run.
func (b *Bulk) Written() int64 { return b.written }
