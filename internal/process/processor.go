// Package process commits resolved staging rows as visits.
package process

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/roster/internal/domain/assignment"
	"github.com/ehr/roster/internal/domain/clinical"
	"github.com/ehr/roster/internal/names"
	"github.com/ehr/roster/internal/platform/db"
)

// Result reports one processing run. Processed counts visits created by
// this run; Skipped counts rows that were not ready or already imported.
type Result struct {
	BatchID   uuid.UUID `json:"batch_id"`
	Processed int       `json:"processed"`
	Skipped   int       `json:"skipped"`
	Errors    int       `json:"errors"`
	Message   string    `json:"message,omitempty"`

	CreatedPatients         int `json:"created_patients"`
	CreatedEmployees        int `json:"created_employees"`
	CreatedHospitalizations int `json:"created_hospitalizations"`
}

// Processor commits a resolved batch. All writes of one Process call share
// a transaction.
type Processor struct {
	store assignment.Store
	ref   clinical.Repository
	tx    db.TxRunner
	now   func() time.Time
	log   zerolog.Logger
}

func NewProcessor(store assignment.Store, ref clinical.Repository, tx db.TxRunner, logger zerolog.Logger) *Processor {
	return &Processor{
		store: store,
		ref:   ref,
		tx:    tx,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logger.With().Str("component", "processor").Logger(),
	}
}

// WithClock overrides the import timestamp source.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

type caseKey struct {
	caseID     string
	facilityID int64
}

type patientKey struct {
	mrn        string
	facilityID int64
}

// run holds the entities created so far so that rows needing the same new
// entity share it.
type run struct {
	patients         map[patientKey]int64
	employees        map[string]int64
	hospitalizations map[caseKey]int64
	res              *Result
}

// rowError is a commit failure attributable to one staged row.
type rowError struct {
	row int
	err error
}

func (e *rowError) Error() string { return fmt.Sprintf("row %d: %v", e.row, e.err) }
func (e *rowError) Unwrap() error { return e.err }

// Process commits every ready row of a resolved batch and marks the batch
// processed. Rows already imported are skipped, so re-running is safe.
// Any failure rolls back the whole run. A row that cannot be committed is
// reported in the Result (Processed zero, Errors one, Message set) and
// recorded on the batch; other failures are returned as errors.
func (p *Processor) Process(ctx context.Context, batchID uuid.UUID) (*Result, error) {
	log := p.log.With().Str("batch_id", batchID.String()).Logger()

	batch, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != assignment.StatusResolved && batch.Status != assignment.StatusProcessed {
		return nil, fmt.Errorf("%w: batch is %s", assignment.ErrBatchNotResolved, batch.Status)
	}

	rows, err := p.store.ListRows(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list staging rows: %w", err)
	}

	var committed *Result
	at := p.now()
	err = p.tx.InTx(ctx, func(ctx context.Context) error {
		r := &run{
			patients:         make(map[patientKey]int64),
			employees:        make(map[string]int64),
			hospitalizations: make(map[caseKey]int64),
			res:              &Result{BatchID: batchID},
		}
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !row.Ready() {
				r.res.Skipped++
				continue
			}
			if err := p.commitRow(ctx, r, batch, row, at); err != nil {
				return &rowError{row: row.RowNumber, err: err}
			}
			r.res.Processed++
		}
		if err := p.store.UpdateStatus(ctx, batchID, assignment.StatusProcessed, at); err != nil {
			return err
		}
		committed = r.res
		return nil
	})
	var re *rowError
	if errors.As(err, &re) && ctx.Err() == nil {
		msg := re.Error()
		if serr := p.store.SetError(context.WithoutCancel(ctx), batchID, msg); serr != nil {
			log.Warn().Err(serr).Msg("failed to record processing error")
		}
		log.Error().Err(err).Msg("batch processing rolled back")
		return &Result{BatchID: batchID, Errors: 1, Message: msg}, nil
	}
	if err != nil {
		return nil, err
	}

	log.Info().
		Int("processed", committed.Processed).
		Int("skipped", committed.Skipped).
		Int("created_patients", committed.CreatedPatients).
		Int("created_employees", committed.CreatedEmployees).
		Int("created_hospitalizations", committed.CreatedHospitalizations).
		Msg("batch processed")
	return committed, nil
}

func (p *Processor) commitRow(ctx context.Context, r *run, batch *assignment.Batch, row *assignment.StagingRecord, at time.Time) error {
	patientID, err := p.patient(ctx, r, row)
	if err != nil {
		return fmt.Errorf("create patient: %w", err)
	}
	hospID, err := p.hospitalization(ctx, r, row, patientID)
	if err != nil {
		return fmt.Errorf("create hospitalization: %w", err)
	}
	providerID, err := p.employee(ctx, r, row.AttendingPhysician, row.ResolvedProviderID, row.NeedsNewProvider, true)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}
	npID, err := p.employee(ctx, r, row.NursePractitioner, row.ResolvedNursePractitionerID, row.NeedsNewNursePractitioner, false)
	if err != nil {
		return fmt.Errorf("create nurse practitioner: %w", err)
	}

	v := &clinical.Visit{
		StagingID:           row.ID,
		BatchID:             batch.ID,
		FacilityID:          row.FacilityID,
		PatientID:           patientID,
		HospitalizationID:   hospID,
		ProviderID:          providerID,
		NursePractitionerID: npID,
		ServiceDate:         row.ServiceDate,
		Room:                row.Room,
		Bed:                 row.Bed,
		Insurance:           row.Insurance,
		Cleared:             row.Cleared,
		HPComplete:          row.HP,
		PsychEval:           row.PsychEval,
	}
	if err := p.ref.CreateVisit(ctx, v); err != nil {
		return fmt.Errorf("create visit: %w", err)
	}
	return p.store.MarkRowImported(ctx, row.ID, v.ID, at)
}

func (p *Processor) patient(ctx context.Context, r *run, row *assignment.StagingRecord) (int64, error) {
	if row.ResolvedPatientID != nil {
		return *row.ResolvedPatientID, nil
	}
	key := patientKey{mrn: strings.TrimSpace(row.MRN), facilityID: row.FacilityID}
	if id, ok := r.patients[key]; ok {
		return id, nil
	}
	pt := &clinical.Patient{
		FacilityID: row.FacilityID,
		MRN:        key.mrn,
		FirstName:  names.Display(row.PatientFirstName),
		LastName:   names.Display(row.PatientLastName),
		BirthDate:  row.DOB,
	}
	if err := p.ref.CreatePatient(ctx, pt); err != nil {
		return 0, err
	}
	r.patients[key] = pt.ID
	r.res.CreatedPatients++
	return pt.ID, nil
}

func (p *Processor) hospitalization(ctx context.Context, r *run, row *assignment.StagingRecord, patientID int64) (int64, error) {
	if row.ResolvedHospitalizationID != nil {
		return *row.ResolvedHospitalizationID, nil
	}
	key := caseKey{caseID: strings.TrimSpace(row.HospitalNumber), facilityID: row.FacilityID}
	if id, ok := r.hospitalizations[key]; ok {
		return id, nil
	}
	h := &clinical.Hospitalization{
		FacilityID: row.FacilityID,
		PatientID:  patientID,
		CaseID:     key.caseID,
		AdmittedAt: row.Admit,
	}
	if err := p.ref.CreateHospitalization(ctx, h); err != nil {
		return 0, err
	}
	r.hospitalizations[key] = h.ID
	r.res.CreatedHospitalizations++
	return h.ID, nil
}

// employee returns the clinician id for a row: the resolved id, an employee
// created earlier in this run for the same name, or a newly created one.
// A blank name yields nil.
func (p *Processor) employee(ctx context.Context, r *run, name string, resolved *int64, needsNew, provider bool) (*int64, error) {
	if resolved != nil {
		return resolved, nil
	}
	if !needsNew || strings.TrimSpace(name) == "" {
		return nil, nil
	}
	first, last, title := names.SplitClinician(name)
	key := names.Key(first, last)
	if id, ok := r.employees[key]; ok {
		return &id, nil
	}
	e := &clinical.Employee{
		FirstName:  names.Display(first),
		LastName:   names.Display(last),
		Title:      title,
		IsProvider: provider,
		Active:     true,
	}
	if err := p.ref.CreateEmployee(ctx, e); err != nil {
		return nil, err
	}
	r.employees[key] = e.ID
	r.res.CreatedEmployees++
	id := e.ID
	return &id, nil
}
