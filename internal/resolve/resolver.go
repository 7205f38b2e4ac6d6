package resolve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/roster/internal/domain/assignment"
	"github.com/ehr/roster/internal/names"
	"github.com/ehr/roster/internal/platform/db"
)

// Match is the outcome of a clinician name lookup.
type Match int

const (
	NoMatch Match = iota
	Unique
	Ambiguous
)

// Lookup runs the name cascade: "NAME, TITLE", then "NAME TITLE", then the
// bare name. The first index with exactly one candidate wins. If none has
// exactly one, the result is Ambiguous when any index had several.
//
// The name is split with names.SplitClinician, the same parse the processor
// uses when it creates an employee, so "House, Gregory MD" and
// "Dr. Gregory House, MD" look up the same keys.
func (idx *NameIndex) Lookup(name string) (int64, Match) {
	first, last, title := names.SplitClinician(name)
	if last == "" {
		return 0, NoMatch
	}
	type step struct {
		index map[string][]int64
		key   string
	}
	var cascade []step
	if title != "" {
		cascade = append(cascade,
			step{idx.Comma, names.KeyWithCommaTitle(first, last, title)},
			step{idx.Space, names.KeyWithTitle(first, last, title)},
		)
	}
	cascade = append(cascade, step{idx.Bare, names.Key(first, last)})

	ambiguous := false
	for _, s := range cascade {
		switch ids := s.index[s.key]; {
		case len(ids) == 1:
			return ids[0], Unique
		case len(ids) > 1:
			ambiguous = true
		}
	}
	if ambiguous {
		return 0, Ambiguous
	}
	return 0, NoMatch
}

// Result summarizes one resolver run.
type Result struct {
	BatchID uuid.UUID          `json:"batch_id"`
	Rows    int                `json:"rows"`
	Summary assignment.Summary `json:"summary"`
}

// Resolver resolves the staged rows of a batch. It writes only the
// resolution columns of staging rows and the batch status.
type Resolver struct {
	store assignment.Store
	ref   Source
	tx    db.TxRunner
	now   func() time.Time
	log   zerolog.Logger
}

func NewResolver(store assignment.Store, ref Source, tx db.TxRunner, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store: store,
		ref:   ref,
		tx:    tx,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logger.With().Str("component", "resolver").Logger(),
	}
}

// WithClock overrides the resolution timestamp source.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

func checkResolvable(b *assignment.Batch) error {
	switch b.Status {
	case assignment.StatusPending:
		if !b.Imported() {
			return assignment.ErrBatchNotImported
		}
		return nil
	case assignment.StatusResolved:
		return nil
	default:
		return fmt.Errorf("%w: batch is %s", assignment.ErrInvalidTransition, b.Status)
	}
}

// Resolve resolves every staged row of the batch against a fresh Cache and
// moves the batch to Resolved. Re-running it on a resolved batch recomputes
// the same outcome. The batch must have finished importing.
func (r *Resolver) Resolve(ctx context.Context, batchID uuid.UUID) (*Result, error) {
	log := r.log.With().Str("batch_id", batchID.String()).Logger()

	batch, err := r.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := checkResolvable(batch); err != nil {
		return nil, err
	}

	rows, err := r.store.ListRows(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list staging rows: %w", err)
	}

	cache := NewCache(r.ref)
	at := r.now()
	err = r.tx.InTx(ctx, func(ctx context.Context) error {
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := r.resolveRow(ctx, cache, row, at)
			if err != nil {
				return fmt.Errorf("resolve row %d: %w", row.RowNumber, err)
			}
			if err := r.store.SaveResolution(ctx, row.ID, res); err != nil {
				return fmt.Errorf("save resolution for row %d: %w", row.RowNumber, err)
			}
			res.Apply(row)
		}
		return r.store.UpdateStatus(ctx, batchID, assignment.StatusResolved, at)
	})
	if err != nil {
		return nil, err
	}

	result := &Result{BatchID: batchID, Rows: len(rows), Summary: assignment.Summarize(rows)}
	log.Info().
		Int("rows", result.Rows).
		Int("ready", result.Summary.Ready).
		Int("blocked", result.Summary.Blocked).
		Int("unresolved", result.Summary.Unresolved).
		Msg("batch resolved")
	return result, nil
}

func (r *Resolver) resolveRow(ctx context.Context, cache *Cache, row *assignment.StagingRecord, at time.Time) (assignment.Resolution, error) {
	res := assignment.Resolution{ResolvedAt: at}

	facilities, err := cache.Facilities(ctx)
	if err != nil {
		return res, err
	}
	if _, ok := facilities[row.FacilityID]; !ok {
		res.Errors = append(res.Errors, assignment.ValidationError{
			Type:    assignment.ErrorUnknownFacility,
			Field:   "Facility",
			Message: fmt.Sprintf("Facility %d does not exist", row.FacilityID),
			Row:     row.RowNumber,
		})
		return res, nil
	}

	patients, err := cache.Patients(ctx)
	if err != nil {
		return res, err
	}
	if id, ok := patients[PatientKey{MRN: strings.TrimSpace(row.MRN), FacilityID: row.FacilityID}]; ok {
		res.PatientID = &id
	} else {
		res.NeedsNewPatient = true
	}

	hosps, err := cache.Hospitalizations(ctx)
	if err != nil {
		return res, err
	}
	if refs := hosps[CaseKey{CaseID: strings.TrimSpace(row.HospitalNumber), FacilityID: row.FacilityID}]; len(refs) > 0 {
		id := pickHospitalization(refs, res.PatientID)
		res.HospitalizationID = &id
	} else {
		res.NeedsNewHospitalization = true
	}

	idx, err := cache.Names(ctx)
	if err != nil {
		return res, err
	}
	if row.HasPhysician() {
		id, m := idx.Lookup(row.AttendingPhysician)
		switch m {
		case Unique:
			res.ProviderID = &id
		case NoMatch:
			res.NeedsNewProvider = true
		case Ambiguous:
			res.Errors = append(res.Errors, ambiguousError("Attending", row.AttendingPhysician, row.RowNumber))
		}
	}
	if row.HasNursePractitioner() {
		id, m := idx.Lookup(row.NursePractitioner)
		switch m {
		case Unique:
			res.NursePractitionerID = &id
		case NoMatch:
			res.NeedsNewNursePractitioner = true
		case Ambiguous:
			res.Errors = append(res.Errors, ambiguousError("NP", row.NursePractitioner, row.RowNumber))
		}
	}
	return res, nil
}

// pickHospitalization takes the first hospitalization for the case, preferring
// one that belongs to the already resolved patient.
func pickHospitalization(refs []HospitalizationRef, patientID *int64) int64 {
	if patientID != nil {
		for _, h := range refs {
			if h.PatientID == *patientID {
				return h.ID
			}
		}
	}
	return refs[0].ID
}

func ambiguousError(field, name string, row int) assignment.ValidationError {
	return assignment.ValidationError{
		Type:    assignment.ErrorAmbiguousMatch,
		Field:   field,
		Message: fmt.Sprintf("%q matches more than one employee", strings.TrimSpace(name)),
		Row:     row,
	}
}
