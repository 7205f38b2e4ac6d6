package assignment

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// BatchStatus moves forward only: pending -> resolved -> processed.
type BatchStatus string

const (
	StatusPending   BatchStatus = "pending"
	StatusResolved  BatchStatus = "resolved"
	StatusProcessed BatchStatus = "processed"
)

func (s BatchStatus) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusResolved:
		return 2
	case StatusProcessed:
		return 3
	}
	return 0
}

// CanTransitionTo reports whether a batch in status s may be set to next.
// Staying in the same status is allowed so that resolve and process can be
// re-run.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	from, to := s.rank(), next.rank()
	return from > 0 && to > 0 && (to == from || to == from+1)
}

// Batch maps to the assignment_batch table: one uploaded roster for one
// facility and service date.
type Batch struct {
	ID          uuid.UUID   `db:"id" json:"id"`
	FacilityID  int64       `db:"facility_id" json:"facility_id"`
	ServiceDate time.Time   `db:"service_date" json:"service_date"`
	Status      BatchStatus `db:"status" json:"status"`
	SourceName  string      `db:"source_name" json:"source_name"`
	BlobKey     string      `db:"blob_key" json:"blob_key,omitempty"`
	CreatedBy   string      `db:"created_by" json:"created_by,omitempty"`
	RowsRead    int         `db:"rows_read" json:"rows_read"`
	RowsStaged  int         `db:"rows_staged" json:"rows_staged"`
	RowsSkipped int         `db:"rows_skipped" json:"rows_skipped"`
	LastError   *string     `db:"last_error" json:"last_error,omitempty"`
	ImportedAt  *time.Time  `db:"imported_at" json:"imported_at,omitempty"`
	ResolvedAt  *time.Time  `db:"resolved_at" json:"resolved_at,omitempty"`
	ProcessedAt *time.Time  `db:"processed_at" json:"processed_at,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// Imported reports whether the import phase finished for this batch.
func (b *Batch) Imported() bool { return b.ImportedAt != nil }

// ImportStats are the counters persisted when the import phase completes.
type ImportStats struct {
	RowsRead    int
	RowsStaged  int
	RowsSkipped int
}

// ErrorType classifies a ValidationError.
type ErrorType string

const (
	ErrorRequiredFieldMissing ErrorType = "RequiredFieldMissing"
	ErrorNonNumericIdentifier ErrorType = "NonNumericIdentifier"
	ErrorFutureDate           ErrorType = "FutureDate"
	ErrorOutOfRange           ErrorType = "OutOfRange"
	ErrorUnknownFacility      ErrorType = "UnknownFacility"
	ErrorAmbiguousMatch       ErrorType = "AmbiguousMatch"
)

// Blocking reports whether a row carrying this error may not be committed.
// AmbiguousMatch is a review hint: the unresolved field already keeps the
// row out of processing.
func (t ErrorType) Blocking() bool {
	switch t {
	case ErrorRequiredFieldMissing, ErrorNonNumericIdentifier, ErrorFutureDate,
		ErrorOutOfRange, ErrorUnknownFacility:
		return true
	}
	return false
}

// ValidationError is a row-level problem found during import or resolution.
type ValidationError struct {
	Type    ErrorType `json:"type"`
	Field   string    `json:"field,omitempty"`
	Message string    `json:"message"`
	Row     int       `json:"row,omitempty"`
}

func (e ValidationError) Error() string { return e.Message }

// HasBlocking reports whether any error in errs is blocking.
func HasBlocking(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Type.Blocking() {
			return true
		}
	}
	return false
}

// RawRow is one spreadsheet row after typed mapping. Optional values that
// were blank in the sheet are nil.
type RawRow struct {
	Name               string     `json:"name"`
	Location           string     `json:"location"`
	HospitalNumber     string     `json:"hospital_number"`
	Admit              *time.Time `json:"admit,omitempty"`
	MRN                string     `json:"mrn"`
	Age                *int       `json:"age,omitempty"`
	DOB                *time.Time `json:"dob,omitempty"`
	Insurance          string     `json:"insurance"`
	NursePractitioner  string     `json:"nurse_practitioner"`
	Cleared            bool       `json:"cleared"`
	HP                 bool       `json:"hp"`
	PsychEval          bool       `json:"psych_eval"`
	AttendingPhysician string     `json:"attending_physician"`
}

// HasPhysician reports whether the attending physician column is filled in.
func (r *RawRow) HasPhysician() bool { return strings.TrimSpace(r.AttendingPhysician) != "" }

// HasNursePractitioner reports whether the NP column is filled in.
func (r *RawRow) HasNursePractitioner() bool { return strings.TrimSpace(r.NursePractitioner) != "" }

// ProcessedAssignment is a RawRow plus batch context and derived fields.
type ProcessedAssignment struct {
	RawRow
	BatchID                   uuid.UUID `json:"batch_id"`
	RowNumber                 int       `json:"row_number"`
	FacilityID                int64     `json:"facility_id"`
	ServiceDate               time.Time `json:"service_date"`
	Room                      string    `json:"room"`
	Bed                       string    `json:"bed"`
	PatientFirstName          string    `json:"patient_first_name"`
	PatientLastName           string    `json:"patient_last_name"`
	PhysicianLastName         string    `json:"physician_last_name"`
	NursePractitionerLastName string    `json:"nurse_practitioner_last_name"`
}

// StagingRecord is a persisted ProcessedAssignment together with its
// validation outcome and, once resolved, the matched reference ids.
type StagingRecord struct {
	ID int64 `json:"id"`
	ProcessedAssignment

	ValidationErrors []ValidationError `json:"validation_errors"`
	ResolutionErrors []ValidationError `json:"resolution_errors"`
	ShouldImport     bool              `json:"should_import"`

	ResolvedProviderID          *int64     `json:"resolved_provider_id,omitempty"`
	ResolvedNursePractitionerID *int64     `json:"resolved_nurse_practitioner_id,omitempty"`
	ResolvedPatientID           *int64     `json:"resolved_patient_id,omitempty"`
	ResolvedHospitalizationID   *int64     `json:"resolved_hospitalization_id,omitempty"`
	NeedsNewProvider            bool       `json:"needs_new_provider"`
	NeedsNewNursePractitioner   bool       `json:"needs_new_nurse_practitioner"`
	NeedsNewPatient             bool       `json:"needs_new_patient"`
	NeedsNewHospitalization     bool       `json:"needs_new_hospitalization"`
	ResolvedAt                  *time.Time `json:"resolved_at,omitempty"`

	Imported   bool       `json:"imported"`
	ImportedAt *time.Time `json:"imported_at,omitempty"`
	VisitID    *int64     `json:"visit_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Errors returns import-phase errors followed by resolution-phase errors.
func (r *StagingRecord) Errors() []ValidationError {
	out := make([]ValidationError, 0, len(r.ValidationErrors)+len(r.ResolutionErrors))
	out = append(out, r.ValidationErrors...)
	return append(out, r.ResolutionErrors...)
}

// Resolved reports whether the resolver has visited this row.
func (r *StagingRecord) Resolved() bool { return r.ResolvedAt != nil }

func (r *StagingRecord) providerSettled() bool {
	return !r.HasPhysician() || r.ResolvedProviderID != nil || r.NeedsNewProvider
}

func (r *StagingRecord) nursePractitionerSettled() bool {
	return !r.HasNursePractitioner() || r.ResolvedNursePractitionerID != nil || r.NeedsNewNursePractitioner
}

// Ambiguous reports whether a provider or NP lookup matched several employees.
func (r *StagingRecord) Ambiguous() bool {
	return r.Resolved() && (!r.providerSettled() || !r.nursePractitionerSettled())
}

// Ready reports whether the processor may commit this row.
func (r *StagingRecord) Ready() bool {
	if r.Imported || !r.ShouldImport || !r.Resolved() || HasBlocking(r.ResolutionErrors) {
		return false
	}
	if r.ResolvedPatientID == nil && !r.NeedsNewPatient {
		return false
	}
	if r.ResolvedHospitalizationID == nil && !r.NeedsNewHospitalization {
		return false
	}
	return r.providerSettled() && r.nursePractitionerSettled()
}

// Resolution is the outcome of resolving one staged row.
type Resolution struct {
	ProviderID                *int64
	NursePractitionerID       *int64
	PatientID                 *int64
	HospitalizationID         *int64
	NeedsNewProvider          bool
	NeedsNewNursePractitioner bool
	NeedsNewPatient           bool
	NeedsNewHospitalization   bool
	Errors                    []ValidationError
	ResolvedAt                time.Time
}

// Apply copies the resolution onto the record, replacing any earlier one.
func (res Resolution) Apply(r *StagingRecord) {
	r.ResolvedProviderID = res.ProviderID
	r.ResolvedNursePractitionerID = res.NursePractitionerID
	r.ResolvedPatientID = res.PatientID
	r.ResolvedHospitalizationID = res.HospitalizationID
	r.NeedsNewProvider = res.NeedsNewProvider
	r.NeedsNewNursePractitioner = res.NeedsNewNursePractitioner
	r.NeedsNewPatient = res.NeedsNewPatient
	r.NeedsNewHospitalization = res.NeedsNewHospitalization
	r.ResolutionErrors = append([]ValidationError(nil), res.Errors...)
	at := res.ResolvedAt
	r.ResolvedAt = &at
}

// Summary counts a batch's rows by state.
type Summary struct {
	Total      int `json:"total"`
	Blocked    int `json:"blocked"`
	Unresolved int `json:"unresolved"`
	Ready      int `json:"ready"`
	Imported   int `json:"imported"`
}

// Summarize tallies rows. A row is counted in exactly one of Imported,
// Blocked, Unresolved or Ready. A row with an ambiguous clinician match is
// Unresolved.
func Summarize(rows []*StagingRecord) Summary {
	s := Summary{Total: len(rows)}
	for _, r := range rows {
		switch {
		case r.Imported:
			s.Imported++
		case !r.ShouldImport || HasBlocking(r.ResolutionErrors):
			s.Blocked++
		case !r.Resolved(), r.Ambiguous():
			s.Unresolved++
		case r.Ready():
			s.Ready++
		default:
			s.Unresolved++
		}
	}
	return s
}
