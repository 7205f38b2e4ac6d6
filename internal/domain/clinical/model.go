package clinical

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Facility maps to the facility table.
type Facility struct {
	ID        int64     `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Employee maps to the employee table. Providers (attending physicians) have
// IsProvider set; nurse practitioners do not.
type Employee struct {
	ID         int64     `db:"id" json:"id"`
	FirstName  string    `db:"first_name" json:"first_name"`
	LastName   string    `db:"last_name" json:"last_name"`
	Title      string    `db:"title" json:"title"`
	IsProvider bool      `db:"is_provider" json:"is_provider"`
	Active     bool      `db:"active" json:"active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// FullName returns "First Last", or just the last name when the first is blank.
func (e *Employee) FullName() string {
	return strings.TrimSpace(e.FirstName + " " + e.LastName)
}

// Patient maps to the patient table. MRN is unique per facility.
type Patient struct {
	ID         int64      `db:"id" json:"id"`
	FacilityID int64      `db:"facility_id" json:"facility_id"`
	MRN        string     `db:"mrn" json:"mrn"`
	FirstName  string     `db:"first_name" json:"first_name"`
	LastName   string     `db:"last_name" json:"last_name"`
	BirthDate  *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// Hospitalization maps to the hospitalization table. CaseID is the
// hospital number printed on the roster.
type Hospitalization struct {
	ID         int64      `db:"id" json:"id"`
	FacilityID int64      `db:"facility_id" json:"facility_id"`
	PatientID  int64      `db:"patient_id" json:"patient_id"`
	CaseID     string     `db:"case_id" json:"case_id"`
	AdmittedAt *time.Time `db:"admitted_at" json:"admitted_at,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// Visit is the assignment committed from one staged row.
type Visit struct {
	ID                  int64     `db:"id" json:"id"`
	StagingID           int64     `db:"staging_id" json:"staging_id"`
	BatchID             uuid.UUID `db:"batch_id" json:"batch_id"`
	FacilityID          int64     `db:"facility_id" json:"facility_id"`
	PatientID           int64     `db:"patient_id" json:"patient_id"`
	HospitalizationID   int64     `db:"hospitalization_id" json:"hospitalization_id"`
	ProviderID          *int64    `db:"provider_id" json:"provider_id,omitempty"`
	NursePractitionerID *int64    `db:"nurse_practitioner_id" json:"nurse_practitioner_id,omitempty"`
	ServiceDate         time.Time `db:"service_date" json:"service_date"`
	Room                string    `db:"room" json:"room"`
	Bed                 string    `db:"bed" json:"bed"`
	Insurance           string    `db:"insurance" json:"insurance"`
	Cleared             bool      `db:"cleared" json:"cleared"`
	HPComplete          bool      `db:"hp_complete" json:"hp_complete"`
	PsychEval           bool      `db:"psych_eval" json:"psych_eval"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
}
