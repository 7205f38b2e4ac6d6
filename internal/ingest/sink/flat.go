package sink

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/roster/internal/domain/assignment"
)

// FlatRow is the file representation of a staged row shared by the csv and
// parquet sinks. Dates use the reader's cell layout.
type FlatRow struct {
	BatchID                   string  `parquet:"batch_id"`
	RowNumber                 int32   `parquet:"row_number"`
	FacilityID                int64   `parquet:"facility_id"`
	ServiceDate               string  `parquet:"service_date"`
	Name                      string  `parquet:"name"`
	Location                  string  `parquet:"location"`
	HospitalNumber            string  `parquet:"hospital_number"`
	Admit                     *string `parquet:"admit,optional"`
	MRN                       string  `parquet:"mrn"`
	Age                       *int32  `parquet:"age,optional"`
	DOB                       *string `parquet:"dob,optional"`
	Insurance                 string  `parquet:"insurance"`
	NursePractitioner         string  `parquet:"nurse_practitioner"`
	Cleared                   bool    `parquet:"cleared"`
	HP                        bool    `parquet:"hp"`
	PsychEval                 bool    `parquet:"psych_eval"`
	AttendingPhysician        string  `parquet:"attending_physician"`
	Room                      string  `parquet:"room"`
	Bed                       string  `parquet:"bed"`
	PatientFirstName          string  `parquet:"patient_first_name"`
	PatientLastName           string  `parquet:"patient_last_name"`
	PhysicianLastName         string  `parquet:"physician_last_name"`
	NursePractitionerLastName string  `parquet:"nurse_practitioner_last_name"`
	ValidationErrors          string  `parquet:"validation_errors"`
	ShouldImport              bool    `parquet:"should_import"`
}

const flatTimeLayout = "2006-01-02 15:04:05"

func fmtTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(flatTimeLayout)
	return &s
}

// Flatten converts a staged row to its file form.
func Flatten(batchID uuid.UUID, r *assignment.StagingRecord) (FlatRow, error) {
	errs := r.ValidationErrors
	if errs == nil {
		errs = []assignment.ValidationError{}
	}
	payload, err := json.Marshal(errs)
	if err != nil {
		return FlatRow{}, err
	}
	var age *int32
	if r.Age != nil {
		v := int32(*r.Age)
		age = &v
	}
	return FlatRow{
		BatchID:                   batchID.String(),
		RowNumber:                 int32(r.RowNumber),
		FacilityID:                r.FacilityID,
		ServiceDate:               r.ServiceDate.Format("2006-01-02"),
		Name:                      r.Name,
		Location:                  r.Location,
		HospitalNumber:            r.HospitalNumber,
		Admit:                     fmtTime(r.Admit),
		MRN:                       r.MRN,
		Age:                       age,
		DOB:                       fmtTime(r.DOB),
		Insurance:                 r.Insurance,
		NursePractitioner:         r.NursePractitioner,
		Cleared:                   r.Cleared,
		HP:                        r.HP,
		PsychEval:                 r.PsychEval,
		AttendingPhysician:        r.AttendingPhysician,
		Room:                      r.Room,
		Bed:                       r.Bed,
		PatientFirstName:          r.PatientFirstName,
		PatientLastName:           r.PatientLastName,
		PhysicianLastName:         r.PhysicianLastName,
		NursePractitionerLastName: r.NursePractitionerLastName,
		ValidationErrors:          string(payload),
		ShouldImport:              r.ShouldImport,
	}, nil
}

// csvHeader matches FlatRow.record.
var csvHeader = []string{
	"batch_id", "row_number", "facility_id", "service_date",
	"name", "location", "hospital_number", "admit", "mrn", "age", "dob",
	"insurance", "nurse_practitioner", "cleared", "hp", "psych_eval", "attending_physician",
	"room", "bed", "patient_first_name", "patient_last_name",
	"physician_last_name", "nurse_practitioner_last_name",
	"validation_errors", "should_import",
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (f FlatRow) record() []string {
	age := ""
	if f.Age != nil {
		age = strconv.Itoa(int(*f.Age))
	}
	return []string{
		f.BatchID,
		strconv.Itoa(int(f.RowNumber)),
		strconv.FormatInt(f.FacilityID, 10),
		f.ServiceDate,
		f.Name,
		f.Location,
		f.HospitalNumber,
		deref(f.Admit),
		f.MRN,
		age,
		deref(f.DOB),
		f.Insurance,
		f.NursePractitioner,
		strconv.FormatBool(f.Cleared),
		strconv.FormatBool(f.HP),
		strconv.FormatBool(f.PsychEval),
		f.AttendingPhysician,
		f.Room,
		f.Bed,
		f.PatientFirstName,
		f.PatientLastName,
		f.PhysicianLastName,
		f.NursePractitionerLastName,
		f.ValidationErrors,
		strconv.FormatBool(f.ShouldImport),
	}
}
