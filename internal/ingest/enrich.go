package ingest

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/ehr/roster/internal/domain/assignment"
	"github.com/ehr/roster/internal/names"
)

// ImportContext is the batch-level data attached to every row.
type ImportContext struct {
	BatchID     uuid.UUID
	FacilityID  int64
	ServiceDate time.Time
}

// Enrich derives room/bed and normalized names and attaches the import
// context. It is pure.
func Enrich(raw *assignment.RawRow, rowNum int, ic ImportContext) assignment.ProcessedAssignment {
	room, bed := SplitLocation(raw.Location)
	first, last := names.SplitPerson(raw.Name)
	return assignment.ProcessedAssignment{
		RawRow:                    *raw,
		BatchID:                   ic.BatchID,
		RowNumber:                 rowNum,
		FacilityID:                ic.FacilityID,
		ServiceDate:               ic.ServiceDate,
		Room:                      room,
		Bed:                       bed,
		PatientFirstName:          first,
		PatientLastName:           last,
		PhysicianLastName:         names.Surname(raw.AttendingPhysician),
		NursePractitionerLastName: names.Surname(raw.NursePractitioner),
	}
}

// SplitLocation splits a roster location into room and bed:
//
//	"412-A"  -> "412", "A"
//	"412A"   -> "412", "A"
//	"4W 12 B" -> "4W 12", "B"
//	"ICU"    -> "ICU", ""
func SplitLocation(loc string) (room, bed string) {
	loc = strings.ToUpper(strings.Join(strings.Fields(loc), " "))
	if loc == "" {
		return "", ""
	}

	if i := strings.LastIndex(loc, "-"); i > 0 && i < len(loc)-1 {
		return strings.TrimSpace(loc[:i]), strings.TrimSpace(loc[i+1:])
	}

	// Trailing letters after a digit: "412A".
	runes := []rune(loc)
	j := len(runes)
	for j > 0 && unicode.IsLetter(runes[j-1]) {
		j--
	}
	if j > 0 && j < len(runes) && len(runes)-j <= 2 && unicode.IsDigit(runes[j-1]) {
		return string(runes[:j]), string(runes[j:])
	}

	if i := strings.LastIndex(loc, " "); i > 0 {
		if tail := loc[i+1:]; len(tail) <= 2 {
			return loc[:i], tail
		}
	}
	return loc, ""
}
