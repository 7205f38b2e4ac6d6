package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/ehr/roster/internal/domain/assignment"
)

// Validator inspects one raw row and returns the problems it finds. A
// validator never modifies the row.
type Validator func(r *assignment.RawRow, row int) []assignment.ValidationError

// Clock returns the reference time for future-date checks.
type Clock func() time.Time

// Chain runs every validator on every row; nothing short-circuits.
type Chain []Validator

// DefaultChain is the full set of roster validators.
func DefaultChain(now Clock) Chain {
	return Chain{
		NameRequired(),
		NumericRequired("MRN", func(r *assignment.RawRow) string { return r.MRN }),
		NumericRequired("Hospital Number", func(r *assignment.RawRow) string { return r.HospitalNumber }),
		NotInFuture("Admit date", func(r *assignment.RawRow) *time.Time { return r.Admit }, now),
		NotInFuture("Date of birth", func(r *assignment.RawRow) *time.Time { return r.DOB }, now),
		AgeInRange(0, 150),
	}
}

// Validate returns the concatenated errors of all validators, in chain order.
func (c Chain) Validate(r *assignment.RawRow, row int) []assignment.ValidationError {
	var out []assignment.ValidationError
	for _, v := range c {
		out = append(out, v(r, row)...)
	}
	return out
}

// NameRequired flags a row with a blank patient name.
func NameRequired() Validator {
	return func(r *assignment.RawRow, row int) []assignment.ValidationError {
		if strings.TrimSpace(r.Name) != "" {
			return nil
		}
		return []assignment.ValidationError{{
			Type: assignment.ErrorRequiredFieldMissing, Field: "Name", Message: "Name is required", Row: row,
		}}
	}
}

// NumericRequired checks that an identifier is present and all digits.
func NumericRequired(field string, get func(*assignment.RawRow) string) Validator {
	return func(r *assignment.RawRow, row int) []assignment.ValidationError {
		v := strings.TrimSpace(get(r))
		if v == "" {
			return []assignment.ValidationError{{
				Type: assignment.ErrorRequiredFieldMissing, Field: field, Message: field + " is required", Row: row,
			}}
		}
		for _, c := range v {
			if c < '0' || c > '9' {
				return []assignment.ValidationError{{
					Type: assignment.ErrorNonNumericIdentifier, Field: field, Message: field + " must be numeric", Row: row,
				}}
			}
		}
		return nil
	}
}

// NotInFuture flags a timestamp later than the clock. Blank values pass.
func NotInFuture(label string, get func(*assignment.RawRow) *time.Time, now Clock) Validator {
	return func(r *assignment.RawRow, row int) []assignment.ValidationError {
		t := get(r)
		if t == nil || !t.After(now()) {
			return nil
		}
		return []assignment.ValidationError{{
			Type: assignment.ErrorFutureDate, Field: label, Message: label + " cannot be in the future", Row: row,
		}}
	}
}

// AgeInRange flags an age outside [min, max]. A blank age passes.
func AgeInRange(min, max int) Validator {
	return func(r *assignment.RawRow, row int) []assignment.ValidationError {
		if r.Age == nil || (*r.Age >= min && *r.Age <= max) {
			return nil
		}
		return []assignment.ValidationError{{
			Type:    assignment.ErrorOutOfRange,
			Field:   "Age",
			Message: fmt.Sprintf("Age must be between %d and %d", min, max),
			Row:     row,
		}}
	}
}
