package clinical

import (
	"context"
	"errors"
)

// ErrDuplicateVisit is returned when a visit already exists for a staging row.
var ErrDuplicateVisit = errors.New("visit already exists for staging row")

// Repository exposes the reference tables. The List methods are full scans
// used to build lookup indexes; the Create methods assign the new ID.
type Repository interface {
	ListFacilities(ctx context.Context) ([]*Facility, error)
	ListEmployees(ctx context.Context) ([]*Employee, error)
	ListPatients(ctx context.Context) ([]*Patient, error)
	ListHospitalizations(ctx context.Context) ([]*Hospitalization, error)

	CreateFacility(ctx context.Context, f *Facility) error
	CreateEmployee(ctx context.Context, e *Employee) error
	CreatePatient(ctx context.Context, p *Patient) error
	CreateHospitalization(ctx context.Context, h *Hospitalization) error
	CreateVisit(ctx context.Context, v *Visit) error
}
