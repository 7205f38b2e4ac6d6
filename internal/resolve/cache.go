// Package resolve matches staged rows to reference data: patients by MRN,
// clinicians by name and hospitalizations by case number.
package resolve

import (
	"context"
	"strings"
	"sync"

	"github.com/ehr/roster/internal/domain/clinical"
	"github.com/ehr/roster/internal/names"
)

// Source is the read side of the reference store. Each method is a full
// table scan.
type Source interface {
	ListFacilities(ctx context.Context) ([]*clinical.Facility, error)
	ListEmployees(ctx context.Context) ([]*clinical.Employee, error)
	ListPatients(ctx context.Context) ([]*clinical.Patient, error)
	ListHospitalizations(ctx context.Context) ([]*clinical.Hospitalization, error)
}

// EmployeeInfo is the cached projection of an employee.
type EmployeeInfo struct {
	FirstName  string
	LastName   string
	Title      string
	IsProvider bool
}

// NameIndex maps a normalized name to every employee id carrying it. The
// three maps are keyed by "FIRST LAST", "FIRST LAST TITLE" and
// "FIRST LAST, TITLE".
type NameIndex struct {
	Bare  map[string][]int64
	Space map[string][]int64
	Comma map[string][]int64
}

// PatientKey identifies a patient within a facility.
type PatientKey struct {
	MRN        string
	FacilityID int64
}

// CaseKey identifies a hospitalization within a facility.
type CaseKey struct {
	CaseID     string
	FacilityID int64
}

// HospitalizationRef is a cached hospitalization.
type HospitalizationRef struct {
	ID        int64
	PatientID int64
}

type view[T any] struct {
	once sync.Once
	val  T
	err  error
}

func (v *view[T]) get(ctx context.Context, load func(context.Context) (T, error)) (T, error) {
	v.once.Do(func() { v.val, v.err = load(ctx) })
	return v.val, v.err
}

// Cache memoizes lookup views over a Source. Each view is built on first
// use by one scan and never refreshed; build a new Cache to see new data.
type Cache struct {
	src Source

	facilities       view[map[int64]struct{}]
	employees        view[map[int64]EmployeeInfo]
	nameIndex        view[*NameIndex]
	patients         view[map[PatientKey]int64]
	hospitalizations view[map[CaseKey][]HospitalizationRef]
}

func NewCache(src Source) *Cache {
	return &Cache{src: src}
}

// Facilities returns the set of active facility ids.
func (c *Cache) Facilities(ctx context.Context) (map[int64]struct{}, error) {
	return c.facilities.get(ctx, func(ctx context.Context) (map[int64]struct{}, error) {
		list, err := c.src.ListFacilities(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[int64]struct{}, len(list))
		for _, f := range list {
			if f.Active {
				out[f.ID] = struct{}{}
			}
		}
		return out, nil
	})
}

// Employees returns every active employee by id.
func (c *Cache) Employees(ctx context.Context) (map[int64]EmployeeInfo, error) {
	return c.employees.get(ctx, func(ctx context.Context) (map[int64]EmployeeInfo, error) {
		list, err := c.src.ListEmployees(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[int64]EmployeeInfo, len(list))
		for _, e := range list {
			if !e.Active {
				continue
			}
			out[e.ID] = EmployeeInfo{FirstName: e.FirstName, LastName: e.LastName, Title: e.Title, IsProvider: e.IsProvider}
		}
		return out, nil
	})
}

// Names returns the name indexes, derived from the Employees view.
func (c *Cache) Names(ctx context.Context) (*NameIndex, error) {
	return c.nameIndex.get(ctx, func(ctx context.Context) (*NameIndex, error) {
		emps, err := c.Employees(ctx)
		if err != nil {
			return nil, err
		}
		idx := &NameIndex{
			Bare:  make(map[string][]int64),
			Space: make(map[string][]int64),
			Comma: make(map[string][]int64),
		}
		for id, e := range emps {
			idx.Bare[names.Key(e.FirstName, e.LastName)] = append(idx.Bare[names.Key(e.FirstName, e.LastName)], id)
			if strings.TrimSpace(e.Title) == "" {
				continue
			}
			sk := names.KeyWithTitle(e.FirstName, e.LastName, e.Title)
			ck := names.KeyWithCommaTitle(e.FirstName, e.LastName, e.Title)
			idx.Space[sk] = append(idx.Space[sk], id)
			idx.Comma[ck] = append(idx.Comma[ck], id)
		}
		return idx, nil
	})
}

// Patients returns patient ids keyed by (MRN, facility).
func (c *Cache) Patients(ctx context.Context) (map[PatientKey]int64, error) {
	return c.patients.get(ctx, func(ctx context.Context) (map[PatientKey]int64, error) {
		list, err := c.src.ListPatients(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[PatientKey]int64, len(list))
		for _, p := range list {
			out[PatientKey{MRN: strings.TrimSpace(p.MRN), FacilityID: p.FacilityID}] = p.ID
		}
		return out, nil
	})
}

// Hospitalizations returns hospitalizations keyed by (case id, facility) in
// source order.
func (c *Cache) Hospitalizations(ctx context.Context) (map[CaseKey][]HospitalizationRef, error) {
	return c.hospitalizations.get(ctx, func(ctx context.Context) (map[CaseKey][]HospitalizationRef, error) {
		list, err := c.src.ListHospitalizations(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[CaseKey][]HospitalizationRef, len(list))
		for _, h := range list {
			k := CaseKey{CaseID: strings.TrimSpace(h.CaseID), FacilityID: h.FacilityID}
			out[k] = append(out[k], HospitalizationRef{ID: h.ID, PatientID: h.PatientID})
		}
		return out, nil
	})
}
