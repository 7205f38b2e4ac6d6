package clinical

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is a Repository held in process memory. It backs the dry-run
// CLI path and tests.
type MemoryRepo struct {
	mu               sync.Mutex
	nextID           int64
	facilities       []Facility
	employees        []Employee
	patients         []Patient
	hospitalizations []Hospitalization
	visits           []Visit
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{}
}

func (m *MemoryRepo) id() int64 {
	m.nextID++
	return m.nextID
}

// Checkpoint snapshots every table; the returned func restores the snapshot.
func (m *MemoryRepo) Checkpoint() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.nextID
	f := append([]Facility(nil), m.facilities...)
	e := append([]Employee(nil), m.employees...)
	p := append([]Patient(nil), m.patients...)
	h := append([]Hospitalization(nil), m.hospitalizations...)
	v := append([]Visit(nil), m.visits...)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.nextID, m.facilities, m.employees, m.patients, m.hospitalizations, m.visits = next, f, e, p, h, v
	}
}

func (m *MemoryRepo) ListFacilities(ctx context.Context) ([]*Facility, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Facility, 0, len(m.facilities))
	for i := range m.facilities {
		f := m.facilities[i]
		out = append(out, &f)
	}
	return out, nil
}

func (m *MemoryRepo) ListEmployees(ctx context.Context) ([]*Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Employee, 0, len(m.employees))
	for i := range m.employees {
		e := m.employees[i]
		out = append(out, &e)
	}
	return out, nil
}

func (m *MemoryRepo) ListPatients(ctx context.Context) ([]*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Patient, 0, len(m.patients))
	for i := range m.patients {
		p := m.patients[i]
		out = append(out, &p)
	}
	return out, nil
}

func (m *MemoryRepo) ListHospitalizations(ctx context.Context) ([]*Hospitalization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Hospitalization, 0, len(m.hospitalizations))
	for i := range m.hospitalizations {
		h := m.hospitalizations[i]
		out = append(out, &h)
	}
	return out, nil
}

// Visits returns a copy of every committed visit.
func (m *MemoryRepo) Visits() []Visit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Visit(nil), m.visits...)
}

func (m *MemoryRepo) CreateFacility(ctx context.Context, f *Facility) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == 0 {
		f.ID = m.id()
	} else if f.ID > m.nextID {
		m.nextID = f.ID
	}
	f.CreatedAt = time.Now().UTC()
	m.facilities = append(m.facilities, *f)
	return nil
}

func (m *MemoryRepo) CreateEmployee(ctx context.Context, e *Employee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.id()
	e.CreatedAt = time.Now().UTC()
	m.employees = append(m.employees, *e)
	return nil
}

func (m *MemoryRepo) CreatePatient(ctx context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id()
	p.CreatedAt = time.Now().UTC()
	m.patients = append(m.patients, *p)
	return nil
}

func (m *MemoryRepo) CreateHospitalization(ctx context.Context, h *Hospitalization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h.ID = m.id()
	h.CreatedAt = time.Now().UTC()
	m.hospitalizations = append(m.hospitalizations, *h)
	return nil
}

func (m *MemoryRepo) CreateVisit(ctx context.Context, v *Visit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.visits {
		if existing.StagingID == v.StagingID {
			return ErrDuplicateVisit
		}
	}
	v.ID = m.id()
	v.CreatedAt = time.Now().UTC()
	m.visits = append(m.visits, *v)
	return nil
}
