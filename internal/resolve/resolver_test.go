package resolve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/roster/internal/domain/assignment"
	"github.com/ehr/roster/internal/domain/clinical"
	"github.com/ehr/roster/internal/platform/db"
)

var resolvedAt = time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *assignment.MemoryStore
	ref      *clinical.MemoryRepo
	resolver *Resolver
	batch    *assignment.Batch

	patientID int64
	hospID    int64
	houseID   int64
	leeID     int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: assignment.NewMemoryStore(), ref: clinical.NewMemoryRepo()}

	require.NoError(t, f.ref.CreateFacility(ctx, &clinical.Facility{ID: 123, Name: "St. Elsewhere", Active: true}))

	p := &clinical.Patient{FacilityID: 123, MRN: "127116", FirstName: "JANE", LastName: "DOE"}
	require.NoError(t, f.ref.CreatePatient(ctx, p))
	f.patientID = p.ID

	h := &clinical.Hospitalization{FacilityID: 123, PatientID: p.ID, CaseID: "55501"}
	require.NoError(t, f.ref.CreateHospitalization(ctx, h))
	f.hospID = h.ID

	house := &clinical.Employee{FirstName: "Gregory", LastName: "House", Title: "MD", IsProvider: true, Active: true}
	require.NoError(t, f.ref.CreateEmployee(ctx, house))
	f.houseID = house.ID

	lee := &clinical.Employee{FirstName: "Kim", LastName: "Lee", Title: "NP", Active: true}
	require.NoError(t, f.ref.CreateEmployee(ctx, lee))
	f.leeID = lee.ID

	for _, title := range []string{"MD", "DO"} {
		require.NoError(t, f.ref.CreateEmployee(ctx, &clinical.Employee{
			FirstName: "John", LastName: "Smith", Title: title, IsProvider: true, Active: true,
		}))
	}

	now := resolvedAt
	f.batch = &assignment.Batch{ID: uuid.New(), FacilityID: 123, ServiceDate: now, Status: assignment.StatusPending}
	require.NoError(t, f.store.CreateBatch(ctx, f.batch))

	tx := db.NewMemoryTxRunner(f.store)
	f.resolver = NewResolver(f.store, f.ref, tx, zerolog.Nop()).WithClock(func() time.Time { return resolvedAt })
	return f
}

func (f *fixture) stage(t *testing.T, rows ...assignment.StagingRecord) {
	t.Helper()
	ctx := context.Background()
	for i := range rows {
		rows[i].BatchID = f.batch.ID
		rows[i].RowNumber = i + 2
		if rows[i].FacilityID == 0 {
			rows[i].FacilityID = 123
		}
	}
	require.NoError(t, f.store.InsertRows(ctx, rows))
	require.NoError(t, f.store.MarkImported(ctx, f.batch.ID, assignment.ImportStats{RowsRead: len(rows), RowsStaged: len(rows)}, resolvedAt))
}

func staged(mrn, hospitalNumber, attending, np string) assignment.StagingRecord {
	return assignment.StagingRecord{
		ProcessedAssignment: assignment.ProcessedAssignment{
			RawRow: assignment.RawRow{
				Name: "Doe, Jane", MRN: mrn, HospitalNumber: hospitalNumber,
				AttendingPhysician: attending, NursePractitioner: np,
			},
		},
		ShouldImport: true,
	}
}

func (f *fixture) rows(t *testing.T) []*assignment.StagingRecord {
	t.Helper()
	rows, err := f.store.ListRows(context.Background(), f.batch.ID)
	require.NoError(t, err)
	return rows
}

func TestResolve_ExistingPatient(t *testing.T) {
	f := newFixture(t)
	f.stage(t, staged("127116", "55501", "Gregory House, MD", "Kim Lee, NP"))

	res, err := f.resolver.Resolve(context.Background(), f.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rows)
	assert.Equal(t, 1, res.Summary.Ready)

	row := f.rows(t)[0]
	require.NotNil(t, row.ResolvedPatientID)
	assert.Equal(t, f.patientID, *row.ResolvedPatientID)
	assert.False(t, row.NeedsNewPatient)
	require.NotNil(t, row.ResolvedHospitalizationID)
	assert.Equal(t, f.hospID, *row.ResolvedHospitalizationID)
	require.NotNil(t, row.ResolvedProviderID)
	assert.Equal(t, f.houseID, *row.ResolvedProviderID)
	require.NotNil(t, row.ResolvedNursePractitionerID)
	assert.Equal(t, f.leeID, *row.ResolvedNursePractitionerID)
	assert.Empty(t, row.ResolutionErrors)
	assert.True(t, row.Ready())
	assert.False(t, row.Imported)

	b, err := f.store.GetBatch(context.Background(), f.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, assignment.StatusResolved, b.Status)
	require.NotNil(t, b.ResolvedAt)
}

func TestResolve_UnknownPatientNeedsNew(t *testing.T) {
	f := newFixture(t)
	f.stage(t, staged("999999", "77777", "", ""))

	_, err := f.resolver.Resolve(context.Background(), f.batch.ID)
	require.NoError(t, err)

	row := f.rows(t)[0]
	assert.True(t, row.NeedsNewPatient)
	assert.Nil(t, row.ResolvedPatientID)
	assert.True(t, row.NeedsNewHospitalization)
	assert.Nil(t, row.ResolvedHospitalizationID)
	assert.False(t, row.NeedsNewProvider, "blank attending is not applicable")
	assert.Nil(t, row.ResolvedProviderID)
	assert.True(t, row.Ready())
}

func TestResolve_ProviderCascade(t *testing.T) {
	f := newFixture(t)
	f.stage(t,
		staged("127116", "55501", "Dr. Gregory House", ""),
		staged("127116", "55501", "GREGORY HOUSE MD", ""),
		staged("127116", "55501", "John Smith, MD", ""),
		staged("127116", "55501", "John Smith", ""),
		staged("127116", "55501", "Allison Cameron", ""),
		staged("127116", "55501", "House, Gregory MD", ""),
		staged("127116", "55501", "Smith, John DO", ""),
	)

	res, err := f.resolver.Resolve(context.Background(), f.batch.ID)
	require.NoError(t, err)
	rows := f.rows(t)

	require.NotNil(t, rows[0].ResolvedProviderID, "leading DR is ignored")
	assert.Equal(t, f.houseID, *rows[0].ResolvedProviderID)
	require.NotNil(t, rows[1].ResolvedProviderID, "space title form")
	assert.Equal(t, f.houseID, *rows[1].ResolvedProviderID)
	require.NotNil(t, rows[2].ResolvedProviderID, "comma title form disambiguates")

	ambiguous := rows[3]
	assert.Nil(t, ambiguous.ResolvedProviderID)
	assert.False(t, ambiguous.NeedsNewProvider, "ambiguous names are never flagged for creation")
	require.Len(t, ambiguous.ResolutionErrors, 1)
	assert.Equal(t, assignment.ErrorAmbiguousMatch, ambiguous.ResolutionErrors[0].Type)
	assert.True(t, ambiguous.Ambiguous())
	assert.False(t, ambiguous.Ready())

	missing := rows[4]
	assert.Nil(t, missing.ResolvedProviderID)
	assert.True(t, missing.NeedsNewProvider)
	assert.True(t, missing.Ready())

	lastFirst := rows[5]
	require.NotNil(t, lastFirst.ResolvedProviderID, "last-comma-first form")
	assert.Equal(t, f.houseID, *lastFirst.ResolvedProviderID)
	assert.False(t, lastFirst.NeedsNewProvider)
	require.NotNil(t, rows[6].ResolvedProviderID, "title picks one of two namesakes")
	assert.NotEqual(t, *rows[2].ResolvedProviderID, *rows[6].ResolvedProviderID)

	assert.Equal(t, 1, res.Summary.Unresolved)
	assert.Equal(t, 6, res.Summary.Ready)
}

func TestResolve_UnknownFacility(t *testing.T) {
	f := newFixture(t)
	row := staged("127116", "55501", "", "")
	row.FacilityID = 999
	f.stage(t, row)

	res, err := f.resolver.Resolve(context.Background(), f.batch.ID)
	require.NoError(t, err)

	got := f.rows(t)[0]
	require.Len(t, got.ResolutionErrors, 1)
	assert.Equal(t, assignment.ErrorUnknownFacility, got.ResolutionErrors[0].Type)
	assert.Nil(t, got.ResolvedPatientID)
	assert.False(t, got.NeedsNewPatient)
	assert.False(t, got.Ready())
	assert.Equal(t, 1, res.Summary.Blocked)
}

func TestResolve_KeepsValidationErrorsSeparate(t *testing.T) {
	f := newFixture(t)
	row := staged("12X", "55501", "John Smith", "")
	row.ShouldImport = false
	row.ValidationErrors = []assignment.ValidationError{{Type: assignment.ErrorNonNumericIdentifier, Message: "MRN must be numeric"}}
	f.stage(t, row)

	_, err := f.resolver.Resolve(context.Background(), f.batch.ID)
	require.NoError(t, err)

	got := f.rows(t)[0]
	require.Len(t, got.ValidationErrors, 1)
	require.Len(t, got.ResolutionErrors, 1)
	errs := got.Errors()
	require.Len(t, errs, 2)
	assert.Equal(t, assignment.ErrorNonNumericIdentifier, errs[0].Type)
	assert.Equal(t, assignment.ErrorAmbiguousMatch, errs[1].Type)
}

func TestResolve_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.stage(t,
		staged("127116", "55501", "Gregory House, MD", "Kim Lee, NP"),
		staged("999999", "77777", "John Smith", "Allison Cameron"),
	)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, f.batch.ID)
	require.NoError(t, err)
	first := f.rows(t)

	_, err = f.resolver.Resolve(ctx, f.batch.ID)
	require.NoError(t, err)
	second := f.rows(t)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, *first[i], *second[i])
		assert.Len(t, second[i].ResolutionErrors, len(first[i].ResolutionErrors), "errors are replaced, not accumulated")
	}
}

func TestResolve_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown batch", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.resolver.Resolve(ctx, uuid.New())
		assert.ErrorIs(t, err, assignment.ErrBatchNotFound)
	})

	t.Run("import not finished", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.resolver.Resolve(ctx, f.batch.ID)
		assert.ErrorIs(t, err, assignment.ErrBatchNotImported)
	})

	t.Run("already processed", func(t *testing.T) {
		f := newFixture(t)
		f.stage(t, staged("127116", "55501", "", ""))
		require.NoError(t, f.store.UpdateStatus(ctx, f.batch.ID, assignment.StatusResolved, resolvedAt))
		require.NoError(t, f.store.UpdateStatus(ctx, f.batch.ID, assignment.StatusProcessed, resolvedAt))
		_, err := f.resolver.Resolve(ctx, f.batch.ID)
		assert.ErrorIs(t, err, assignment.ErrInvalidTransition)
	})
}

func TestResolve_CancelledRollsBack(t *testing.T) {
	f := newFixture(t)
	f.stage(t, staged("127116", "55501", "", ""))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.resolver.Resolve(ctx, f.batch.ID)
	require.ErrorIs(t, err, context.Canceled)

	assert.False(t, f.rows(t)[0].Resolved())
	b, err := f.store.GetBatch(context.Background(), f.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, assignment.StatusPending, b.Status)
}

type countingSource struct {
	Source
	calls map[string]int
	fail  bool
}

func (c *countingSource) ListFacilities(ctx context.Context) ([]*clinical.Facility, error) {
	c.calls["facilities"]++
	return c.Source.ListFacilities(ctx)
}

func (c *countingSource) ListEmployees(ctx context.Context) ([]*clinical.Employee, error) {
	c.calls["employees"]++
	if c.fail {
		return nil, errors.New("employee table unavailable")
	}
	return c.Source.ListEmployees(ctx)
}

func (c *countingSource) ListPatients(ctx context.Context) ([]*clinical.Patient, error) {
	c.calls["patients"]++
	return c.Source.ListPatients(ctx)
}

func (c *countingSource) ListHospitalizations(ctx context.Context) ([]*clinical.Hospitalization, error) {
	c.calls["hospitalizations"]++
	return c.Source.ListHospitalizations(ctx)
}

func TestResolve_ScansEachTableOncePerRun(t *testing.T) {
	f := newFixture(t)
	src := &countingSource{Source: f.ref, calls: map[string]int{}}
	f.resolver.ref = src
	f.stage(t,
		staged("127116", "55501", "Gregory House, MD", "Kim Lee, NP"),
		staged("999999", "77777", "John Smith", ""),
		staged("127116", "55501", "Allison Cameron", "Kim Lee"),
	)
	ctx := context.Background()

	_, err := f.resolver.Resolve(ctx, f.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"facilities": 1, "employees": 1, "patients": 1, "hospitalizations": 1}, src.calls)

	// A later run builds a fresh cache and sees new reference data.
	cameron := &clinical.Employee{FirstName: "Allison", LastName: "Cameron", Title: "MD", IsProvider: true, Active: true}
	require.NoError(t, f.ref.CreateEmployee(ctx, cameron))
	_, err = f.resolver.Resolve(ctx, f.batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls["employees"])

	row := f.rows(t)[2]
	require.NotNil(t, row.ResolvedProviderID)
	assert.Equal(t, cameron.ID, *row.ResolvedProviderID)
	assert.False(t, row.NeedsNewProvider)
}

func TestResolve_SourceErrorAborts(t *testing.T) {
	f := newFixture(t)
	f.resolver.ref = &countingSource{Source: f.ref, calls: map[string]int{}, fail: true}
	f.stage(t, staged("127116", "55501", "Gregory House", ""))

	_, err := f.resolver.Resolve(context.Background(), f.batch.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "employee table unavailable")
	assert.False(t, f.rows(t)[0].Resolved())
}

func TestCache_Views(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.ref.CreateEmployee(ctx, &clinical.Employee{FirstName: "Old", LastName: "Timer", Active: false}))
	c := NewCache(f.ref)

	fac, err := c.Facilities(ctx)
	require.NoError(t, err)
	assert.Contains(t, fac, int64(123))

	emps, err := c.Employees(ctx)
	require.NoError(t, err)
	assert.Len(t, emps, 4, "inactive employees are not indexed")

	idx, err := c.Names(ctx)
	require.NoError(t, err)
	assert.Len(t, idx.Bare["JOHN SMITH"], 2)
	assert.Len(t, idx.Comma["JOHN SMITH, MD"], 1)
	assert.Len(t, idx.Space["GREGORY HOUSE MD"], 1)

	pats, err := c.Patients(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.patientID, pats[PatientKey{MRN: "127116", FacilityID: 123}])

	hosps, err := c.Hospitalizations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []HospitalizationRef{{ID: f.hospID, PatientID: f.patientID}}, hosps[CaseKey{CaseID: "55501", FacilityID: 123}])
}

func TestNameIndex_Lookup(t *testing.T) {
	idx := &NameIndex{
		Bare:  map[string][]int64{"JOHN SMITH": {1, 2}, "ANN LEE": {3}},
		Space: map[string][]int64{"JOHN SMITH MD": {1}},
		Comma: map[string][]int64{"JOHN SMITH, MD": {1}},
	}
	tests := []struct {
		name string
		id   int64
		m    Match
	}{
		{"john smith, md", 1, Unique},
		{"John Smith M.D.", 1, Unique},
		{"John  Smith", 0, Ambiguous},
		{"Dr. Ann Lee", 3, Unique},
		{"Smith, John MD", 1, Unique},
		{"Smith, John", 0, Ambiguous},
		{"Lee, Ann", 3, Unique},
		{"Nobody", 0, NoMatch},
		{"", 0, NoMatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, m := idx.Lookup(tt.name)
			assert.Equal(t, tt.m, m)
			assert.Equal(t, tt.id, id)
		})
	}
}
