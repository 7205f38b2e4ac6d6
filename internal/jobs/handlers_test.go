package jobs

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ehr/roster/internal/domain/assignment"
	"github.com/ehr/roster/internal/domain/clinical"
	"github.com/ehr/roster/internal/ingest"
	"github.com/ehr/roster/internal/ingest/sink"
	"github.com/ehr/roster/internal/platform/blobstore"
	"github.com/ehr/roster/internal/platform/db"
	"github.com/ehr/roster/internal/process"
	"github.com/ehr/roster/internal/resolve"
)

var clock = time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)

var rosterHeader = []any{"Name", "Location", "Hospital Number", "Admit", "MRN", "Age", "DOB",
	"Insurance", "NP", "Cleared", "H&P", "Psych Eval", "Attending"}

func rosterRow(name, mrn string) []any {
	return []any{name, "412-A", "55501", "2024-03-01 08:30:00", mrn, 71, "1952-07-14",
		"Medicare", "Kim Lee, NP", "yes", "x", "", "Dr. Gregory House"}
}

func workbook(t *testing.T, rows ...[]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &rows[i]))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

type env struct {
	store    *assignment.MemoryStore
	ref      *clinical.MemoryRepo
	blobs    *blobstore.InMemoryBlobStore
	handlers *Handlers
	inline   *Inline
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{
		store: assignment.NewMemoryStore(),
		ref:   clinical.NewMemoryRepo(),
		blobs: blobstore.NewInMemoryBlobStore(0),
	}
	require.NoError(t, e.ref.CreateFacility(ctx, &clinical.Facility{ID: 123, Name: "St. Elsewhere", Active: true}))
	p := &clinical.Patient{FacilityID: 123, MRN: "127116", FirstName: "JANE", LastName: "DOE"}
	require.NoError(t, e.ref.CreatePatient(ctx, p))
	require.NoError(t, e.ref.CreateHospitalization(ctx, &clinical.Hospitalization{FacilityID: 123, PatientID: p.ID, CaseID: "55501"}))
	require.NoError(t, e.ref.CreateEmployee(ctx, &clinical.Employee{FirstName: "Gregory", LastName: "House", Title: "MD", IsProvider: true, Active: true}))
	require.NoError(t, e.ref.CreateEmployee(ctx, &clinical.Employee{FirstName: "Kim", LastName: "Lee", Title: "NP", Active: true}))

	log := zerolog.Nop()
	tx := db.NewMemoryTxRunner(e.store, e.ref)
	now := func() time.Time { return clock }
	e.handlers = NewHandlers(Deps{
		Store:     e.store,
		Blobs:     e.blobs,
		Pipeline:  ingest.NewPipeline(ingest.Options{BatchSize: 2, Now: now}, nil, log),
		NewSink:   func() (ingest.Sink, error) { return sink.NewMemory(e.store), nil },
		Resolver:  resolve.NewResolver(e.store, e.ref, tx, log).WithClock(now),
		Processor: process.NewProcessor(e.store, e.ref, tx, log).WithClock(now),
	}, log)
	e.inline = NewInline(e.handlers)
	return e
}

// upload stores content and creates a pending batch pointing at it.
func (e *env) upload(t *testing.T, content []byte) *assignment.Batch {
	t.Helper()
	ctx := context.Background()
	meta, err := e.blobs.Upload(ctx, blobstore.BlobMetadata{FileName: "roster.xlsx"}, bytes.NewReader(content))
	require.NoError(t, err)
	b := &assignment.Batch{
		ID: uuid.New(), FacilityID: 123, ServiceDate: clock.Truncate(24 * time.Hour),
		SourceName: "roster.xlsx", BlobKey: meta.ID,
	}
	require.NoError(t, e.store.CreateBatch(ctx, b))
	return b
}

type recordingScheduler struct {
	calls []string
}

func (s *recordingScheduler) Enqueue(ctx context.Context, taskType string, p Payload) error {
	s.calls = append(s.calls, taskType+" "+p.BatchID.String())
	return nil
}

func TestImport_ChainsResolve(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.upload(t, workbook(t, rosterHeader,
		rosterRow("Doe, Jane", "127116"),
		rosterRow("Roe, Rick", "999999"),
		rosterRow("", "555555"),
	))

	require.NoError(t, e.inline.Enqueue(ctx, TypeImport, Payload{BatchID: b.ID}))

	got, err := e.store.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, assignment.StatusResolved, got.Status)
	assert.True(t, got.Imported())
	assert.Equal(t, 3, got.RowsRead)
	assert.Equal(t, 3, got.RowsStaged)

	rows, err := e.store.ListRows(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.NotNil(t, rows[0].ResolvedPatientID)
	assert.True(t, rows[1].NeedsNewPatient)
	assert.False(t, rows[2].ShouldImport)
	for _, r := range rows {
		assert.False(t, r.Imported, "processing is never chained")
	}
}

func TestImport_StructuralErrorIsPermanent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	next := &recordingScheduler{}
	e.handlers.Then(next)
	b := e.upload(t, workbook(t, []any{"Name", "Location"}, []any{"Doe, Jane", "412-A"}))

	_, err := e.handlers.Import(ctx, Payload{BatchID: b.ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	var missing *ingest.MissingColumnError
	assert.ErrorAs(t, err, &missing)
	assert.Empty(t, next.calls)

	got, err := e.store.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, assignment.StatusPending, got.Status)
	assert.False(t, got.Imported())
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "missing required columns")

	rows, _ := e.store.ListRows(ctx, b.ID)
	assert.Empty(t, rows)
}

func TestImport_MissingBlobIsPermanent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := &assignment.Batch{ID: uuid.New(), FacilityID: 123, ServiceDate: clock, BlobKey: uuid.NewString()}
	require.NoError(t, e.store.CreateBatch(ctx, b))

	_, err := e.handlers.Import(ctx, Payload{BatchID: b.ID})
	assert.ErrorIs(t, err, blobstore.ErrBlobNotFound)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestImport_UnknownBatchIsPermanent(t *testing.T) {
	e := newEnv(t)
	_, err := e.handlers.Import(context.Background(), Payload{BatchID: uuid.New()})
	assert.ErrorIs(t, err, assignment.ErrBatchNotFound)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestImport_RetryClearsEarlierAttempt(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	next := &recordingScheduler{}
	e.handlers.Then(next)
	b := e.upload(t, workbook(t, rosterHeader, rosterRow("Doe, Jane", "127116"), rosterRow("Roe, Rick", "999999")))

	// Rows from an attempt that died before MarkImported.
	require.NoError(t, e.store.InsertRows(ctx, []assignment.StagingRecord{
		{ProcessedAssignment: assignment.ProcessedAssignment{BatchID: b.ID, RowNumber: 2}},
	}))

	res, err := e.handlers.Import(ctx, Payload{BatchID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsStaged)

	rows, err := e.store.ListRows(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, []string{TypeResolve + " " + b.ID.String()}, next.calls)
}

func TestImport_AlreadyImportedOnlyReissuesResolve(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	next := &recordingScheduler{}
	e.handlers.Then(next)
	b := e.upload(t, workbook(t, rosterHeader, rosterRow("Doe, Jane", "127116")))

	_, err := e.handlers.Import(ctx, Payload{BatchID: b.ID})
	require.NoError(t, err)
	res, err := e.handlers.Import(ctx, Payload{BatchID: b.ID})
	require.NoError(t, err)
	assert.Nil(t, res)

	rows, _ := e.store.ListRows(ctx, b.ID)
	assert.Len(t, rows, 1)
	assert.Len(t, next.calls, 2)
}

func TestResolve_BeforeImportIsPermanent(t *testing.T) {
	e := newEnv(t)
	b := e.upload(t, workbook(t, rosterHeader, rosterRow("Doe, Jane", "127116")))

	_, err := e.handlers.Resolve(context.Background(), Payload{BatchID: b.ID})
	assert.ErrorIs(t, err, assignment.ErrBatchNotImported)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestProcess_AfterChain(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.upload(t, workbook(t, rosterHeader, rosterRow("Doe, Jane", "127116"), rosterRow("Roe, Rick", "999999")))
	require.NoError(t, e.inline.Enqueue(ctx, TypeImport, Payload{BatchID: b.ID}))

	res, err := e.handlers.Process(ctx, Payload{BatchID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.CreatedPatients)
	assert.Len(t, e.ref.Visits(), 2)

	again, err := e.handlers.Process(ctx, Payload{BatchID: b.ID})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Processed)
	assert.Len(t, e.ref.Visits(), 2)
}

func TestProcess_PendingBatchIsPermanent(t *testing.T) {
	e := newEnv(t)
	b := e.upload(t, workbook(t, rosterHeader, rosterRow("Doe, Jane", "127116")))

	_, err := e.handlers.Process(context.Background(), Payload{BatchID: b.ID})
	assert.ErrorIs(t, err, assignment.ErrBatchNotResolved)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRegister_BadPayloadIsPermanent(t *testing.T) {
	e := newEnv(t)
	mux := asynq.NewServeMux()
	e.handlers.Register(mux)

	err := mux.ProcessTask(context.Background(), asynq.NewTask(TypeImport, []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRegister_RoutesToHandler(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.handlers.Then(&recordingScheduler{})
	mux := asynq.NewServeMux()
	e.handlers.Register(mux)
	b := e.upload(t, workbook(t, rosterHeader, rosterRow("Doe, Jane", "127116")))

	task, err := NewTask(TypeImport, Payload{BatchID: b.ID}, "roster")
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(ctx, task))

	got, err := e.store.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Imported())
}

func TestNewTask(t *testing.T) {
	id := uuid.New()
	task, err := NewTask(TypeResolve, Payload{BatchID: id, JobID: "job-1"}, "roster")
	require.NoError(t, err)
	assert.Equal(t, TypeResolve, task.Type())
	assert.JSONEq(t, `{"batch_id":"`+id.String()+`","job_id":"job-1"}`, string(task.Payload()))

	_, err = NewTask("roster:unknown", Payload{BatchID: id}, "")
	assert.Error(t, err)
}

func TestPayload_JobIDDefaultsToBatch(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, id.String(), Payload{BatchID: id}.jobID())
	assert.Equal(t, "custom", Payload{BatchID: id, JobID: "custom"}.jobID())
}

var _ assignment.Orchestrator = (*Orchestrator)(nil)

func TestOrchestrator_ProcessConvertsResult(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.upload(t, workbook(t, rosterHeader, rosterRow("Roe, Rick", "999999")))
	require.NoError(t, e.inline.Enqueue(ctx, TypeImport, Payload{BatchID: b.ID}))

	o := NewOrchestrator(e.inline, e.handlers)
	out, err := o.Process(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, out.BatchID)
	assert.Equal(t, 1, out.Processed)
	assert.Equal(t, 1, out.CreatedPatients)
}

func TestOrchestrator_StartImportUsesScheduler(t *testing.T) {
	next := &recordingScheduler{}
	o := NewOrchestrator(next, nil)
	id := uuid.New()

	require.NoError(t, o.StartImport(context.Background(), id))
	require.NoError(t, o.ScheduleProcess(context.Background(), id))
	assert.Equal(t, []string{TypeImport + " " + id.String(), TypeProcess + " " + id.String()}, next.calls)
}
