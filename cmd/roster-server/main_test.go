package main

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/ehr/roster/internal/config"
	"github.com/ehr/roster/internal/domain/assignment"
	"github.com/ehr/roster/internal/domain/clinical"
	"github.com/ehr/roster/internal/ingest"
	"github.com/ehr/roster/internal/ingest/sink"
	"github.com/ehr/roster/internal/jobs"
	"github.com/ehr/roster/internal/platform/blobstore"
	"github.com/ehr/roster/internal/platform/db"
	"github.com/ehr/roster/internal/platform/middleware"
	"github.com/ehr/roster/internal/platform/websocket"
	"github.com/ehr/roster/internal/process"
	"github.com/ehr/roster/internal/progress"
	"github.com/ehr/roster/internal/resolve"
)

func rosterWorkbook(t *testing.T) []byte {
	t.Helper()
	rows := [][]any{
		{"Name", "Location", "Hospital Number", "Admit", "MRN", "Age", "DOB",
			"Insurance", "NP", "Cleared", "H&P", "Psych Eval", "Attending"},
		{"DOE, JANE", "412-A", "55501", "2024-03-01 08:30:00", "127116", 71, "1952-07-14",
			"Medicare", "Kim Lee, NP", "yes", "x", "", "Dr. Gregory House"},
		{"ROE, RICHARD", "413-B", "55502", "2024-03-01 09:00:00", "127117", 64, "1959-11-02",
			"Medicaid", "", "", "", "", "Dr. Gregory House"},
	}
	f := excelize.NewFile()
	defer f.Close()
	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow("Sheet1", cell, &rows[i]); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}
	return buf.Bytes()
}

// testRouter wires the router over in-memory stores with the job chain
// running inline.
func testRouter(t *testing.T) (*assignment.MemoryStore, *echo.Echo) {
	t.Helper()
	ctx := context.Background()
	store := assignment.NewMemoryStore()
	ref := clinical.NewMemoryRepo()
	if err := ref.CreateFacility(ctx, &clinical.Facility{ID: 123, Name: "St. Elsewhere", Active: true}); err != nil {
		t.Fatalf("create facility: %v", err)
	}
	blobs := blobstore.NewInMemoryBlobStore(0)
	log := zerolog.Nop()
	tx := db.NewMemoryTxRunner(store, ref)

	h := jobs.NewHandlers(jobs.Deps{
		Store:     store,
		Blobs:     blobs,
		Pipeline:  ingest.NewPipeline(ingest.Options{BatchSize: 10}, nil, log),
		NewSink:   func() (ingest.Sink, error) { return sink.NewMemory(store), nil },
		Resolver:  resolve.NewResolver(store, ref, tx, log),
		Processor: process.NewProcessor(store, ref, tx, log),
	}, log)
	inline := jobs.NewInline(h)
	svc := assignment.NewService(store, blobs, jobs.NewOrchestrator(inline, h), log)

	return store, buildRouter(routerDeps{
		Service:       svc,
		Hub:           websocket.NewHub(log),
		CORSOrigins:   []string{"http://localhost:3000"},
		UploadMaxSize: blobstore.DefaultMaxFileSize,
		Logger:        log,
	})
}

func TestRouter_Health(t *testing.T) {
	_, e := testRouter(t)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["version"] != version {
		t.Errorf("unexpected body %v", body)
	}
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected a request id header")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("expected security headers, got %v", rec.Header())
	}
}

func TestRouter_NoDBHealthWithoutPool(t *testing.T) {
	_, e := testRouter(t)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/db", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestRouter_UploadRunsChain(t *testing.T) {
	store, e := testRouter(t)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fw, err := w.CreateFormFile("file", "roster.xlsx")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	fw.Write(rosterWorkbook(t))
	w.WriteField("facility_id", "123")
	w.WriteField("service_date", "2024-03-02")
	w.Close()

	req := httptest.NewRequest(http.MethodPost, uploadPath, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Batch struct {
			ID string `json:"id"`
		} `json:"batch"`
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, uploadPath+"/"+resp.Batch.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var view struct {
		Status    assignment.BatchStatus `json:"status"`
		TotalRows int                    `json:"total_rows"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != assignment.StatusResolved {
		t.Errorf("expected resolved, got %s", view.Status)
	}
	if view.TotalRows != 2 {
		t.Errorf("expected 2 staged rows, got %d", view.TotalRows)
	}

	batches, total, err := store.ListBatches(context.Background(), 10, 0)
	if err != nil || total != 1 || len(batches) != 1 {
		t.Fatalf("expected one batch, got %d (%v)", total, err)
	}
}

func TestRouter_Routes(t *testing.T) {
	_, e := testRouter(t)
	want := map[string]bool{
		"GET /ws":                          false,
		"POST /api/v1/batches":             false,
		"GET /api/v1/batches":              false,
		"GET /api/v1/batches/:id":          false,
		"POST /api/v1/batches/:id/import":  false,
		"POST /api/v1/batches/:id/process": false,
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Errorf("route %s not registered", k)
		}
	}
}

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.log")
	cfg := &config.Config{Env: "production", LogLevel: "warn", LogFile: path, LogMaxSizeMB: 1}

	var stdout bytes.Buffer
	logger, closer, err := newLogger(cfg, &stdout)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info().Msg("hidden")
	logger.Warn().Msg("visible")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if strings.Contains(stdout.String(), "hidden") || !strings.Contains(stdout.String(), "visible") {
		t.Errorf("unexpected stdout %q", stdout.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"message":"visible"`) {
		t.Errorf("log file missing entry: %q", data)
	}
}

func TestNewLogger_Levels(t *testing.T) {
	logger, _, err := newLogger(&config.Config{Env: "production"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Errorf("expected info by default, got %s", logger.GetLevel())
	}
	if _, _, err := newLogger(&config.Config{LogLevel: "loud"}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestImportFlags_ImportContext(t *testing.T) {
	ic, err := importFlags{facility: 123, date: "2024-03-02"}.importContext()
	if err != nil {
		t.Fatalf("importContext: %v", err)
	}
	if ic.FacilityID != 123 || !ic.ServiceDate.Equal(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected context %+v", ic)
	}
	if ic.BatchID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("expected a generated batch id")
	}

	id := "5f0c6a5e-4a59-4d4e-9a3f-6f1a2b3c4d5e"
	ic, err = importFlags{facility: 1, date: "2024-03-02", batch: id}.importContext()
	if err != nil || ic.BatchID.String() != id {
		t.Errorf("expected batch %s, got %s (%v)", id, ic.BatchID, err)
	}

	bad := []importFlags{
		{facility: 0, date: "2024-03-02"},
		{facility: 1, date: "03/02/2024"},
		{facility: 1, date: "2024-03-02", batch: "not-a-uuid"},
	}
	for _, f := range bad {
		if _, err := f.importContext(); err == nil {
			t.Errorf("expected error for %+v", f)
		}
	}
}

func TestDryRun_CSV(t *testing.T) {
	dir := t.TempDir()
	f := importFlags{facility: 123, date: "2024-03-02", sink: "csv", outDir: dir}
	ic, err := f.importContext()
	if err != nil {
		t.Fatalf("importContext: %v", err)
	}
	p := ingest.NewPipeline(f.pipelineOptions(&config.Config{ImportBatchSize: 1}), nil, zerolog.Nop())

	var out bytes.Buffer
	if err := dryRun(context.Background(), &out, f, ic, bytes.NewReader(rosterWorkbook(t)), p); err != nil {
		t.Fatalf("dryRun: %v", err)
	}

	var got dryRunOutput
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Result.RowsRead != 2 || got.Result.RowsRead != got.Result.RowsMapped+got.Result.RowsSkipped {
		t.Errorf("unexpected result %+v", got.Result)
	}
	if len(got.Files) != 1 {
		t.Fatalf("expected one csv file, got %v", got.Files)
	}
	if _, err := os.Stat(got.Files[0]); err != nil {
		t.Errorf("csv file missing: %v", err)
	}
}

func TestDryRun_UnknownSink(t *testing.T) {
	f := importFlags{facility: 1, date: "2024-03-02", sink: "kafka"}
	ic, _ := f.importContext()
	p := ingest.NewPipeline(ingest.Options{}, nil, zerolog.Nop())
	if err := dryRun(context.Background(), &bytes.Buffer{}, f, ic, bytes.NewReader(nil), p); err == nil {
		t.Error("expected error for unknown sink")
	}
}

func TestLogProgress(t *testing.T) {
	var buf bytes.Buffer
	p := logProgress{log: zerolog.New(&buf).Level(zerolog.InfoLevel)}

	p.Report(progress.NewEvent("job-1", progress.StageReading, 10, 0, "reading sheet Sheet1"))
	if buf.Len() != 0 {
		t.Errorf("expected intermediate stages at debug, got %q", buf.String())
	}
	p.Report(progress.NewEvent("job-1", progress.StageCompleted, 10, 10, "done"))
	if !strings.Contains(buf.String(), `"stage":"completed"`) || !strings.Contains(buf.String(), `"level":"info"`) {
		t.Errorf("unexpected output %q", buf.String())
	}
	buf.Reset()
	p.Report(progress.NewEvent("job-1", progress.StageFailed, 10, 3, "boom"))
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Errorf("expected error level, got %q", buf.String())
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "001_roster.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_staging.sql"},
	})
	out := buf.String()
	if !strings.Contains(out, "applied    2024-03-01 12:00:00") {
		t.Errorf("missing applied row: %q", out)
	}
	if !strings.Contains(out, "002_staging.sql") || !strings.Contains(out, "pending") {
		t.Errorf("missing pending row: %q", out)
	}
}
