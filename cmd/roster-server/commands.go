package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/roster/internal/config"
	"github.com/ehr/roster/internal/domain/assignment"
	"github.com/ehr/roster/internal/ingest"
	"github.com/ehr/roster/internal/ingest/sink"
	"github.com/ehr/roster/internal/jobs"
	"github.com/ehr/roster/internal/platform/db"
	"github.com/ehr/roster/internal/progress"
	"github.com/ehr/roster/migrations"
)

const dateLayout = "2006-01-02"

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR, else the embedded set)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR, else the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	var fsys fs.FS = migrations.FS
	if dir != "" {
		fsys = os.DirFS(dir)
	}

	ctx := cmd.Context()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, fsys))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

type importFlags struct {
	file       string
	facility   int64
	date       string
	batch      string
	sheet      string
	sheetIndex int
	sink       string
	outDir     string
	failFast   bool
	process    bool
}

func importCmd() *cobra.Command {
	var f importFlags
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a roster workbook from disk",
		Long: `Import stages a roster workbook without going through the queue.

With --sink bulk (the default) the batch is staged, resolved and optionally
committed against the database. The csv, parquet and memory sinks are dry
runs: rows are mapped and validated and written to --out-dir, but no batch
is recorded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.file, "file", "", "roster workbook (.xlsx)")
	fl.Int64Var(&f.facility, "facility", 0, "facility id the roster belongs to")
	fl.StringVar(&f.date, "date", "", "service date, YYYY-MM-DD")
	fl.StringVar(&f.batch, "batch", "", "batch id (generated when empty)")
	fl.StringVar(&f.sheet, "sheet", "", "worksheet name")
	fl.IntVar(&f.sheetIndex, "sheet-index", 0, "zero-based worksheet index, used when --sheet is empty")
	fl.StringVar(&f.sink, "sink", "", "bulk, csv, parquet or memory (default SINK_KIND)")
	fl.StringVar(&f.outDir, "out-dir", "", "output directory for csv and parquet (default SINK_OUTPUT_DIR)")
	fl.BoolVar(&f.failFast, "fail-fast", false, "stop at the first row with a validation error")
	fl.BoolVar(&f.process, "process", false, "commit the batch after resolution (bulk only)")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("facility")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

// importContext validates the flags that identify the batch.
func (f importFlags) importContext() (ingest.ImportContext, error) {
	ic := ingest.ImportContext{FacilityID: f.facility}
	if f.facility <= 0 {
		return ic, fmt.Errorf("--facility must be positive")
	}
	date, err := time.Parse(dateLayout, f.date)
	if err != nil {
		return ic, fmt.Errorf("--date must be YYYY-MM-DD: %w", err)
	}
	ic.ServiceDate = date
	ic.BatchID = uuid.New()
	if f.batch != "" {
		if ic.BatchID, err = uuid.Parse(f.batch); err != nil {
			return ic, fmt.Errorf("--batch: %w", err)
		}
	}
	return ic, nil
}

func (f importFlags) pipelineOptions(cfg *config.Config) ingest.Options {
	return ingest.Options{
		BatchSize: cfg.ImportBatchSize,
		FailFast:  f.failFast,
		Sheet:     ingest.SheetSelector{Name: f.sheet, Index: f.sheetIndex},
	}
}

func runImport(cmd *cobra.Command, f importFlags) error {
	cfg, logger, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	ic, err := f.importContext()
	if err != nil {
		return err
	}
	if f.sink == "" {
		f.sink = cfg.SinkKind
	}
	if f.outDir == "" {
		f.outDir = cfg.SinkOutputDir
	}

	file, err := os.Open(f.file)
	if err != nil {
		return err
	}
	defer file.Close()

	ctx, stop := signalContext()
	defer stop()

	pub := logProgress{log: logger}
	if sink.Kind(f.sink) != sink.KindBulk {
		return dryRun(ctx, cmd.OutOrStdout(), f, ic, file, ingest.NewPipeline(f.pipelineOptions(cfg), pub, logger))
	}

	a, err := newApp(ctx, cfg, logger, pub, f.pipelineOptions(cfg))
	if err != nil {
		return err
	}
	defer a.Close()

	svc := inlineService(a, logger)
	batch, err := svc.UploadAndImport(ctx, assignment.UploadRequest{
		BatchID:     ic.BatchID,
		FacilityID:  ic.FacilityID,
		ServiceDate: ic.ServiceDate,
		FileName:    filepath.Base(f.file),
		CreatedBy:   "cli",
		Content:     file,
	})
	if err != nil {
		return err
	}

	view, err := svc.GetBatch(ctx, batch.ID, 1, 0)
	if err != nil {
		return err
	}
	out := map[string]any{"batch": view.Batch, "summary": view.Summary}
	if f.process {
		res, err := svc.TriggerProcessing(ctx, batch.ID)
		if err != nil {
			return err
		}
		out["process"] = res
	}
	return printJSON(cmd.OutOrStdout(), out)
}

type dryRunOutput struct {
	BatchID uuid.UUID            `json:"batch_id"`
	Sink    string               `json:"sink"`
	Result  *ingest.ImportResult `json:"result"`
	Files   []string             `json:"files,omitempty"`
}

// dryRun maps and validates the workbook into a file or memory sink. It
// never touches the database.
func dryRun(ctx context.Context, w io.Writer, f importFlags, ic ingest.ImportContext, src io.Reader, p *ingest.Pipeline) error {
	sk, err := sink.New(sink.Config{Kind: sink.Kind(f.sink), OutputDir: f.outDir})
	if err != nil {
		return err
	}
	res, err := p.Run(ctx, ic.BatchID.String(), src, ic, sk)
	if err != nil {
		return err
	}

	out := dryRunOutput{BatchID: ic.BatchID, Sink: f.sink, Result: res}
	switch s := sk.(type) {
	case *sink.CSV:
		if s.Path() != "" {
			out.Files = []string{s.Path()}
		}
	case *sink.Parquet:
		out.Files = s.Paths()
	}
	return printJSON(w, out)
}

func processCmd() *cobra.Command {
	var batch string
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Commit a resolved batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(batch)
			if err != nil {
				return fmt.Errorf("--batch: %w", err)
			}
			cfg, logger, closer, err := loadConfig()
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, cfg, logger, progress.Nop{}, ingest.Options{BatchSize: cfg.ImportBatchSize})
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := inlineService(a, logger).TriggerProcessing(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&batch, "batch", "", "batch id")
	_ = cmd.MarkFlagRequired("batch")
	return cmd
}

// inlineService runs the job chain in the calling goroutine.
func inlineService(a *app, logger zerolog.Logger) *assignment.Service {
	sched := jobs.NewInline(a.handlers)
	return assignment.NewService(a.store, a.blobs, jobs.NewOrchestrator(sched, a.handlers), logger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// logProgress reports pipeline progress to the log for CLI runs.
type logProgress struct {
	log zerolog.Logger
}

func (p logProgress) Report(ev progress.Event) {
	level := zerolog.DebugLevel
	switch ev.Stage {
	case progress.StageCompleted:
		level = zerolog.InfoLevel
	case progress.StageFailed:
		level = zerolog.ErrorLevel
	}
	p.log.WithLevel(level).
		Str("job_id", ev.JobID).
		Str("stage", string(ev.Stage)).
		Int("processed", ev.ProcessedItems).
		Int("total", ev.TotalItems).
		Float64("percent", ev.PercentComplete).
		Msg(ev.CurrentOperation)
}
