package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/roster/internal/domain/assignment"
	"github.com/ehr/roster/internal/progress"
)

// DefaultBatchSize is the number of rows handed to a Sink per WriteBatch.
const DefaultBatchSize = 1000

// Sink receives staged rows. For one run the pipeline calls Initialize once,
// WriteBatch zero or more times in sequence, then Finalize once. Rows passed
// to WriteBatch must be durable when it returns.
type Sink interface {
	Initialize(ctx context.Context) error
	WriteBatch(ctx context.Context, batchID uuid.UUID, rows []assignment.StagingRecord) error
	Finalize(ctx context.Context) error
}

// Options configures a Pipeline. Zero values fall back to defaults.
type Options struct {
	BatchSize  int
	FailFast   bool
	Sheet      SheetSelector
	Mapping    Mapping
	Validators Chain
	Now        Clock
}

// ImportResult counts what happened to the rows of one run.
// RowsRead == RowsMapped + RowsSkipped always holds.
type ImportResult struct {
	RowsRead       int               `json:"rows_read"`
	RowsMapped     int               `json:"rows_mapped"`
	RowsSkipped    int               `json:"rows_skipped"`
	RowsStaged     int               `json:"rows_staged"`
	RowsWithErrors int               `json:"rows_with_errors"`
	Skipped        []RowMappingError `json:"skipped,omitempty"`
}

// Stats returns the counters persisted on the batch.
func (r *ImportResult) Stats() assignment.ImportStats {
	return assignment.ImportStats{RowsRead: r.RowsRead, RowsStaged: r.RowsStaged, RowsSkipped: r.RowsSkipped}
}

// Pipeline reads a roster spreadsheet and stages every mappable row.
type Pipeline struct {
	opts     Options
	progress progress.Publisher
	log      zerolog.Logger
}

// NewPipeline applies the package defaults to any unset option. A nil
// publisher discards progress.
func NewPipeline(opts Options, pub progress.Publisher, logger zerolog.Logger) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Mapping == nil {
		opts.Mapping = DefaultMapping()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Validators == nil {
		opts.Validators = DefaultChain(opts.Now)
	}
	if pub == nil {
		pub = progress.Nop{}
	}
	return &Pipeline{opts: opts, progress: pub, log: logger.With().Str("component", "ingest").Logger()}
}

// Run stages the rows of src through sink. Structural problems with the
// sheet abort before the sink is initialized, so nothing is staged. After
// that, rows that fail to map are skipped and rows that fail validation are
// staged with ShouldImport false. On cancellation the rows already written
// stay written.
func (p *Pipeline) Run(ctx context.Context, jobID string, src io.Reader, ic ImportContext, sink Sink) (*ImportResult, error) {
	log := p.log.With().Str("job_id", jobID).Str("batch_id", ic.BatchID.String()).Logger()
	p.progress.Report(progress.NewEvent(jobID, progress.StageInitializing, 0, 0, "opening workbook"))

	res, err := p.run(ctx, jobID, src, ic, sink, log)
	if err != nil {
		ev := progress.NewEvent(jobID, progress.StageFailed, res.RowsRead, res.RowsRead, err.Error())
		p.progress.Report(ev)
		log.Error().Err(err).Int("rows_read", res.RowsRead).Int("rows_staged", res.RowsStaged).Msg("import failed")
		return res, err
	}

	ev := progress.NewEvent(jobID, progress.StageCompleted, res.RowsRead, res.RowsRead, "")
	ev.AdditionalData = map[string]any{
		"rows_staged":      res.RowsStaged,
		"rows_skipped":     res.RowsSkipped,
		"rows_with_errors": res.RowsWithErrors,
	}
	p.progress.Report(ev)
	log.Info().
		Int("rows_read", res.RowsRead).
		Int("rows_staged", res.RowsStaged).
		Int("rows_skipped", res.RowsSkipped).
		Int("rows_with_errors", res.RowsWithErrors).
		Msg("import completed")
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, jobID string, src io.Reader, ic ImportContext, sink Sink, log zerolog.Logger) (_ *ImportResult, err error) {
	res := &ImportResult{}

	rd, err := Open(src, p.opts.Sheet)
	if err != nil {
		return res, err
	}
	defer rd.Close()

	binding, err := p.opts.Mapping.Bind(rd.Header())
	if err != nil {
		return res, err
	}

	total := rd.EstimatedRows()
	p.progress.Report(progress.NewEvent(jobID, progress.StageReading, total, 0, "reading sheet "+rd.Sheet()))

	if err := sink.Initialize(ctx); err != nil {
		return res, fmt.Errorf("initialize sink: %w", err)
	}
	defer func() {
		// Finalize runs even when the run was cancelled so the sink can
		// release what it holds.
		if ferr := sink.Finalize(context.WithoutCancel(ctx)); ferr != nil {
			err = errors.Join(err, fmt.Errorf("finalize sink: %w", ferr))
		}
	}()

	buf := make([]assignment.StagingRecord, 0, p.opts.BatchSize)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := sink.WriteBatch(ctx, ic.BatchID, buf); err != nil {
			return fmt.Errorf("write batch at row %d: %w", buf[len(buf)-1].RowNumber, err)
		}
		res.RowsStaged += len(buf)
		buf = buf[:0]
		p.progress.Report(progress.NewEvent(jobID, progress.StageProcessing, total, res.RowsRead,
			fmt.Sprintf("staged %d rows", res.RowsStaged)))
		return nil
	}

	for rd.Next(ctx) {
		row := rd.Row()
		res.RowsRead++

		raw, err := binding.Map(row)
		if err != nil {
			var me *RowMappingError
			if !errors.As(err, &me) {
				return res, err
			}
			res.RowsSkipped++
			res.Skipped = append(res.Skipped, *me)
			log.Warn().Int("row", row.Number).Str("column", me.Column).Str("value", me.Value).Msg("row skipped")
			continue
		}
		res.RowsMapped++

		verrs := p.opts.Validators.Validate(raw, row.Number)
		if len(verrs) > 0 {
			res.RowsWithErrors++
			if p.opts.FailFast {
				if err := flush(); err != nil {
					return res, err
				}
				return res, fmt.Errorf("row %d: %s: %w", row.Number, verrs[0].Message, ErrValidationFailed)
			}
		}

		buf = append(buf, assignment.StagingRecord{
			ProcessedAssignment: Enrich(raw, row.Number, ic),
			ValidationErrors:    verrs,
			ShouldImport:        !assignment.HasBlocking(verrs),
		})
		if len(buf) >= p.opts.BatchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := rd.Err(); err != nil {
		return res, err
	}

	p.progress.Report(progress.NewEvent(jobID, progress.StageFinalizing, total, res.RowsRead, "flushing staged rows"))
	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}
