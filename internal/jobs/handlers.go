package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/ehr/roster/internal/domain/assignment"
	"github.com/ehr/roster/internal/ingest"
	"github.com/ehr/roster/internal/platform/blobstore"
	"github.com/ehr/roster/internal/process"
	"github.com/ehr/roster/internal/resolve"
)

// Deps are the collaborators the task handlers need. NewSink returns a
// fresh staging sink for one import run.
type Deps struct {
	Store     assignment.Store
	Blobs     blobstore.BlobStore
	Pipeline  *ingest.Pipeline
	NewSink   func() (ingest.Sink, error)
	Resolver  *resolve.Resolver
	Processor *process.Processor
}

type Handlers struct {
	deps Deps
	next Scheduler
	now  func() time.Time
	log  zerolog.Logger
}

func NewHandlers(deps Deps, logger zerolog.Logger) *Handlers {
	return &Handlers{
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
		log:  logger.With().Str("component", "jobs").Logger(),
	}
}

// Then sets where the resolve continuation is enqueued after a successful
// import.
func (h *Handlers) Then(s Scheduler) { h.next = s }

// Register installs the task handlers on mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	for _, t := range []string{TypeImport, TypeResolve, TypeProcess} {
		taskType := t
		mux.HandleFunc(taskType, func(ctx context.Context, task *asynq.Task) error {
			var p Payload
			if err := json.Unmarshal(task.Payload(), &p); err != nil {
				return fmt.Errorf("decode %s payload: %v: %w", task.Type(), err, asynq.SkipRetry)
			}
			return h.Dispatch(ctx, taskType, p)
		})
	}
}

// Dispatch runs the handler for taskType.
func (h *Handlers) Dispatch(ctx context.Context, taskType string, p Payload) error {
	var err error
	switch taskType {
	case TypeImport:
		_, err = h.Import(ctx, p)
	case TypeResolve:
		_, err = h.Resolve(ctx, p)
	case TypeProcess:
		_, err = h.Process(ctx, p)
	default:
		err = fmt.Errorf("unknown task type %q: %w", taskType, asynq.SkipRetry)
	}
	return err
}

// permanent marks err so asynq does not retry it.
func permanent(err error) error {
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

// Import stages the batch's uploaded spreadsheet and, on success, enqueues
// resolution. A batch that already finished importing is not read again;
// only the continuation is re-issued.
func (h *Handlers) Import(ctx context.Context, p Payload) (*ingest.ImportResult, error) {
	log := h.log.With().Str("task", TypeImport).Str("batch_id", p.BatchID.String()).Str("job_id", p.jobID()).Logger()

	batch, err := h.deps.Store.GetBatch(ctx, p.BatchID)
	if errors.Is(err, assignment.ErrBatchNotFound) {
		return nil, permanent(err)
	}
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}

	var res *ingest.ImportResult
	if batch.Imported() {
		log.Info().Msg("batch already imported, re-issuing resolve")
	} else {
		res, err = h.stage(ctx, batch, p, log)
		if err != nil {
			if serr := h.deps.Store.SetError(context.WithoutCancel(ctx), batch.ID, err.Error()); serr != nil {
				log.Error().Err(serr).Msg("record import error")
			}
			if ingest.IsStructural(err) || errors.Is(err, ingest.ErrValidationFailed) || errors.Is(err, blobstore.ErrBlobNotFound) {
				return res, permanent(err)
			}
			return res, err
		}
		if err := h.deps.Store.MarkImported(ctx, batch.ID, res.Stats(), h.now()); err != nil {
			return res, fmt.Errorf("mark imported: %w", err)
		}
	}

	if h.next == nil {
		return res, nil
	}
	if err := h.next.Enqueue(ctx, TypeResolve, p); err != nil {
		return res, fmt.Errorf("enqueue resolve: %w", err)
	}
	return res, nil
}

func (h *Handlers) stage(ctx context.Context, batch *assignment.Batch, p Payload, log zerolog.Logger) (*ingest.ImportResult, error) {
	// Rows left by an interrupted attempt would collide with this one.
	if n, err := h.deps.Store.ClearRows(ctx, batch.ID); err != nil {
		return nil, fmt.Errorf("clear staged rows: %w", err)
	} else if n > 0 {
		log.Warn().Int("rows", n).Msg("cleared rows from an earlier attempt")
	}

	rc, _, err := h.deps.Blobs.Download(ctx, batch.BlobKey)
	if err != nil {
		return nil, fmt.Errorf("open upload %s: %w", batch.BlobKey, err)
	}
	defer rc.Close()

	snk, err := h.deps.NewSink()
	if err != nil {
		return nil, fmt.Errorf("build sink: %w", err)
	}
	ic := ingest.ImportContext{BatchID: batch.ID, FacilityID: batch.FacilityID, ServiceDate: batch.ServiceDate}
	return h.deps.Pipeline.Run(ctx, p.jobID(), rc, ic, snk)
}

// Resolve matches the batch's staged rows against reference data.
func (h *Handlers) Resolve(ctx context.Context, p Payload) (*resolve.Result, error) {
	log := h.log.With().Str("task", TypeResolve).Str("batch_id", p.BatchID.String()).Logger()

	res, err := h.deps.Resolver.Resolve(ctx, p.BatchID)
	if err != nil {
		if errors.Is(err, assignment.ErrBatchNotFound) ||
			errors.Is(err, assignment.ErrBatchNotImported) ||
			errors.Is(err, assignment.ErrInvalidTransition) {
			return nil, permanent(err)
		}
		return nil, err
	}
	log.Info().
		Int("ready", res.Summary.Ready).
		Int("unresolved", res.Summary.Unresolved).
		Int("blocked", res.Summary.Blocked).
		Msg("batch resolved")
	return res, nil
}

// Process commits the batch's ready rows. A commit failure is recorded on
// the batch and reported in the result, not returned, so it is not retried.
func (h *Handlers) Process(ctx context.Context, p Payload) (*process.Result, error) {
	log := h.log.With().Str("task", TypeProcess).Str("batch_id", p.BatchID.String()).Logger()

	res, err := h.deps.Processor.Process(ctx, p.BatchID)
	if err != nil {
		if errors.Is(err, assignment.ErrBatchNotFound) || errors.Is(err, assignment.ErrBatchNotResolved) {
			return nil, permanent(err)
		}
		return nil, err
	}
	if res.Errors > 0 {
		log.Warn().Str("error", res.Message).Msg("batch processing failed")
	} else {
		log.Info().Int("processed", res.Processed).Int("skipped", res.Skipped).Msg("batch processed")
	}
	return res, nil
}
