package assignment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/roster/internal/platform/blobstore"
)

// ErrInvalidUpload is returned when an upload request is missing a field.
var ErrInvalidUpload = errors.New("invalid upload")

// ProcessOutcome is what a processing run reports back to the caller.
type ProcessOutcome struct {
	BatchID                 uuid.UUID `json:"batch_id"`
	Processed               int       `json:"processed"`
	Skipped                 int       `json:"skipped"`
	Errors                  int       `json:"errors"`
	Message                 string    `json:"message,omitempty"`
	CreatedPatients         int       `json:"created_patients"`
	CreatedEmployees        int       `json:"created_employees"`
	CreatedHospitalizations int       `json:"created_hospitalizations"`
}

// Orchestrator starts the background phases of a batch.
type Orchestrator interface {
	StartImport(ctx context.Context, batchID uuid.UUID) error
	Process(ctx context.Context, batchID uuid.UUID) (*ProcessOutcome, error)
	ScheduleProcess(ctx context.Context, batchID uuid.UUID) error
}

type UploadRequest struct {
	BatchID     uuid.UUID
	FacilityID  int64
	ServiceDate time.Time
	FileName    string
	ContentType string
	CreatedBy   string
	Content     io.Reader
}

// BatchView is a batch with one page of its rows and the review summary
// over all of them.
type BatchView struct {
	*Batch
	Summary   Summary          `json:"summary"`
	Rows      []*StagingRecord `json:"rows"`
	TotalRows int              `json:"total_rows"`
}

type Service struct {
	store Store
	blobs blobstore.BlobStore
	jobs  Orchestrator
	log   zerolog.Logger
}

func NewService(store Store, blobs blobstore.BlobStore, jobs Orchestrator, logger zerolog.Logger) *Service {
	return &Service{store: store, blobs: blobs, jobs: jobs, log: logger.With().Str("component", "assignment").Logger()}
}

// UploadAndImport stores the spreadsheet, creates a pending batch and
// enqueues its import. A zero BatchID is replaced with a new one; an id
// that already exists fails with ErrBatchExists. If the enqueue fails the
// batch is kept with LastError set and RetryImport queues it again.
func (s *Service) UploadAndImport(ctx context.Context, req UploadRequest) (*Batch, error) {
	if req.BatchID == uuid.Nil {
		req.BatchID = uuid.New()
	}
	if req.FacilityID <= 0 {
		return nil, fmt.Errorf("%w: facility_id is required", ErrInvalidUpload)
	}
	if req.ServiceDate.IsZero() {
		return nil, fmt.Errorf("%w: service_date is required", ErrInvalidUpload)
	}
	if req.Content == nil {
		return nil, fmt.Errorf("%w: file is required", ErrInvalidUpload)
	}

	if _, err := s.store.GetBatch(ctx, req.BatchID); err == nil {
		return nil, ErrBatchExists
	} else if !errors.Is(err, ErrBatchNotFound) {
		return nil, err
	}

	meta, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{
		FileName:    req.FileName,
		ContentType: req.ContentType,
		CreatedBy:   req.CreatedBy,
		Tags:        map[string]string{"batch_id": req.BatchID.String()},
	}, req.Content)
	if err != nil {
		return nil, err
	}

	d := req.ServiceDate
	b := &Batch{
		ID:          req.BatchID,
		FacilityID:  req.FacilityID,
		ServiceDate: time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC),
		Status:      StatusPending,
		SourceName:  strings.TrimSpace(req.FileName),
		BlobKey:     meta.ID,
		CreatedBy:   req.CreatedBy,
	}
	if err := s.store.CreateBatch(ctx, b); err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), meta.ID); derr != nil {
			s.log.Warn().Err(derr).Str("blob", meta.ID).Msg("orphaned upload")
		}
		return nil, err
	}

	if err := s.jobs.StartImport(ctx, b.ID); err != nil {
		msg := "enqueue import: " + err.Error()
		if serr := s.store.SetError(context.WithoutCancel(ctx), b.ID, msg); serr != nil {
			s.log.Error().Err(serr).Str("batch_id", b.ID.String()).Msg("record enqueue failure")
		}
		return b, fmt.Errorf("enqueue import: %w", err)
	}

	s.log.Info().
		Str("batch_id", b.ID.String()).
		Int64("facility_id", b.FacilityID).
		Str("file", b.SourceName).
		Int64("size", meta.Size).
		Msg("roster uploaded")
	return b, nil
}

func (s *Service) ListBatches(ctx context.Context, limit, offset int) ([]*Batch, int, error) {
	return s.store.ListBatches(ctx, limit, offset)
}

// GetBatch returns the batch, rows [offset, offset+limit) and a summary
// computed over every row.
func (s *Service) GetBatch(ctx context.Context, id uuid.UUID, limit, offset int) (*BatchView, error) {
	b, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListRows(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list rows: %w", err)
	}
	rows, total, err := s.store.ListRowsPage(ctx, id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list rows page: %w", err)
	}
	if rows == nil {
		rows = []*StagingRecord{}
	}
	return &BatchView{Batch: b, Summary: Summarize(all), Rows: rows, TotalRows: total}, nil
}

// RetryImport re-queues the import of a batch still in Pending, after a
// failed enqueue or a failed import or resolve task. The import task skips
// reading a batch that already finished importing and only re-issues
// resolution.
func (s *Service) RetryImport(ctx context.Context, id uuid.UUID) error {
	b, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	if b.Status != StatusPending {
		return fmt.Errorf("%w: batch is %s", ErrInvalidTransition, b.Status)
	}
	if err := s.jobs.StartImport(ctx, id); err != nil {
		return fmt.Errorf("enqueue import: %w", err)
	}
	log := s.log.Info().Str("batch_id", id.String()).Bool("imported", b.Imported())
	if b.LastError != nil {
		log = log.Str("last_error", *b.LastError)
	}
	log.Msg("batch import re-queued")
	return nil
}

// TriggerProcessing commits the batch's ready rows and waits for the result.
func (s *Service) TriggerProcessing(ctx context.Context, id uuid.UUID) (*ProcessOutcome, error) {
	if err := s.checkProcessable(ctx, id); err != nil {
		return nil, err
	}
	return s.jobs.Process(ctx, id)
}

// ScheduleProcessing enqueues processing on the worker and returns
// immediately.
func (s *Service) ScheduleProcessing(ctx context.Context, id uuid.UUID) error {
	if err := s.checkProcessable(ctx, id); err != nil {
		return err
	}
	return s.jobs.ScheduleProcess(ctx, id)
}

func (s *Service) checkProcessable(ctx context.Context, id uuid.UUID) error {
	b, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	if b.Status != StatusResolved && b.Status != StatusProcessed {
		return fmt.Errorf("%w: batch is %s", ErrBatchNotResolved, b.Status)
	}
	return nil
}
