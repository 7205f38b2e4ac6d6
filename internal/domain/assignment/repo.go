package assignment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type BatchRepository interface {
	CreateBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error)
	ListBatches(ctx context.Context, limit, offset int) ([]*Batch, int, error)
	MarkImported(ctx context.Context, id uuid.UUID, stats ImportStats, at time.Time) error
	// UpdateStatus moves the batch to status, stamping the matching
	// *_at column. It fails with ErrInvalidTransition for backward moves.
	UpdateStatus(ctx context.Context, id uuid.UUID, status BatchStatus, at time.Time) error
	SetError(ctx context.Context, id uuid.UUID, msg string) error
}

type StagingRepository interface {
	ListRows(ctx context.Context, batchID uuid.UUID) ([]*StagingRecord, error)
	ListRowsPage(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]*StagingRecord, int, error)
	SaveResolution(ctx context.Context, rowID int64, res Resolution) error
	MarkRowImported(ctx context.Context, rowID, visitID int64, at time.Time) error
	// ClearRows deletes every staged row of a batch so an interrupted
	// import can be re-run from the start.
	ClearRows(ctx context.Context, batchID uuid.UUID) (int, error)
}

// Store is the full persistence surface of the assignment domain.
type Store interface {
	BatchRepository
	StagingRepository
}
