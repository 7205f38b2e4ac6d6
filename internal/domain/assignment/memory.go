package assignment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a Store held in process memory. Records are copied in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	batches map[uuid.UUID]Batch
	rows    map[int64]StagingRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[uuid.UUID]Batch),
		rows:    make(map[int64]StagingRecord),
	}
}

// Checkpoint snapshots the store; the returned func restores the snapshot.
func (m *MemoryStore) Checkpoint() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.nextID
	batches := make(map[uuid.UUID]Batch, len(m.batches))
	for k, v := range m.batches {
		batches[k] = v
	}
	rows := make(map[int64]StagingRecord, len(m.rows))
	for k, v := range m.rows {
		rows[k] = cloneRecord(v)
	}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.nextID, m.batches, m.rows = next, batches, rows
	}
}

func cloneRecord(r StagingRecord) StagingRecord {
	r.ValidationErrors = append([]ValidationError(nil), r.ValidationErrors...)
	r.ResolutionErrors = append([]ValidationError(nil), r.ResolutionErrors...)
	return r
}

func (m *MemoryStore) CreateBatch(ctx context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[b.ID]; ok {
		return ErrBatchExists
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	m.batches[b.ID] = *b
	return nil
}

func (m *MemoryStore) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return &b, nil
}

func (m *MemoryStore) ListBatches(ctx context.Context, limit, offset int) ([]*Batch, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*Batch, 0, len(m.batches))
	for _, b := range m.batches {
		b := b
		all = append(all, &b)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), len(all), nil
}

func (m *MemoryStore) MarkImported(ctx context.Context, id uuid.UUID, stats ImportStats, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	b.RowsRead, b.RowsStaged, b.RowsSkipped = stats.RowsRead, stats.RowsStaged, stats.RowsSkipped
	b.ImportedAt = &at
	b.LastError = nil
	b.UpdatedAt = time.Now().UTC()
	m.batches[id] = b
	return nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id uuid.UUID, status BatchStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	if status == StatusPending || !b.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, b.Status, status)
	}
	b.Status = status
	switch status {
	case StatusResolved:
		b.ResolvedAt = &at
	case StatusProcessed:
		b.ProcessedAt = &at
	}
	b.UpdatedAt = time.Now().UTC()
	m.batches[id] = b
	return nil
}

func (m *MemoryStore) SetError(ctx context.Context, id uuid.UUID, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil
	}
	b.LastError = &msg
	m.batches[id] = b
	return nil
}

// InsertRows appends staged rows, assigning ids in order.
func (m *MemoryStore) InsertRows(ctx context.Context, rows []StagingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		if _, ok := m.batches[r.BatchID]; !ok {
			return fmt.Errorf("insert staging row %d: %w", r.RowNumber, ErrBatchNotFound)
		}
		m.nextID++
		r.ID = m.nextID
		r.CreatedAt = time.Now().UTC()
		if r.ValidationErrors == nil {
			r.ValidationErrors = []ValidationError{}
		}
		m.rows[r.ID] = cloneRecord(r)
	}
	return nil
}

func (m *MemoryStore) sortedRows(batchID uuid.UUID) []*StagingRecord {
	var out []*StagingRecord
	for _, r := range m.rows {
		if r.BatchID == batchID {
			c := cloneRecord(r)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowNumber < out[j].RowNumber })
	return out
}

func (m *MemoryStore) ListRows(ctx context.Context, batchID uuid.UUID) ([]*StagingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedRows(batchID), nil
}

func (m *MemoryStore) ListRowsPage(ctx context.Context, batchID uuid.UUID, limit, offset int) ([]*StagingRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sortedRows(batchID)
	return page(all, limit, offset), len(all), nil
}

func (m *MemoryStore) SaveResolution(ctx context.Context, rowID int64, res Resolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[rowID]
	if !ok {
		return ErrRowNotFound
	}
	res.Apply(&r)
	m.rows[rowID] = r
	return nil
}

func (m *MemoryStore) MarkRowImported(ctx context.Context, rowID, visitID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[rowID]
	if !ok {
		return ErrRowNotFound
	}
	r.Imported = true
	r.ImportedAt = &at
	r.VisitID = &visitID
	m.rows[rowID] = r
	return nil
}

func (m *MemoryStore) ClearRows(ctx context.Context, batchID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.rows {
		if r.BatchID == batchID {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end]
}
