package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/roster/internal/domain/assignment"
)

// Memory keeps staged rows in memory and, when a target is set, hands each
// chunk to it as it arrives.
type Memory struct {
	target Inserter

	mu          sync.Mutex
	rows        []assignment.StagingRecord
	batches     int
	initialized bool
	finalized   bool
}

func NewMemory(target Inserter) *Memory {
	return &Memory{target: target}
}

func (m *Memory) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows, m.batches = nil, 0
	m.initialized, m.finalized = true, false
	return nil
}

func (m *Memory) WriteBatch(ctx context.Context, batchID uuid.UUID, rows []assignment.StagingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized || m.finalized {
		return fmt.Errorf("memory sink: WriteBatch outside Initialize/Finalize")
	}
	m.batches++
	if len(rows) == 0 {
		return nil
	}
	chunk := make([]assignment.StagingRecord, len(rows))
	copy(chunk, rows)
	for i := range chunk {
		chunk[i].BatchID = batchID
	}
	if m.target != nil {
		if err := m.target.InsertRows(ctx, chunk); err != nil {
			return err
		}
	}
	m.rows = append(m.rows, chunk...)
	return nil
}

func (m *Memory) Finalize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized = true
	return nil
}

// Rows returns a copy of every row written.
func (m *Memory) Rows() []assignment.StagingRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]assignment.StagingRecord(nil), m.rows...)
}

// Batches returns the number of WriteBatch calls.
func (m *Memory) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

// Finalized reports whether Finalize has been called.
func (m *Memory) Finalized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalized
}
