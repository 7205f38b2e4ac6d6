package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ehr/roster/internal/domain/assignment"
	"github.com/ehr/roster/internal/progress"
)

var rosterHeader = []any{"Name", "Location", "Hospital Number", "Admit", "MRN", "Age", "DOB",
	"Insurance", "NP", "Cleared", "H&P", "Psych Eval", "Attending"}

func rosterRow(name, mrn string) []any {
	return []any{name, "412-A", "55501", "2024-03-01 08:30:00", mrn, 71, "1952-07-14",
		"Medicare", "Kim Lee, NP", "yes", "x", "", "Dr. Gregory House"}
}

// workbook builds an xlsx in memory with rows written from A1 down.
func workbook(t *testing.T, sheet string, rows ...[]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	if sheet != "Sheet1" {
		require.NoError(t, f.SetSheetName("Sheet1", sheet))
	}
	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &rows[i]))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

type memSink struct {
	mu          sync.Mutex
	initialized int
	finalized   int
	writes      int
	rows        []assignment.StagingRecord
	failAfter   int // fail the Nth WriteBatch (1-based); 0 never
}

func (s *memSink) Initialize(ctx context.Context) error {
	s.initialized++
	return nil
}

func (s *memSink) WriteBatch(ctx context.Context, batchID uuid.UUID, rows []assignment.StagingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failAfter > 0 && s.writes == s.failAfter {
		return errors.New("disk full")
	}
	s.rows = append(s.rows, rows...)
	return nil
}

func (s *memSink) Finalize(ctx context.Context) error {
	s.finalized++
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []progress.Event
}

func (p *recordingPublisher) Report(ev progress.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) stages() []progress.Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]progress.Stage, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Stage)
	}
	return out
}
