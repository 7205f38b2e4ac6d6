package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ehr/roster/internal/domain/assignment"
)

// CSV writes staged rows to <dir>/<batch id>.csv. The file is created on the
// first WriteBatch and synced after each one.
type CSV struct {
	dir  string
	file *os.File
	w    *csv.Writer
	path string
}

func NewCSV(dir string) *CSV {
	return &CSV{dir: dir}
}

func (s *CSV) Initialize(ctx context.Context) error {
	return os.MkdirAll(s.dir, 0o755)
}

func (s *CSV) open(batchID uuid.UUID) error {
	s.path = filepath.Join(s.dir, batchID.String()+".csv")
	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("create %s: %w", s.path, err)
	}
	s.file = f
	s.w = csv.NewWriter(f)
	return s.w.Write(csvHeader)
}

func (s *CSV) WriteBatch(ctx context.Context, batchID uuid.UUID, rows []assignment.StagingRecord) error {
	if len(rows) == 0 {
		return nil
	}
	if s.file == nil {
		if err := s.open(batchID); err != nil {
			return err
		}
	}
	for i := range rows {
		flat, err := Flatten(batchID, &rows[i])
		if err != nil {
			return fmt.Errorf("row %d: %w", rows[i].RowNumber, err)
		}
		if err := s.w.Write(flat.record()); err != nil {
			return err
		}
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return s.file.Sync()
}

func (s *CSV) Finalize(ctx context.Context) error {
	if s.file == nil {
		return nil
	}
	s.w.Flush()
	werr := s.w.Error()
	cerr := s.file.Close()
	s.file, s.w = nil, nil
	if werr != nil {
		return werr
	}
	return cerr
}

// Path returns the file written by this run, or "" if no rows were written.
func (s *CSV) Path() string { return s.path }
