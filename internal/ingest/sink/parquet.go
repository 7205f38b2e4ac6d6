package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/ehr/roster/internal/domain/assignment"
)

// Parquet writes each WriteBatch chunk to its own file,
// <dir>/<batch id>-NNNNN.parquet, closed before WriteBatch returns so that a
// failed run leaves only complete files behind.
type Parquet struct {
	dir   string
	part  int
	paths []string
}

func NewParquet(dir string) *Parquet {
	return &Parquet{dir: dir}
}

func (s *Parquet) Initialize(ctx context.Context) error {
	s.part = 0
	s.paths = nil
	return os.MkdirAll(s.dir, 0o755)
}

func (s *Parquet) WriteBatch(ctx context.Context, batchID uuid.UUID, rows []assignment.StagingRecord) error {
	if len(rows) == 0 {
		return nil
	}
	records := make([]FlatRow, 0, len(rows))
	for i := range rows {
		flat, err := Flatten(batchID, &rows[i])
		if err != nil {
			return fmt.Errorf("row %d: %w", rows[i].RowNumber, err)
		}
		records = append(records, flat)
	}

	s.part++
	path := filepath.Join(s.dir, fmt.Sprintf("%s-%05d.parquet", batchID, s.part))
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create parquet file: %w", err)
	}

	writer := parquet.NewGenericWriter[FlatRow](file,
		parquet.Compression(&parquet.Snappy),
	)
	if _, err := writer.Write(records); err != nil {
		file.Close()
		return fmt.Errorf("failed to write parquet records: %w", err)
	}
	if err := writer.Close(); err != nil {
		file.Close()
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	s.paths = append(s.paths, path)
	return nil
}

func (s *Parquet) Finalize(ctx context.Context) error { return nil }

// Paths returns the files written by this run, in order.
func (s *Parquet) Paths() []string { return append([]string(nil), s.paths...) }
