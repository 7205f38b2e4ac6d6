// Package sink holds the destinations an import run can stage rows into.
package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/roster/internal/domain/assignment"
	"github.com/ehr/roster/internal/ingest"
)

type Kind string

const (
	KindBulk    Kind = "bulk"
	KindCSV     Kind = "csv"
	KindParquet Kind = "parquet"
	KindMemory  Kind = "memory"
)

// Copier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Copier interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// Inserter receives rows collected by a memory sink, typically
// *assignment.MemoryStore.
type Inserter interface {
	InsertRows(ctx context.Context, rows []assignment.StagingRecord) error
}

// Config selects and configures a sink variant.
type Config struct {
	Kind      Kind
	OutputDir string
	DB        Copier   // bulk
	Target    Inserter // memory, optional
}

// New builds the sink for cfg.Kind. A sink serves a single run.
func New(cfg Config) (ingest.Sink, error) {
	switch Kind(strings.ToLower(string(cfg.Kind))) {
	case KindBulk:
		if cfg.DB == nil {
			return nil, fmt.Errorf("bulk sink requires a database")
		}
		return NewBulk(cfg.DB), nil
	case KindCSV:
		if cfg.OutputDir == "" {
			return nil, fmt.Errorf("csv sink requires an output directory")
		}
		return NewCSV(cfg.OutputDir), nil
	case KindParquet:
		if cfg.OutputDir == "" {
			return nil, fmt.Errorf("parquet sink requires an output directory")
		}
		return NewParquet(cfg.OutputDir), nil
	case KindMemory:
		return NewMemory(cfg.Target), nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}
