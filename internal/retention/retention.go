// Package retention removes uploaded spreadsheets once they are older than
// the configured retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ehr/roster/internal/platform/blobstore"
)

type Sweeper struct {
	blobs blobstore.BlobStore
	keep  time.Duration
	now   func() time.Time
	log   zerolog.Logger
}

func NewSweeper(blobs blobstore.BlobStore, keep time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		blobs: blobs,
		keep:  keep,
		now:   func() time.Time { return time.Now().UTC() },
		log:   logger.With().Str("component", "retention").Logger(),
	}
}

// Sweep deletes every blob created before now minus the retention window
// and returns how many were removed. A zero window disables the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if s.keep <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.keep)
	old, err := s.blobs.ListBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list expired uploads: %w", err)
	}

	removed := 0
	var errs []error
	for _, meta := range old {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		err := s.blobs.Delete(ctx, meta.ID)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, blobstore.ErrBlobNotFound):
			// Deleted concurrently.
		default:
			errs = append(errs, fmt.Errorf("delete %s: %w", meta.ID, err))
		}
	}
	return removed, errors.Join(errs...)
}

// Schedule registers the sweep on c under spec, a standard cron expression
// or descriptor such as "@daily".
func (s *Sweeper) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() {
		n, err := s.Sweep(context.Background())
		if err != nil {
			s.log.Error().Err(err).Int("removed", n).Msg("retention sweep failed")
			return
		}
		s.log.Info().Int("removed", n).Dur("keep", s.keep).Msg("retention sweep completed")
	})
	if err != nil {
		return 0, fmt.Errorf("schedule retention %q: %w", spec, err)
	}
	return id, nil
}
