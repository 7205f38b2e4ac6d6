// Package progress carries import progress events from pipeline stage
// boundaries to whoever is listening. Delivery is fire-and-forget: events
// are dropped rather than blocking the import, and nothing is replayed.
package progress

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Stage string

const (
	StageInitializing Stage = "initializing"
	StageReading      Stage = "reading"
	StageProcessing   Stage = "processing"
	StageFinalizing   Stage = "finalizing"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

// Event is one progress update for a job.
type Event struct {
	JobID            string         `json:"job_id"`
	Stage            Stage          `json:"stage"`
	TotalItems       int            `json:"total_items"`
	ProcessedItems   int            `json:"processed_items"`
	PercentComplete  float64        `json:"percent_complete"`
	CurrentOperation string         `json:"current_operation,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	AdditionalData   map[string]any `json:"additional_data,omitempty"`
}

// NewEvent stamps the event and derives PercentComplete, capped at 100.
func NewEvent(jobID string, stage Stage, total, processed int, op string) Event {
	pct := 0.0
	switch {
	case stage == StageCompleted:
		pct = 100
	case total > 0:
		pct = float64(processed) / float64(total) * 100
		if pct > 100 {
			pct = 100
		}
	}
	return Event{
		JobID:            jobID,
		Stage:            stage,
		TotalItems:       total,
		ProcessedItems:   processed,
		PercentComplete:  pct,
		CurrentOperation: op,
		Timestamp:        time.Now().UTC(),
	}
}

// Publisher accepts events without blocking.
type Publisher interface {
	Report(ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Report(Event) {}

// Sink delivers an event to one destination.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// Reporter queues events on a buffered channel and drains them to its sinks
// on a single goroutine. Report never blocks; a full queue drops the event.
type Reporter struct {
	ch      chan Event
	sinks   []Sink
	log     zerolog.Logger
	once    sync.Once
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewReporter(logger zerolog.Logger, buffer int, sinks ...Sink) *Reporter {
	if buffer <= 0 {
		buffer = 64
	}
	r := &Reporter{
		ch:    make(chan Event, buffer),
		sinks: sinks,
		log:   logger.With().Str("component", "progress").Logger(),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Reporter) run() {
	defer close(r.done)
	for ev := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.Send(ctx, ev); err != nil {
				r.log.Warn().Err(err).Str("job_id", ev.JobID).Str("stage", string(ev.Stage)).Msg("progress delivery failed")
			}
			cancel()
		}
	}
}

func (r *Reporter) Report(ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Reporter) Dropped() int64 { return r.dropped.Load() }

// Close stops accepting events and waits for queued ones to drain.
func (r *Reporter) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
	})
	<-r.done
}
