// Package queue builds the asynq client and server used by the roster
// job chain.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Options configures the asynq connection and worker.
type Options struct {
	RedisURL    string
	Queue       string
	Concurrency int
}

// RedisOpt parses a redis:// URL into the connection option asynq expects.
func RedisOpt(url string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return opt, nil
}

func NewClient(opts Options) (*asynq.Client, error) {
	conn, err := RedisOpt(opts.RedisURL)
	if err != nil {
		return nil, err
	}
	return asynq.NewClient(conn), nil
}

// NewInspector returns an inspector over the same Redis the client uses.
func NewInspector(opts Options) (*asynq.Inspector, error) {
	conn, err := RedisOpt(opts.RedisURL)
	if err != nil {
		return nil, err
	}
	return asynq.NewInspector(conn), nil
}

// NewServer returns a worker server that consumes only opts.Queue.
func NewServer(opts Options, logger zerolog.Logger) (*asynq.Server, error) {
	conn, err := RedisOpt(opts.RedisURL)
	if err != nil {
		return nil, err
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	log := logger.With().Str("component", "worker").Logger()
	return asynq.NewServer(conn, asynq.Config{
		Concurrency:     concurrency,
		Queues:          map[string]int{opts.Queue: 1},
		Logger:          NewLogger(log),
		LogLevel:        LevelFor(log.GetLevel()),
		ShutdownTimeout: 30 * time.Second,
		ErrorHandler:    asynq.ErrorHandlerFunc(errorHandler(log)),
	}), nil
}

func errorHandler(log zerolog.Logger) func(context.Context, *asynq.Task, error) {
	return func(ctx context.Context, task *asynq.Task, err error) {
		id, _ := asynq.GetTaskID(ctx)
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		log.Error().Err(err).
			Str("task", task.Type()).
			Str("task_id", id).
			Int("retried", retried).
			Int("max_retry", maxRetry).
			Msg("task failed")
	}
}
