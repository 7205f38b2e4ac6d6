package main

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/roster/internal/ingest"
	"github.com/ehr/roster/internal/jobs"
	"github.com/ehr/roster/internal/platform/queue"
	"github.com/ehr/roster/internal/progress"
	"github.com/ehr/roster/internal/retention"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume import, resolve and process jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func runWorker() error {
	cfg, logger, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signalContext()
	defer stop()

	rdb, err := newRedis(cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	reporter := progress.NewReporter(logger, 256, progress.NewRedisSink(rdb, cfg.ProgressChannel))
	defer reporter.Close()

	a, err := newApp(ctx, cfg, logger, reporter, ingest.Options{BatchSize: cfg.ImportBatchSize})
	if err != nil {
		return err
	}
	defer a.Close()

	return runWorkerLoop(ctx, a, logger)
}

// runWorkerLoop serves the job queue and the upload retention schedule until
// ctx is done.
func runWorkerLoop(ctx context.Context, a *app, logger zerolog.Logger) error {
	opts := a.queueOptions()

	client, err := queue.NewClient(opts)
	if err != nil {
		return err
	}
	defer client.Close()
	inspector, err := queue.NewInspector(opts)
	if err != nil {
		return err
	}
	defer inspector.Close()
	a.handlers.Then(jobs.NewAsynqScheduler(client, inspector, opts.Queue))

	srv, err := queue.NewServer(opts, logger)
	if err != nil {
		return err
	}
	mux := asynq.NewServeMux()
	a.handlers.Register(mux)
	if err := srv.Start(mux); err != nil {
		return err
	}
	logger.Info().Str("queue", opts.Queue).Int("concurrency", opts.Concurrency).Msg("worker started")

	c := cron.New()
	sweeper := retention.NewSweeper(a.blobs, a.cfg.UploadRetention, logger)
	if _, err := sweeper.Schedule(c, a.cfg.RetentionSchedule); err != nil {
		srv.Shutdown()
		return err
	}
	c.Start()

	<-ctx.Done()
	logger.Info().Msg("stopping worker")
	<-c.Stop().Done()
	srv.Shutdown()
	logger.Info().Msg("worker stopped")
	return nil
}
