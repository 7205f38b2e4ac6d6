package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/natefinch/lumberjack"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/roster/internal/config"
	"github.com/ehr/roster/internal/domain/assignment"
	"github.com/ehr/roster/internal/domain/clinical"
	"github.com/ehr/roster/internal/ingest"
	"github.com/ehr/roster/internal/ingest/sink"
	"github.com/ehr/roster/internal/jobs"
	"github.com/ehr/roster/internal/platform/blobstore"
	"github.com/ehr/roster/internal/platform/db"
	"github.com/ehr/roster/internal/platform/middleware"
	"github.com/ehr/roster/internal/platform/queue"
	"github.com/ehr/roster/internal/process"
	"github.com/ehr/roster/internal/progress"
	"github.com/ehr/roster/internal/resolve"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "roster-server",
		Short:        "Provider assignment roster import service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(processCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// newLogger writes JSON to stdout, or console output in development, and
// additionally to a rotating file when LOG_FILE is set.
func newLogger(cfg *config.Config, stdout io.Writer) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := stdout
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: stdout}
	}
	var closer io.Closer = io.NopCloser(nil)
	if cfg.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAge:     cfg.LogMaxAgeDays,
			Compress:   true,
		}
		out = zerolog.MultiLevelWriter(out, file)
		closer = file
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), closer, nil
}

// loadConfig reads and validates config and builds the logger for it.
func loadConfig() (*config.Config, zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	logger, closer, err := newLogger(cfg, os.Stdout)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	return cfg, logger, closer, nil
}

// app holds the production wiring shared by the subcommands that touch
// the database.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	pool     *pgxpool.Pool
	store    assignment.Store
	ref      clinical.Repository
	blobs    blobstore.BlobStore
	maxSize  int64
	handlers *jobs.Handlers
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, pub progress.Publisher, opts ingest.Options) (*app, error) {
	maxSize, err := middleware.ParseSize(cfg.UploadMaxSize)
	if err != nil {
		return nil, fmt.Errorf("UPLOAD_MAX_SIZE: %w", err)
	}
	blobs, err := blobstore.NewLocalBlobStore(cfg.UploadDir, maxSize)
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	a := &app{
		cfg:     cfg,
		log:     logger,
		pool:    pool,
		store:   assignment.NewStore(pool),
		ref:     clinical.NewRepo(pool),
		blobs:   blobs,
		maxSize: maxSize,
	}

	tx := db.NewTxRunner(pool)
	a.handlers = jobs.NewHandlers(jobs.Deps{
		Store:    a.store,
		Blobs:    a.blobs,
		Pipeline: ingest.NewPipeline(opts, pub, logger),
		// Resolution reads assignment_staging, so the job chain always
		// stages through COPY.
		NewSink:   func() (ingest.Sink, error) { return sink.New(sink.Config{Kind: sink.KindBulk, DB: pool}) },
		Resolver:  resolve.NewResolver(a.store, a.ref, tx, logger),
		Processor: process.NewProcessor(a.store, a.ref, tx, logger),
	}, logger)
	return a, nil
}

func (a *app) Close() { a.pool.Close() }

func (a *app) queueOptions() queue.Options {
	return queue.Options{RedisURL: a.cfg.RedisURL, Queue: a.cfg.QueueName, Concurrency: a.cfg.WorkerConcurrency}
}

// newRedis builds the pub/sub client used for progress fan-out. go-redis
// dials on first use.
func newRedis(cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URL: %w", err)
	}
	return redis.NewClient(opt), nil
}
