package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/roster/internal/domain/assignment"
	"github.com/ehr/roster/internal/ingest"
	"github.com/ehr/roster/internal/jobs"
	"github.com/ehr/roster/internal/platform/db"
	"github.com/ehr/roster/internal/platform/middleware"
	"github.com/ehr/roster/internal/platform/queue"
	"github.com/ehr/roster/internal/platform/websocket"
	"github.com/ehr/roster/internal/progress"
)

const (
	version        = "0.1.0"
	uploadPath     = "/api/v1/batches"
	defaultBodyMax = 1 << 20
	readTimeout    = 30 * time.Second
	shutdownWait   = 10 * time.Second
)

func serveCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(withWorker)
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also consume import jobs in this process")
	return cmd
}

// routerDeps is everything buildRouter needs, so tests can build the
// router over in-memory stores.
type routerDeps struct {
	Service       *assignment.Service
	Hub           *websocket.Hub
	DBHealth      echo.HandlerFunc
	CORSOrigins   []string
	UploadMaxSize int64
	Logger        zerolog.Logger
}

func buildRouter(d routerDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(d.Logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.Logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: d.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader},
	}))
	// Multipart framing needs headroom above the file limit itself.
	e.Use(middleware.BodyLimit(defaultBodyMax, d.UploadMaxSize+defaultBodyMax, uploadPath))
	e.Use(middleware.ReadTimeout(readTimeout))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerMinute: 30,
		Burst:             10,
		Skip:              middleware.OnlyUploads(uploadPath),
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if d.DBHealth != nil {
		e.GET("/health/db", d.DBHealth)
	}

	assignment.NewHandler(d.Service).RegisterRoutes(e.Group("/api/v1"))
	if d.Hub != nil {
		websocket.NewHandler(d.Hub, d.CORSOrigins, d.Logger).RegisterRoutes(e.Group(""))
	}
	return e
}

func runServer(withWorker bool) error {
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

	hub := websocket.NewHub(logger)
	hubSink := progress.NewHubSink(hub)
	reporter := progress.NewReporter(logger, 256, hubSink)
	defer reporter.Close()

	a, err := newApp(ctx, cfg, logger, reporter, ingest.Options{BatchSize: cfg.ImportBatchSize})
	if err != nil {
		return err
	}
	defer a.Close()

	client, err := queue.NewClient(a.queueOptions())
	if err != nil {
		return err
	}
	defer client.Close()
	inspector, err := queue.NewInspector(a.queueOptions())
	if err != nil {
		return err
	}
	defer inspector.Close()

	sched := jobs.NewAsynqScheduler(client, inspector, cfg.QueueName)
	a.handlers.Then(sched)
	svc := assignment.NewService(a.store, a.blobs, jobs.NewOrchestrator(sched, a.handlers), logger)

	e := buildRouter(routerDeps{
		Service:       svc,
		Hub:           hub,
		DBHealth:      db.PoolHealthHandler(a.pool),
		CORSOrigins:   cfg.CORSOrigins,
		UploadMaxSize: a.maxSize,
		Logger:        logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("with_worker", withWorker).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		return e.Shutdown(sctx)
	})
	// Standalone workers publish progress to redis; the relay forwards it to
	// the sockets connected here.
	g.Go(func() error {
		if err := progress.NewRelay(rdb, cfg.ProgressChannel, hubSink, logger).Run(gctx); err != nil {
			logger.Warn().Err(err).Msg("progress relay stopped; worker progress will not reach sockets")
		}
		return nil
	})
	if withWorker {
		g.Go(func() error { return runWorkerLoop(gctx, a, logger) })
	}

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}
