package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"recordexport/features/export"
	"recordexport/features/failures"
	"recordexport/internal/config"
	"recordexport/internal/events"
	"recordexport/internal/metrics"
	"recordexport/internal/middleware"
	"recordexport/internal/objectstore"
	"recordexport/internal/render"
	"recordexport/internal/routing"
)

type App struct {
	Handler       http.Handler
	ExportService *export.Service
	Metrics       *metrics.Collector

	port int
}

func New(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*App, error) {
	if deps == nil || deps.DB == nil || deps.Objects == nil || deps.Documents == nil {
		return nil, errors.New("app: database, object and document stores are required")
	}

	router, err := routing.Load(cfg.RoutingFile)
	if err != nil {
		return nil, fmt.Errorf("routing rules: %w", err)
	}

	collector := metrics.NewCollector(nil)

	// Feature: Failures
	failureRepo := failures.NewPostgresRepo(deps.DB)
	failureService := failures.NewService(failureRepo)
	failureHandler := failures.NewHandler(failureService)

	// Feature: Export
	exportService := export.NewService(export.Deps{
		Lister:   objectstore.NewLister(deps.Objects, cfg.ListMaxPages),
		Fetcher:  objectstore.NewFetcher(deps.Objects),
		Docs:     deps.Documents,
		Router:   router,
		Renderer: render.New(cfg.RendererURL, cfg.RendererTimeout()),
		Failures: failureService,
		Metrics:  collector,
		Events:   events.NewEmitter(deps.Publisher),
	}, export.Options{
		DefaultBucket:    cfg.DefaultBucket,
		BucketAllowed:    cfg.BucketAllowed,
		AllowedFields:    cfg.AllowedFields,
		FetchConcurrency: cfg.FetchConcurrency,
		BatchMaxRows:     cfg.BatchMaxRows,
		BatchConcurrency: cfg.BatchConcurrency,
	})
	exportHandler := export.NewHandler(exportService, cfg.MaxManifestBytes())

	wrap := func(h http.HandlerFunc) http.Handler {
		return middleware.CorrelationID(middleware.CORS(h))
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("GET /objects", wrap(exportHandler.ListObjects))
	mux.Handle("GET /objects/content", wrap(exportHandler.GetObject))
	mux.Handle("GET /records/{entityId}/{recordId}/archive", wrap(exportHandler.RecordArchive))
	mux.Handle("GET /documents/{identifier}/fields", wrap(exportHandler.Fields))
	mux.Handle("POST /exports/batch", wrap(exportHandler.BatchExport))
	mux.Handle("OPTIONS /exports/batch", wrap(exportHandler.BatchExport))
	mux.Handle("GET /exports/failures", wrap(failureHandler.List))

	mux.Handle("GET /metrics", collector.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	logger.Info("routes registered", "routing_rules", len(router.Routes()), "object_backend", cfg.ObjectBackend, "events", deps.Publisher != nil)

	return &App{
		Handler:       mux,
		ExportService: exportService,
		Metrics:       collector,
		port:          cfg.ServerPort,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	port := a.port
	if port == 0 {
		port = 8081
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", port)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
