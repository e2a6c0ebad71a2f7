// Package api exposes the operational HTTP surface: health, the error
// ledger, dead-letter exports, reprocessing, window runs and metrics, plus
// the same reads and the reprocess mutation over GraphQL.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/rpattn/dwhsync/internal/domain"
	"github.com/rpattn/dwhsync/internal/export"
	"github.com/rpattn/dwhsync/internal/graphql"
	"github.com/rpattn/dwhsync/internal/ledger"
	"github.com/rpattn/dwhsync/internal/middleware"
	"github.com/rpattn/dwhsync/internal/pipeline"
)

// ErrorLedger is the ledger surface used by the API.
type ErrorLedger interface {
	List(ctx context.Context, filter domain.ErrorFilter) ([]domain.ErrorRecord, error)
	Reprocess(ctx context.Context, limit int) (ledger.ReprocessSummary, error)
}

// WindowRunner runs the next processing window.
type WindowRunner interface {
	Run(ctx context.Context) (pipeline.RunSummary, error)
}

// RunLister lists past window runs.
type RunLister interface {
	List(ctx context.Context, taskName string, limit int) ([]domain.RunLog, error)
}

// HistoryReader returns every version of a dimension key.
type HistoryReader interface {
	History(ctx context.Context, dimension string, key domain.NaturalKey) ([]domain.DimensionRow, error)
}

// Pinger reports warehouse reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the routes. Runner, Runs, History and
// Database are optional; their routes answer 404 or skip the check when nil.
type Deps struct {
	Ledger         ErrorLedger
	Runner         WindowRunner
	Runs           RunLister
	History        HistoryReader
	Database       Pinger
	Gatherer       prometheus.Gatherer
	TaskName       string
	ReprocessLimit int
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Server is the ops HTTP server.
type Server struct {
	deps    Deps
	handler http.Handler
	logger  *zap.Logger
}

// NewServer builds the router with CORS, request IDs and access logging.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.ReprocessLimit <= 0 {
		deps.ReprocessLimit = ledger.DefaultReprocessLimit
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{deps: deps, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /errors", s.handleListErrors)
	mux.Handle("GET /errors/{export}", export.NewHTTPHandler(export.NewService(deps.Ledger, logger)))
	mux.HandleFunc("POST /reprocess", s.handleReprocess)
	mux.HandleFunc("POST /runs", s.handleRun)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /dimensions/{dimension}/{key}/history", s.handleHistory)
	mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/graphql", graphql.NewHandler(graphql.NewResolver(graphql.Config{
		Ledger:         deps.Ledger,
		Runs:           deps.Runs,
		History:        deps.History,
		TaskName:       deps.TaskName,
		ReprocessLimit: deps.ReprocessLimit,
	}), logger))

	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
	})

	s.handler = corsHandler.Handler(middleware.RequestID(middleware.Logging(logger)(mux)))
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops api listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down ops api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
