package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rpattn/dwhsync/internal/domain"
	"github.com/rpattn/dwhsync/internal/ledger"
	"github.com/rpattn/dwhsync/internal/pipeline"
)

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Database == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Database.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Database: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: "ok"})
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := domain.ErrorFilter{
		SourceTable: strings.TrimSpace(query.Get("source_table")),
		Limit:       200,
	}

	var err error
	if filter.UnresolvedOnly, err = parseBool(query.Get("unresolved")); err != nil {
		http.Error(w, "unresolved must be a boolean", http.StatusBadRequest)
		return
	}
	if filter.DeadLetterOnly, err = parseBool(query.Get("dead_letter")); err != nil {
		http.Error(w, "dead_letter must be a boolean", http.StatusBadRequest)
		return
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		filter.Limit = parsed
	}
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "offset must be zero or positive", http.StatusBadRequest)
			return
		}
		filter.Offset = parsed
	}

	records, err := s.deps.Ledger.List(r.Context(), filter)
	if err != nil {
		http.Error(w, fmt.Sprintf("list errors: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	limit := s.deps.ReprocessLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	summary, err := s.deps.Ledger.Reprocess(r.Context(), limit)
	if errors.Is(err, ledger.ErrReprocessInProgress) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("reprocess: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type runResponse struct {
	Summary pipeline.RunSummary `json:"summary"`
	Error   string              `json:"error,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		http.Error(w, "window runs are not enabled", http.StatusNotFound)
		return
	}

	// A window keeps running when the caller disconnects.
	summary, err := s.deps.Runner.Run(context.WithoutCancel(r.Context()))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, runResponse{Summary: summary})
	case errors.Is(err, pipeline.ErrRunInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrCriticalValidation):
		writeJSON(w, http.StatusUnprocessableEntity, runResponse{Summary: summary, Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, runResponse{Summary: summary, Error: err.Error()})
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		http.Error(w, "run log is not enabled", http.StatusNotFound)
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	runs, err := s.deps.Runs.List(r.Context(), s.deps.TaskName, limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("list runs: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		http.Error(w, "dimension history is not enabled", http.StatusNotFound)
		return
	}
	dimension := r.PathValue("dimension")
	key := domain.NaturalKey(r.PathValue("key"))

	versions, err := s.deps.History.History(r.Context(), dimension, key)
	if err != nil {
		http.Error(w, fmt.Sprintf("dimension history: %v", err), http.StatusInternalServerError)
		return
	}
	if len(versions) == 0 {
		http.Error(w, fmt.Sprintf("no versions of %s key %s", dimension, key), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func parseBool(raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
