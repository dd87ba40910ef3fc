package health

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carverd/conveyor"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown queue")
		return
	}

	offset := intParam(r, "offset", 0)
	limit := intParam(r, "limit", defaultListLimit)
	if offset < 0 || limit < 1 {
		writeError(w, http.StatusBadRequest, "offset must be >= 0 and limit >= 1")
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	entries, err := svc.List(r.Context(), offset, limit)
	if err != nil {
		s.logger.Error("dlq list failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "dlq list failed")
		return
	}
	total, err := svc.Count(r.Context())
	if err != nil {
		s.logger.Error("dlq count failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "dlq count failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queue":   svc.Queue(),
		"total":   total,
		"offset":  offset,
		"limit":   limit,
		"entries": entries,
	})
}

func (s *Server) handleDLQPeek(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown queue")
		return
	}

	id := chi.URLParam(r, "id")
	entry, err := svc.Peek(r.Context(), id)
	if errors.Is(err, conveyor.ErrEntryNotFound) {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	if err != nil {
		s.logger.Error("dlq peek failed", slog.String("entry_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "dlq peek failed")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown queue")
		return
	}

	id := chi.URLParam(r, "id")
	entry, err := svc.Replay(r.Context(), id)
	if errors.Is(err, conveyor.ErrEntryNotFound) {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	if err != nil {
		s.logger.Error("dlq replay failed", slog.String("entry_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "dlq replay failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"queue":    svc.Queue(),
		"entry_id": entry.ID,
		"job_id":   entry.JobID,
	})
}

// handleDLQPurge removes entries older than the older_than parameter,
// given either as a duration ("24h") or an RFC 3339 timestamp.
func (s *Server) handleDLQPurge(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.service(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown queue")
		return
	}

	raw := r.URL.Query().Get("older_than")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "older_than is required")
		return
	}
	before, err := parseCutoff(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "older_than must be a duration or RFC 3339 timestamp")
		return
	}

	purged, err := svc.Purge(r.Context(), before)
	if err != nil {
		s.logger.Error("dlq purge failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "dlq purge failed")
		return
	}

	s.logger.Info("dlq purged",
		slog.String("queue", svc.Queue()),
		slog.Int64("purged", purged),
		slog.Time("before", before),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":  svc.Queue(),
		"purged": purged,
	})
}

func parseCutoff(raw string) (time.Time, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Parse(time.RFC3339, raw)
}

func intParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
