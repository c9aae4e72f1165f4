package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/kohantikanath/visit-counter/internal/monitoring"
	"github.com/kohantikanath/visit-counter/internal/shard"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError emits the error body as {"detail": "..."}.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

// handleVisit records one visit for the page in the path.
func (s *Server) handleVisit(w http.ResponseWriter, r *http.Request) {
	page := r.PathValue("page_id")
	if page == "" {
		writeError(w, http.StatusBadRequest, "page_id must not be empty")
		return
	}

	if err := s.counts.Increment(r.Context(), page); err != nil {
		// A client that went away gets no response; that is not a server
		// error worth counting.
		if r.Context().Err() != nil {
			s.logger.Debug().Str("page_id", page).Msg("Visit abandoned, client disconnected")
			return
		}
		monitoring.RecordError(monitoring.ErrorTypeHTTP, monitoring.ErrorSeverityWarning)
		s.logger.Error().
			Err(err).
			Str("page_id", page).
			Msg("Failed to record visit")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Visit recorded for page %s", page),
	})
}

// handleGetVisits returns the page's count and whether it was served from
// the in-process cache or from Redis.
func (s *Server) handleGetVisits(w http.ResponseWriter, r *http.Request) {
	page := r.PathValue("page_id")
	if page == "" {
		writeError(w, http.StatusBadRequest, "page_id must not be empty")
		return
	}

	count, source, err := s.counts.Get(r.Context(), page)
	if err != nil {
		if r.Context().Err() != nil {
			s.logger.Debug().Str("page_id", page).Msg("Read abandoned, client disconnected")
			return
		}
		monitoring.RecordError(monitoring.ErrorTypeHTTP, monitoring.ErrorSeverityWarning)
		s.logger.Error().
			Err(err).
			Str("page_id", page).
			Msg("Failed to read visit count")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":      count,
		"served_via": source,
	})
}

// shardRequest is the body of the admin shard endpoints.
type shardRequest struct {
	URL string `json:"url"`
}

func decodeShardRequest(r *http.Request) (string, error) {
	var req shardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", fmt.Errorf("invalid request body: %w", err)
	}
	if req.URL == "" {
		return "", errors.New("url is required")
	}
	return req.URL, nil
}

// handleAddShard registers a new shard and migrates the keys it now owns.
//
// Responses:
//
//	success - shard added, all remapped keys migrated
//	partial - shard added and serving, some keys failed to migrate
//	noop    - shard was already registered
func (s *Server) handleAddShard(w http.ResponseWriter, r *http.Request) {
	url, err := decodeShardRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.shards.AddShard(r.Context(), url)
	switch {
	case err == nil && report == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "noop",
			"message": "shard already registered",
			"shard":   url,
		})
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "success",
			"shard":     url,
			"migration": report,
		})
	case report != nil:
		// The ring and client are live; only some key moves failed. The
		// report carries the per-key errors.
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "partial",
			"shard":     url,
			"detail":    err.Error(),
			"migration": report,
		})
	default:
		monitoring.RecordError(monitoring.ErrorTypeHTTP, monitoring.ErrorSeverityWarning)
		s.logger.Error().
			Err(err).
			Str("shard", url).
			Msg("Failed to add shard")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleRemoveShard drains a shard's keys to the rest of the ring and
// drops it. Removing the last shard is refused.
func (s *Server) handleRemoveShard(w http.ResponseWriter, r *http.Request) {
	url, err := decodeShardRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.shards.RemoveShard(r.Context(), url)
	switch {
	case errors.Is(err, shard.ErrLastShard):
		writeError(w, http.StatusConflict, "cannot remove the last shard")
	case err == nil && report == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "noop",
			"message": "shard not registered",
			"shard":   url,
		})
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "success",
			"shard":     url,
			"migration": report,
		})
	case report != nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "partial",
			"shard":     url,
			"detail":    err.Error(),
			"migration": report,
		})
	default:
		monitoring.RecordError(monitoring.ErrorTypeHTTP, monitoring.ErrorSeverityWarning)
		s.logger.Error().
			Err(err).
			Str("shard", url).
			Msg("Failed to remove shard")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleHealth reports overall service health with per-subsystem checks.
// Returns: healthy, degraded (warnings), or unhealthy (errors)
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Content-Type", "application/json")

	isHealthy := true
	warnings := []string{}
	errs := []string{}

	// Shards are the critical dependency; with an empty ring every read
	// and flush fails.
	shardCount := s.shards.NumShards()
	shardsHealthy := shardCount > 0
	if !shardsHealthy {
		isHealthy = false
		errs = append(errs, "no shards registered")
		s.logger.Error().Msg("Health check failed: no shards registered")
	}

	stats := s.counts.Stats()

	// A saturated flush queue means ticks are outpacing the workers.
	queueHealthy := true
	if stats.QueueCapacity > 0 {
		queuePercent := float64(stats.QueueDepth) / float64(stats.QueueCapacity) * 100
		if queuePercent >= 90 {
			queueHealthy = false
			warnings = append(warnings, fmt.Sprintf("flush queue near capacity (%.1f%%)", queuePercent))
		}
	}
	if stats.DroppedTasks > 0 {
		warnings = append(warnings, fmt.Sprintf("%d flush tasks dropped since start", stats.DroppedTasks))
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !isHealthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if len(warnings) > 0 {
		status = "degraded"
	}

	checks := map[string]any{
		"shards": map[string]any{
			"count":   shardCount,
			"urls":    s.shards.Shards(),
			"healthy": shardsHealthy,
		},
		"pipeline": map[string]any{
			"buffered_keys":  stats.BufferedKeys,
			"cache_entries":  stats.CacheEntries,
			"queue_depth":    stats.QueueDepth,
			"queue_capacity": stats.QueueCapacity,
			"dropped_tasks":  stats.DroppedTasks,
			"healthy":        queueHealthy,
		},
		"goroutines": map[string]any{
			"current": runtime.NumGoroutine(),
		},
	}

	if s.monitor != nil {
		sys := s.monitor.GetMetrics()
		checks["system"] = map[string]any{
			"cpu_percent": sys.CPUPercent,
			"memory_mb":   sys.MemoryMB,
			"sampled_at":  sys.Timestamp,
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"status":      status,
		"healthy":     isHealthy,
		"environment": s.config.Environment,
		"checks":      checks,
		"warnings":    warnings,
		"errors":      errs,
		"uptime":      time.Since(s.startTime).Seconds(),
	})
}
