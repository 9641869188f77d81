package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/horizon/internal/horizon"
)

// listMasters handles GET /v1/masters and returns {"masters": [...]}.
func (s *Server) listMasters(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	masters, err := s.store.Masters(ctx)
	if err != nil {
		s.fail(w, "list masters", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"masters": masters})
}

// listSupervisors handles GET /v1/supervisors?master=. The optional master
// filter keeps only supervisors owned by that master.
func (s *Server) listSupervisors(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	sups, err := s.store.Supervisors(ctx)
	if err != nil {
		s.fail(w, "list supervisors", err)
		return
	}
	if master := strings.TrimSpace(r.URL.Query().Get("master")); master != "" {
		sups = slices.DeleteFunc(sups, func(rec horizon.SupervisorRecord) bool { return rec.Master != master })
	}
	writeJSON(w, http.StatusOK, map[string]any{"supervisors": sups})
}

// getSupervisor handles GET /v1/supervisors/{name}. It returns 404 when no
// record exists under the host-scoped name.
func (s *Server) getSupervisor(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	name := chi.URLParam(r, "name")
	rec, err := s.store.Supervisor(ctx, name)
	if err != nil {
		if errors.Is(err, horizon.ErrNotFound) {
			writeError(w, http.StatusNotFound, "supervisor not found")
			return
		}
		s.fail(w, "get supervisor", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"supervisor": rec})
}

type snapshotTotals struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// listSnapshots handles GET /v1/queues/{queue}/snapshots?from=&to=&source=.
// Bounds are RFC 3339 timestamps; source=archive reads the durable archive
// instead of shared storage.
func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	from, to, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var src SnapshotSource = s.store
	switch r.URL.Query().Get("source") {
	case "", "store":
	case "archive":
		if s.archive == nil {
			writeError(w, http.StatusServiceUnavailable, "snapshot archive not configured")
			return
		}
		src = s.archive
	default:
		writeError(w, http.StatusBadRequest, "invalid source")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	snaps, err := src.Snapshots(ctx, queue, from, to)
	if err != nil {
		s.fail(w, "list snapshots", err)
		return
	}
	var totals snapshotTotals
	for _, snap := range snaps {
		totals.Processed += snap.Processed
		totals.Failed += snap.Failed
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue":     queue,
		"snapshots": snaps,
		"totals":    totals,
	})
}

// getWorkload handles GET /v1/queues/{queue}/workload.
func (s *Server) getWorkload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	wl, err := s.workload(ctx, chi.URLParam(r, "queue"))
	if err != nil {
		s.fail(w, "get workload", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workload": wl})
}

func (s *Server) workload(ctx context.Context, queue string) (horizon.Workload, error) {
	wl := horizon.Workload{Queue: queue}
	var err error
	if wl.Pending, err = s.queue.Pending(ctx, queue); err != nil {
		return wl, fmt.Errorf("pending: %w", err)
	}
	if wl.Size, err = s.queue.Size(ctx, queue); err != nil {
		return wl, fmt.Errorf("size: %w", err)
	}
	sups, err := s.store.Supervisors(ctx)
	if err != nil {
		return wl, fmt.Errorf("supervisors: %w", err)
	}
	for _, rec := range sups {
		for _, p := range rec.Pools {
			if slices.Contains(p.Queues, queue) {
				wl.Processes += p.Processes
			}
		}
	}
	stats, err := s.store.QueueStats(ctx, queue)
	if err != nil {
		return wl, fmt.Errorf("queue stats: %w", err)
	}
	wl.Wait = estimateWait(wl.Pending, stats.AverageRuntime(), wl.Processes)
	return wl, nil
}

// estimateWait is the time the current backlog needs with the current processes.
func estimateWait(pending int64, avg time.Duration, processes int) time.Duration {
	if pending == 0 || avg == 0 {
		return 0
	}
	return time.Duration(pending) * avg / time.Duration(max(processes, 1))
}

func parseRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	var from, to time.Time
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, errors.New("invalid from")
		}
		from = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, errors.New("invalid to")
		}
		to = t
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return from, to, errors.New("to is before from")
	}
	return from, to, nil
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", zap.Error(err))
	if errors.Is(err, horizon.ErrBackendUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "shared storage unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, op+" failed")
}
