package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/revenue-tracker/internal/errors"
	"github.com/revenue-tracker/internal/ingest"
	"github.com/revenue-tracker/internal/models"
	"github.com/revenue-tracker/internal/worker"
)

// handleHealth reports 503 when the sync scheduler, the snapshot manager
// or the database is unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	engine := s.deps.Engine.Status()
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Database:  "ok",
		Sync:      s.deps.Sync.Status(),
		Snapshot:  ComponentHealth{Healthy: s.deps.Snapshots.IsHealthy()},
		Engine: EngineHealth{
			Healthy:      engine.Healthy,
			FailedTxids:  engine.FailedTxids,
			CurrentBlock: engine.State.CurrentBlock,
		},
	}

	healthy := resp.Sync.Healthy && resp.Snapshot.Healthy
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			resp.Database = err.Error()
			healthy = false
		}
	}

	status := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// handleTriggerSync runs one cycle: 200 completed, 409 when a cycle is
// already running, and the cycle error's status when it failed (502/504
// for the ledger, 500 otherwise). A client hanging up does not cancel the
// cycle.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Sync.TriggerNow(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, worker.ErrAlreadyRunning):
		respondServiceError(w, r, apperrors.SyncRunning(err))
	case err != nil:
		respondServiceError(w, r, err)
	case res.Outcome == worker.OutcomeCompleted:
		respondJSON(w, http.StatusOK, res)
	case res.Outcome == worker.OutcomeSkipped:
		respondServiceError(w, r, apperrors.SyncRunning(errors.New(res.Error)))
	default:
		status := http.StatusInternalServerError
		if res.Err != nil {
			status = apperrors.StatusCode(res.Err)
		}
		respondJSON(w, status, res)
	}
}

// handleUpdateMetrics merges network counters from the request body into
// current_metrics.
func (s *Server) handleUpdateMetrics(w http.ResponseWriter, r *http.Request) {
	var patch models.MetricsPatch
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		respondServiceError(w, r, apperrors.InvalidParameter("body", err.Error()))
		return
	}

	m, err := s.deps.Revenue.UpdateNetworkMetrics(r.Context(), patch)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// RevenueStatusResponse is the body of GET /api/admin/revenue-status.
type RevenueStatusResponse struct {
	Engine      ingest.EngineStatus    `json:"engine"`
	Scheduler   worker.SchedulerStatus `json:"scheduler"`
	FailedTxids []ingest.FailedTxid    `json:"failedTxids"`
}

func (s *Server) handleRevenueStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, RevenueStatusResponse{
		Engine:      s.deps.Engine.Status(),
		Scheduler:   s.deps.Sync.Status(),
		FailedTxids: s.deps.Engine.FailedTxids(),
	})
}

func (s *Server) handleTakeSnapshot(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Snapshots.TakeManualSnapshot(r.Context())
	status := http.StatusOK
	if !res.Success && !res.Skipped {
		status = http.StatusInternalServerError
	}
	respondJSON(w, status, res)
}

func (s *Server) handleSnapshotStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Snapshots.Status(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleCurrentMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Revenue.CurrentMetrics(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func (s *Server) handleTransactionSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Revenue.TransactionSummary(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		respondServiceError(w, r, apperrors.InvalidParameter("page", "must be an integer"))
		return
	}
	limit, err := intParam(q.Get("limit"), 50)
	if err != nil {
		respondServiceError(w, r, apperrors.InvalidParameter("limit", "must be an integer"))
		return
	}

	res, err := s.deps.Revenue.ListTransactions(r.Context(), page, limit, q.Get("search"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleTransactionsByDate(w http.ResponseWriter, r *http.Request) {
	date := mux.Vars(r)["date"]
	txs, err := s.deps.Revenue.TransactionsByDate(r.Context(), date)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"date":         date,
		"transactions": txs,
		"count":        len(txs),
	})
}

// handleDailyRevenue serves ?start=&end= when both are set, else ?days=.
func (s *Server) handleDailyRevenue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()

	if start, end := q.Get("start"), q.Get("end"); start != "" || end != "" {
		days, err := s.deps.Revenue.DailyRevenueInRange(ctx, start, end)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"data": days})
		return
	}

	n, err := intParam(q.Get("days"), 30)
	if err != nil {
		respondServiceError(w, r, apperrors.InvalidParameter("days", "must be an integer"))
		return
	}
	days, err := s.deps.Revenue.DailyRevenue(ctx, n)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": days})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 30)
	if err != nil {
		respondServiceError(w, r, apperrors.InvalidParameter("limit", "must be an integer"))
		return
	}
	snaps, err := s.deps.Revenue.Snapshots(r.Context(), q.Get("start"), q.Get("end"), limit)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": snaps})
}

func (s *Server) handleRevenueBreakdown(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Revenue.RevenueBreakdown(r.Context())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
