// Package http is the ops API: it drives and inspects batch export runs
// and backfills. Batch export definitions themselves are managed by a
// separate configuration surface.
package http

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	m "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"batchbridge/internal/db"
	"batchbridge/internal/orchestrator"
	"batchbridge/internal/schemas"
)

type Server struct {
	Store    *db.Store
	Enqueuer orchestrator.TaskEnqueuer
}

func NewServer(addr string, store *db.Store, enq orchestrator.TaskEnqueuer) *http.Server {
	s := &Server{Store: store, Enqueuer: enq}
	r := chi.NewRouter()
	r.Use(m.RequestID, m.RealIP, m.Logger, m.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(RequireAPIToken)
		r.Post("/backfills", s.createBackfill)
		r.Post("/backfills/{id}/cancel", s.cancelBackfill)
		r.Get("/backfills/{id}", s.getBackfill)
		r.Get("/batch-exports/{id}/runs", s.listRuns)
		r.Get("/runs/{id}", s.getRun)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.DB.Ping(); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "db error"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
}

type errResp struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) createBackfill(w http.ResponseWriter, r *http.Request) {
	var req schemas.CreateBackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, 400, errResp{err.Error()})
		return
	}
	if req.BatchExportID == "" || req.End.IsZero() {
		writeJSON(w, 400, errResp{"batch_export_id and end are required"})
		return
	}
	if req.Start != nil && !req.Start.Before(req.End) {
		writeJSON(w, 400, errResp{"start must be before end"})
		return
	}

	be, err := s.Store.BatchExport(r.Context(), req.BatchExportID)
	if errors.Is(err, db.ErrNotFound) {
		writeJSON(w, 404, errResp{"batch export not found"})
		return
	}
	if err != nil {
		writeJSON(w, 500, errResp{err.Error()})
		return
	}
	if be.Paused {
		writeJSON(w, 409, errResp{"batch export is paused"})
		return
	}

	bf := &db.BatchExportBackfill{
		BatchExportID: be.ID,
		Start:         req.Start,
		End:           req.End,
	}
	if err := s.Store.CreateBackfill(r.Context(), bf); err != nil {
		writeJSON(w, 500, errResp{err.Error()})
		return
	}
	if err := s.Enqueuer.EnqueueBackfill(r.Context(), bf.ID); err != nil {
		writeJSON(w, 500, errResp{err.Error()})
		return
	}
	writeJSON(w, 200, backfillOut(bf))
}

func (s *Server) cancelBackfill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	bf, err := s.Store.Backfill(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeJSON(w, 404, errResp{"backfill not found"})
		return
	}
	if err != nil {
		writeJSON(w, 500, errResp{err.Error()})
		return
	}
	if bf.Status != db.BackfillStatusRunning {
		writeJSON(w, 409, errResp{"backfill already " + bf.Status})
		return
	}
	if err := s.Store.UpdateBackfillStatus(r.Context(), id, db.BackfillStatusCancelled); err != nil {
		writeJSON(w, 500, errResp{err.Error()})
		return
	}
	bf.Status = db.BackfillStatusCancelled
	writeJSON(w, 200, backfillOut(bf))
}

func (s *Server) getBackfill(w http.ResponseWriter, r *http.Request) {
	bf, err := s.Store.Backfill(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrNotFound) {
		writeJSON(w, 404, errResp{"backfill not found"})
		return
	}
	if err != nil {
		writeJSON(w, 500, errResp{err.Error()})
		return
	}
	writeJSON(w, 200, backfillOut(bf))
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, 400, errResp{"limit must be an integer"})
			return
		}
		limit = n
	}
	runs, err := s.Store.ListRuns(r.Context(), id, limit)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, 500, errResp{err.Error()})
		return
	}
	out := schemas.RunListOut{Runs: make([]schemas.RunOut, 0, len(runs))}
	for i := range runs {
		out.Runs = append(out.Runs, runOut(&runs[i]))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.Store.Run(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, db.ErrNotFound) {
		writeJSON(w, 404, errResp{"run not found"})
		return
	}
	if err != nil {
		writeJSON(w, 500, errResp{err.Error()})
		return
	}
	writeJSON(w, 200, runOut(run))
}

func backfillOut(bf *db.BatchExportBackfill) schemas.BackfillOut {
	return schemas.BackfillOut{
		BackfillID:    bf.ID,
		BatchExportID: bf.BatchExportID,
		Start:         bf.Start,
		End:           bf.End,
		Status:        bf.Status,
		CreatedAt:     bf.CreatedAt,
		FinishedAt:    bf.FinishedAt,
	}
}

func runOut(run *db.BatchExportRun) schemas.RunOut {
	return schemas.RunOut{
		RunID:             run.ID,
		BatchExportID:     run.BatchExportID,
		IntervalStart:     run.IntervalStart,
		IntervalEnd:       run.IntervalEnd,
		Status:            run.Status,
		RecordsCompleted:  run.RecordsCompleted,
		RecordsTotalCount: run.RecordsTotalCount,
		BytesExported:     run.BytesExported,
		LatestError:       run.LatestError,
		BackfillID:        run.BackfillID,
		CreatedAt:         run.CreatedAt,
		FinishedAt:        run.FinishedAt,
	}
}
