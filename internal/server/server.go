// Package server is the thin operator HTTP surface of §6: a chi router
// exposing the core's contracts (ingestion, reconciliation, cases,
// batch jobs, analytics, health). Routing only — authentication, CSRF
// and rate limiting are external collaborators and stay out of scope.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/r3e-audit/forensic-engine/internal/apperr"
	"github.com/r3e-audit/forensic-engine/internal/batch"
	"github.com/r3e-audit/forensic-engine/internal/cases"
	"github.com/r3e-audit/forensic-engine/internal/eventbus"
	"github.com/r3e-audit/forensic-engine/internal/graph"
	"github.com/r3e-audit/forensic-engine/internal/ingestion"
	"github.com/r3e-audit/forensic-engine/internal/logging"
	"github.com/r3e-audit/forensic-engine/internal/matcher"
	"github.com/r3e-audit/forensic-engine/internal/models"
	"github.com/r3e-audit/forensic-engine/internal/monitor"
	"github.com/r3e-audit/forensic-engine/internal/push"
	"github.com/r3e-audit/forensic-engine/internal/store"
	"github.com/r3e-audit/forensic-engine/internal/trigger"
)

// Server bundles the engine components behind HTTP handlers.
type Server struct {
	log          *logging.Logger
	store        store.Store
	bus          *eventbus.Bus
	pipeline     *ingestion.Pipeline
	matcher      *matcher.Matcher
	trigger      *trigger.Engine
	graph        *graph.Analytics
	orchestrator *batch.Orchestrator
	monitor      *monitor.Monitor
	cases        *cases.Service
	hub          *push.Hub
}

// New creates a Server.
func New(log *logging.Logger, s store.Store, bus *eventbus.Bus, pipe *ingestion.Pipeline, m *matcher.Matcher, trig *trigger.Engine, g *graph.Analytics, orch *batch.Orchestrator, mon *monitor.Monitor, cs *cases.Service, hub *push.Hub) *Server {
	if log == nil {
		log = logging.NewDefault()
	}
	return &Server{
		log: log, store: s, bus: bus, pipeline: pipe, matcher: m, trigger: trig,
		graph: g, orchestrator: orch, monitor: mon, cases: cs, hub: hub,
	}
}

// Router builds the operator API routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.hub.ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/projects", s.handleCreateProject)
		r.Get("/projects/{project}/alerts", s.handleListAlerts)
		r.Post("/projects/{project}/monitor/run", s.handleMonitorRun)
		r.Get("/events", s.handleRecentEvents)

		r.Post("/ingest/{project}/{kind}", s.handleIngest)

		r.Route("/reconcile/{project}", func(r chi.Router) {
			r.Post("/run", s.handleReconcileRun)
			r.Get("/suggested", s.handleReconcileSuggested)
			r.Post("/auto-confirm", s.handleReconcileAutoConfirm)
			r.Post("/confirm/{match}", s.handleReconcileConfirm)
		})

		r.Route("/cases/{project}", func(r chi.Router) {
			r.Post("/", s.handleCreateCase)
			r.Post("/{case}/exhibits", s.handleAddExhibit)
			r.Patch("/{case}/exhibits/{exhibit}", s.handleAdjudicateExhibit)
			r.Post("/{case}/seal", s.handleSealCase)
		})

		r.Route("/batch-jobs", func(r chi.Router) {
			r.Post("/submit", s.handleSubmitJob)
			r.Get("/{job}", s.handleJobStatus)
			r.Post("/{job}/cancel", s.handleCancelJob)
		})

		r.Route("/analytics/{project}", func(r chi.Router) {
			r.Post("/cycles", s.handleDetectCycles)
			r.Post("/benford", s.handleBenford)
			r.Post("/structuring", s.handleStructuring)
		})
		r.Get("/entities/{entity}/ubo", s.handleResolveUBO)
	})

	return r
}

func newID() string { return uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperr.IsNotFound(err):
		status = http.StatusNotFound
	case apperr.IsValidation(err):
		status = http.StatusBadRequest
	case apperr.IsConflict(err):
		status = http.StatusConflict
	case apperr.IsPermanent(err):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.log.Errorf("server: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	hs, _ := s.orchestrator.Health(r.Context())
	writeJSON(w, http.StatusOK, hs)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string   `json:"name"`
		Code           string   `json:"code"`
		ContractValue  float64  `json:"contract_value"`
		StartDate      string   `json:"start_date"`
		ContractorName string   `json:"contractor_name"`
		SiteLat        *float64 `json:"site_lat"`
		SiteLon        *float64 `json:"site_lon"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.NewValidation("body", err.Error()))
		return
	}
	if req.Code == "" {
		s.writeError(w, apperr.NewValidation("code", "required"))
		return
	}
	start := time.Now().UTC()
	if req.StartDate != "" {
		if ts, err := time.Parse("2006-01-02", req.StartDate); err == nil {
			start = ts
		}
	}
	p := &models.Project{
		ID:             newID(),
		Name:           req.Name,
		Code:           req.Code,
		ContractValue:  req.ContractValue,
		StartDate:      start,
		ContractorName: req.ContractorName,
		Status:         models.ProjectAuditMode,
		SiteLat:        req.SiteLat,
		SiteLon:        req.SiteLon,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateProject(r.Context(), p); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// handleIngest accepts mapping + rows and hands them to the batch
// orchestrator. Ledger rows batch individually; a statement file is one
// atomic work item so the per-account balance state stays sequential
// (§5).
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project")
	kindParam := chi.URLParam(r, "kind")

	var kind ingestion.Kind
	switch kindParam {
	case "ledger":
		kind = ingestion.KindLedger
	case "bank":
		kind = ingestion.KindStatement
	default:
		s.writeError(w, apperr.NewValidation("kind", "must be ledger or bank"))
		return
	}

	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req struct {
		Mapping ingestion.Mapping  `json:"mapping"`
		Rows    []ingestion.RawRow `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.NewValidation("body", err.Error()))
		return
	}
	if len(req.Rows) == 0 {
		s.writeError(w, apperr.NewValidation("rows", "empty input"))
		return
	}
	if len(req.Rows) > 100_000 {
		s.writeError(w, apperr.NewValidation("rows", "exceeds 100,000 rows per file"))
		return
	}

	var items []any
	if kind == ingestion.KindStatement {
		items = []any{req.Rows}
	} else {
		items = make([]any, len(req.Rows))
		for i, row := range req.Rows {
			items[i] = row
		}
	}

	proc := func(ctx context.Context, _ string, batchItems []any) (int, int, error) {
		rows := make([]ingestion.RawRow, 0, len(batchItems))
		for _, it := range batchItems {
			switch v := it.(type) {
			case ingestion.RawRow:
				rows = append(rows, v)
			case []ingestion.RawRow:
				rows = append(rows, v...)
			}
		}
		res, err := s.pipeline.Ingest(ctx, project, req.Mapping, rows, kind)
		if err != nil {
			return 0, 0, err
		}
		if kind == ingestion.KindStatement {
			return len(batchItems), 0, nil
		}
		return res.RowsProcessed, res.RowsSkipped, nil
	}

	jobID, err := s.orchestrator.Submit(r.Context(), projectID, "transaction", items, proc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// handleReconcileRun re-evaluates pending rows through TriggerEngine and
// produces fresh match suggestions.
func (s *Server) handleReconcileRun(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project")
	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	pending, err := s.store.ListTransactions(r.Context(), store.TransactionFilter{
		ProjectID: projectID,
		Status:    models.StatusPending,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, tx := range pending {
		s.trigger.Evaluate(r.Context(), tx, project)
		if err := s.store.UpdateTransaction(r.Context(), tx); err != nil {
			s.log.Warnf("server: persist trigger result for %s: %v", tx.ID, err)
		}
	}

	matches, skipped, err := s.matcher.Suggest(r.Context(), projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"evaluated":     len(pending),
		"matches":       matches,
		"skipped_pairs": skipped,
	})
}

func (s *Server) handleReconcileSuggested(w http.ResponseWriter, r *http.Request) {
	matches, err := s.store.ListMatchesByProject(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	unconfirmed := matches[:0]
	for _, m := range matches {
		if !m.Confirmed {
			unconfirmed = append(unconfirmed, m)
		}
	}
	writeJSON(w, http.StatusOK, unconfirmed)
}

func (s *Server) handleReconcileAutoConfirm(w http.ResponseWriter, r *http.Request) {
	res, err := s.matcher.AutoConfirm(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReconcileConfirm(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get("X-Actor")
	if err := s.matcher.Confirm(r.Context(), chi.URLParam(r, "match"), actor); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.NewValidation("body", err.Error()))
		return
	}
	c, err := s.cases.Create(r.Context(), chi.URLParam(r, "project"), req.Title, r.Header.Get("X-Actor"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleAddExhibit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		EntityRefID string `json:"entity_ref_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.NewValidation("body", err.Error()))
		return
	}
	ex, err := s.cases.AddExhibit(r.Context(), chi.URLParam(r, "case"), req.Title, req.EntityRefID, r.Header.Get("X-Actor"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ex)
}

func (s *Server) handleAdjudicateExhibit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Verdict string `json:"verdict"`
		Note    string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.NewValidation("body", err.Error()))
		return
	}
	verdict := models.ExhibitVerdict(req.Verdict)
	switch verdict {
	case models.VerdictAdmitted, models.VerdictRejected, models.VerdictPending:
	default:
		s.writeError(w, apperr.NewValidation("verdict", "must be PENDING, ADMITTED or REJECTED"))
		return
	}
	ex, err := s.cases.Adjudicate(r.Context(), chi.URLParam(r, "exhibit"), verdict, r.Header.Get("X-Actor"), req.Note)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleSealCase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FinalReport string `json:"final_report"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.NewValidation("body", err.Error()))
		return
	}
	c, err := s.cases.Seal(r.Context(), chi.URLParam(r, "case"), []byte(req.FinalReport), r.Header.Get("X-Actor"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Project  string            `json:"project"`
		DataType string            `json:"data_type"`
		Items    []json.RawMessage `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.NewValidation("body", err.Error()))
		return
	}
	items := make([]any, len(req.Items))
	for i, it := range req.Items {
		items[i] = it
	}
	// Generic submissions count items through a pass-through processor;
	// typed paths (ingest) attach real processors.
	proc := func(_ context.Context, _ string, batchItems []any) (int, int, error) {
		return len(batchItems), 0, nil
	}
	jobID, err := s.orchestrator.Submit(r.Context(), req.Project, req.DataType, items, proc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.orchestrator.Status(r.Context(), chi.URLParam(r, "job"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":              job,
		"progress_percent": job.ProgressPercent(),
		"success_rate":     job.SuccessRate(),
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.Cancel(r.Context(), chi.URLParam(r, "job")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleDetectCycles(w http.ResponseWriter, r *http.Request) {
	minAmount := 1e6
	if v := r.URL.Query().Get("min_amount"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			minAmount = f
		}
	}
	cycles, err := s.graph.DetectCycles(r.Context(), chi.URLParam(r, "project"), minAmount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cycles)
}

func (s *Server) handleBenford(w http.ResponseWriter, r *http.Request) {
	res, err := s.graph.RunBenford(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStructuring(w http.ResponseWriter, r *http.Request) {
	insights, err := s.graph.DetectStructuringBursts(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, insights)
}

func (s *Server) handleResolveUBO(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.graph.ResolveUBO(r.Context(), chi.URLParam(r, "entity"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-24 * time.Hour).Unix()
	alerts, err := s.store.ListRecentAlerts(r.Context(), chi.URLParam(r, "project"), since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleMonitorRun(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "project")
	alerts, err := s.monitor.Run(r.Context(), &projectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	filter := eventbus.RecentFilter{
		Type:    eventbus.EventType(r.URL.Query().Get("type")),
		Project: r.URL.Query().Get("project"),
	}
	writeJSON(w, http.StatusOK, s.bus.Recent(filter, limit))
}
