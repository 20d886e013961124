package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mkrh/fleetd/internal/orchestrator"
	"github.com/mkrh/fleetd/internal/pool"
	"github.com/mkrh/fleetd/internal/queue"
	"github.com/mkrh/fleetd/internal/store"
	"github.com/mkrh/fleetd/internal/task"
	"go.uber.org/zap"
)

// Handler exposes the orchestrator's library contract over HTTP for
// task submitters and workers.
type Handler struct {
	orch    *orchestrator.FleetOrchestrator
	archive *store.Store
	logger  *zap.Logger
}

// NewHandler creates the API handler. archive may be nil when no
// database is configured.
func NewHandler(orch *orchestrator.FleetOrchestrator, archive *store.Store, logger *zap.Logger) *Handler {
	return &Handler{orch: orch, archive: archive, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/status", h.getStatus)

		r.Post("/tasks", h.submitTask)
		r.Get("/tasks/{id}", h.getTask)
		r.Post("/tasks/{id}/complete", h.completeTask)
		r.Post("/tasks/{id}/fail", h.failTask)
		r.Get("/tasks/archive", h.listArchive)

		r.Post("/workers", h.registerWorker)
		r.Delete("/workers/{id}", h.deregisterWorker)
		r.Post("/workers/{id}/heartbeat", h.workerHeartbeat)
		r.Post("/workers/{id}/assign", h.assignTask)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "fleetd"})
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orch.Status())
}

type submitRequest struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Metadata       map[string]string `json:"metadata"`
	Priority       string            `json:"priority"`
	TimeoutSeconds int               `json:"timeout_seconds"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	prio, err := queue.ParsePriority(req.Priority)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.TimeoutSeconds < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "timeout_seconds must be >= 0"})
		return
	}

	id, err := h.orch.SubmitTask(task.Task{
		ID:          req.ID,
		Title:       req.Title,
		Description: req.Description,
		Metadata:    req.Metadata,
	}, prio, time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": id})
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap := h.orch.TaskStatus(id)
	if snap == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type completeRequest struct {
	WorkerID string         `json:"worker_id"`
	Result   map[string]any `json:"result"`
}

func (h *Handler) completeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if !h.orch.CompleteTask(id, req.WorkerID, req.Result) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "task not completable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type failRequest struct {
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
	Retry    *bool  `json:"retry"`
}

func (h *Handler) failTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	retry := true
	if req.Retry != nil {
		retry = *req.Retry
	}
	if !h.orch.FailTask(id, req.WorkerID, req.Error, retry) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "task not failable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) listArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "archive not configured"})
		return
	}
	tasks, err := h.archive.ListArchived(r.Context(), 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type registerRequest struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Metadata map[string]string `json:"metadata"`
}

func (h *Handler) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "worker id is required"})
		return
	}
	if !h.orch.RegisterWorker(req.ID, req.Type, req.Metadata) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "pool is full"})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"worker_id": req.ID})
}

func (h *Handler) deregisterWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.orch.DeregisterWorker(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "worker not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type heartbeatRequest struct {
	Status         string `json:"status"`
	TasksCompleted int    `json:"tasks_completed"`
	UnitsFixed     int    `json:"units_fixed"`
	Escalations    int    `json:"escalations"`
	CurrentTask    string `json:"current_task"`
}

func (h *Handler) workerHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	status := pool.WorkerStatus(req.Status)
	if status == "" {
		status = pool.WorkerIdle
	}
	if !h.orch.WorkerHeartbeat(id, status, req.TasksCompleted, req.UnitsFixed, req.Escalations, req.CurrentTask) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "pool is full"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) assignTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	assignment := h.orch.AssignTaskToWorker(id)
	if assignment == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
