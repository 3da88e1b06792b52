package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/debarshibasak/coordination/pkg/election"
	"github.com/debarshibasak/coordination/pkg/tasks"
	"github.com/debarshibasak/coordination/pkg/taskstore"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Membership is the read side of the heartbeat tracker.
type Membership interface {
	NodeID() string
	IsCoordinator() bool
	Snapshot() *election.Snapshot
}

// Registry is the task state machine the API drives.
type Registry interface {
	RegisterTask(ctx context.Context, name string) error
	Unregister(ctx context.Context, name string) error
	Task(ctx context.Context, name string) (taskstore.Task, error)
	Reactivate(ctx context.Context, name string) (bool, error)
	TasksOwnedBy(ctx context.Context, nodeID string, state taskstore.State) ([]string, error)
	PurgeNode(ctx context.Context, nodeID string) (int64, error)
}

// TaskStore holds the operator-only store operations.
type TaskStore interface {
	ListTaskNames(ctx context.Context) ([]string, error)
	ReassignTask(ctx context.Context, name string, nodeID *string) (bool, error)
}

// Handler serves the management API
type Handler struct {
	membership Membership
	registry   Registry
	store      TaskStore
	logger     *zap.Logger
}

// NewHandler creates a new instance of Handler
func NewHandler(m Membership, r Registry, s TaskStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		membership: m,
		registry:   r,
		store:      s,
		logger:     logger.Named("api"),
	}
}

// RegisterRoutes registers the management routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/cluster/nodes", h.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/cluster/coordinator", h.handleCoordinator).Methods(http.MethodGet)
	r.HandleFunc("/cluster/nodes/{nodeID}/tasks", h.handlePurgeNode).Methods(http.MethodDelete)

	r.HandleFunc("/tasks", h.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{name}", h.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{name}", h.handleRegisterTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{name}", h.handleUnregisterTask).Methods(http.MethodDelete)
	r.HandleFunc("/tasks/{name}/assignment", h.handleReassign).Methods(http.MethodPut)
	r.HandleFunc("/tasks/{name}/reactivate", h.handleReactivate).Methods(http.MethodPost)

	r.HandleFunc("/nodes/{nodeID}/tasks", h.handleNodeTasks).Methods(http.MethodGet)
}

type nodeView struct {
	NodeID        string    `json:"node_id"`
	Priority      int       `json:"priority"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type clusterView struct {
	Self          string     `json:"self"`
	Coordinator   string     `json:"coordinator"`
	IsCoordinator bool       `json:"is_coordinator"`
	TakenAt       time.Time  `json:"taken_at"`
	Nodes         []nodeView `json:"nodes"`
}

type assignmentRequest struct {
	NodeID *string `json:"node_id"`
}

type changeResponse struct {
	Changed bool  `json:"changed"`
	Count   int64 `json:"count,omitempty"`
}

// handleHealth handles GET /health requests
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if h.membership.Snapshot() == nil {
		status = "starting"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"node_id": h.membership.NodeID(),
	})
}

// handleListNodes handles GET /cluster/nodes requests
func (h *Handler) handleListNodes(w http.ResponseWriter, r *http.Request) {
	view := clusterView{
		Self:          h.membership.NodeID(),
		IsCoordinator: h.membership.IsCoordinator(),
		Nodes:         []nodeView{},
	}
	if snap := h.membership.Snapshot(); snap != nil {
		view.Coordinator = snap.Coordinator
		view.TakenAt = snap.TakenAt
		for _, n := range snap.Live {
			view.Nodes = append(view.Nodes, nodeView{
				NodeID:        n.NodeID,
				Priority:      n.Priority,
				LastHeartbeat: time.UnixMilli(n.LastHeartbeat),
			})
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCoordinator handles GET /cluster/coordinator requests
func (h *Handler) handleCoordinator(w http.ResponseWriter, r *http.Request) {
	snap := h.membership.Snapshot()
	if snap == nil || snap.Coordinator == "" {
		http.Error(w, "no coordinator known", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"coordinator":    snap.Coordinator,
		"is_coordinator": h.membership.IsCoordinator(),
	})
}

// handlePurgeNode handles DELETE /cluster/nodes/{nodeID}/tasks requests
func (h *Handler) handlePurgeNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeID"]
	n, err := h.registry.PurgeNode(r.Context(), nodeID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changeResponse{Changed: n > 0, Count: n})
}

// handleListTasks handles GET /tasks requests
func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.ListTaskNames(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

// handleGetTask handles GET /tasks/{name} requests
func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.registry.Task(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleRegisterTask handles POST /tasks/{name} requests
func (h *Handler) handleRegisterTask(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.registry.RegisterTask(r.Context(), name); err != nil {
		h.writeError(w, err)
		return
	}
	task, err := h.registry.Task(r.Context(), name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// handleUnregisterTask handles DELETE /tasks/{name} requests
func (h *Handler) handleUnregisterTask(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Unregister(r.Context(), mux.Vars(r)["name"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReassign handles PUT /tasks/{name}/assignment requests. A null node_id clears
// the assignment. A RUNNING task drops back to NONE either way.
func (h *Handler) handleReassign(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req assignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.NodeID != nil && *req.NodeID == "" {
		http.Error(w, "node_id must be null or a node id", http.StatusBadRequest)
		return
	}

	changed, err := h.store.ReassignTask(r.Context(), name, req.NodeID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !changed {
		http.Error(w, "unknown task", http.StatusNotFound)
		return
	}

	target := "<none>"
	if req.NodeID != nil {
		target = *req.NodeID
	}
	h.logger.Info("task reassigned by operator", zap.String("task", name), zap.String("target", target))

	task, err := h.registry.Task(r.Context(), name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleReactivate handles POST /tasks/{name}/reactivate requests
func (h *Handler) handleReactivate(w http.ResponseWriter, r *http.Request) {
	changed, err := h.registry.Reactivate(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, changeResponse{Changed: changed})
}

// handleNodeTasks handles GET /nodes/{nodeID}/tasks requests
func (h *Handler) handleNodeTasks(w http.ResponseWriter, r *http.Request) {
	state := taskstore.StateRunning
	if s := r.URL.Query().Get("state"); s != "" {
		parsed, err := taskstore.ParseState(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		state = parsed
	}

	names, err := h.registry.TasksOwnedBy(r.Context(), mux.Vars(r)["nodeID"], state)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

// writeError maps the error taxonomy onto status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, taskstore.ErrStoreUnavailable):
		h.logger.Warn("store unavailable", zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, tasks.ErrInvalidTaskName), errors.Is(err, taskstore.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, tasks.ErrUnknownTask), errors.Is(err, taskstore.ErrTaskNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		h.logger.Error("request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
