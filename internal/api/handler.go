package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/approval"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ml"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// GraphReloader rebuilds the decision graph from the persisted score-limit
// tables and swaps it into the running service.
type GraphReloader func(ctx context.Context) error

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	service *approval.Service
	reload  GraphReloader
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, service *approval.Service, reload GraphReloader, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		service: service,
		reload:  reload,
		version: version,
	}
}

// Evaluate handles POST /approvals requests.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req approval.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "userId is required",
		})
		return
	}
	if len(req.BankAccounts) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "at least one bank account is required",
		})
		return
	}
	for _, account := range req.BankAccounts {
		if account.ID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "every bank account needs an id",
			})
			return
		}
	}
	if req.Trigger == "" {
		req.Trigger = domain.TriggerUserRequest
	}

	resp, err := h.service.Evaluate(ctx, &req)
	if err != nil {
		slog.Error("approval evaluation failed",
			"user_id", req.UserID,
			"trace_id", GetTraceID(ctx),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "approval evaluation failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetApproval retrieves a persisted approval by ID.
func (h *Handler) GetApproval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	approvalID := chi.URLParam(r, "id")

	if approvalID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "approval id is required",
		})
		return
	}

	record, err := h.repo.GetApproval(ctx, approvalID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "approval not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get approval", "id", approvalID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load approval",
		})
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// ListUserApprovals retrieves recent approvals for a user.
func (h *Handler) ListUserApprovals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")

	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "user id is required",
		})
		return
	}

	limit := queryInt(r, "limit", 50)

	approvals, err := h.repo.ListApprovalsByUser(ctx, userID, limit)
	if err != nil {
		slog.Error("failed to list approvals", "user_id", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list approvals",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"approvals": approvals,
		"count":     len(approvals),
	})
}

// GetGraph exports the decision graph as JSON.
func (h *Handler) GetGraph(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Engine().Registry().Export())
}

// GetGraphDOT exports the decision graph in Graphviz DOT format.
func (h *Handler) GetGraphDOT(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(h.service.Engine().Registry().Export().DOT()))
}

// ListScoreLimits returns all persisted score-limit tables.
func (h *Handler) ListScoreLimits(w http.ResponseWriter, r *http.Request) {
	configs, err := h.repo.ListScoreLimitConfigs(r.Context())
	if err != nil {
		slog.Error("failed to list score-limit configs", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list score-limit configs",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"configs": configs,
		"count":   len(configs),
	})
}

// GetScoreLimit retrieves one score-limit table by node name.
func (h *Handler) GetScoreLimit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	cfg, err := h.repo.GetScoreLimitConfig(r.Context(), name)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "score-limit config not found",
		})
		return
	}
	if err != nil {
		slog.Error("failed to get score-limit config", "name", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load score-limit config",
		})
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

// SaveScoreLimit creates or replaces a score-limit table. The running
// graph keeps its tables until POST /score-limits/reload.
func (h *Handler) SaveScoreLimit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	var cfg domain.ScoreLimitConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	cfg.Name = name

	if err := ml.ValidateConfig(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid score-limit config: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveScoreLimitConfig(ctx, &cfg); err != nil {
		slog.Error("failed to save score-limit config", "name", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save score-limit config",
		})
		return
	}

	slog.Info("score-limit config saved", "name", name, "model_type", cfg.ModelType)
	writeJSON(w, http.StatusOK, map[string]any{
		"config":  cfg,
		"message": "Score-limit config saved. Call POST /score-limits/reload to apply changes.",
	})
}

// ReloadScoreLimits rebuilds the decision graph from persisted tables.
// This enables hot-reloading without server restart.
func (h *Handler) ReloadScoreLimits(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "graph reload not available",
		})
		return
	}

	if err := h.reload(r.Context()); err != nil {
		slog.Error("failed to reload decision graph", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload decision graph: " + err.Error(),
		})
		return
	}

	slog.Info("decision graph reloaded from score-limit configs")
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "decision graph reloaded successfully",
	})
}

// ListExperimentAssignments returns recent gate decisions for an experiment.
func (h *Handler) ListExperimentAssignments(w http.ResponseWriter, r *http.Request) {
	experimentID := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 100)

	logs, err := h.repo.ListExperimentLogs(r.Context(), experimentID, limit)
	if err != nil {
		slog.Error("failed to list experiment logs", "experiment_id", experimentID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list experiment assignments",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"experimentId": experimentID,
		"assignments":  logs,
		"count":        len(logs),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
