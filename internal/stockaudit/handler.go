package stockaudit

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/floorops/internal/platform/httpx"
	"github.com/odyssey-erp/floorops/internal/shared"
)

// Handler exposes audit sampling endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/policy", h.handlePolicy)
	r.Get("/candidates", h.handleCandidates)
	r.Post("/runs", h.handleRun)
	r.Get("/tasks", h.handleTasks)
	r.Get("/tasks/{date}", h.handleTask)
	r.Get("/tasks/{date}/report", h.handleReport)
	r.Post("/items/{id}/begin", h.handleBegin)
}

type runRequest struct {
	Date string `json:"date" validate:"omitempty,datetime=2006-01-02"`
}

type beginRequest struct {
	Station string `json:"station" validate:"required"`
}

func (h *Handler) handlePolicy(w http.ResponseWriter, _ *http.Request) {
	httpx.JSON(w, http.StatusOK, h.service.Policy())
}

func (h *Handler) handleCandidates(w http.ResponseWriter, r *http.Request) {
	date := h.service.now()
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := ParseDate(raw)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		date = d
	}
	candidates, err := h.service.Candidates(r.Context(), date)
	if err != nil {
		h.fail(w, "candidates", err)
		return
	}
	httpx.JSON(w, http.StatusOK, Select(candidates, -1))
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeValid(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	date := h.service.now()
	if req.Date != "" {
		d, err := ParseDate(req.Date)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		date = d
	}
	task, created, err := h.service.RunDaily(r.Context(), date)
	if err != nil {
		h.fail(w, "run daily", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, task)
}

func (h *Handler) handleTasks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := h.service.Tasks(r.Context(), limit)
	if err != nil {
		h.fail(w, "list tasks", err)
		return
	}
	httpx.JSON(w, http.StatusOK, tasks)
}

func (h *Handler) handleTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.service.Task(r.Context(), chi.URLParam(r, "date"))
	if err != nil {
		h.fail(w, "get task", err)
		return
	}
	httpx.JSON(w, http.StatusOK, task)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Report(r.Context(), chi.URLParam(r, "date"))
	if err != nil {
		h.fail(w, "report", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleBegin(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid item id")
		return
	}
	var req beginRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	item, view, err := h.service.BeginCount(r.Context(), id, req.Station)
	if err != nil {
		h.fail(w, "begin count", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"item_id": item.ID, "line": view})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !shared.IsUserError(err) {
		h.logger.Error("audit "+op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
