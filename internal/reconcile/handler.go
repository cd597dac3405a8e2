package reconcile

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/floorops/internal/platform/httpx"
	"github.com/odyssey-erp/floorops/internal/shared"
)

// Handler wires HTTP endpoints for demand lines.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the demand line handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers line routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/reasons", h.handleReasons)
	r.Get("/tally", h.handleTally)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Get("/station", h.handleStationView)
		r.Post("/open", h.handleOpen)
		r.Post("/heartbeat", h.handleHeartbeat)
		r.Post("/release", h.handleRelease)
		r.Post("/count", h.handleCount)
		r.Post("/quick-complete", h.handleQuickComplete)
		r.Post("/accept-shortfall", h.handleAcceptShortfall)
		r.Post("/reject", h.handleReject)
		r.Post("/grade", h.handleGrade)
	})
}

type stationRequest struct {
	Station  string `json:"station" validate:"required"`
	Takeover bool   `json:"takeover"`
}

type countRequest struct {
	Station  string   `json:"station" validate:"required"`
	Measured *float64 `json:"measured" validate:"required"`
}

type rejectRequest struct {
	Station string `json:"station" validate:"required"`
	RejectInput
}

type gradeRequest struct {
	Station string `json:"station" validate:"required"`
	GradeInput
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var input NewLine
	if err := httpx.DecodeValid(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	line, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.fail(w, "create line", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, line)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	lines, err := h.service.List(r.Context(), filterFromQuery(r))
	if err != nil {
		h.fail(w, "list lines", err)
		return
	}
	httpx.JSON(w, http.StatusOK, lines)
}

func (h *Handler) handleReasons(w http.ResponseWriter, _ *http.Request) {
	type option struct {
		Code  Reason `json:"code"`
		Label string `json:"label"`
	}
	out := make([]option, 0, len(Reasons()))
	for _, r := range Reasons() {
		out = append(out, option{Code: r, Label: r.Label()})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleTally(w http.ResponseWriter, r *http.Request) {
	tally, err := h.service.TallyReasons(r.Context(), filterFromQuery(r))
	if err != nil {
		h.fail(w, "tally reasons", err)
		return
	}
	httpx.JSON(w, http.StatusOK, tally)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := lineID(w, r)
	if !ok {
		return
	}
	detail, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get line", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) handleStationView(w http.ResponseWriter, r *http.Request) {
	id, ok := lineID(w, r)
	if !ok {
		return
	}
	view, err := h.service.StationView(r.Context(), id)
	if err != nil {
		h.fail(w, "station view", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	h.stationAction(w, r, "open", func(id int64, req stationRequest) (StationView, error) {
		return h.service.Open(r.Context(), id, req.Station, req.Takeover)
	})
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	h.stationAction(w, r, "heartbeat", func(id int64, req stationRequest) (StationView, error) {
		return h.service.Heartbeat(r.Context(), id, req.Station)
	})
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	h.stationAction(w, r, "release", func(id int64, req stationRequest) (StationView, error) {
		return h.service.Release(r.Context(), id, req.Station)
	})
}

func (h *Handler) handleQuickComplete(w http.ResponseWriter, r *http.Request) {
	h.stationAction(w, r, "quick complete", func(id int64, req stationRequest) (StationView, error) {
		return h.service.QuickComplete(r.Context(), id, req.Station)
	})
}

func (h *Handler) handleAcceptShortfall(w http.ResponseWriter, r *http.Request) {
	h.stationAction(w, r, "accept shortfall", func(id int64, req stationRequest) (StationView, error) {
		return h.service.AcceptShortfall(r.Context(), id, req.Station)
	})
}

func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	id, ok := lineID(w, r)
	if !ok {
		return
	}
	var req countRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	view, err := h.service.SubmitCount(r.Context(), id, req.Station, *req.Measured)
	if err != nil {
		h.fail(w, "submit count", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := lineID(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	line, err := h.service.Reject(r.Context(), id, req.Station, req.RejectInput)
	if err != nil {
		h.fail(w, "reject", err)
		return
	}
	httpx.JSON(w, http.StatusOK, line)
}

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	id, ok := lineID(w, r)
	if !ok {
		return
	}
	var req gradeRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	line, err := h.service.SubmitGrade(r.Context(), id, req.Station, req.GradeInput)
	if err != nil {
		h.fail(w, "grade", err)
		return
	}
	httpx.JSON(w, http.StatusOK, line)
}

func (h *Handler) stationAction(w http.ResponseWriter, r *http.Request, op string, fn func(int64, stationRequest) (StationView, error)) {
	id, ok := lineID(w, r)
	if !ok {
		return
	}
	var req stationRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	view, err := fn(id, req)
	if err != nil {
		h.fail(w, op, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !shared.IsUserError(err) {
		h.logger.Error("line "+op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func lineID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid line id")
		return 0, false
	}
	return id, true
}

func filterFromQuery(r *http.Request) LineFilter {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	return LineFilter{
		Origin:    Origin(q.Get("origin")),
		State:     State(q.Get("state")),
		SourceRef: q.Get("source_ref"),
		Open:      q.Get("open") == "true",
		Limit:     limit,
	}
}
