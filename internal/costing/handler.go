package costing

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/floorops/internal/platform/httpx"
	"github.com/odyssey-erp/floorops/internal/shared"
)

// Handler exposes costing endpoints.
type Handler struct {
	logger *slog.Logger
	engine *Engine
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, engine *Engine) *Handler {
	return &Handler{logger: logger, engine: engine}
}

// MountRoutes registers costing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Put("/conversions", h.handlePutConversion)
	r.Post("/purchases", h.handleRecordPurchase)
	r.Get("/normalize", h.handleNormalize)
	r.Get("/valuation", h.handleValuation)
	r.Route("/products/{id}", func(r chi.Router) {
		r.Get("/cost", h.handleCost)
		r.Get("/conversions", h.handleConversions)
	})
}

func (h *Handler) handlePutConversion(w http.ResponseWriter, r *http.Request) {
	var c Conversion
	if err := httpx.DecodeValid(r, &c); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.engine.Conversions().Put(r.Context(), c); err != nil {
		h.fail(w, "put conversion", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRecordPurchase(w http.ResponseWriter, r *http.Request) {
	var input PurchaseInput
	if err := httpx.DecodeValid(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rec, err := h.engine.RecordPurchase(r.Context(), input)
	if err != nil {
		h.fail(w, "record purchase", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleNormalize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID, err := strconv.ParseInt(q.Get("product_id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid product_id")
		return
	}
	price, err := strconv.ParseFloat(q.Get("price"), 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid price")
		return
	}
	n, err := h.engine.Normalize(r.Context(), productID, q.Get("unit"), price)
	if err != nil {
		h.fail(w, "normalize", err)
		return
	}
	httpx.JSON(w, http.StatusOK, n)
}

func (h *Handler) handleValuation(w http.ResponseWriter, r *http.Request) {
	warehouseID, err := strconv.ParseInt(r.URL.Query().Get("warehouse_id"), 10, 64)
	if err != nil || warehouseID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid warehouse_id")
		return
	}
	v, err := h.engine.Valuation(r.Context(), warehouseID)
	if err != nil {
		h.fail(w, "valuation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) handleCost(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	summary, err := h.engine.AverageCost(r.Context(), id)
	if err != nil {
		h.fail(w, "average cost", err)
		return
	}
	history, err := h.engine.History(r.Context(), id)
	if err != nil {
		h.fail(w, "price history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"summary": summary, "history": history, "window": h.engine.Window()})
}

func (h *Handler) handleConversions(w http.ResponseWriter, r *http.Request) {
	id, ok := productID(w, r)
	if !ok {
		return
	}
	list, err := h.engine.Conversions().List(r.Context(), id)
	if err != nil {
		h.fail(w, "list conversions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !shared.IsUserError(err) {
		h.logger.Error("costing "+op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func productID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid product id")
		return 0, false
	}
	return id, true
}
