package ledger

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/floorops/internal/platform/httpx"
	"github.com/odyssey-erp/floorops/internal/shared"
)

// Handler wires HTTP endpoints for stock queries and manual adjustments.
type Handler struct {
	logger *slog.Logger
	ledger *Ledger
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, ledger *Ledger) *Handler {
	return &Handler{logger: logger, ledger: ledger}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/positions", h.handlePositions)
	r.Get("/balance", h.handleBalance)
	r.Get("/history", h.handleHistory)
	r.Post("/adjustments", h.handleAdjustment)
	r.Post("/verify", h.handleVerify)
}

func (h *Handler) handlePositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := PositionFilter{
		ProductID:    parseID(q.Get("product_id")),
		WarehouseID:  parseID(q.Get("warehouse_id")),
		Status:       Status(q.Get("status")),
		PositiveOnly: q.Get("positive") == "true",
	}
	positions, err := h.ledger.Projection().Positions(r.Context(), filter)
	if err != nil {
		h.fail(w, "list positions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, positions)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID, warehouseID := parseID(q.Get("product_id")), parseID(q.Get("warehouse_id"))
	if productID == 0 || warehouseID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "product_id and warehouse_id required")
		return
	}
	breakdown, err := h.ledger.Projection().BalanceAcrossStatuses(r.Context(), productID, warehouseID)
	if err != nil {
		h.fail(w, "balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"breakdown": breakdown, "total": breakdown.Total()})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	triple := Triple{
		ProductID:   parseID(q.Get("product_id")),
		WarehouseID: parseID(q.Get("warehouse_id")),
		Status:      Status(q.Get("status")),
	}
	if triple.Status == "" {
		triple.Status = StatusAvailable
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	entries, err := h.ledger.History(r.Context(), triple, limit)
	if err != nil {
		h.fail(w, "history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var input AdjustmentInput
	if err := httpx.DecodeValid(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && input.IdempotencyKey == "" {
		input.IdempotencyKey = key
	}
	rec, err := h.ledger.Adjust(r.Context(), input)
	if err != nil {
		h.fail(w, "adjust", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.Projection().Verify(r.Context())
	if err != nil {
		h.fail(w, "verify", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !shared.IsUserError(err) {
		h.logger.Error("ledger "+op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parseID(raw string) int64 {
	id, _ := strconv.ParseInt(raw, 10, 64)
	return id
}
