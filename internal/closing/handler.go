package closing

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/backoffice/internal/platform/httpx"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// EnqueueFunc hands a period close to the background worker. batchID 0 closes every batch.
type EnqueueFunc func(ctx context.Context, companyID, batchID int64, period Period) error

// Handler exposes period closing over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
	enqueue EnqueueFunc
}

// NewHandler builds a closing handler. enqueue may be nil, in which case every close
// runs inside the request.
func NewHandler(logger *slog.Logger, service *Service, enqueue EnqueueFunc) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, enqueue: enqueue}
}

// MountRoutes registers closing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/periods/{year}/{month}/close", h.closePeriod)
	r.Get("/ending-stocks", h.endingStock)
}

func (h *Handler) closePeriod(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	period := Period{Year: atoi(chi.URLParam(r, "year")), Month: atoi(chi.URLParam(r, "month"))}
	if err := period.Validate(); err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	var batchID int64
	if raw := q.Get("batch_id"); raw != "" {
		batchID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || batchID <= 0 {
			httpx.RespondError(w, shared.Invalid("batch_id", "must be a positive integer"))
			return
		}
	}
	if h.enqueue != nil && q.Get("async") == "true" {
		if err := h.enqueue(r.Context(), actor.CompanyID, batchID, period); err != nil {
			h.fail(w, r, err)
			return
		}
		resp := map[string]any{"year": period.Year, "month": period.Month, "queued": true}
		if batchID > 0 {
			resp["batch_id"] = batchID
		}
		httpx.JSON(w, http.StatusAccepted, resp)
		return
	}
	if batchID > 0 {
		row, err := h.service.CloseCompanyBatch(r.Context(), actor.CompanyID, batchID, period)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, toEndingStockDTO(row))
		return
	}
	summary, err := h.service.ClosePeriod(r.Context(), actor.CompanyID, period)
	if err != nil && len(summary.Failures) == 0 {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSummaryDTO(summary))
}

func (h *Handler) endingStock(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	batchID, err := strconv.ParseInt(q.Get("batch_id"), 10, 64)
	if err != nil || batchID <= 0 {
		httpx.RespondError(w, shared.Invalid("batch_id", "must be a positive integer"))
		return
	}
	period := Period{Year: atoi(q.Get("year")), Month: atoi(q.Get("month"))}
	row, err := h.service.GetEndingStock(r.Context(), batchID, period)
	if err == nil && row.CompanyID != actor.CompanyID {
		err = shared.NotFound("ending_stock", batchID)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toEndingStockDTO(row))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if httpx.IsInternal(err) {
		h.logger.Error("closing request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func atoi(raw string) int {
	n, _ := strconv.Atoi(raw)
	return n
}
