package returns

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/platform/httpx"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

const maxProofBytes = 10 << 20

// Handler exposes the return workflow over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a returns handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: httpx.NewValidator()}
}

// MountRoutes registers return routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/returns", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.get)
		r.Post("/{id}/submit", h.submit)
		r.Post("/{id}/approve", h.noted(h.service.Approve))
		r.Post("/{id}/reject", h.reasoned(h.service.Reject))
		r.Post("/{id}/cancel", h.reasoned(h.service.Cancel))
		r.Post("/{id}/process", h.noted(h.service.Process))
		r.Get("/{id}/proof", h.downloadProof)
		r.Post("/{id}/proof", h.attachProof)
	})
}

type createRequest struct {
	Type           string          `json:"type" validate:"required,oneof=customer_return supplier_return"`
	ProductID      int64           `json:"product_id" validate:"required"`
	BatchID        int64           `json:"batch_id" validate:"required"`
	Quantity       decimal.Decimal `json:"quantity"`
	ReturnValue    decimal.Decimal `json:"return_value"`
	DeliveryNoteID int64           `json:"delivery_note_id"`
	StockOutID     int64           `json:"stock_out_id"`
	StockInID      int64           `json:"stock_in_id"`
	CustomerID     int64           `json:"customer_id"`
	SupplierID     int64           `json:"supplier_id"`
	ReturnDate     time.Time       `json:"return_date"`
	Reason         string          `json:"reason" validate:"required,max=500"`
}

type notesRequest struct {
	Notes string `json:"notes" validate:"max=500"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type transitionFunc func(ctx context.Context, actor shared.Actor, id int64, note string) (Return, error)

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req createRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ret, err := h.service.Create(r.Context(), actor, CreateInput{
		Type:           Type(req.Type),
		ProductID:      req.ProductID,
		BatchID:        req.BatchID,
		Quantity:       req.Quantity,
		ReturnValue:    req.ReturnValue,
		DeliveryNoteID: req.DeliveryNoteID,
		StockOutID:     req.StockOutID,
		StockInID:      req.StockInID,
		CustomerID:     req.CustomerID,
		SupplierID:     req.SupplierID,
		ReturnDate:     req.ReturnDate,
		Reason:         req.Reason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toReturnDTO(ret))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	items, page, err := h.service.List(r.Context(), ListFilter{
		CompanyID: actor.CompanyID,
		Status:    Status(q.Get("status")),
		Type:      Type(q.Get("type")),
		Page:      httpx.QueryInt(r, "page", 1),
		PerPage:   httpx.QueryInt(r, "per_page", 20),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]returnDTO, len(items))
	for i, ret := range items {
		out[i] = toReturnDTO(ret)
	}
	httpx.JSON(w, http.StatusOK, httpx.NewPage(out, page))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ret, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReturnDTO(ret))
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ret, err := h.service.Submit(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReturnDTO(ret))
}

// noted wraps transitions whose note is optional.
func (h *Handler) noted(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req notesRequest
		if err := httpx.BindOptional(r, h.validate, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
		h.apply(w, r, fn, req.Notes)
	}
}

// reasoned wraps transitions that require a reason.
func (h *Handler) reasoned(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reasonRequest
		if err := httpx.Bind(r, h.validate, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
		h.apply(w, r, fn, req.Reason)
	}
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request, fn transitionFunc, note string) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ret, err := fn(r.Context(), actor, id, note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReturnDTO(ret))
}

func (h *Handler) attachProof(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filename, content, err := httpx.ReadUpload(r, "file", maxProofBytes)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ret, err := h.service.AttachProof(r.Context(), actor, id, Attachment{Filename: filename, Content: content})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toReturnDTO(ret))
}

func (h *Handler) downloadProof(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rc, path, err := h.service.OpenProof(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer rc.Close()
	httpx.File(w, path, rc)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if httpx.IsInternal(err) {
		h.logger.Error("returns request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func actorAndID(r *http.Request) (shared.Actor, int64, error) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		return shared.Actor{}, 0, err
	}
	id, err := httpx.IDParam(r, "id")
	return actor, id, err
}
