package procurement

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/inventory"
	"github.com/odyssey-erp/backoffice/internal/platform/httpx"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Handler manages procurement endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: httpx.NewValidator()}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/purchase-orders", func(r chi.Router) {
		r.Post("/", h.createPO)
		r.Get("/{id}", h.getPO)
		r.Post("/{id}/approve", h.approvePO)
		r.Post("/{id}/receipts", h.receive)
	})
	r.Get("/goods-receipts/{id}", h.getGRN)
}

type createPORequest struct {
	Number       string          `json:"number" validate:"max=40"`
	SupplierID   int64           `json:"supplier_id" validate:"required"`
	ExpectedDate time.Time       `json:"expected_date"`
	Note         string          `json:"note" validate:"max=500"`
	Lines        []poLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type poLineRequest struct {
	ProductID int64           `json:"product_id" validate:"required"`
	Qty       decimal.Decimal `json:"qty"`
	Price     decimal.Decimal `json:"price"`
}

type newBatchRequest struct {
	BatchNumber     string          `json:"batch_number" validate:"required,max=64"`
	PurchasePrice   decimal.Decimal `json:"purchase_price"`
	ManufactureDate *time.Time      `json:"manufacture_date"`
	ExpiryDate      *time.Time      `json:"expiry_date"`
}

type receiveLineRequest struct {
	POLineID int64            `json:"po_line_id" validate:"required"`
	BatchID  int64            `json:"batch_id"`
	NewBatch *newBatchRequest `json:"new_batch"`
	Qty      decimal.Decimal  `json:"qty"`
	UnitCost decimal.Decimal  `json:"unit_cost"`
}

type receiveRequest struct {
	Number             string               `json:"number" validate:"max=40"`
	DeliveryNoteNumber string               `json:"delivery_note_number" validate:"max=64"`
	DeliveryNoteDate   *time.Time           `json:"delivery_note_date"`
	ReceivedAt         time.Time            `json:"received_at"`
	Lines              []receiveLineRequest `json:"lines" validate:"required,min=1,dive"`
	Attachment         *struct {
		Filename string `json:"filename" validate:"required"`
		Content  []byte `json:"content" validate:"required"`
	} `json:"attachment"`
}

func (req receiveRequest) input(poID int64) ReceiveInput {
	in := ReceiveInput{
		POID:               poID,
		Number:             req.Number,
		DeliveryNoteNumber: req.DeliveryNoteNumber,
		DeliveryNoteDate:   req.DeliveryNoteDate,
		ReceivedAt:         req.ReceivedAt,
		Lines:              make([]ReceiveLineInput, len(req.Lines)),
	}
	for i, l := range req.Lines {
		line := ReceiveLineInput{POLineID: l.POLineID, BatchID: l.BatchID, Qty: l.Qty, UnitCost: l.UnitCost}
		if l.NewBatch != nil {
			line.NewBatch = &inventory.BatchSpec{
				BatchNumber:     l.NewBatch.BatchNumber,
				PurchasePrice:   l.NewBatch.PurchasePrice,
				ManufactureDate: l.NewBatch.ManufactureDate,
				ExpiryDate:      l.NewBatch.ExpiryDate,
			}
		}
		in.Lines[i] = line
	}
	if req.Attachment != nil {
		in.Attachment = &inventory.Attachment{Filename: req.Attachment.Filename, Content: req.Attachment.Content}
	}
	return in
}

func (h *Handler) createPO(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req createPORequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := CreatePOInput{Number: req.Number, SupplierID: req.SupplierID, ExpectedDate: req.ExpectedDate, Note: req.Note}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, POLineInput{ProductID: l.ProductID, Qty: l.Qty, Price: l.Price})
	}
	po, err := h.service.CreatePurchaseOrder(r.Context(), actor, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPurchaseOrderDTO(po))
}

func (h *Handler) getPO(w http.ResponseWriter, r *http.Request) {
	h.poAction(w, r, h.service.GetPurchaseOrder)
}

func (h *Handler) approvePO(w http.ResponseWriter, r *http.Request) {
	h.poAction(w, r, h.service.ApprovePurchaseOrder)
}

func (h *Handler) poAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, shared.Actor, int64) (PurchaseOrder, error)) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	po, err := fn(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPurchaseOrderDTO(po))
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req receiveRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	grn, err := h.service.ReceivePurchaseOrder(r.Context(), actor, req.input(id))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toGoodsReceiptDTO(grn))
}

func (h *Handler) getGRN(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	grn, err := h.service.GetGoodsReceipt(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toGoodsReceiptDTO(grn))
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if httpx.IsInternal(err) {
		h.logger.Error("procurement request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
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
