package inventory

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/platform/httpx"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

const maxAttachmentBytes = 10 << 20

// Handler wires HTTP endpoints for the inventory module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: httpx.NewValidator()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/batches", func(r chi.Router) {
		r.Get("/", h.listBatches)
		r.Post("/", h.createBatch)
		r.Get("/expiring", h.expiring)
		r.Get("/{id}", h.getBatch)
		r.Post("/{id}/block", h.blockBatch)
		r.Post("/{id}/unblock", h.unblockBatch)
		r.Get("/{id}/conservation", h.conservation)
		r.Post("/{id}/openings", h.recordOpening)
	})
	r.Route("/stock-ins", func(r chi.Router) {
		r.Post("/", h.receive)
		r.Get("/{id}", h.getStockIn)
		r.Delete("/{id}", h.deleteStockIn)
		r.Get("/{id}/delivery-note", h.downloadDeliveryNote)
		r.Post("/{id}/delivery-note", h.attachDeliveryNote)
	})
	r.Route("/stock-outs", func(r chi.Router) {
		r.Post("/", h.issue)
		r.Get("/{id}", h.getStockOut)
	})
	r.Get("/movements", h.listMovements)
}

type batchSpecRequest struct {
	BatchNumber     string          `json:"batch_number" validate:"required,max=64"`
	PurchasePrice   decimal.Decimal `json:"purchase_price"`
	ManufactureDate *time.Time      `json:"manufacture_date"`
	ExpiryDate      *time.Time      `json:"expiry_date"`
}

func (b *batchSpecRequest) spec(productID int64) *BatchSpec {
	if b == nil {
		return nil
	}
	return &BatchSpec{
		ProductID:       productID,
		BatchNumber:     b.BatchNumber,
		PurchasePrice:   b.PurchasePrice,
		ManufactureDate: b.ManufactureDate,
		ExpiryDate:      b.ExpiryDate,
	}
}

type createBatchRequest struct {
	ProductID       int64           `json:"product_id" validate:"required"`
	InitialQuantity decimal.Decimal `json:"initial_quantity"`
	batchSpecRequest
}

type attachmentRequest struct {
	Filename string `json:"filename" validate:"required"`
	Content  []byte `json:"content" validate:"required"`
}

type receiveRequest struct {
	ProductID          int64              `json:"product_id" validate:"required"`
	BatchID            int64              `json:"batch_id"`
	NewBatch           *batchSpecRequest  `json:"new_batch"`
	Quantity           decimal.Decimal    `json:"quantity"`
	UnitCost           decimal.Decimal    `json:"unit_cost"`
	ReceivedDate       time.Time          `json:"received_date"`
	PurchaseOrderID    int64              `json:"purchase_order_id"`
	DeliveryNoteNumber string             `json:"delivery_note_number"`
	DeliveryNoteDate   *time.Time         `json:"delivery_note_date"`
	Attachment         *attachmentRequest `json:"attachment"`
}

type issueRequest struct {
	ProductID       int64           `json:"product_id" validate:"required"`
	BatchID         int64           `json:"batch_id" validate:"required"`
	Quantity        decimal.Decimal `json:"quantity"`
	SellingPrice    decimal.Decimal `json:"selling_price"`
	TransactionType string          `json:"transaction_type" validate:"required,oneof=sale usage adjustment return_supplier"`
	CustomerID      int64           `json:"customer_id"`
	DeliveryNoteID  int64           `json:"delivery_note_id"`
	IssuedDate      time.Time       `json:"issued_date"`
}

type openingRequest struct {
	Date     time.Time       `json:"date" validate:"required"`
	Quantity decimal.Decimal `json:"quantity"`
	Value    decimal.Decimal `json:"value"`
}

func (h *Handler) createBatch(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req createBatchRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	batch, err := h.service.CreateBatch(r.Context(), actor, CreateBatchInput{
		BatchSpec:       *req.batchSpecRequest.spec(req.ProductID),
		InitialQuantity: req.InitialQuantity,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toBatchDTO(batch))
}

func (h *Handler) listBatches(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	productID, _ := strconv.ParseInt(q.Get("product_id"), 10, 64)
	items, page, err := h.service.ListBatches(r.Context(), BatchFilter{
		CompanyID: actor.CompanyID,
		ProductID: productID,
		Status:    BatchStatus(q.Get("status")),
		Page:      httpx.QueryInt(r, "page", 1),
		PerPage:   httpx.QueryInt(r, "per_page", 20),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]batchDTO, len(items))
	for i, b := range items {
		out[i] = toBatchDTO(b)
	}
	httpx.JSON(w, http.StatusOK, httpx.NewPage(out, page))
}

func (h *Handler) getBatch(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, h.service.GetBatch)
}

func (h *Handler) blockBatch(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, h.service.BlockBatch)
}

func (h *Handler) unblockBatch(w http.ResponseWriter, r *http.Request) {
	h.batchAction(w, r, h.service.UnblockBatch)
}

func (h *Handler) batchAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, actor shared.Actor, id int64) (Batch, error)) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	batch, err := action(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBatchDTO(batch))
}

func (h *Handler) expiring(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	alerts, err := h.service.ExpiryAlerts(r.Context(), actor.CompanyID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]expiryAlertDTO, len(alerts))
	for i, a := range alerts {
		out[i] = expiryAlertDTO{Batch: toBatchDTO(a.Batch), Expired: a.Expired, DaysToExpiry: a.DaysTo}
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) conservation(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.ConservationCheck(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, conservationDTO{
		BatchID:    c.BatchID,
		Initial:    c.Initial,
		In:         c.Ledger.In,
		Out:        c.Ledger.Out,
		ReturnIn:   c.Ledger.ReturnIn,
		ReturnOut:  c.Ledger.ReturnOut,
		Adjustment: c.Ledger.Adjustment,
		Expected:   c.Expected,
		Actual:     c.Actual,
		Drift:      c.Drift(),
		Balanced:   c.Balanced(),
	})
}

func (h *Handler) recordOpening(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req openingRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	opening, err := h.service.RecordOpening(r.Context(), actor, OpeningInput{BatchID: id, Date: req.Date, Quantity: req.Quantity, Value: req.Value})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, openingDTO{ID: opening.ID, BatchID: opening.BatchID, Date: opening.Date, Quantity: opening.Quantity, Value: opening.Value})
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req receiveRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := ReceiveInput{
		ProductID:          req.ProductID,
		BatchID:            req.BatchID,
		NewBatch:           req.NewBatch.spec(req.ProductID),
		Quantity:           req.Quantity,
		UnitCost:           req.UnitCost,
		ReceivedDate:       req.ReceivedDate,
		PurchaseOrderID:    req.PurchaseOrderID,
		DeliveryNoteNumber: req.DeliveryNoteNumber,
		DeliveryNoteDate:   req.DeliveryNoteDate,
	}
	if req.Attachment != nil {
		input.Attachment = &Attachment{Filename: req.Attachment.Filename, Content: req.Attachment.Content}
	}
	in, err := h.service.Receive(r.Context(), actor, input)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toStockInDTO(in))
}

func (h *Handler) getStockIn(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	in, err := h.service.GetStockIn(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toStockInDTO(in))
}

func (h *Handler) deleteStockIn(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.DeleteStockIn(r.Context(), actor, id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) attachDeliveryNote(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if _, err := h.service.GetStockIn(r.Context(), actor, id); err != nil {
		h.fail(w, r, err)
		return
	}
	filename, content, err := httpx.ReadUpload(r, "file", maxAttachmentBytes)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	path, err := h.service.AttachDeliveryNote(r.Context(), actor, id, Attachment{Filename: filename, Content: content})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"delivery_note_file": path})
}

func (h *Handler) downloadDeliveryNote(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rc, path, err := h.service.OpenDeliveryNote(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer rc.Close()
	httpx.File(w, path, rc)
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req issueRequest
	if err := httpx.Bind(r, h.validate, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.Issue(r.Context(), actor, IssueInput{
		ProductID:       req.ProductID,
		BatchID:         req.BatchID,
		Quantity:        req.Quantity,
		SellingPrice:    req.SellingPrice,
		TransactionType: TransactionType(req.TransactionType),
		CustomerID:      req.CustomerID,
		DeliveryNoteID:  req.DeliveryNoteID,
		IssuedDate:      req.IssuedDate,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toStockOutDTO(out))
}

func (h *Handler) getStockOut(w http.ResponseWriter, r *http.Request) {
	actor, id, err := actorAndID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.GetStockOut(r.Context(), actor, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toStockOutDTO(out))
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter, err := parseMovementFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter.CompanyID = actor.CompanyID
	items, page, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]movementDTO, len(items))
	for i, m := range items {
		out[i] = toMovementDTO(m)
	}
	httpx.JSON(w, http.StatusOK, httpx.NewPage(out, page))
}

// fail logs unexpected errors before mapping them to a problem response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if httpx.IsInternal(err) {
		h.logger.Error("inventory request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parseMovementFilter(r *http.Request) (MovementFilter, error) {
	q := r.URL.Query()
	filter := MovementFilter{
		Page:    httpx.QueryInt(r, "page", 1),
		PerPage: httpx.QueryInt(r, "per_page", 50),
	}
	var err error
	if raw := q.Get("product_id"); raw != "" {
		if filter.ProductID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return filter, shared.Invalid("product_id", "must be an integer")
		}
	}
	if raw := q.Get("batch_id"); raw != "" {
		if filter.BatchID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return filter, shared.Invalid("batch_id", "must be an integer")
		}
	}
	for _, raw := range q["type"] {
		for _, t := range strings.Split(raw, ",") {
			filter.Types = append(filter.Types, MovementType(strings.ToUpper(strings.TrimSpace(t))))
		}
	}
	if kind := q.Get("ref_kind"); kind != "" {
		id, _ := strconv.ParseInt(q.Get("ref_id"), 10, 64)
		if filter.Reference, err = ParseReference(kind, id); err != nil {
			return filter, shared.Invalid("ref_kind", err.Error())
		}
	}
	if filter.From, err = parseDate(q.Get("from"), false); err != nil {
		return filter, shared.Invalid("from", "must be YYYY-MM-DD or RFC3339")
	}
	if filter.To, err = parseDate(q.Get("to"), true); err != nil {
		return filter, shared.Invalid("to", "must be YYYY-MM-DD or RFC3339")
	}
	return filter, nil
}

// parseDate accepts a calendar date or a timestamp. A calendar date used as an upper
// bound covers the whole day.
func parseDate(raw string, endOfDay bool) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

func actorAndID(r *http.Request) (shared.Actor, int64, error) {
	actor, err := httpx.ActorFrom(r)
	if err != nil {
		return shared.Actor{}, 0, err
	}
	id, err := httpx.IDParam(r, "id")
	return actor, id, err
}
