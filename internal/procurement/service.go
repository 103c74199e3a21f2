package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/backoffice/internal/inventory"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

const idempotencyModule = "procurement.grn"

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPO(ctx context.Context, id int64) (PurchaseOrder, error)
	GetGRN(ctx context.Context, id int64) (GoodsReceipt, error)
}

// InventoryPort exposes the receiving engine.
type InventoryPort interface {
	Receive(ctx context.Context, actor shared.Actor, input inventory.ReceiveInput) (inventory.StockIn, error)
	AttachDeliveryNoteToAll(ctx context.Context, actor shared.Actor, stockInIDs []int64, file inventory.Attachment) (string, error)
}

// Service orchestrates purchase orders and goods receipts.
type Service struct {
	repo      RepositoryPort
	inventory InventoryPort
	audit     *shared.AuditTrail
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs procurement service.
func NewService(repo RepositoryPort, inventory InventoryPort, audit *shared.AuditTrail, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, inventory: inventory, audit: audit, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// CreatePurchaseOrder persists a draft PO and its lines.
func (s *Service) CreatePurchaseOrder(ctx context.Context, actor shared.Actor, input CreatePOInput) (PurchaseOrder, error) {
	if err := actor.Validate(); err != nil {
		return PurchaseOrder{}, err
	}
	if input.SupplierID <= 0 {
		return PurchaseOrder{}, shared.Invalid("supplier_id", "is required")
	}
	if len(input.Lines) == 0 {
		return PurchaseOrder{}, shared.Invalid("lines", "at least one line is required")
	}
	for i, line := range input.Lines {
		if line.ProductID <= 0 || !line.Qty.IsPositive() || line.Price.IsNegative() {
			return PurchaseOrder{}, shared.Invalid(fmt.Sprintf("lines[%d]", i), "needs a product, a positive quantity and a non-negative price")
		}
	}
	po := PurchaseOrder{
		CompanyID:    actor.CompanyID,
		Number:       defaultString(input.Number, generateNumber("PO")),
		SupplierID:   input.SupplierID,
		Status:       POStatusDraft,
		ExpectedDate: input.ExpectedDate,
		Note:         input.Note,
		CreatedBy:    actor.ID,
		CreatedAt:    s.now(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreatePO(ctx, po)
		if err != nil {
			return err
		}
		po.ID = id
		for _, in := range input.Lines {
			line := POLine{POID: id, ProductID: in.ProductID, Qty: in.Qty, Price: in.Price}
			if line.ID, err = tx.InsertPOLine(ctx, line); err != nil {
				return err
			}
			po.Lines = append(po.Lines, line)
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.audit.Emit(ctx, actor, "procurement.po.create", "purchase_order", strconv.FormatInt(po.ID, 10), map[string]any{"number": po.Number},
		"Created purchase order %s with %d lines", po.Number, len(po.Lines))
	return po, nil
}

// ApprovePurchaseOrder opens a draft PO for receiving.
func (s *Service) ApprovePurchaseOrder(ctx context.Context, actor shared.Actor, poID int64) (PurchaseOrder, error) {
	if err := actor.Validate(); err != nil {
		return PurchaseOrder{}, err
	}
	var po PurchaseOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		po, err = s.lockOwned(ctx, tx, actor, poID)
		if err != nil {
			return err
		}
		if po.Status != POStatusDraft {
			return &shared.InvalidStateTransitionError{Entity: "purchase_order", From: string(po.Status), Action: "approve"}
		}
		at := s.now()
		if err := tx.SetPOApproval(ctx, poID, actor.ID, at); err != nil {
			return err
		}
		if err := tx.UpdatePOStatus(ctx, poID, POStatusApproved); err != nil {
			return err
		}
		po.Status, po.ApprovedBy, po.ApprovedAt = POStatusApproved, &actor.ID, &at
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.audit.Emit(ctx, actor, "procurement.po.approve", "purchase_order", strconv.FormatInt(poID, 10), nil, "Approved purchase order %s", po.Number)
	return po, nil
}

// ReceivePurchaseOrder calls the receiving engine once per received line. Every
// stock-in, the goods receipt and the PO progress commit together; over-receiving a
// line or any engine failure leaves nothing behind. The delivery-note file is stored
// after commit and its failure is only logged.
func (s *Service) ReceivePurchaseOrder(ctx context.Context, actor shared.Actor, input ReceiveInput) (GoodsReceipt, error) {
	if err := actor.Validate(); err != nil {
		return GoodsReceipt{}, err
	}
	if s.inventory == nil {
		return GoodsReceipt{}, errors.New("inventory integration not configured")
	}
	if len(input.Lines) == 0 {
		return GoodsReceipt{}, shared.Invalid("lines", "at least one line is required")
	}
	receivedAt := input.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	grn := GoodsReceipt{
		CompanyID:          actor.CompanyID,
		Number:             defaultString(strings.TrimSpace(input.Number), generateNumber("GRN")),
		POID:               input.POID,
		DeliveryNoteNumber: input.DeliveryNoteNumber,
		DeliveryNoteDate:   input.DeliveryNoteDate,
		ReceivedAt:         receivedAt,
		CreatedBy:          actor.ID,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.ClaimKey(ctx, fmt.Sprintf("GRN:%d:%s", actor.CompanyID, grn.Number)); err != nil {
			return err
		}
		po, err := s.lockOwned(ctx, tx, actor, input.POID)
		if err != nil {
			return err
		}
		if !po.Status.Receivable() {
			return &shared.InvalidStateTransitionError{Entity: "purchase_order", From: string(po.Status), Action: "receive"}
		}
		grn.SupplierID = po.SupplierID
		if grn.ID, err = tx.CreateGRN(ctx, grn); err != nil {
			return err
		}
		lines := make(map[int64]*POLine, len(po.Lines))
		for i := range po.Lines {
			lines[po.Lines[i].ID] = &po.Lines[i]
		}
		for i, in := range input.Lines {
			field := fmt.Sprintf("lines[%d]", i)
			ordered, ok := lines[in.POLineID]
			if !ok {
				return shared.Invalid(field+".po_line_id", "is not part of the purchase order")
			}
			if in.Qty.GreaterThan(ordered.Outstanding()) {
				return shared.Invalid(field+".qty", fmt.Sprintf("exceeds outstanding quantity %s", ordered.Outstanding()))
			}
			unitCost := in.UnitCost
			if unitCost.IsZero() {
				unitCost = ordered.Price
			}
			stockIn, err := s.inventory.Receive(ctx, actor, inventory.ReceiveInput{
				ProductID:          ordered.ProductID,
				BatchID:            in.BatchID,
				NewBatch:           in.NewBatch,
				Quantity:           in.Qty,
				UnitCost:           unitCost,
				ReceivedDate:       receivedAt,
				PurchaseOrderID:    po.ID,
				DeliveryNoteNumber: input.DeliveryNoteNumber,
				DeliveryNoteDate:   input.DeliveryNoteDate,
			})
			if err != nil {
				return err
			}
			if err := tx.AddReceived(ctx, ordered.ID, in.Qty); err != nil {
				return err
			}
			ordered.QtyReceived = ordered.QtyReceived.Add(in.Qty)
			line := GRNLine{
				GRNID:     grn.ID,
				POLineID:  ordered.ID,
				ProductID: ordered.ProductID,
				BatchID:   stockIn.BatchID,
				Qty:       in.Qty,
				UnitCost:  unitCost,
				StockInID: stockIn.ID,
			}
			if line.ID, err = tx.InsertGRNLine(ctx, line); err != nil {
				return err
			}
			grn.Lines = append(grn.Lines, line)
		}
		return tx.UpdatePOStatus(ctx, po.ID, progress(po.Lines))
	})
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		return GoodsReceipt{}, &shared.AlreadyProcessedError{Entity: "goods_receipt", Status: "posted"}
	}
	if err != nil {
		return GoodsReceipt{}, err
	}
	s.audit.Emit(ctx, actor, "procurement.grn.post", "goods_receipt", strconv.FormatInt(grn.ID, 10), map[string]any{
		"number": grn.Number,
		"po_id":  grn.POID,
	}, "Received %d lines against purchase order %d (%s)", len(grn.Lines), grn.POID, grn.Number)
	if input.Attachment != nil {
		ids := make([]int64, 0, len(grn.Lines))
		for _, line := range grn.Lines {
			ids = append(ids, line.StockInID)
		}
		if _, err := s.inventory.AttachDeliveryNoteToAll(ctx, actor, ids, *input.Attachment); err != nil {
			s.logger.Warn("attach delivery note to receipt failed", slog.String("grn", grn.Number), slog.Any("error", err))
		}
	}
	return grn, nil
}

// GetPurchaseOrder returns a PO owned by the actor's company.
func (s *Service) GetPurchaseOrder(ctx context.Context, actor shared.Actor, id int64) (PurchaseOrder, error) {
	po, err := s.repo.GetPO(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if po.CompanyID != actor.CompanyID {
		return PurchaseOrder{}, shared.NotFound("purchase_order", id)
	}
	return po, nil
}

// GetGoodsReceipt returns a receipt owned by the actor's company.
func (s *Service) GetGoodsReceipt(ctx context.Context, actor shared.Actor, id int64) (GoodsReceipt, error) {
	grn, err := s.repo.GetGRN(ctx, id)
	if err != nil {
		return GoodsReceipt{}, err
	}
	if grn.CompanyID != actor.CompanyID {
		return GoodsReceipt{}, shared.NotFound("goods_receipt", id)
	}
	return grn, nil
}

func (s *Service) lockOwned(ctx context.Context, tx TxRepository, actor shared.Actor, id int64) (PurchaseOrder, error) {
	po, err := tx.GetPOForUpdate(ctx, id)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if po.CompanyID != actor.CompanyID {
		return PurchaseOrder{}, shared.NotFound("purchase_order", id)
	}
	return po, nil
}

// progress derives the PO status from its lines.
func progress(lines []POLine) POStatus {
	for _, line := range lines {
		if line.Outstanding().IsPositive() {
			return POStatusPartial
		}
	}
	return POStatusClosed
}

func generateNumber(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, strings.ToUpper(uuid.NewString()[:8]))
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
