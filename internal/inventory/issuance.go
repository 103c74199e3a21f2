package inventory

import (
	"context"
	"strconv"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Issue records a stock-out. The StockOut row, the batch balance and the OUT (or
// RETURN_OUT) movement commit together; a request larger than the batch availability
// fails with *shared.InsufficientStockError and leaves nothing behind.
func (s *Service) Issue(ctx context.Context, actor shared.Actor, input IssueInput) (StockOut, error) {
	if err := actor.Validate(); err != nil {
		return StockOut{}, err
	}
	if err := validateIssue(input); err != nil {
		return StockOut{}, err
	}
	var (
		out      StockOut
		movement Movement
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, movement, err = s.issue(ctx, tx, actor, input)
		return err
	})
	if err != nil {
		return StockOut{}, err
	}
	s.committed(ctx, func() {
		s.observe(movement)
		s.audit.Emit(ctx, actor, "inventory.stock_out.create", "stock_out", strconv.FormatInt(out.ID, 10), map[string]any{
			"batch_id":         out.BatchID,
			"quantity":         out.Quantity.String(),
			"selling_price":    out.SellingPrice.String(),
			"transaction_type": string(out.TransactionType),
		}, "Issued %v units from batch %d for %v (profit %v)", out.Quantity.InexactFloat64(), out.BatchID, out.TotalValue().InexactFloat64(), out.Profit().InexactFloat64())
	})
	return out, nil
}

func (s *Service) issue(ctx context.Context, tx TxRepository, actor shared.Actor, input IssueInput) (StockOut, Movement, error) {
	batch, err := s.lockOwnedBatch(ctx, tx, actor, input.BatchID)
	if err != nil {
		return StockOut{}, Movement{}, err
	}
	if batch.ProductID != input.ProductID {
		return StockOut{}, Movement{}, shared.Invalid("batch_id", "belongs to another product")
	}
	now := s.now()
	if drawsSaleableStock(input.TransactionType) && (!batch.Issuable() || batch.IsExpired(now)) {
		return StockOut{}, Movement{}, shared.Invalid("batch_id", "is blocked or expired")
	}
	if input.Quantity.GreaterThan(batch.QuantityAvailable) {
		return StockOut{}, Movement{}, &shared.InsufficientStockError{
			BatchID:   batch.ID,
			Requested: input.Quantity,
			Available: batch.QuantityAvailable,
		}
	}
	issuedDate := input.IssuedDate
	if issuedDate.IsZero() {
		issuedDate = now
	}
	out := StockOut{
		CompanyID:          actor.CompanyID,
		ProductID:          input.ProductID,
		BatchID:            batch.ID,
		Quantity:           input.Quantity,
		SellingPrice:       input.SellingPrice,
		TransactionType:    input.TransactionType,
		CustomerID:         input.CustomerID,
		DeliveryNoteID:     input.DeliveryNoteID,
		ReturnID:           input.ReturnID,
		IssuedDate:         issuedDate,
		CreatedBy:          actor.ID,
		CreatedAt:          now,
		BatchPurchasePrice: batch.PurchasePrice,
	}
	out.ID, err = tx.InsertStockOut(ctx, out)
	if err != nil {
		return StockOut{}, Movement{}, err
	}
	entry := ledgerEntry{Type: MovementOut, UnitCost: batch.PurchasePrice, Ref: StockOutRef(out.ID)}
	if input.ReturnID > 0 {
		entry = ledgerEntry{Type: MovementReturnOut, UnitCost: batch.PurchasePrice, Ref: ReturnRef(input.ReturnID)}
	}
	_, movement, err := s.adjustAvailability(ctx, tx, actor, batch.ID, input.Quantity.Neg(), entry)
	if err != nil {
		return StockOut{}, Movement{}, err
	}
	return out, movement, nil
}

func drawsSaleableStock(t TransactionType) bool {
	return t == TransactionSale || t == TransactionUsage
}

func validateIssue(input IssueInput) error {
	if input.ProductID <= 0 {
		return shared.Invalid("product_id", "is required")
	}
	if input.BatchID <= 0 {
		return shared.Invalid("batch_id", "is required")
	}
	if err := requirePositive("quantity", input.Quantity); err != nil {
		return err
	}
	if err := requireNonNegative("selling_price", input.SellingPrice); err != nil {
		return err
	}
	if !input.TransactionType.Valid() {
		return shared.Invalid("transaction_type", "is unknown")
	}
	if input.ReturnID > 0 && input.TransactionType != TransactionReturnSupplier {
		return shared.Invalid("transaction_type", "must be return_supplier for a return")
	}
	if input.ReturnID < 0 || input.CustomerID < 0 || input.DeliveryNoteID < 0 {
		return shared.Invalid("source", "references must be positive")
	}
	return nil
}
