package inventory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

// CreateBatch registers a batch holding InitialQuantity units. No movement is
// appended: the initial quantity is the base of the batch balance.
func (s *Service) CreateBatch(ctx context.Context, actor shared.Actor, input CreateBatchInput) (Batch, error) {
	if err := actor.Validate(); err != nil {
		return Batch{}, err
	}
	if err := requireNonNegative("initial_quantity", input.InitialQuantity); err != nil {
		return Batch{}, err
	}
	if err := validateBatchSpec(input.BatchSpec); err != nil {
		return Batch{}, err
	}
	var batch Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		batch, err = s.createBatch(ctx, tx, actor, input.BatchSpec, input.InitialQuantity)
		return err
	})
	if err != nil {
		return Batch{}, err
	}
	s.audit.Emit(ctx, actor, "inventory.batch.create", "batch", strconv.FormatInt(batch.ID, 10), map[string]any{
		"product_id":       batch.ProductID,
		"initial_quantity": batch.QuantityInitial.String(),
	}, "Created batch %s with %v units at %v", batch.BatchNumber, batch.QuantityInitial.InexactFloat64(), batch.PurchasePrice.InexactFloat64())
	return batch, nil
}

// BlockBatch holds a batch back from sales and usage.
func (s *Service) BlockBatch(ctx context.Context, actor shared.Actor, batchID int64) (Batch, error) {
	return s.changeStatus(ctx, actor, batchID, "block", func(b Batch) (BatchStatus, error) {
		if b.Status == BatchStatusBlocked {
			return "", &shared.InvalidStateTransitionError{Entity: "batch", From: string(b.Status), Action: "block"}
		}
		return BatchStatusBlocked, nil
	})
}

// UnblockBatch releases a blocked batch. The resulting status follows its balance and expiry.
func (s *Service) UnblockBatch(ctx context.Context, actor shared.Actor, batchID int64) (Batch, error) {
	now := s.now()
	return s.changeStatus(ctx, actor, batchID, "unblock", func(b Batch) (BatchStatus, error) {
		if b.Status != BatchStatusBlocked {
			return "", &shared.InvalidStateTransitionError{Entity: "batch", From: string(b.Status), Action: "unblock"}
		}
		if b.IsExpired(now) {
			return BatchStatusExpired, nil
		}
		return balanceStatus(b.QuantityAvailable), nil
	})
}

// ExpiryAlerts lists batches with stock that are expired or expiring within the
// configured horizon. companyID 0 covers every company.
func (s *Service) ExpiryAlerts(ctx context.Context, companyID int64) ([]ExpiryAlert, error) {
	now := s.now()
	batches, err := s.repo.ListExpiring(ctx, companyID, now.Add(s.horizon))
	if err != nil {
		return nil, fmt.Errorf("inventory: list expiring: %w", err)
	}
	alerts := make([]ExpiryAlert, 0, len(batches))
	for _, b := range batches {
		if !b.IsExpired(now) && !b.IsExpiringSoon(now, s.horizon) {
			continue
		}
		alerts = append(alerts, ExpiryAlert{
			Batch:   b,
			Expired: b.IsExpired(now),
			DaysTo:  int(b.ExpiryDate.Sub(now).Hours() / 24),
		})
	}
	return alerts, nil
}

// MarkExpired flags active or depleted batches whose expiry date has passed. It
// returns the ids that changed.
func (s *Service) MarkExpired(ctx context.Context, actor shared.Actor, batchIDs []int64) ([]int64, error) {
	now := s.now()
	var changed []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		changed = changed[:0]
		for _, id := range batchIDs {
			batch, err := tx.GetBatchForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if !batch.IsExpired(now) || !(batch.Status == BatchStatusActive || batch.Status == BatchStatusDepleted) {
				continue
			}
			if err := tx.UpdateBatchStatus(ctx, id, BatchStatusExpired); err != nil {
				return err
			}
			changed = append(changed, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range changed {
		s.audit.Emit(ctx, actor, "inventory.batch.expire", "batch", strconv.FormatInt(id, 10), nil, "Marked batch %d expired", id)
	}
	return changed, nil
}

// RecordOpening stores the opening balance of a batch for the month containing Date.
// Each batch takes one opening per month.
func (s *Service) RecordOpening(ctx context.Context, actor shared.Actor, input OpeningInput) (Opening, error) {
	if err := actor.Validate(); err != nil {
		return Opening{}, err
	}
	if input.BatchID <= 0 {
		return Opening{}, shared.Invalid("batch_id", "is required")
	}
	if input.Date.IsZero() {
		return Opening{}, shared.Invalid("date", "is required")
	}
	if err := requireNonNegative("quantity", input.Quantity); err != nil {
		return Opening{}, err
	}
	if err := requireNonNegative("value", input.Value); err != nil {
		return Opening{}, err
	}
	opening := Opening{
		BatchID:   input.BatchID,
		Date:      input.Date,
		Quantity:  input.Quantity,
		Value:     input.Value,
		CreatedBy: actor.ID,
		CreatedAt: s.now(),
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := s.lockOwnedBatch(ctx, tx, actor, input.BatchID); err != nil {
			return err
		}
		exists, err := tx.HasOpening(ctx, input.BatchID, input.Date.Year(), int(input.Date.Month()))
		if err != nil {
			return err
		}
		if exists {
			return shared.Invalid("date", "opening balance already recorded for this period")
		}
		opening.ID, err = tx.InsertOpening(ctx, opening)
		return err
	})
	if err != nil {
		return Opening{}, err
	}
	s.audit.Emit(ctx, actor, "inventory.opening.create", "batch", strconv.FormatInt(input.BatchID, 10), nil,
		"Opening balance %v units worth %v for %s", input.Quantity.InexactFloat64(), input.Value.InexactFloat64(), input.Date.Format("2006-01"))
	return opening, nil
}

func (s *Service) changeStatus(ctx context.Context, actor shared.Actor, batchID int64, action string, next func(Batch) (BatchStatus, error)) (Batch, error) {
	if err := actor.Validate(); err != nil {
		return Batch{}, err
	}
	var batch Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		batch, err = s.lockOwnedBatch(ctx, tx, actor, batchID)
		if err != nil {
			return err
		}
		status, err := next(batch)
		if err != nil {
			return err
		}
		if err := tx.UpdateBatchStatus(ctx, batchID, status); err != nil {
			return err
		}
		batch.Status = status
		return nil
	})
	if err != nil {
		return Batch{}, err
	}
	s.audit.Emit(ctx, actor, "inventory.batch."+action, "batch", strconv.FormatInt(batchID, 10), nil, "Batch %s is now %s", batch.BatchNumber, batch.Status)
	return batch, nil
}

func (s *Service) createBatch(ctx context.Context, tx TxRepository, actor shared.Actor, spec BatchSpec, initial decimal.Decimal) (Batch, error) {
	product, err := tx.GetProduct(ctx, spec.ProductID)
	if err != nil {
		return Batch{}, err
	}
	if product.CompanyID != actor.CompanyID {
		return Batch{}, shared.NotFound("product", spec.ProductID)
	}
	now := s.now()
	batch := Batch{
		CompanyID:         actor.CompanyID,
		ProductID:         spec.ProductID,
		BatchNumber:       strings.TrimSpace(spec.BatchNumber),
		QuantityInitial:   initial,
		QuantityAvailable: initial,
		PurchasePrice:     spec.PurchasePrice,
		ManufactureDate:   spec.ManufactureDate,
		ExpiryDate:        spec.ExpiryDate,
		Status:            BatchStatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	batch.ID, err = tx.InsertBatch(ctx, batch)
	if err != nil {
		return Batch{}, err
	}
	return batch, nil
}

func (s *Service) lockOwnedBatch(ctx context.Context, tx TxRepository, actor shared.Actor, batchID int64) (Batch, error) {
	batch, err := tx.GetBatchForUpdate(ctx, batchID)
	if err != nil {
		return Batch{}, err
	}
	if batch.CompanyID != actor.CompanyID {
		return Batch{}, shared.NotFound("batch", batchID)
	}
	return batch, nil
}

// ledgerEntry is the movement half of an availability change.
type ledgerEntry struct {
	Type     MovementType
	UnitCost decimal.Decimal
	Ref      Reference
}

// adjustAvailability is the only writer of quantity_available. It locks the batch,
// applies delta and appends the paired movement through tx, so both commit or
// neither does.
func (s *Service) adjustAvailability(ctx context.Context, tx TxRepository, actor shared.Actor, batchID int64, delta decimal.Decimal, entry ledgerEntry) (Batch, Movement, error) {
	if delta.IsZero() {
		return Batch{}, Movement{}, shared.Invalid("quantity", "must not be zero")
	}
	batch, err := tx.GetBatchForUpdate(ctx, batchID)
	if err != nil {
		return Batch{}, Movement{}, err
	}
	available := batch.QuantityAvailable.Add(delta)
	if available.IsNegative() {
		return Batch{}, Movement{}, &shared.InsufficientStockError{
			BatchID:   batchID,
			Requested: delta.Neg(),
			Available: batch.QuantityAvailable,
		}
	}
	status := nextStatus(batch.Status, available)
	if err := tx.UpdateBatchBalance(ctx, batchID, available, status); err != nil {
		return Batch{}, Movement{}, err
	}
	batch.QuantityAvailable = available
	batch.Status = status

	quantity := delta.Abs()
	if entry.Type == MovementAdjustment {
		quantity = delta
	}
	movement, err := s.appendMovement(ctx, tx, Movement{
		CompanyID: batch.CompanyID,
		ProductID: batch.ProductID,
		BatchID:   batchID,
		Type:      entry.Type,
		Quantity:  quantity,
		UnitCost:  entry.UnitCost,
		Reference: entry.Ref,
		ActorID:   actor.ID,
	})
	if err != nil {
		return Batch{}, Movement{}, err
	}
	return batch, movement, nil
}

// nextStatus derives a batch status after a balance change. Blocked and expired
// batches keep their status.
func nextStatus(current BatchStatus, available decimal.Decimal) BatchStatus {
	switch current {
	case BatchStatusBlocked, BatchStatusExpired:
		return current
	}
	return balanceStatus(available)
}

func balanceStatus(available decimal.Decimal) BatchStatus {
	if available.IsZero() {
		return BatchStatusDepleted
	}
	return BatchStatusActive
}

func validateBatchSpec(spec BatchSpec) error {
	if spec.ProductID <= 0 {
		return shared.Invalid("product_id", "is required")
	}
	if strings.TrimSpace(spec.BatchNumber) == "" {
		return shared.Invalid("batch_number", "is required")
	}
	if err := requireNonNegative("purchase_price", spec.PurchasePrice); err != nil {
		return err
	}
	if spec.ManufactureDate != nil && spec.ExpiryDate != nil && spec.ExpiryDate.Before(*spec.ManufactureDate) {
		return shared.Invalid("expiry_date", "must not be before manufacture_date")
	}
	return nil
}

func monthBounds(year, month int) (time.Time, time.Time) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
