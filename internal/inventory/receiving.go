package inventory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

const deliveryNoteFolder = "delivery-notes"

// Receive records a stock-in. The StockIn row, the batch balance and the IN (or
// RETURN_IN) movement commit together. A delivery-note attachment is stored after
// the outermost commit and its failure is only logged.
func (s *Service) Receive(ctx context.Context, actor shared.Actor, input ReceiveInput) (StockIn, error) {
	if err := actor.Validate(); err != nil {
		return StockIn{}, err
	}
	if err := validateReceive(input); err != nil {
		return StockIn{}, err
	}
	var (
		in       StockIn
		movement Movement
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		in, movement, err = s.receive(ctx, tx, actor, input)
		return err
	})
	if err != nil {
		return StockIn{}, err
	}
	s.committed(ctx, func() {
		s.observe(movement)
		s.audit.Emit(ctx, actor, "inventory.stock_in.create", "stock_in", strconv.FormatInt(in.ID, 10), map[string]any{
			"batch_id":  in.BatchID,
			"quantity":  in.Quantity.String(),
			"unit_cost": in.UnitCost.String(),
			"movement":  string(movement.Type),
		}, "Received %v units at %v into batch %d", in.Quantity.InexactFloat64(), in.UnitCost.InexactFloat64(), in.BatchID)
	})
	if input.Attachment != nil {
		s.committed(ctx, func() {
			if path, err := s.AttachDeliveryNote(ctx, actor, in.ID, *input.Attachment); err == nil {
				in.Source.DeliveryNoteFile = path
			}
		})
	}
	return in, nil
}

// AttachDeliveryNote stores a delivery-note file for a committed stock-in and records
// its path. Errors are logged and returned but never undo the stock-in.
func (s *Service) AttachDeliveryNote(ctx context.Context, actor shared.Actor, stockInID int64, file Attachment) (string, error) {
	return s.AttachDeliveryNoteToAll(ctx, actor, []int64{stockInID}, file)
}

// AttachDeliveryNoteToAll stores one delivery-note file and records its path on every
// listed stock-in, as for the lines of one goods receipt. The file is removed again
// when no stock-in could record it.
func (s *Service) AttachDeliveryNoteToAll(ctx context.Context, actor shared.Actor, stockInIDs []int64, file Attachment) (string, error) {
	if s.files == nil || len(stockInIDs) == 0 {
		return "", nil
	}
	path, err := s.files.Save(ctx, deliveryNoteFolder, file.Filename, bytes.NewReader(file.Content))
	if err != nil {
		s.logger.Warn("store delivery note failed", slog.Any("stock_in_ids", stockInIDs), slog.Any("error", err))
		return "", err
	}
	var (
		errs     []error
		recorded int
	)
	for _, id := range stockInIDs {
		if err := s.repo.SetStockInFile(ctx, id, path); err != nil {
			s.logger.Warn("record delivery note path failed", slog.Int64("stock_in_id", id), slog.Any("error", err))
			errs = append(errs, err)
			continue
		}
		recorded++
		s.audit.Emit(ctx, actor, "inventory.stock_in.attach", "stock_in", strconv.FormatInt(id, 10), nil, "Attached delivery note %s", file.Filename)
	}
	if recorded == 0 {
		if delErr := s.files.Delete(ctx, path); delErr != nil {
			s.logger.Warn("remove orphaned delivery note failed", slog.String("path", path), slog.Any("error", delErr))
		}
		return "", errors.Join(errs...)
	}
	return path, errors.Join(errs...)
}

// OpenDeliveryNote returns the stored delivery note of a stock-in and its path.
func (s *Service) OpenDeliveryNote(ctx context.Context, actor shared.Actor, stockInID int64) (io.ReadCloser, string, error) {
	in, err := s.GetStockIn(ctx, actor, stockInID)
	if err != nil {
		return nil, "", err
	}
	if in.Source.DeliveryNoteFile == "" || s.files == nil {
		return nil, "", shared.NotFound("delivery_note", stockInID)
	}
	rc, err := s.files.Open(ctx, in.Source.DeliveryNoteFile)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("delivery note missing from storage", slog.Int64("stock_in_id", stockInID), slog.String("path", in.Source.DeliveryNoteFile))
		return nil, "", shared.NotFound("delivery_note", stockInID)
	}
	if err != nil {
		return nil, "", fmt.Errorf("inventory: open delivery note: %w", err)
	}
	return rc, in.Source.DeliveryNoteFile, nil
}

// DeleteStockIn removes a stock-in and reverses its quantity with a signed ADJUSTMENT
// movement in the same transaction. Units already issued cannot be reversed, and a
// stock-in posted through a goods receipt or named by a return stays in place.
func (s *Service) DeleteStockIn(ctx context.Context, actor shared.Actor, stockInID int64) error {
	if err := actor.Validate(); err != nil {
		return err
	}
	var (
		in       StockIn
		movement Movement
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		in, err = tx.GetStockInForUpdate(ctx, stockInID)
		if err != nil {
			return err
		}
		if in.CompanyID != actor.CompanyID {
			return shared.NotFound("stock_in", stockInID)
		}
		if in.Source.ReturnID > 0 {
			return shared.Invalid("stock_in", "belongs to a return and cannot be deleted")
		}
		referenced, err := tx.StockInReferenced(ctx, stockInID)
		if err != nil {
			return err
		}
		if referenced {
			return shared.Invalid("stock_in", "is referenced by a goods receipt or a return and cannot be deleted")
		}
		if err := tx.DeleteStockIn(ctx, stockInID); err != nil {
			return err
		}
		_, movement, err = s.adjustAvailability(ctx, tx, actor, in.BatchID, in.Quantity.Neg(), ledgerEntry{
			Type:     MovementAdjustment,
			UnitCost: in.UnitCost,
			Ref:      StockInRef(stockInID),
		})
		return err
	})
	if err != nil {
		return err
	}
	s.committed(ctx, func() {
		s.observe(movement)
		s.audit.Emit(ctx, actor, "inventory.stock_in.delete", "stock_in", strconv.FormatInt(stockInID, 10), map[string]any{
			"batch_id": in.BatchID,
			"quantity": in.Quantity.String(),
		}, "Deleted stock-in of %v units from batch %d", in.Quantity.InexactFloat64(), in.BatchID)
	})
	if in.Source.DeliveryNoteFile != "" && s.files != nil {
		if err := s.files.Delete(ctx, in.Source.DeliveryNoteFile); err != nil {
			s.logger.Warn("delete delivery note failed", slog.Int64("stock_in_id", stockInID), slog.Any("error", err))
		}
	}
	return nil
}

func (s *Service) receive(ctx context.Context, tx TxRepository, actor shared.Actor, input ReceiveInput) (StockIn, Movement, error) {
	batchID := input.BatchID
	if input.NewBatch != nil {
		spec := *input.NewBatch
		spec.ProductID = input.ProductID
		batch, err := s.createBatch(ctx, tx, actor, spec, decimal.Zero)
		if err != nil {
			return StockIn{}, Movement{}, err
		}
		batchID = batch.ID
	}
	batch, err := s.lockOwnedBatch(ctx, tx, actor, batchID)
	if err != nil {
		return StockIn{}, Movement{}, err
	}
	if batch.ProductID != input.ProductID {
		return StockIn{}, Movement{}, shared.Invalid("batch_id", "belongs to another product")
	}
	receivedDate := input.ReceivedDate
	if receivedDate.IsZero() {
		receivedDate = s.now()
	}
	in := StockIn{
		CompanyID:    actor.CompanyID,
		ProductID:    input.ProductID,
		BatchID:      batchID,
		Quantity:     input.Quantity,
		UnitCost:     input.UnitCost,
		ReceivedDate: receivedDate,
		Source: StockInSource{
			PurchaseOrderID:    input.PurchaseOrderID,
			DeliveryNoteNumber: input.DeliveryNoteNumber,
			DeliveryNoteDate:   input.DeliveryNoteDate,
			ReturnID:           input.ReturnID,
		},
		CreatedBy: actor.ID,
		CreatedAt: s.now(),
	}
	in.ID, err = tx.InsertStockIn(ctx, in)
	if err != nil {
		return StockIn{}, Movement{}, err
	}
	entry := ledgerEntry{Type: MovementIn, UnitCost: input.UnitCost, Ref: StockInRef(in.ID)}
	if input.ReturnID > 0 {
		entry = ledgerEntry{Type: MovementReturnIn, UnitCost: input.UnitCost, Ref: ReturnRef(input.ReturnID)}
	}
	_, movement, err := s.adjustAvailability(ctx, tx, actor, batchID, input.Quantity, entry)
	if err != nil {
		return StockIn{}, Movement{}, err
	}
	return in, movement, nil
}

func validateReceive(input ReceiveInput) error {
	if input.ProductID <= 0 {
		return shared.Invalid("product_id", "is required")
	}
	if (input.BatchID > 0) == (input.NewBatch != nil) {
		return shared.Invalid("batch", "exactly one of batch_id or new batch is required")
	}
	if input.NewBatch != nil {
		spec := *input.NewBatch
		spec.ProductID = input.ProductID
		if err := validateBatchSpec(spec); err != nil {
			return err
		}
	}
	if err := requirePositive("quantity", input.Quantity); err != nil {
		return err
	}
	if err := requireNonNegative("unit_cost", input.UnitCost); err != nil {
		return err
	}
	if input.ReturnID < 0 || input.PurchaseOrderID < 0 {
		return shared.Invalid("source", "references must be positive")
	}
	return nil
}
