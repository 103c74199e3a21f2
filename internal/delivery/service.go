package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

const idempotencyModule = "delivery"

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Note, error)
	List(ctx context.Context, filter ListFilter) ([]Note, int, error)
}

// Service provides business logic for delivery notes.
type Service struct {
	repo      RepositoryPort
	inventory InventoryService
	audit     *shared.AuditTrail
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs a delivery service.
func NewService(repo RepositoryPort, inventory InventoryService, audit *shared.AuditTrail, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		inventory: inventory,
		audit:     audit,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// ============================================================================
// DELIVERY NOTE OPERATIONS
// ============================================================================

// Create stores a draft delivery note with its lines.
func (s *Service) Create(ctx context.Context, actor shared.Actor, req CreateNoteRequest) (Note, error) {
	if err := actor.Validate(); err != nil {
		return Note{}, err
	}
	if err := validateCreate(req); err != nil {
		return Note{}, err
	}
	now := s.now()
	note := Note{
		CompanyID:     actor.CompanyID,
		DocNumber:     strings.TrimSpace(req.DocNumber),
		CustomerID:    req.CustomerID,
		DeliveryDate:  req.DeliveryDate,
		Status:        StatusDraft,
		DriverName:    req.DriverName,
		VehicleNumber: req.VehicleNumber,
		Notes:         req.Notes,
		CreatedBy:     actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.Insert(ctx, note)
		if err != nil {
			return fmt.Errorf("create delivery note: %w", err)
		}
		note.ID = id
		for _, reqLine := range req.Lines {
			line := Line{
				NoteID:    id,
				ProductID: reqLine.ProductID,
				BatchID:   reqLine.BatchID,
				Quantity:  reqLine.Quantity,
				UnitPrice: reqLine.UnitPrice,
				LineOrder: reqLine.LineOrder,
			}
			line.ID, err = tx.InsertLine(ctx, line)
			if err != nil {
				return fmt.Errorf("insert line: %w", err)
			}
			note.Lines = append(note.Lines, line)
		}
		return nil
	})
	if err != nil {
		return Note{}, err
	}
	s.audit.Emit(ctx, actor, "delivery.create", "delivery_note", strconv.FormatInt(note.ID, 10), map[string]any{
		"doc_number": note.DocNumber,
		"lines":      len(note.Lines),
	}, "Created delivery note %s with %d lines worth %v", note.DocNumber, len(note.Lines), note.Total().InexactFloat64())
	return note, nil
}

// Confirm locks the note content for shipping.
func (s *Service) Confirm(ctx context.Context, actor shared.Actor, id int64) (Note, error) {
	return s.changeStatus(ctx, actor, id, StatusConfirmed, NoteStatus.CanConfirm, func(n *Note, at time.Time) {
		n.ConfirmedBy, n.ConfirmedAt = &actor.ID, &at
	})
}

// MarkInTransit marks a confirmed note as shipped.
func (s *Service) MarkInTransit(ctx context.Context, actor shared.Actor, id int64) (Note, error) {
	return s.changeStatus(ctx, actor, id, StatusInTransit, NoteStatus.CanShip, nil)
}

// Cancel abandons a note that has not been received.
func (s *Service) Cancel(ctx context.Context, actor shared.Actor, id int64, reason string) (Note, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Note{}, shared.Invalid("reason", "is required")
	}
	return s.changeStatus(ctx, actor, id, StatusCancelled, NoteStatus.CanCancel, func(n *Note, _ time.Time) {
		n.CancelReason = reason
	})
}

// MarkReceived issues stock for every line of the note and marks it received. All
// stock-outs, their movements and the status change commit in one transaction, so a
// line that cannot be issued leaves the note and every batch untouched. key makes
// retries of the same request safe; an empty key derives one from the note id.
func (s *Service) MarkReceived(ctx context.Context, actor shared.Actor, id int64, key string) (Note, error) {
	if err := actor.Validate(); err != nil {
		return Note{}, err
	}
	if s.inventory == nil {
		return Note{}, errors.New("delivery: inventory service not configured")
	}
	if strings.TrimSpace(key) == "" {
		key = fmt.Sprintf("delivery-note:%d:received", id)
	}
	var note Note
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.ClaimKey(ctx, key); err != nil {
			return err
		}
		var err error
		note, err = tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if note.CompanyID != actor.CompanyID {
			return shared.NotFound("delivery_note", id)
		}
		if note.Status == StatusReceived {
			return &shared.AlreadyProcessedError{Entity: "delivery_note", ID: id, Status: string(note.Status)}
		}
		if !note.Status.CanReceive() {
			return &shared.InvalidStateTransitionError{Entity: "delivery_note", From: string(note.Status), Action: "receive"}
		}
		if len(note.Lines) == 0 {
			return shared.Invalid("lines", "delivery note has no lines")
		}
		for i, line := range note.Lines {
			stockOutID, err := s.inventory.IssueLine(ctx, actor, note, line)
			if err != nil {
				return err
			}
			if err := tx.SetLineStockOut(ctx, line.ID, stockOutID); err != nil {
				return fmt.Errorf("update line %d: %w", line.ID, err)
			}
			note.Lines[i].StockOutID = stockOutID
		}
		at := s.now()
		if err := tx.UpdateStatus(ctx, id, StatusReceived, map[string]any{"received_by": actor.ID, "received_at": at}); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		note.Status, note.ReceivedBy, note.ReceivedAt, note.UpdatedAt = StatusReceived, &actor.ID, &at, at
		return nil
	})
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		current, getErr := s.repo.Get(ctx, id)
		if getErr != nil {
			return Note{}, getErr
		}
		return Note{}, &shared.AlreadyProcessedError{Entity: "delivery_note", ID: id, Status: string(current.Status)}
	}
	if err != nil {
		s.logger.Warn("mark delivery received failed", slog.Int64("note_id", id), slog.Any("error", err))
		return Note{}, err
	}
	s.audit.Emit(ctx, actor, "delivery.receive", "delivery_note", strconv.FormatInt(id, 10), map[string]any{
		"doc_number": note.DocNumber,
		"lines":      len(note.Lines),
	}, "Delivery note %s received, %d lines issued worth %v", note.DocNumber, len(note.Lines), note.Total().InexactFloat64())
	return note, nil
}

// Get returns a note owned by the actor's company.
func (s *Service) Get(ctx context.Context, actor shared.Actor, id int64) (Note, error) {
	note, err := s.repo.Get(ctx, id)
	if err != nil {
		return Note{}, err
	}
	if note.CompanyID != actor.CompanyID {
		return Note{}, shared.NotFound("delivery_note", id)
	}
	return note, nil
}

// List lists notes matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Note, shared.Pagination, error) {
	if filter.CompanyID <= 0 {
		return nil, shared.Pagination{}, shared.Invalid("company", "is required")
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, shared.Pagination{}, shared.Invalid("status", "is unknown")
	}
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

func (s *Service) changeStatus(ctx context.Context, actor shared.Actor, id int64, to NoteStatus, allowed func(NoteStatus) bool, stamp func(*Note, time.Time)) (Note, error) {
	if err := actor.Validate(); err != nil {
		return Note{}, err
	}
	var note Note
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		note, err = tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if note.CompanyID != actor.CompanyID {
			return shared.NotFound("delivery_note", id)
		}
		if !allowed(note.Status) {
			return &shared.InvalidStateTransitionError{Entity: "delivery_note", From: string(note.Status), Action: strings.ToLower(string(to))}
		}
		at := s.now()
		if stamp != nil {
			stamp(&note, at)
		}
		updates := map[string]any{}
		switch to {
		case StatusConfirmed:
			updates["confirmed_by"], updates["confirmed_at"] = actor.ID, at
		case StatusCancelled:
			updates["cancel_reason"] = note.CancelReason
		}
		if err := tx.UpdateStatus(ctx, id, to, updates); err != nil {
			return err
		}
		note.Status, note.UpdatedAt = to, at
		return nil
	})
	if err != nil {
		return Note{}, err
	}
	s.audit.Emit(ctx, actor, "delivery."+strings.ToLower(string(to)), "delivery_note", strconv.FormatInt(id, 10), nil,
		"Delivery note %s moved to %s", note.DocNumber, to)
	return note, nil
}

func validateCreate(req CreateNoteRequest) error {
	if strings.TrimSpace(req.DocNumber) == "" {
		return shared.Invalid("doc_number", "is required")
	}
	if req.CustomerID <= 0 {
		return shared.Invalid("customer_id", "is required")
	}
	if req.DeliveryDate.IsZero() {
		return shared.Invalid("delivery_date", "is required")
	}
	if len(req.Lines) == 0 {
		return shared.Invalid("lines", "at least one line is required")
	}
	for i, line := range req.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		if line.ProductID <= 0 || line.BatchID <= 0 {
			return shared.Invalid(field, "product and batch are required")
		}
		if !line.Quantity.IsPositive() {
			return shared.Invalid(field+".quantity", "must be greater than zero")
		}
		if line.UnitPrice.IsNegative() {
			return shared.Invalid(field+".unit_price", "must not be negative")
		}
	}
	return nil
}
