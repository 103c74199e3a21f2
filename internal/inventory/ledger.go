package inventory

import (
	"context"
	"errors"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

// errMissingReference guards the ledger against rows that cannot be traced back.
var errMissingReference = errors.New("inventory: movement reference required")

// appendMovement inserts one ledger row. It carries no business rules and is only
// reached through adjustAvailability.
func (s *Service) appendMovement(ctx context.Context, tx TxRepository, m Movement) (Movement, error) {
	if m.Reference == nil {
		return Movement{}, errMissingReference
	}
	if !m.Type.Valid() {
		return Movement{}, shared.Invalid("movement_type", "is unknown")
	}
	m.CreatedAt = s.now()
	id, err := tx.InsertMovement(ctx, m)
	if err != nil {
		return Movement{}, err
	}
	m.ID = id
	return m, nil
}

// ListMovements queries the ledger by product, batch, date range and movement type.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, shared.Pagination, error) {
	if filter.CompanyID <= 0 {
		return nil, shared.Pagination{}, shared.Invalid("company", "is required")
	}
	for _, t := range filter.Types {
		if !t.Valid() {
			return nil, shared.Pagination{}, shared.Invalid("type", "is unknown")
		}
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, shared.Pagination{}, shared.Invalid("to", "must not be before from")
	}
	items, total, err := s.repo.ListMovements(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// MovementsForReference returns the ledger rows caused by ref.
func (s *Service) MovementsForReference(ctx context.Context, companyID int64, ref Reference) ([]Movement, error) {
	if ref == nil {
		return nil, errMissingReference
	}
	items, _, err := s.repo.ListMovements(ctx, MovementFilter{CompanyID: companyID, Reference: ref, PerPage: shared.MaxPerPage})
	return items, err
}
