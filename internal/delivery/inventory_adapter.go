package delivery

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/backoffice/internal/inventory"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// InventoryService issues stock for delivered lines.
type InventoryService interface {
	IssueLine(ctx context.Context, actor shared.Actor, note Note, line Line) (int64, error)
}

// InventoryAdapter adapts inventory.Service to the InventoryService interface required
// by the delivery service.
type InventoryAdapter struct {
	service *inventory.Service
}

// NewInventoryAdapter creates a new inventory adapter.
func NewInventoryAdapter(service *inventory.Service) *InventoryAdapter {
	return &InventoryAdapter{service: service}
}

// IssueLine records the sale of one delivery line and returns the stock-out id.
func (a *InventoryAdapter) IssueLine(ctx context.Context, actor shared.Actor, note Note, line Line) (int64, error) {
	if a.service == nil {
		return 0, fmt.Errorf("inventory service not initialized")
	}
	out, err := a.service.Issue(ctx, actor, issueInput(note, line))
	if err != nil {
		return 0, fmt.Errorf("issue line %d of %s: %w", line.LineOrder, note.DocNumber, err)
	}
	return out.ID, nil
}

func issueInput(note Note, line Line) inventory.IssueInput {
	return inventory.IssueInput{
		ProductID:       line.ProductID,
		BatchID:         line.BatchID,
		Quantity:        line.Quantity,
		SellingPrice:    line.UnitPrice,
		TransactionType: inventory.TransactionSale,
		CustomerID:      note.CustomerID,
		DeliveryNoteID:  note.ID,
		IssuedDate:      note.DeliveryDate,
	}
}
