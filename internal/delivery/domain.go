package delivery

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// DELIVERY NOTE STATUS
// ============================================================================

// NoteStatus represents the lifecycle of a delivery note.
type NoteStatus string

const (
	StatusDraft     NoteStatus = "DRAFT"      // Initial creation, can be edited
	StatusConfirmed NoteStatus = "CONFIRMED"  // Ready to ship, no stock moved yet
	StatusInTransit NoteStatus = "IN_TRANSIT" // Out for delivery
	StatusReceived  NoteStatus = "RECEIVED"   // Customer received goods, stock issued
	StatusCancelled NoteStatus = "CANCELLED"
)

// IsValid checks if the status is known.
func (s NoteStatus) IsValid() bool {
	switch s {
	case StatusDraft, StatusConfirmed, StatusInTransit, StatusReceived, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanConfirm checks if the note can be confirmed.
func (s NoteStatus) CanConfirm() bool {
	return s == StatusDraft
}

// CanShip checks if the note can be marked in transit.
func (s NoteStatus) CanShip() bool {
	return s == StatusConfirmed
}

// CanReceive checks if the note can be marked received.
func (s NoteStatus) CanReceive() bool {
	return s == StatusConfirmed || s == StatusInTransit
}

// CanCancel checks if the note can be cancelled. Received notes have moved stock and
// are corrected through customer returns instead.
func (s NoteStatus) CanCancel() bool {
	return s == StatusDraft || s == StatusConfirmed || s == StatusInTransit
}

// ============================================================================
// DELIVERY NOTE ENTITY
// ============================================================================

// Note is a delivery from warehouse to customer. Each line names the batch it ships from.
type Note struct {
	ID            int64      `json:"id"`
	CompanyID     int64      `json:"company_id"`
	DocNumber     string     `json:"doc_number"`
	CustomerID    int64      `json:"customer_id"`
	DeliveryDate  time.Time  `json:"delivery_date"`
	Status        NoteStatus `json:"status"`
	DriverName    string     `json:"driver_name,omitempty"`
	VehicleNumber string     `json:"vehicle_number,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	CreatedBy     int64      `json:"created_by"`
	ConfirmedBy   *int64     `json:"confirmed_by,omitempty"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
	ReceivedBy    *int64     `json:"received_by,omitempty"`
	ReceivedAt    *time.Time `json:"received_at,omitempty"`
	CancelReason  string     `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Lines         []Line     `json:"lines,omitempty"`
}

// Line is one batch quantity shipped on a delivery note.
type Line struct {
	ID         int64           `json:"id"`
	NoteID     int64           `json:"note_id"`
	ProductID  int64           `json:"product_id"`
	BatchID    int64           `json:"batch_id"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	LineOrder  int             `json:"line_order"`
	StockOutID int64           `json:"stock_out_id,omitempty"`
}

// Total is the invoiced value of the note.
func (n Note) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range n.Lines {
		total = total.Add(line.Quantity.Mul(line.UnitPrice))
	}
	return total
}

// ============================================================================
// REQUESTS
// ============================================================================

// CreateNoteRequest creates a draft delivery note.
type CreateNoteRequest struct {
	DocNumber     string              `json:"doc_number" validate:"required,max=50"`
	CustomerID    int64               `json:"customer_id" validate:"required,gt=0"`
	DeliveryDate  time.Time           `json:"delivery_date" validate:"required"`
	DriverName    string              `json:"driver_name,omitempty" validate:"omitempty,max=200"`
	VehicleNumber string              `json:"vehicle_number,omitempty" validate:"omitempty,max=50"`
	Notes         string              `json:"notes,omitempty"`
	Lines         []CreateLineRequest `json:"lines" validate:"required,min=1,dive"`
}

// CreateLineRequest is a line item in a create request.
type CreateLineRequest struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	BatchID   int64           `json:"batch_id" validate:"required,gt=0"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineOrder int             `json:"line_order" validate:"gte=0"`
}

// ListFilter narrows note listings.
type ListFilter struct {
	CompanyID  int64
	CustomerID int64
	Status     NoteStatus
	Page       int
	PerPage    int
}
