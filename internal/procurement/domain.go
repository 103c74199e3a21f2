package procurement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/inventory"
)

// Purchase order lifecycle statuses.
type POStatus string

const (
	POStatusDraft     POStatus = "DRAFT"
	POStatusApproved  POStatus = "APPROVED"
	POStatusPartial   POStatus = "PARTIAL"
	POStatusClosed    POStatus = "CLOSED"
	POStatusCancelled POStatus = "CANCELLED"
)

// Receivable reports whether goods can still be received against the order.
func (s POStatus) Receivable() bool {
	return s == POStatusApproved || s == POStatusPartial
}

// PurchaseOrder domain model.
type PurchaseOrder struct {
	ID           int64
	CompanyID    int64
	Number       string
	SupplierID   int64
	Status       POStatus
	ExpectedDate time.Time
	Note         string
	CreatedBy    int64
	ApprovedBy   *int64
	ApprovedAt   *time.Time
	CreatedAt    time.Time
	Lines        []POLine
}

// POLine represents an ordered product.
type POLine struct {
	ID          int64
	POID        int64
	ProductID   int64
	Qty         decimal.Decimal
	Price       decimal.Decimal
	QtyReceived decimal.Decimal
}

// Outstanding is the quantity still expected.
func (l POLine) Outstanding() decimal.Decimal {
	return l.Qty.Sub(l.QtyReceived)
}

// GoodsReceipt records one delivery received against a purchase order.
type GoodsReceipt struct {
	ID                 int64
	CompanyID          int64
	Number             string
	POID               int64
	SupplierID         int64
	DeliveryNoteNumber string
	DeliveryNoteDate   *time.Time
	ReceivedAt         time.Time
	CreatedBy          int64
	Lines              []GRNLine
}

// GRNLine describes received goods and the stock-in they produced.
type GRNLine struct {
	ID        int64
	GRNID     int64
	POLineID  int64
	ProductID int64
	BatchID   int64
	Qty       decimal.Decimal
	UnitCost  decimal.Decimal
	StockInID int64
}

// CreatePOInput describes a purchase order.
type CreatePOInput struct {
	Number       string
	SupplierID   int64
	ExpectedDate time.Time
	Note         string
	Lines        []POLineInput
}

// POLineInput describes an ordered line.
type POLineInput struct {
	ProductID int64
	Qty       decimal.Decimal
	Price     decimal.Decimal
}

// ReceiveInput receives goods against an approved purchase order.
type ReceiveInput struct {
	POID               int64
	Number             string
	DeliveryNoteNumber string
	DeliveryNoteDate   *time.Time
	ReceivedAt         time.Time
	Lines              []ReceiveLineInput
	Attachment         *inventory.Attachment
}

// ReceiveLineInput receives one PO line into an existing batch or a new one.
// A zero UnitCost falls back to the ordered price.
type ReceiveLineInput struct {
	POLineID int64
	BatchID  int64
	NewBatch *inventory.BatchSpec
	Qty      decimal.Decimal
	UnitCost decimal.Decimal
}
