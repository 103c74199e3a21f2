package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultExpiryHorizon is how far ahead a batch counts as expiring soon.
const DefaultExpiryHorizon = 30 * 24 * time.Hour

// BatchStatus enumerates the lifecycle of a stock batch.
type BatchStatus string

const (
	// BatchStatusActive marks a batch with stock available for issuance.
	BatchStatusActive BatchStatus = "active"
	// BatchStatusDepleted marks a batch whose availability reached zero.
	BatchStatusDepleted BatchStatus = "depleted"
	// BatchStatusExpired marks a batch past its expiry date.
	BatchStatusExpired BatchStatus = "expired"
	// BatchStatusBlocked marks a batch held back manually.
	BatchStatusBlocked BatchStatus = "blocked"
)

// MovementType tags the cause of a ledger row.
type MovementType string

const (
	MovementIn         MovementType = "IN"
	MovementOut        MovementType = "OUT"
	MovementAdjustment MovementType = "ADJUSTMENT"
	MovementReturnIn   MovementType = "RETURN_IN"
	MovementReturnOut  MovementType = "RETURN_OUT"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementIn, MovementOut, MovementAdjustment, MovementReturnIn, MovementReturnOut:
		return true
	}
	return false
}

// TransactionType classifies an issuance.
type TransactionType string

const (
	TransactionSale           TransactionType = "sale"
	TransactionUsage          TransactionType = "usage"
	TransactionAdjustment     TransactionType = "adjustment"
	TransactionReturnSupplier TransactionType = "return_supplier"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionSale, TransactionUsage, TransactionAdjustment, TransactionReturnSupplier:
		return true
	}
	return false
}

// Product is the catalogue item stock batches belong to.
type Product struct {
	ID          int64
	CompanyID   int64
	Code        string
	Name        string
	Unit        string
	IsPrecursor bool
}

// Batch is a lot of a product with its own cost basis and expiry.
type Batch struct {
	ID                int64
	CompanyID         int64
	ProductID         int64
	BatchNumber       string
	QuantityInitial   decimal.Decimal
	QuantityAvailable decimal.Decimal
	PurchasePrice     decimal.Decimal
	ManufactureDate   *time.Time
	ExpiryDate        *time.Time
	Status            BatchStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsExpired reports whether the expiry date lies before now.
func (b Batch) IsExpired(now time.Time) bool {
	return b.ExpiryDate != nil && b.ExpiryDate.Before(now)
}

// IsExpiringSoon reports whether the batch expires after now but within horizon.
func (b Batch) IsExpiringSoon(now time.Time, horizon time.Duration) bool {
	if b.ExpiryDate == nil || b.IsExpired(now) {
		return false
	}
	if horizon <= 0 {
		horizon = DefaultExpiryHorizon
	}
	return !b.ExpiryDate.After(now.Add(horizon))
}

// Issuable reports whether sales and usage may draw from the batch.
func (b Batch) Issuable() bool {
	return b.Status != BatchStatusBlocked && b.Status != BatchStatusExpired
}

// StockInSource links a receiving event to what caused it.
type StockInSource struct {
	PurchaseOrderID    int64
	DeliveryNoteNumber string
	DeliveryNoteDate   *time.Time
	DeliveryNoteFile   string
	ReturnID           int64
}

// StockIn is one receiving event.
type StockIn struct {
	ID           int64
	CompanyID    int64
	ProductID    int64
	BatchID      int64
	Quantity     decimal.Decimal
	UnitCost     decimal.Decimal
	ReceivedDate time.Time
	Source       StockInSource
	CreatedBy    int64
	CreatedAt    time.Time
}

// TotalCost is quantity times unit cost.
func (s StockIn) TotalCost() decimal.Decimal {
	return s.Quantity.Mul(s.UnitCost)
}

// StockOut is one issuance event. BatchPurchasePrice is read from the batch, never stored.
type StockOut struct {
	ID                 int64
	CompanyID          int64
	ProductID          int64
	BatchID            int64
	Quantity           decimal.Decimal
	SellingPrice       decimal.Decimal
	TransactionType    TransactionType
	CustomerID         int64
	DeliveryNoteID     int64
	ReturnID           int64
	IssuedDate         time.Time
	CreatedBy          int64
	CreatedAt          time.Time
	BatchPurchasePrice decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

// TotalValue is quantity times selling price.
func (o StockOut) TotalValue() decimal.Decimal {
	return o.Quantity.Mul(o.SellingPrice)
}

// CostOfGoods is quantity times the batch purchase price.
func (o StockOut) CostOfGoods() decimal.Decimal {
	return o.Quantity.Mul(o.BatchPurchasePrice)
}

// Profit is total value minus cost of goods.
func (o StockOut) Profit() decimal.Decimal {
	return o.TotalValue().Sub(o.CostOfGoods())
}

// ProfitPercentage is profit over cost of goods in percent, zero when there is no cost.
func (o StockOut) ProfitPercentage() decimal.Decimal {
	cogs := o.CostOfGoods()
	if cogs.IsZero() {
		return decimal.Zero
	}
	return o.Profit().Div(cogs).Mul(hundred)
}

// Movement is an append-only ledger row.
type Movement struct {
	ID        int64
	CompanyID int64
	ProductID int64
	BatchID   int64
	Type      MovementType
	Quantity  decimal.Decimal
	UnitCost  decimal.Decimal
	Reference Reference
	ActorID   int64
	CreatedAt time.Time
}

// Opening is a per-batch opening balance for the period containing Date.
type Opening struct {
	ID        int64
	BatchID   int64
	Date      time.Time
	Quantity  decimal.Decimal
	Value     decimal.Decimal
	CreatedBy int64
	CreatedAt time.Time
}

// BatchSpec describes a batch to be created.
type BatchSpec struct {
	ProductID       int64
	BatchNumber     string
	PurchasePrice   decimal.Decimal
	ManufactureDate *time.Time
	ExpiryDate      *time.Time
}

// CreateBatchInput registers a batch that already holds InitialQuantity units.
type CreateBatchInput struct {
	BatchSpec
	InitialQuantity decimal.Decimal
}

// Attachment is a file handed to the storage collaborator after commit.
type Attachment struct {
	Filename string
	Content  []byte
}

// ReceiveInput describes a stock-in. Exactly one of BatchID and NewBatch is set.
type ReceiveInput struct {
	ProductID          int64
	BatchID            int64
	NewBatch           *BatchSpec
	Quantity           decimal.Decimal
	UnitCost           decimal.Decimal
	ReceivedDate       time.Time
	PurchaseOrderID    int64
	DeliveryNoteNumber string
	DeliveryNoteDate   *time.Time
	ReturnID           int64
	Attachment         *Attachment
}

// IssueInput describes a stock-out.
type IssueInput struct {
	ProductID       int64
	BatchID         int64
	Quantity        decimal.Decimal
	SellingPrice    decimal.Decimal
	TransactionType TransactionType
	CustomerID      int64
	DeliveryNoteID  int64
	ReturnID        int64
	IssuedDate      time.Time
}

// OpeningInput records an opening balance.
type OpeningInput struct {
	BatchID  int64
	Date     time.Time
	Quantity decimal.Decimal
	Value    decimal.Decimal
}

// BatchFilter narrows batch listings.
type BatchFilter struct {
	CompanyID int64
	ProductID int64
	Status    BatchStatus
	Page      int
	PerPage   int
}

// MovementFilter narrows ledger queries. Zero values are ignored.
type MovementFilter struct {
	CompanyID int64
	ProductID int64
	BatchID   int64
	Types     []MovementType
	Reference Reference
	From      time.Time
	To        time.Time
	Page      int
	PerPage   int
}

// MovementTotals sums a batch's ledger by movement type.
type MovementTotals struct {
	In         decimal.Decimal
	Out        decimal.Decimal
	ReturnIn   decimal.Decimal
	ReturnOut  decimal.Decimal
	Adjustment decimal.Decimal
}

// Net is the balance change implied by the totals.
func (t MovementTotals) Net() decimal.Decimal {
	return t.In.Add(t.ReturnIn).Sub(t.Out).Sub(t.ReturnOut).Add(t.Adjustment)
}

// Conservation compares a batch balance with the ledger.
type Conservation struct {
	BatchID  int64
	Initial  decimal.Decimal
	Ledger   MovementTotals
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

// Drift is actual minus expected; zero for a consistent batch.
func (c Conservation) Drift() decimal.Decimal {
	return c.Actual.Sub(c.Expected)
}

// Balanced reports whether the batch balance matches its ledger.
func (c Conservation) Balanced() bool {
	return c.Drift().IsZero()
}

// ExpiryAlert is a batch with stock that is expired or expiring soon.
type ExpiryAlert struct {
	Batch   Batch
	Expired bool
	DaysTo  int
}
