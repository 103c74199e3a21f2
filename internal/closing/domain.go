package closing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

// ErrPeriodLocked indicates another worker is closing the same period. It matches
// shared.ErrConflict.
var ErrPeriodLocked = fmt.Errorf("closing: period close already running: %w", shared.ErrConflict)

// Period is a calendar month.
type Period struct {
	Year  int
	Month int
}

// Validate ensures the period is a real month.
func (p Period) Validate() error {
	if p.Year < 2000 || p.Year > 9999 {
		return shared.Invalid("year", "is out of range")
	}
	if p.Month < 1 || p.Month > 12 {
		return shared.Invalid("month", "must be between 1 and 12")
	}
	return nil
}

// Bounds returns the half-open interval [start, end) covered by the period.
func (p Period) Bounds() (time.Time, time.Time) {
	start := time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Previous returns the month before p.
func (p Period) Previous() Period {
	start, _ := p.Bounds()
	prev := start.AddDate(0, -1, 0)
	return Period{Year: prev.Year(), Month: int(prev.Month())}
}

// PeriodOf returns the period containing t.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: int(t.Month())}
}

// BatchInfo is the slice of a batch the calculator needs.
type BatchInfo struct {
	ID            int64
	CompanyID     int64
	PurchasePrice decimal.Decimal
}

// OpeningBalance is a StockOpening row.
type OpeningBalance struct {
	Quantity decimal.Decimal
	Value    decimal.Decimal
}

// Receipt is a StockIn row within the period.
type Receipt struct {
	Quantity decimal.Decimal
}

// Issue is a StockOut row within the period.
type Issue struct {
	Quantity     decimal.Decimal
	SellingPrice decimal.Decimal
}

// EndingStock is the per-batch month-end snapshot.
type EndingStock struct {
	ID              int64
	CompanyID       int64
	BatchID         int64
	Year            int
	Month           int
	OpeningQuantity decimal.Decimal
	OpeningValue    decimal.Decimal
	InQuantity      decimal.Decimal
	InValue         decimal.Decimal
	OutQuantity     decimal.Decimal
	OutValue        decimal.Decimal
	EndingQuantity  decimal.Decimal
	EndingValue     decimal.Decimal
	CalculatedAt    time.Time
}

// Summary reports a run over every batch of a period.
type Summary struct {
	Period   Period
	Batches  int
	Closed   int
	Failures map[int64]error
}

// Calculate folds opening, receipts and issues into an EndingStock. Receipts are
// valued at the batch purchase price and issues at their selling price.
func Calculate(batch BatchInfo, period Period, opening *OpeningBalance, receipts []Receipt, issues []Issue) EndingStock {
	row := EndingStock{
		CompanyID: batch.CompanyID,
		BatchID:   batch.ID,
		Year:      period.Year,
		Month:     period.Month,
	}
	if opening != nil {
		row.OpeningQuantity = opening.Quantity
		row.OpeningValue = opening.Value
	}
	for _, r := range receipts {
		row.InQuantity = row.InQuantity.Add(r.Quantity)
		row.InValue = row.InValue.Add(r.Quantity.Mul(batch.PurchasePrice))
	}
	for _, i := range issues {
		row.OutQuantity = row.OutQuantity.Add(i.Quantity)
		row.OutValue = row.OutValue.Add(i.Quantity.Mul(i.SellingPrice))
	}
	row.EndingQuantity = row.OpeningQuantity.Add(row.InQuantity).Sub(row.OutQuantity)
	row.EndingValue = row.OpeningValue.Add(row.InValue).Sub(row.OutValue)
	return row
}
