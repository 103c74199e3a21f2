package inventory

import (
	"fmt"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

// ReferenceKind names the table a movement points back to.
type ReferenceKind string

const (
	ReferenceStockIn  ReferenceKind = "stock_in"
	ReferenceStockOut ReferenceKind = "stock_out"
	ReferenceReturn   ReferenceKind = "stock_return"
)

// Reference is the cause of a movement. Only the types in this package implement it.
type Reference interface {
	Kind() ReferenceKind
	ID() int64
	sealed()
}

// StockInRef points at a StockIn row.
type StockInRef int64

// StockOutRef points at a StockOut row.
type StockOutRef int64

// ReturnRef points at a StockReturn row.
type ReturnRef int64

func (r StockInRef) Kind() ReferenceKind  { return ReferenceStockIn }
func (r StockInRef) ID() int64            { return int64(r) }
func (StockInRef) sealed()                {}
func (r StockOutRef) Kind() ReferenceKind { return ReferenceStockOut }
func (r StockOutRef) ID() int64           { return int64(r) }
func (StockOutRef) sealed()               {}
func (r ReturnRef) Kind() ReferenceKind   { return ReferenceReturn }
func (r ReturnRef) ID() int64             { return int64(r) }
func (ReturnRef) sealed()                 {}

// ParseReference rebuilds a Reference from its stored columns.
func ParseReference(kind string, id int64) (Reference, error) {
	if id <= 0 {
		return nil, fmt.Errorf("inventory: reference id %d: %w", id, shared.ErrValidation)
	}
	switch ReferenceKind(kind) {
	case ReferenceStockIn:
		return StockInRef(id), nil
	case ReferenceStockOut:
		return StockOutRef(id), nil
	case ReferenceReturn:
		return ReturnRef(id), nil
	}
	return nil, fmt.Errorf("inventory: unknown reference kind %q: %w", kind, shared.ErrValidation)
}
