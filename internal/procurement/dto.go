package procurement

import (
	"time"

	"github.com/shopspring/decimal"
)

type poLineDTO struct {
	ID          int64           `json:"id"`
	ProductID   int64           `json:"product_id"`
	Qty         decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	QtyReceived decimal.Decimal `json:"qty_received"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

type purchaseOrderDTO struct {
	ID           int64       `json:"id"`
	Number       string      `json:"number"`
	SupplierID   int64       `json:"supplier_id"`
	Status       POStatus    `json:"status"`
	ExpectedDate time.Time   `json:"expected_date"`
	Note         string      `json:"note,omitempty"`
	CreatedBy    int64       `json:"created_by"`
	ApprovedBy   *int64      `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time  `json:"approved_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	Lines        []poLineDTO `json:"lines"`
}

func toPurchaseOrderDTO(po PurchaseOrder) purchaseOrderDTO {
	out := purchaseOrderDTO{
		ID:           po.ID,
		Number:       po.Number,
		SupplierID:   po.SupplierID,
		Status:       po.Status,
		ExpectedDate: po.ExpectedDate,
		Note:         po.Note,
		CreatedBy:    po.CreatedBy,
		ApprovedBy:   po.ApprovedBy,
		ApprovedAt:   po.ApprovedAt,
		CreatedAt:    po.CreatedAt,
		Lines:        make([]poLineDTO, len(po.Lines)),
	}
	for i, l := range po.Lines {
		out.Lines[i] = poLineDTO{ID: l.ID, ProductID: l.ProductID, Qty: l.Qty, Price: l.Price, QtyReceived: l.QtyReceived, Outstanding: l.Outstanding()}
	}
	return out
}

type grnLineDTO struct {
	ID        int64           `json:"id"`
	POLineID  int64           `json:"po_line_id"`
	ProductID int64           `json:"product_id"`
	BatchID   int64           `json:"batch_id"`
	Qty       decimal.Decimal `json:"qty"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	StockInID int64           `json:"stock_in_id"`
}

type goodsReceiptDTO struct {
	ID                 int64        `json:"id"`
	Number             string       `json:"number"`
	POID               int64        `json:"purchase_order_id"`
	SupplierID         int64        `json:"supplier_id"`
	DeliveryNoteNumber string       `json:"delivery_note_number,omitempty"`
	DeliveryNoteDate   *time.Time   `json:"delivery_note_date,omitempty"`
	ReceivedAt         time.Time    `json:"received_at"`
	CreatedBy          int64        `json:"created_by"`
	Lines              []grnLineDTO `json:"lines"`
}

func toGoodsReceiptDTO(grn GoodsReceipt) goodsReceiptDTO {
	out := goodsReceiptDTO{
		ID:                 grn.ID,
		Number:             grn.Number,
		POID:               grn.POID,
		SupplierID:         grn.SupplierID,
		DeliveryNoteNumber: grn.DeliveryNoteNumber,
		DeliveryNoteDate:   grn.DeliveryNoteDate,
		ReceivedAt:         grn.ReceivedAt,
		CreatedBy:          grn.CreatedBy,
		Lines:              make([]grnLineDTO, len(grn.Lines)),
	}
	for i, l := range grn.Lines {
		out.Lines[i] = grnLineDTO{ID: l.ID, POLineID: l.POLineID, ProductID: l.ProductID, BatchID: l.BatchID, Qty: l.Qty, UnitCost: l.UnitCost, StockInID: l.StockInID}
	}
	return out
}
