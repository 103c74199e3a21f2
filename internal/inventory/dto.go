package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

type batchDTO struct {
	ID                int64           `json:"id"`
	ProductID         int64           `json:"product_id"`
	BatchNumber       string          `json:"batch_number"`
	QuantityInitial   decimal.Decimal `json:"quantity_initial"`
	QuantityAvailable decimal.Decimal `json:"quantity_available"`
	PurchasePrice     decimal.Decimal `json:"purchase_price"`
	ManufactureDate   *time.Time      `json:"manufacture_date,omitempty"`
	ExpiryDate        *time.Time      `json:"expiry_date,omitempty"`
	Status            BatchStatus     `json:"status"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func toBatchDTO(b Batch) batchDTO {
	return batchDTO{
		ID:                b.ID,
		ProductID:         b.ProductID,
		BatchNumber:       b.BatchNumber,
		QuantityInitial:   b.QuantityInitial,
		QuantityAvailable: b.QuantityAvailable,
		PurchasePrice:     b.PurchasePrice,
		ManufactureDate:   b.ManufactureDate,
		ExpiryDate:        b.ExpiryDate,
		Status:            b.Status,
		UpdatedAt:         b.UpdatedAt,
	}
}

type expiryAlertDTO struct {
	Batch        batchDTO `json:"batch"`
	Expired      bool     `json:"expired"`
	DaysToExpiry int      `json:"days_to_expiry"`
}

type conservationDTO struct {
	BatchID    int64           `json:"batch_id"`
	Initial    decimal.Decimal `json:"initial"`
	In         decimal.Decimal `json:"in"`
	Out        decimal.Decimal `json:"out"`
	ReturnIn   decimal.Decimal `json:"return_in"`
	ReturnOut  decimal.Decimal `json:"return_out"`
	Adjustment decimal.Decimal `json:"adjustment"`
	Expected   decimal.Decimal `json:"expected"`
	Actual     decimal.Decimal `json:"actual"`
	Drift      decimal.Decimal `json:"drift"`
	Balanced   bool            `json:"balanced"`
}

type openingDTO struct {
	ID       int64           `json:"id"`
	BatchID  int64           `json:"batch_id"`
	Date     time.Time       `json:"date"`
	Quantity decimal.Decimal `json:"quantity"`
	Value    decimal.Decimal `json:"value"`
}

type stockInDTO struct {
	ID                 int64           `json:"id"`
	ProductID          int64           `json:"product_id"`
	BatchID            int64           `json:"batch_id"`
	Quantity           decimal.Decimal `json:"quantity"`
	UnitCost           decimal.Decimal `json:"unit_cost"`
	TotalCost          decimal.Decimal `json:"total_cost"`
	ReceivedDate       time.Time       `json:"received_date"`
	PurchaseOrderID    int64           `json:"purchase_order_id,omitempty"`
	DeliveryNoteNumber string          `json:"delivery_note_number,omitempty"`
	DeliveryNoteDate   *time.Time      `json:"delivery_note_date,omitempty"`
	DeliveryNoteFile   string          `json:"delivery_note_file,omitempty"`
	ReturnID           int64           `json:"return_id,omitempty"`
	CreatedBy          int64           `json:"created_by"`
}

func toStockInDTO(in StockIn) stockInDTO {
	return stockInDTO{
		ID:                 in.ID,
		ProductID:          in.ProductID,
		BatchID:            in.BatchID,
		Quantity:           in.Quantity,
		UnitCost:           in.UnitCost,
		TotalCost:          in.TotalCost(),
		ReceivedDate:       in.ReceivedDate,
		PurchaseOrderID:    in.Source.PurchaseOrderID,
		DeliveryNoteNumber: in.Source.DeliveryNoteNumber,
		DeliveryNoteDate:   in.Source.DeliveryNoteDate,
		DeliveryNoteFile:   in.Source.DeliveryNoteFile,
		ReturnID:           in.Source.ReturnID,
		CreatedBy:          in.CreatedBy,
	}
}

type stockOutDTO struct {
	ID                 int64           `json:"id"`
	ProductID          int64           `json:"product_id"`
	BatchID            int64           `json:"batch_id"`
	Quantity           decimal.Decimal `json:"quantity"`
	SellingPrice       decimal.Decimal `json:"selling_price"`
	TransactionType    TransactionType `json:"transaction_type"`
	CustomerID         int64           `json:"customer_id,omitempty"`
	DeliveryNoteID     int64           `json:"delivery_note_id,omitempty"`
	ReturnID           int64           `json:"return_id,omitempty"`
	IssuedDate         time.Time       `json:"issued_date"`
	BatchPurchasePrice decimal.Decimal `json:"batch_purchase_price"`
	TotalValue         decimal.Decimal `json:"total_value"`
	CostOfGoods        decimal.Decimal `json:"cost_of_goods"`
	Profit             decimal.Decimal `json:"profit"`
	ProfitPercentage   decimal.Decimal `json:"profit_percentage"`
	CreatedBy          int64           `json:"created_by"`
}

func toStockOutDTO(o StockOut) stockOutDTO {
	return stockOutDTO{
		ID:                 o.ID,
		ProductID:          o.ProductID,
		BatchID:            o.BatchID,
		Quantity:           o.Quantity,
		SellingPrice:       o.SellingPrice,
		TransactionType:    o.TransactionType,
		CustomerID:         o.CustomerID,
		DeliveryNoteID:     o.DeliveryNoteID,
		ReturnID:           o.ReturnID,
		IssuedDate:         o.IssuedDate,
		BatchPurchasePrice: o.BatchPurchasePrice,
		TotalValue:         o.TotalValue(),
		CostOfGoods:        o.CostOfGoods(),
		Profit:             o.Profit(),
		ProfitPercentage:   o.ProfitPercentage().Round(2),
		CreatedBy:          o.CreatedBy,
	}
}

type movementDTO struct {
	ID            int64           `json:"id"`
	ProductID     int64           `json:"product_id"`
	BatchID       int64           `json:"batch_id"`
	Type          MovementType    `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	ReferenceKind ReferenceKind   `json:"reference_kind,omitempty"`
	ReferenceID   int64           `json:"reference_id,omitempty"`
	ActorID       int64           `json:"actor_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

func toMovementDTO(m Movement) movementDTO {
	dto := movementDTO{
		ID:        m.ID,
		ProductID: m.ProductID,
		BatchID:   m.BatchID,
		Type:      m.Type,
		Quantity:  m.Quantity,
		UnitCost:  m.UnitCost,
		ActorID:   m.ActorID,
		CreatedAt: m.CreatedAt,
	}
	if m.Reference != nil {
		dto.ReferenceKind, dto.ReferenceID = m.Reference.Kind(), m.Reference.ID()
	}
	return dto
}
