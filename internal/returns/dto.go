package returns

import (
	"time"

	"github.com/shopspring/decimal"
)

type returnDTO struct {
	ID                 int64           `json:"id"`
	Number             string          `json:"number"`
	Type               Type            `json:"type"`
	Status             Status          `json:"status"`
	ProductID          int64           `json:"product_id"`
	BatchID            int64           `json:"batch_id"`
	Quantity           decimal.Decimal `json:"quantity"`
	ReturnValue        decimal.Decimal `json:"return_value"`
	UnitCost           decimal.Decimal `json:"unit_cost"`
	DeliveryNoteID     int64           `json:"delivery_note_id,omitempty"`
	StockOutID         int64           `json:"stock_out_id,omitempty"`
	StockInID          int64           `json:"stock_in_id,omitempty"`
	CustomerID         int64           `json:"customer_id,omitempty"`
	SupplierID         int64           `json:"supplier_id,omitempty"`
	ReturnDate         time.Time       `json:"return_date"`
	Reason             string          `json:"reason"`
	ProofPath          string          `json:"proof_path,omitempty"`
	Version            int64           `json:"version"`
	SubmittedAt        *time.Time      `json:"submitted_at,omitempty"`
	ApprovedBy         *int64          `json:"approved_by,omitempty"`
	ApprovedAt         *time.Time      `json:"approved_at,omitempty"`
	ApprovalNotes      string          `json:"approval_notes,omitempty"`
	RejectedAt         *time.Time      `json:"rejected_at,omitempty"`
	RejectionReason    string          `json:"rejection_reason,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	CancellationReason string          `json:"cancellation_reason,omitempty"`
	ProcessedBy        *int64          `json:"processed_by,omitempty"`
	ProcessedAt        *time.Time      `json:"processed_at,omitempty"`
	ProcessingNotes    string          `json:"processing_notes,omitempty"`
	CompensationID     int64           `json:"compensation_id,omitempty"`
	CreatedBy          int64           `json:"created_by"`
	CreatedAt          time.Time       `json:"created_at"`
}

func toReturnDTO(r Return) returnDTO {
	return returnDTO{
		ID:                 r.ID,
		Number:             r.Number,
		Type:               r.Type,
		Status:             r.Status,
		ProductID:          r.ProductID,
		BatchID:            r.BatchID,
		Quantity:           r.Quantity,
		ReturnValue:        r.ReturnValue,
		UnitCost:           r.UnitCost().Round(2),
		DeliveryNoteID:     r.DeliveryNoteID,
		StockOutID:         r.StockOutID,
		StockInID:          r.StockInID,
		CustomerID:         r.CustomerID,
		SupplierID:         r.SupplierID,
		ReturnDate:         r.ReturnDate,
		Reason:             r.Reason,
		ProofPath:          r.ProofPath,
		Version:            r.Version,
		SubmittedAt:        r.SubmittedAt,
		ApprovedBy:         r.ApprovedBy,
		ApprovedAt:         r.ApprovedAt,
		ApprovalNotes:      r.ApprovalNotes,
		RejectedAt:         r.RejectedAt,
		RejectionReason:    r.RejectionReason,
		CancelledAt:        r.CancelledAt,
		CancellationReason: r.CancellationReason,
		ProcessedBy:        r.ProcessedBy,
		ProcessedAt:        r.ProcessedAt,
		ProcessingNotes:    r.ProcessingNotes,
		CompensationID:     r.CompensationID,
		CreatedBy:          r.CreatedBy,
		CreatedAt:          r.CreatedAt,
	}
}
