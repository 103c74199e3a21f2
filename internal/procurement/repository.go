package procurement

import (
	"context"
	"errors"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	tx *db.TxManager
}

// NewRepository constructs a repository.
func NewRepository(tx *db.TxManager) *Repository {
	return &Repository{tx: tx}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	CreatePO(ctx context.Context, po PurchaseOrder) (int64, error)
	InsertPOLine(ctx context.Context, line POLine) (int64, error)
	GetPOForUpdate(ctx context.Context, id int64) (PurchaseOrder, error)
	UpdatePOStatus(ctx context.Context, id int64, status POStatus) error
	SetPOApproval(ctx context.Context, id int64, approvedBy int64, approvedAt time.Time) error
	AddReceived(ctx context.Context, lineID int64, qty decimal.Decimal) error
	CreateGRN(ctx context.Context, grn GoodsReceipt) (int64, error)
	InsertGRNLine(ctx context.Context, line GRNLine) (int64, error)
	ClaimKey(ctx context.Context, key string) error
}

type txRepo struct {
	q db.Querier
}

// WithTx wraps callback in repeatable-read transaction, joining the caller's one.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("procurement repository not initialised")
	}
	return r.tx.WithTx(ctx, func(ctx context.Context) error {
		return fn(ctx, &txRepo{q: r.tx.Conn(ctx)})
	})
}

// Fetch helpers

type poRow struct {
	ID           int64      `db:"id"`
	CompanyID    int64      `db:"company_id"`
	Number       string     `db:"number"`
	SupplierID   int64      `db:"supplier_id"`
	Status       string     `db:"status"`
	ExpectedDate *time.Time `db:"expected_date"`
	Note         string     `db:"note"`
	CreatedBy    int64      `db:"created_by"`
	ApprovedBy   *int64     `db:"approved_by"`
	ApprovedAt   *time.Time `db:"approved_at"`
	CreatedAt    time.Time  `db:"created_at"`
}

type poLineRow struct {
	ID          int64           `db:"id"`
	POID        int64           `db:"po_id"`
	ProductID   int64           `db:"product_id"`
	Qty         decimal.Decimal `db:"qty"`
	Price       decimal.Decimal `db:"price"`
	QtyReceived decimal.Decimal `db:"qty_received"`
}

type grnLineRow struct {
	ID        int64           `db:"id"`
	GRNID     int64           `db:"grn_id"`
	POLineID  int64           `db:"po_line_id"`
	ProductID int64           `db:"product_id"`
	BatchID   int64           `db:"batch_id"`
	Qty       decimal.Decimal `db:"qty"`
	UnitCost  decimal.Decimal `db:"unit_cost"`
	StockInID int64           `db:"stock_in_id"`
}

// GetPO returns a purchase order with its lines.
func (r *Repository) GetPO(ctx context.Context, id int64) (PurchaseOrder, error) {
	return getPO(ctx, r.tx.Conn(ctx), id, "")
}

// GetGRN returns a goods receipt with its lines.
func (r *Repository) GetGRN(ctx context.Context, id int64) (GoodsReceipt, error) {
	q := r.tx.Conn(ctx)
	var grn GoodsReceipt
	var noteNumber *string
	err := q.QueryRow(ctx, `SELECT id, company_id, number, po_id, supplier_id, delivery_note_number, delivery_note_date, received_at, created_by
FROM goods_receipts WHERE id=$1`, id).Scan(&grn.ID, &grn.CompanyID, &grn.Number, &grn.POID, &grn.SupplierID, &noteNumber,
		&grn.DeliveryNoteDate, &grn.ReceivedAt, &grn.CreatedBy)
	if err != nil {
		if db.IsNoRows(err) {
			return GoodsReceipt{}, shared.NotFound("goods_receipt", id)
		}
		return GoodsReceipt{}, err
	}
	if noteNumber != nil {
		grn.DeliveryNoteNumber = *noteNumber
	}
	var lines []grnLineRow
	if err := pgxscan.Select(ctx, q, &lines, `SELECT id, grn_id, po_line_id, product_id, batch_id, qty, unit_cost, stock_in_id
FROM goods_receipt_lines WHERE grn_id=$1 ORDER BY id`, id); err != nil {
		return GoodsReceipt{}, err
	}
	for _, l := range lines {
		grn.Lines = append(grn.Lines, GRNLine(l))
	}
	return grn, nil
}

func getPO(ctx context.Context, q db.Querier, id int64, lock string) (PurchaseOrder, error) {
	var rows []poRow
	if err := pgxscan.Select(ctx, q, &rows, `SELECT id, company_id, number, supplier_id, status, expected_date, note, created_by, approved_by, approved_at, created_at
FROM purchase_orders WHERE id=$1`+lock, id); err != nil {
		return PurchaseOrder{}, err
	}
	if len(rows) == 0 {
		return PurchaseOrder{}, shared.NotFound("purchase_order", id)
	}
	row := rows[0]
	po := PurchaseOrder{
		ID:         row.ID,
		CompanyID:  row.CompanyID,
		Number:     row.Number,
		SupplierID: row.SupplierID,
		Status:     POStatus(row.Status),
		Note:       row.Note,
		CreatedBy:  row.CreatedBy,
		ApprovedBy: row.ApprovedBy,
		ApprovedAt: row.ApprovedAt,
		CreatedAt:  row.CreatedAt,
	}
	if row.ExpectedDate != nil {
		po.ExpectedDate = *row.ExpectedDate
	}
	var lines []poLineRow
	if err := pgxscan.Select(ctx, q, &lines, `SELECT id, po_id, product_id, qty, price, qty_received FROM purchase_order_lines WHERE po_id=$1 ORDER BY id`, id); err != nil {
		return PurchaseOrder{}, err
	}
	for _, l := range lines {
		po.Lines = append(po.Lines, POLine(l))
	}
	return po, nil
}

func (tx *txRepo) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	var expectedDate *time.Time
	if !po.ExpectedDate.IsZero() {
		expectedDate = &po.ExpectedDate
	}
	var id int64
	err := tx.q.QueryRow(ctx, `INSERT INTO purchase_orders (company_id, number, supplier_id, status, expected_date, note, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		po.CompanyID, po.Number, po.SupplierID, string(po.Status), expectedDate, po.Note, po.CreatedBy, po.CreatedAt).Scan(&id)
	if err != nil && db.IsUniqueViolation(err) {
		return 0, shared.Invalid("number", "already exists")
	}
	return id, err
}

func (tx *txRepo) InsertPOLine(ctx context.Context, line POLine) (int64, error) {
	var id int64
	err := tx.q.QueryRow(ctx, `INSERT INTO purchase_order_lines (po_id, product_id, qty, price, qty_received) VALUES ($1, $2, $3, $4, 0) RETURNING id`,
		line.POID, line.ProductID, line.Qty, line.Price).Scan(&id)
	return id, err
}

func (tx *txRepo) GetPOForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	return getPO(ctx, tx.q, id, " FOR UPDATE")
}

func (tx *txRepo) UpdatePOStatus(ctx context.Context, id int64, status POStatus) error {
	_, err := tx.q.Exec(ctx, `UPDATE purchase_orders SET status=$2, updated_at=NOW() WHERE id=$1`, id, string(status))
	return err
}

func (tx *txRepo) SetPOApproval(ctx context.Context, id int64, approvedBy int64, approvedAt time.Time) error {
	_, err := tx.q.Exec(ctx, `UPDATE purchase_orders SET approved_by=$2, approved_at=$3 WHERE id=$1`, id, approvedBy, approvedAt)
	return err
}

func (tx *txRepo) AddReceived(ctx context.Context, lineID int64, qty decimal.Decimal) error {
	_, err := tx.q.Exec(ctx, `UPDATE purchase_order_lines SET qty_received = qty_received + $2 WHERE id=$1`, lineID, qty)
	return err
}

func (tx *txRepo) CreateGRN(ctx context.Context, grn GoodsReceipt) (int64, error) {
	var id int64
	err := tx.q.QueryRow(ctx, `INSERT INTO goods_receipts (company_id, number, po_id, supplier_id, delivery_note_number, delivery_note_date, received_at, created_by)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8) RETURNING id`,
		grn.CompanyID, grn.Number, grn.POID, grn.SupplierID, grn.DeliveryNoteNumber, grn.DeliveryNoteDate, grn.ReceivedAt, grn.CreatedBy).Scan(&id)
	return id, err
}

func (tx *txRepo) InsertGRNLine(ctx context.Context, line GRNLine) (int64, error) {
	var id int64
	err := tx.q.QueryRow(ctx, `INSERT INTO goods_receipt_lines (grn_id, po_line_id, product_id, batch_id, qty, unit_cost, stock_in_id)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		line.GRNID, line.POLineID, line.ProductID, line.BatchID, line.Qty, line.UnitCost, line.StockInID).Scan(&id)
	return id, err
}

func (tx *txRepo) ClaimKey(ctx context.Context, key string) error {
	return shared.ClaimIdempotencyKey(ctx, tx.q, key, idempotencyModule)
}
