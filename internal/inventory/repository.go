package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
	InsertBatch(ctx context.Context, batch Batch) (int64, error)
	GetBatchForUpdate(ctx context.Context, id int64) (Batch, error)
	UpdateBatchBalance(ctx context.Context, id int64, available decimal.Decimal, status BatchStatus) error
	UpdateBatchStatus(ctx context.Context, id int64, status BatchStatus) error
	InsertStockIn(ctx context.Context, in StockIn) (int64, error)
	GetStockInForUpdate(ctx context.Context, id int64) (StockIn, error)
	DeleteStockIn(ctx context.Context, id int64) error
	StockInReferenced(ctx context.Context, id int64) (bool, error)
	InsertStockOut(ctx context.Context, out StockOut) (int64, error)
	InsertMovement(ctx context.Context, m Movement) (int64, error)
	InsertOpening(ctx context.Context, o Opening) (int64, error)
	HasOpening(ctx context.Context, batchID int64, year, month int) (bool, error)
}

// Repository persists inventory data in PostgreSQL.
type Repository struct {
	tx *db.TxManager
}

// NewRepository constructs Repository.
func NewRepository(tx *db.TxManager) *Repository {
	return &Repository{tx: tx}
}

type txRepository struct {
	q db.Querier
}

// WithTx executes the callback inside a repeatable-read transaction, joining the
// caller's transaction when ctx already carries one.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return r.tx.WithTx(ctx, func(ctx context.Context) error {
		return fn(ctx, &txRepository{q: r.tx.Conn(ctx)})
	})
}

// AfterCommit defers fn until the outermost transaction in ctx commits.
func (r *Repository) AfterCommit(ctx context.Context, fn func()) {
	db.AfterCommit(ctx, fn)
}

// GetBatch loads a batch without locking.
func (r *Repository) GetBatch(ctx context.Context, id int64) (Batch, error) {
	return getBatch(ctx, r.tx.Conn(ctx), id, "")
}

// ListBatches lists batches with pagination.
func (r *Repository) ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, int, error) {
	q := batchQuery(filter)
	total, err := count(ctx, r.tx.Conn(ctx), q)
	if err != nil {
		return nil, 0, err
	}
	query, args, err := paginate(q.OrderBy("id ASC"), filter.Page, filter.PerPage).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build batch query: %w", err)
	}
	var rows []batchRow
	if err := pgxscan.Select(ctx, r.tx.Conn(ctx), &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("select batches: %w", err)
	}
	items := make([]Batch, len(rows))
	for i, row := range rows {
		items[i] = row.toDomain()
	}
	return items, total, nil
}

// GetStockIn loads a stock-in.
func (r *Repository) GetStockIn(ctx context.Context, id int64) (StockIn, error) {
	return getStockIn(ctx, r.tx.Conn(ctx), id, "")
}

// GetStockOut loads a stock-out joined with its batch purchase price.
func (r *Repository) GetStockOut(ctx context.Context, id int64) (StockOut, error) {
	var out StockOut
	var txType string
	var customerID, deliveryNoteID, returnID *int64
	err := r.tx.Conn(ctx).QueryRow(ctx, `SELECT o.id, o.company_id, o.product_id, o.batch_id, o.quantity, o.selling_price, o.transaction_type,
o.customer_id, o.delivery_note_id, o.return_id, o.issued_date, o.created_by, o.created_at, b.purchase_price
FROM stock_outs o JOIN stock_batches b ON b.id = o.batch_id
WHERE o.id=$1`, id).Scan(&out.ID, &out.CompanyID, &out.ProductID, &out.BatchID, &out.Quantity, &out.SellingPrice, &txType,
		&customerID, &deliveryNoteID, &returnID, &out.IssuedDate, &out.CreatedBy, &out.CreatedAt, &out.BatchPurchasePrice)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockOut{}, shared.NotFound("stock_out", id)
		}
		return StockOut{}, err
	}
	out.TransactionType = TransactionType(txType)
	out.CustomerID = deref(customerID)
	out.DeliveryNoteID = deref(deliveryNoteID)
	out.ReturnID = deref(returnID)
	return out, nil
}

// ListMovements queries the ledger.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error) {
	q := movementQuery(filter)
	total, err := count(ctx, r.tx.Conn(ctx), q)
	if err != nil {
		return nil, 0, err
	}
	query, args, err := paginate(q.OrderBy("created_at ASC", "id ASC"), filter.Page, filter.PerPage).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build movement query: %w", err)
	}
	var rows []movementRow
	if err := pgxscan.Select(ctx, r.tx.Conn(ctx), &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("select movements: %w", err)
	}
	items := make([]Movement, 0, len(rows))
	for _, row := range rows {
		m, err := row.toDomain()
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, nil
}

// SumMovements totals a batch's ledger per movement type.
func (r *Repository) SumMovements(ctx context.Context, batchID int64) (MovementTotals, error) {
	var totals MovementTotals
	err := r.tx.Conn(ctx).QueryRow(ctx, `SELECT
COALESCE(SUM(quantity) FILTER (WHERE movement_type='IN'), 0),
COALESCE(SUM(quantity) FILTER (WHERE movement_type='OUT'), 0),
COALESCE(SUM(quantity) FILTER (WHERE movement_type='RETURN_IN'), 0),
COALESCE(SUM(quantity) FILTER (WHERE movement_type='RETURN_OUT'), 0),
COALESCE(SUM(quantity) FILTER (WHERE movement_type='ADJUSTMENT'), 0)
FROM stock_movements WHERE batch_id=$1`, batchID).Scan(&totals.In, &totals.Out, &totals.ReturnIn, &totals.ReturnOut, &totals.Adjustment)
	return totals, err
}

// ListExpiring returns batches with stock expiring at or before cutoff.
func (r *Repository) ListExpiring(ctx context.Context, companyID int64, cutoff time.Time) ([]Batch, error) {
	query, args, err := expiringQuery(companyID, cutoff).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build expiring query: %w", err)
	}
	var rows []batchRow
	if err := pgxscan.Select(ctx, r.tx.Conn(ctx), &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select expiring batches: %w", err)
	}
	items := make([]Batch, len(rows))
	for i, row := range rows {
		items[i] = row.toDomain()
	}
	return items, nil
}

// SetStockInFile records the delivery-note path of a stock-in.
func (r *Repository) SetStockInFile(ctx context.Context, id int64, path string) error {
	tag, err := r.tx.Conn(ctx).Exec(ctx, `UPDATE stock_ins SET delivery_note_file=$2 WHERE id=$1`, id, path)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound("stock_in", id)
	}
	return nil
}

func (r *txRepository) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.q.QueryRow(ctx, `SELECT id, company_id, code, name, unit, is_precursor FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.CompanyID, &p.Code, &p.Name, &p.Unit, &p.IsPrecursor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, shared.NotFound("product", id)
		}
		return Product{}, err
	}
	return p, nil
}

func (r *txRepository) InsertBatch(ctx context.Context, b Batch) (int64, error) {
	var id int64
	err := r.q.QueryRow(ctx, `INSERT INTO stock_batches (company_id, product_id, batch_number, quantity_initial, quantity_available, purchase_price, manufacture_date, expiry_date, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10) RETURNING id`,
		b.CompanyID, b.ProductID, b.BatchNumber, b.QuantityInitial, b.QuantityAvailable, b.PurchasePrice, b.ManufactureDate, b.ExpiryDate, string(b.Status), b.CreatedAt).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, shared.Invalid("batch_number", "already exists for this product")
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepository) GetBatchForUpdate(ctx context.Context, id int64) (Batch, error) {
	return getBatch(ctx, r.q, id, " FOR UPDATE")
}

func (r *txRepository) UpdateBatchBalance(ctx context.Context, id int64, available decimal.Decimal, status BatchStatus) error {
	_, err := r.q.Exec(ctx, `UPDATE stock_batches SET quantity_available=$2, status=$3, updated_at=NOW() WHERE id=$1`, id, available, string(status))
	return err
}

func (r *txRepository) UpdateBatchStatus(ctx context.Context, id int64, status BatchStatus) error {
	_, err := r.q.Exec(ctx, `UPDATE stock_batches SET status=$2, updated_at=NOW() WHERE id=$1`, id, string(status))
	return err
}

func (r *txRepository) InsertStockIn(ctx context.Context, in StockIn) (int64, error) {
	var id int64
	err := r.q.QueryRow(ctx, `INSERT INTO stock_ins (company_id, product_id, batch_id, quantity, unit_cost, received_date, purchase_order_id, delivery_note_number, delivery_note_date, return_id, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11, $12) RETURNING id`,
		in.CompanyID, in.ProductID, in.BatchID, in.Quantity, in.UnitCost, in.ReceivedDate, nullID(in.Source.PurchaseOrderID),
		in.Source.DeliveryNoteNumber, in.Source.DeliveryNoteDate, nullID(in.Source.ReturnID), in.CreatedBy, in.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) GetStockInForUpdate(ctx context.Context, id int64) (StockIn, error) {
	return getStockIn(ctx, r.q, id, " FOR UPDATE")
}

func (r *txRepository) DeleteStockIn(ctx context.Context, id int64) error {
	_, err := r.q.Exec(ctx, `DELETE FROM stock_ins WHERE id=$1`, id)
	return err
}

// StockInReferenced reports whether a goods-receipt line or a return points at the stock-in.
func (r *txRepository) StockInReferenced(ctx context.Context, id int64) (bool, error) {
	var referenced bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM goods_receipt_lines WHERE stock_in_id=$1)
	OR EXISTS (SELECT 1 FROM stock_returns WHERE stock_in_id=$1)`, id).Scan(&referenced)
	return referenced, err
}

func (r *txRepository) InsertStockOut(ctx context.Context, out StockOut) (int64, error) {
	var id int64
	err := r.q.QueryRow(ctx, `INSERT INTO stock_outs (company_id, product_id, batch_id, quantity, selling_price, transaction_type, customer_id, delivery_note_id, return_id, issued_date, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`,
		out.CompanyID, out.ProductID, out.BatchID, out.Quantity, out.SellingPrice, string(out.TransactionType), nullID(out.CustomerID),
		nullID(out.DeliveryNoteID), nullID(out.ReturnID), out.IssuedDate, out.CreatedBy, out.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.q.QueryRow(ctx, `INSERT INTO stock_movements (company_id, product_id, batch_id, movement_type, quantity, unit_cost, reference_type, reference_id, actor_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		m.CompanyID, m.ProductID, m.BatchID, string(m.Type), m.Quantity, m.UnitCost, string(m.Reference.Kind()), m.Reference.ID(), m.ActorID, m.CreatedAt).Scan(&id)
	return id, err
}

func (r *txRepository) InsertOpening(ctx context.Context, o Opening) (int64, error) {
	var id int64
	err := r.q.QueryRow(ctx, `INSERT INTO stock_openings (batch_id, opening_date, quantity, value, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`, o.BatchID, o.Date, o.Quantity, o.Value, o.CreatedBy, o.CreatedAt).Scan(&id)
	if err != nil && db.IsUniqueViolation(err) {
		return 0, shared.Invalid("date", "opening balance already recorded for this period")
	}
	return id, err
}

func (r *txRepository) HasOpening(ctx context.Context, batchID int64, year, month int) (bool, error) {
	start, end := monthBounds(year, month)
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stock_openings WHERE batch_id=$1 AND opening_date >= $2 AND opening_date < $3)`, batchID, start, end).Scan(&exists)
	return exists, err
}

func getBatch(ctx context.Context, q db.Querier, id int64, lock string) (Batch, error) {
	var rows []batchRow
	if err := pgxscan.Select(ctx, q, &rows, `SELECT `+batchColumns+` FROM stock_batches WHERE id=$1`+lock, id); err != nil {
		return Batch{}, err
	}
	if len(rows) == 0 {
		return Batch{}, shared.NotFound("batch", id)
	}
	return rows[0].toDomain(), nil
}

func getStockIn(ctx context.Context, q db.Querier, id int64, lock string) (StockIn, error) {
	var in StockIn
	var purchaseOrderID, returnID *int64
	var noteNumber, noteFile *string
	err := q.QueryRow(ctx, `SELECT id, company_id, product_id, batch_id, quantity, unit_cost, received_date, purchase_order_id,
delivery_note_number, delivery_note_date, delivery_note_file, return_id, created_by, created_at
FROM stock_ins WHERE id=$1`+lock, id).Scan(&in.ID, &in.CompanyID, &in.ProductID, &in.BatchID, &in.Quantity, &in.UnitCost, &in.ReceivedDate,
		&purchaseOrderID, &noteNumber, &in.Source.DeliveryNoteDate, &noteFile, &returnID, &in.CreatedBy, &in.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockIn{}, shared.NotFound("stock_in", id)
		}
		return StockIn{}, err
	}
	in.Source.PurchaseOrderID = deref(purchaseOrderID)
	in.Source.ReturnID = deref(returnID)
	if noteNumber != nil {
		in.Source.DeliveryNoteNumber = *noteNumber
	}
	if noteFile != nil {
		in.Source.DeliveryNoteFile = *noteFile
	}
	return in, nil
}

func count(ctx context.Context, q db.Querier, base squirrel.SelectBuilder) (int, error) {
	query, args, err := psql.Select("COUNT(*)").FromSelect(base, "sub").ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var total int
	if err := q.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return total, nil
}

func nullID(id int64) *int64 {
	if id <= 0 {
		return nil
	}
	return &id
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
