package closing

import (
	"context"
	"errors"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Repository persists ending stock snapshots in PostgreSQL.
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

// WithTx executes the callback inside a repeatable-read transaction so every input of
// one batch is read from the same snapshot.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.tx.WithTx(ctx, func(ctx context.Context) error {
		return fn(ctx, &txRepository{q: r.tx.Conn(ctx)})
	})
}

// ListBatchIDs lists batches created before the given instant.
func (r *Repository) ListBatchIDs(ctx context.Context, companyID int64, before time.Time) ([]int64, error) {
	var ids []int64
	err := pgxscan.Select(ctx, r.tx.Conn(ctx), &ids, `SELECT id FROM stock_batches
WHERE created_at < $2 AND ($1 = 0 OR company_id = $1)
ORDER BY id`, companyID, before)
	return ids, err
}

// GetEndingStock loads one snapshot.
func (r *Repository) GetEndingStock(ctx context.Context, batchID int64, period Period) (EndingStock, error) {
	var rows []endingRow
	err := pgxscan.Select(ctx, r.tx.Conn(ctx), &rows, `SELECT id, company_id, batch_id, year, month, opening_quantity, opening_value, in_quantity, in_value,
out_quantity, out_value, ending_quantity, ending_value, calculated_at
FROM ending_stocks WHERE batch_id=$1 AND year=$2 AND month=$3`, batchID, period.Year, period.Month)
	if err != nil {
		return EndingStock{}, err
	}
	if len(rows) == 0 {
		return EndingStock{}, shared.NotFound("ending_stock", batchID)
	}
	return EndingStock(rows[0]), nil
}

type endingRow struct {
	ID              int64           `db:"id"`
	CompanyID       int64           `db:"company_id"`
	BatchID         int64           `db:"batch_id"`
	Year            int             `db:"year"`
	Month           int             `db:"month"`
	OpeningQuantity decimal.Decimal `db:"opening_quantity"`
	OpeningValue    decimal.Decimal `db:"opening_value"`
	InQuantity      decimal.Decimal `db:"in_quantity"`
	InValue         decimal.Decimal `db:"in_value"`
	OutQuantity     decimal.Decimal `db:"out_quantity"`
	OutValue        decimal.Decimal `db:"out_value"`
	EndingQuantity  decimal.Decimal `db:"ending_quantity"`
	EndingValue     decimal.Decimal `db:"ending_value"`
	CalculatedAt    time.Time       `db:"calculated_at"`
}

func (t *txRepository) GetBatch(ctx context.Context, id int64) (BatchInfo, error) {
	var b BatchInfo
	err := t.q.QueryRow(ctx, `SELECT id, company_id, purchase_price FROM stock_batches WHERE id=$1`, id).Scan(&b.ID, &b.CompanyID, &b.PurchasePrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return BatchInfo{}, shared.NotFound("batch", id)
	}
	return b, err
}

func (t *txRepository) OpeningFor(ctx context.Context, batchID int64, from, to time.Time) (*OpeningBalance, error) {
	var o OpeningBalance
	err := t.q.QueryRow(ctx, `SELECT quantity, value FROM stock_openings
WHERE batch_id=$1 AND opening_date >= $2 AND opening_date < $3
ORDER BY opening_date LIMIT 1`, batchID, from, to).Scan(&o.Quantity, &o.Value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (t *txRepository) ReceiptsFor(ctx context.Context, batchID int64, from, to time.Time) ([]Receipt, error) {
	var rows []Receipt
	err := pgxscan.Select(ctx, t.q, &rows, `SELECT quantity FROM stock_ins
WHERE batch_id=$1 AND received_date >= $2 AND received_date < $3`, batchID, from, to)
	return rows, err
}

func (t *txRepository) IssuesFor(ctx context.Context, batchID int64, from, to time.Time) ([]Issue, error) {
	var rows []Issue
	err := pgxscan.Select(ctx, t.q, &rows, `SELECT quantity, selling_price FROM stock_outs
WHERE batch_id=$1 AND issued_date >= $2 AND issued_date < $3`, batchID, from, to)
	return rows, err
}

func (t *txRepository) UpsertEndingStock(ctx context.Context, row EndingStock) (EndingStock, error) {
	err := t.q.QueryRow(ctx, `INSERT INTO ending_stocks (company_id, batch_id, year, month, opening_quantity, opening_value, in_quantity, in_value,
out_quantity, out_value, ending_quantity, ending_value, calculated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (batch_id, year, month) DO UPDATE SET
	opening_quantity = EXCLUDED.opening_quantity,
	opening_value = EXCLUDED.opening_value,
	in_quantity = EXCLUDED.in_quantity,
	in_value = EXCLUDED.in_value,
	out_quantity = EXCLUDED.out_quantity,
	out_value = EXCLUDED.out_value,
	ending_quantity = EXCLUDED.ending_quantity,
	ending_value = EXCLUDED.ending_value,
	calculated_at = EXCLUDED.calculated_at
RETURNING id`, row.CompanyID, row.BatchID, row.Year, row.Month, row.OpeningQuantity, row.OpeningValue, row.InQuantity, row.InValue,
		row.OutQuantity, row.OutValue, row.EndingQuantity, row.EndingValue, row.CalculatedAt).Scan(&row.ID)
	return row, err
}
