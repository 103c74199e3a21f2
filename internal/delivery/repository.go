package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

const noteColumns = `id, company_id, doc_number, customer_id, delivery_date, status, driver_name, vehicle_number, notes,
created_by, confirmed_by, confirmed_at, received_by, received_at, cancel_reason, created_at, updated_at`

// Repository provides PostgreSQL backed persistence for delivery notes.
type Repository struct {
	tx *db.TxManager
}

// NewRepository constructs a repository.
func NewRepository(tx *db.TxManager) *Repository {
	return &Repository{tx: tx}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	Insert(ctx context.Context, note Note) (int64, error)
	InsertLine(ctx context.Context, line Line) (int64, error)
	GetForUpdate(ctx context.Context, id int64) (Note, error)
	UpdateStatus(ctx context.Context, id int64, status NoteStatus, updates map[string]any) error
	SetLineStockOut(ctx context.Context, lineID, stockOutID int64) error
	ClaimKey(ctx context.Context, key string) error
}

type txRepo struct {
	q db.Querier
}

type noteRow struct {
	ID            int64      `db:"id"`
	CompanyID     int64      `db:"company_id"`
	DocNumber     string     `db:"doc_number"`
	CustomerID    int64      `db:"customer_id"`
	DeliveryDate  time.Time  `db:"delivery_date"`
	Status        string     `db:"status"`
	DriverName    *string    `db:"driver_name"`
	VehicleNumber *string    `db:"vehicle_number"`
	Notes         *string    `db:"notes"`
	CreatedBy     int64      `db:"created_by"`
	ConfirmedBy   *int64     `db:"confirmed_by"`
	ConfirmedAt   *time.Time `db:"confirmed_at"`
	ReceivedBy    *int64     `db:"received_by"`
	ReceivedAt    *time.Time `db:"received_at"`
	CancelReason  *string    `db:"cancel_reason"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

func (r noteRow) toDomain() Note {
	return Note{
		ID:            r.ID,
		CompanyID:     r.CompanyID,
		DocNumber:     r.DocNumber,
		CustomerID:    r.CustomerID,
		DeliveryDate:  r.DeliveryDate,
		Status:        NoteStatus(r.Status),
		DriverName:    text(r.DriverName),
		VehicleNumber: text(r.VehicleNumber),
		Notes:         text(r.Notes),
		CreatedBy:     r.CreatedBy,
		ConfirmedBy:   r.ConfirmedBy,
		ConfirmedAt:   r.ConfirmedAt,
		ReceivedBy:    r.ReceivedBy,
		ReceivedAt:    r.ReceivedAt,
		CancelReason:  text(r.CancelReason),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type lineRow struct {
	ID         int64           `db:"id"`
	NoteID     int64           `db:"delivery_note_id"`
	ProductID  int64           `db:"product_id"`
	BatchID    int64           `db:"batch_id"`
	Quantity   decimal.Decimal `db:"quantity"`
	UnitPrice  decimal.Decimal `db:"unit_price"`
	LineOrder  int             `db:"line_order"`
	StockOutID *int64          `db:"stock_out_id"`
}

// WithTx wraps callback in a repeatable-read transaction, joining the caller's one.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("delivery repository not initialised")
	}
	return r.tx.WithTx(ctx, func(ctx context.Context) error {
		return fn(ctx, &txRepo{q: r.tx.Conn(ctx)})
	})
}

// ============================================================================
// DELIVERY NOTE QUERIES
// ============================================================================

// Get retrieves a delivery note with its lines.
func (r *Repository) Get(ctx context.Context, id int64) (Note, error) {
	return getNote(ctx, r.tx.Conn(ctx), id, "")
}

// List lists notes newest first without their lines.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Note, int, error) {
	q := psql.Select(noteColumns).From("delivery_notes").Where(squirrel.Eq{"company_id": filter.CompanyID})
	if filter.CustomerID > 0 {
		q = q.Where(squirrel.Eq{"customer_id": filter.CustomerID})
	}
	if filter.Status != "" {
		q = q.Where(squirrel.Eq{"status": string(filter.Status)})
	}
	countSQL, countArgs, err := psql.Select("COUNT(*)").FromSelect(q, "sub").ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count: %w", err)
	}
	var total int
	if err := r.tx.Conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count delivery notes: %w", err)
	}
	limit, offset := shared.PageWindow(filter.Page, filter.PerPage)
	query, args, err := q.OrderBy("delivery_date DESC", "id DESC").Limit(limit).Offset(offset).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build delivery note query: %w", err)
	}
	var rows []noteRow
	if err := pgxscan.Select(ctx, r.tx.Conn(ctx), &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("select delivery notes: %w", err)
	}
	items := make([]Note, len(rows))
	for i, row := range rows {
		items[i] = row.toDomain()
	}
	return items, total, nil
}

func getNote(ctx context.Context, q db.Querier, id int64, lock string) (Note, error) {
	var rows []noteRow
	if err := pgxscan.Select(ctx, q, &rows, `SELECT `+noteColumns+` FROM delivery_notes WHERE id=$1`+lock, id); err != nil {
		return Note{}, err
	}
	if len(rows) == 0 {
		return Note{}, shared.NotFound("delivery_note", id)
	}
	note := rows[0].toDomain()
	var lines []lineRow
	if err := pgxscan.Select(ctx, q, &lines, `SELECT id, delivery_note_id, product_id, batch_id, quantity, unit_price, line_order, stock_out_id
FROM delivery_note_lines WHERE delivery_note_id=$1 ORDER BY line_order, id`, id); err != nil {
		return Note{}, fmt.Errorf("select delivery note lines: %w", err)
	}
	for _, l := range lines {
		line := Line{ID: l.ID, NoteID: l.NoteID, ProductID: l.ProductID, BatchID: l.BatchID, Quantity: l.Quantity, UnitPrice: l.UnitPrice, LineOrder: l.LineOrder}
		if l.StockOutID != nil {
			line.StockOutID = *l.StockOutID
		}
		note.Lines = append(note.Lines, line)
	}
	return note, nil
}

// ============================================================================
// TRANSACTIONAL OPERATIONS
// ============================================================================

func (t *txRepo) Insert(ctx context.Context, note Note) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO delivery_notes (company_id, doc_number, customer_id, delivery_date, status, driver_name, vehicle_number, notes, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, $10) RETURNING id`,
		note.CompanyID, note.DocNumber, note.CustomerID, note.DeliveryDate, string(note.Status), note.DriverName, note.VehicleNumber,
		note.Notes, note.CreatedBy, note.CreatedAt).Scan(&id)
	if err != nil && db.IsUniqueViolation(err) {
		return 0, shared.Invalid("doc_number", "already exists")
	}
	return id, err
}

func (t *txRepo) InsertLine(ctx context.Context, line Line) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO delivery_note_lines (delivery_note_id, product_id, batch_id, quantity, unit_price, line_order)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		line.NoteID, line.ProductID, line.BatchID, line.Quantity, line.UnitPrice, line.LineOrder).Scan(&id)
	return id, err
}

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (Note, error) {
	return getNote(ctx, t.q, id, " FOR UPDATE")
}

func (t *txRepo) UpdateStatus(ctx context.Context, id int64, status NoteStatus, updates map[string]any) error {
	set := map[string]any{"status": string(status), "updated_at": time.Now()}
	for field, value := range updates {
		set[field] = value
	}
	query, args, err := psql.Update("delivery_notes").SetMap(set).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build status update: %w", err)
	}
	tag, err := t.q.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound("delivery_note", id)
	}
	return nil
}

func (t *txRepo) SetLineStockOut(ctx context.Context, lineID, stockOutID int64) error {
	tag, err := t.q.Exec(ctx, `UPDATE delivery_note_lines SET stock_out_id=$2 WHERE id=$1`, lineID, stockOutID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound("delivery_note_line", lineID)
	}
	return nil
}

func (t *txRepo) ClaimKey(ctx context.Context, key string) error {
	return shared.ClaimIdempotencyKey(ctx, t.q, key, idempotencyModule)
}

func text(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
