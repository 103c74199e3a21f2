package returns

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

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

const returnColumns = `id, company_id, number, return_type, status, product_id, batch_id, quantity, return_value,
delivery_note_id, stock_out_id, stock_in_id, customer_id, supplier_id, return_date, reason, proof_path, version,
submitted_by, submitted_at, approved_by, approved_at, approval_notes, rejected_by, rejected_at, rejection_reason,
cancelled_by, cancelled_at, cancellation_reason, processed_by, processed_at, processing_notes, compensation_id,
created_by, created_at, updated_at`

type returnRow struct {
	ID                 int64           `db:"id"`
	CompanyID          int64           `db:"company_id"`
	Number             string          `db:"number"`
	ReturnType         string          `db:"return_type"`
	Status             string          `db:"status"`
	ProductID          int64           `db:"product_id"`
	BatchID            int64           `db:"batch_id"`
	Quantity           decimal.Decimal `db:"quantity"`
	ReturnValue        decimal.Decimal `db:"return_value"`
	DeliveryNoteID     *int64          `db:"delivery_note_id"`
	StockOutID         *int64          `db:"stock_out_id"`
	StockInID          *int64          `db:"stock_in_id"`
	CustomerID         *int64          `db:"customer_id"`
	SupplierID         *int64          `db:"supplier_id"`
	ReturnDate         time.Time       `db:"return_date"`
	Reason             string          `db:"reason"`
	ProofPath          *string         `db:"proof_path"`
	Version            int64           `db:"version"`
	SubmittedBy        *int64          `db:"submitted_by"`
	SubmittedAt        *time.Time      `db:"submitted_at"`
	ApprovedBy         *int64          `db:"approved_by"`
	ApprovedAt         *time.Time      `db:"approved_at"`
	ApprovalNotes      *string         `db:"approval_notes"`
	RejectedBy         *int64          `db:"rejected_by"`
	RejectedAt         *time.Time      `db:"rejected_at"`
	RejectionReason    *string         `db:"rejection_reason"`
	CancelledBy        *int64          `db:"cancelled_by"`
	CancelledAt        *time.Time      `db:"cancelled_at"`
	CancellationReason *string         `db:"cancellation_reason"`
	ProcessedBy        *int64          `db:"processed_by"`
	ProcessedAt        *time.Time      `db:"processed_at"`
	ProcessingNotes    *string         `db:"processing_notes"`
	CompensationID     *int64          `db:"compensation_id"`
	CreatedBy          int64           `db:"created_by"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

func (r returnRow) toDomain() Return {
	return Return{
		ID:                 r.ID,
		CompanyID:          r.CompanyID,
		Number:             r.Number,
		Type:               Type(r.ReturnType),
		Status:             Status(r.Status),
		ProductID:          r.ProductID,
		BatchID:            r.BatchID,
		Quantity:           r.Quantity,
		ReturnValue:        r.ReturnValue,
		DeliveryNoteID:     deref(r.DeliveryNoteID),
		StockOutID:         deref(r.StockOutID),
		StockInID:          deref(r.StockInID),
		CustomerID:         deref(r.CustomerID),
		SupplierID:         deref(r.SupplierID),
		ReturnDate:         r.ReturnDate,
		Reason:             r.Reason,
		ProofPath:          text(r.ProofPath),
		Version:            r.Version,
		SubmittedBy:        r.SubmittedBy,
		SubmittedAt:        r.SubmittedAt,
		ApprovedBy:         r.ApprovedBy,
		ApprovedAt:         r.ApprovedAt,
		ApprovalNotes:      text(r.ApprovalNotes),
		RejectedBy:         r.RejectedBy,
		RejectedAt:         r.RejectedAt,
		RejectionReason:    text(r.RejectionReason),
		CancelledBy:        r.CancelledBy,
		CancelledAt:        r.CancelledAt,
		CancellationReason: text(r.CancellationReason),
		ProcessedBy:        r.ProcessedBy,
		ProcessedAt:        r.ProcessedAt,
		ProcessingNotes:    text(r.ProcessingNotes),
		CompensationID:     deref(r.CompensationID),
		CreatedBy:          r.CreatedBy,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

// Repository persists returns in PostgreSQL.
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

// WithTx executes fn inside a transaction, joining the caller's one when present.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("returns repository not initialised")
	}
	return r.tx.WithTx(ctx, func(ctx context.Context) error {
		return fn(ctx, &txRepository{q: r.tx.Conn(ctx)})
	})
}

// Get loads a return by id.
func (r *Repository) Get(ctx context.Context, id int64) (Return, error) {
	var rows []returnRow
	if err := pgxscan.Select(ctx, r.tx.Conn(ctx), &rows, `SELECT `+returnColumns+` FROM stock_returns WHERE id=$1`, id); err != nil {
		return Return{}, err
	}
	if len(rows) == 0 {
		return Return{}, shared.NotFound("stock_return", id)
	}
	return rows[0].toDomain(), nil
}

// List lists returns newest first.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Return, int, error) {
	q := psql.Select(returnColumns).From("stock_returns").Where(squirrel.Eq{"company_id": filter.CompanyID})
	if filter.Status != "" {
		q = q.Where(squirrel.Eq{"status": string(filter.Status)})
	}
	if filter.Type != "" {
		q = q.Where(squirrel.Eq{"return_type": string(filter.Type)})
	}
	countSQL, countArgs, err := psql.Select("COUNT(*)").FromSelect(q, "sub").ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count: %w", err)
	}
	var total int
	if err := r.tx.Conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count returns: %w", err)
	}
	limit, offset := shared.PageWindow(filter.Page, filter.PerPage)
	query, args, err := q.OrderBy("return_date DESC", "id DESC").Limit(limit).Offset(offset).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build return query: %w", err)
	}
	var rows []returnRow
	if err := pgxscan.Select(ctx, r.tx.Conn(ctx), &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("select returns: %w", err)
	}
	items := make([]Return, len(rows))
	for i, row := range rows {
		items[i] = row.toDomain()
	}
	return items, total, nil
}

// SetProofPath records the stored proof document.
func (r *Repository) SetProofPath(ctx context.Context, id int64, path string) error {
	tag, err := r.tx.Conn(ctx).Exec(ctx, `UPDATE stock_returns SET proof_path=$2, updated_at=NOW() WHERE id=$1`, id, path)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.NotFound("stock_return", id)
	}
	return nil
}

// MaxNumber returns the highest number sharing prefix, or "" when none exists.
func (r *txRepository) MaxNumber(ctx context.Context, companyID int64, prefix string) (string, error) {
	var number string
	err := r.q.QueryRow(ctx, `SELECT number FROM stock_returns WHERE company_id=$1 AND number LIKE $2
ORDER BY length(number) DESC, number DESC LIMIT 1`, companyID, prefix+"%").Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return number, err
}

func (r *txRepository) Insert(ctx context.Context, ret Return) (int64, error) {
	var id int64
	err := r.q.QueryRow(ctx, `INSERT INTO stock_returns (company_id, number, return_type, status, product_id, batch_id, quantity, return_value,
delivery_note_id, stock_out_id, stock_in_id, customer_id, supplier_id, return_date, reason, version, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18) RETURNING id`,
		ret.CompanyID, ret.Number, string(ret.Type), string(ret.Status), ret.ProductID, ret.BatchID, ret.Quantity, ret.ReturnValue,
		nullID(ret.DeliveryNoteID), nullID(ret.StockOutID), nullID(ret.StockInID), nullID(ret.CustomerID), nullID(ret.SupplierID),
		ret.ReturnDate, ret.Reason, ret.Version, ret.CreatedBy, ret.CreatedAt).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, ErrNumberTaken
		}
		return 0, err
	}
	return id, nil
}

// Transition applies t only while the row still carries t.Version and t.From.
func (r *txRepository) Transition(ctx context.Context, t Transition) error {
	set := map[string]any{
		"status":     string(t.To),
		"version":    squirrel.Expr("version + 1"),
		"updated_at": t.At,
	}
	switch t.Action {
	case ActionSubmit:
		set["submitted_by"], set["submitted_at"] = t.ActorID, t.At
	case ActionApprove:
		set["approved_by"], set["approved_at"], set["approval_notes"] = t.ActorID, t.At, t.Note
	case ActionReject:
		set["rejected_by"], set["rejected_at"], set["rejection_reason"] = t.ActorID, t.At, t.Note
	case ActionCancel:
		set["cancelled_by"], set["cancelled_at"], set["cancellation_reason"] = t.ActorID, t.At, t.Note
	case ActionComplete:
		set["processed_by"], set["processed_at"], set["processing_notes"] = t.ActorID, t.At, t.Note
		set["compensation_id"] = nullID(t.CompensationID)
	}
	query, args, err := psql.Update("stock_returns").SetMap(set).
		Where(squirrel.Eq{"id": t.ReturnID, "version": t.Version, "status": string(t.From)}).ToSql()
	if err != nil {
		return fmt.Errorf("build transition: %w", err)
	}
	tag, err := r.q.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
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

func text(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
