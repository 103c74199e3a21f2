package inventory

import (
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

const movementColumns = "id, company_id, product_id, batch_id, movement_type, quantity, unit_cost, reference_type, reference_id, actor_id, created_at"

const batchColumns = "id, company_id, product_id, batch_number, quantity_initial, quantity_available, purchase_price, manufacture_date, expiry_date, status, created_at, updated_at"

type movementRow struct {
	ID            int64           `db:"id"`
	CompanyID     int64           `db:"company_id"`
	ProductID     int64           `db:"product_id"`
	BatchID       int64           `db:"batch_id"`
	MovementType  string          `db:"movement_type"`
	Quantity      decimal.Decimal `db:"quantity"`
	UnitCost      decimal.Decimal `db:"unit_cost"`
	ReferenceType string          `db:"reference_type"`
	ReferenceID   int64           `db:"reference_id"`
	ActorID       int64           `db:"actor_id"`
	CreatedAt     time.Time       `db:"created_at"`
}

func (r movementRow) toDomain() (Movement, error) {
	ref, err := ParseReference(r.ReferenceType, r.ReferenceID)
	if err != nil {
		return Movement{}, err
	}
	return Movement{
		ID:        r.ID,
		CompanyID: r.CompanyID,
		ProductID: r.ProductID,
		BatchID:   r.BatchID,
		Type:      MovementType(r.MovementType),
		Quantity:  r.Quantity,
		UnitCost:  r.UnitCost,
		Reference: ref,
		ActorID:   r.ActorID,
		CreatedAt: r.CreatedAt,
	}, nil
}

type batchRow struct {
	ID                int64           `db:"id"`
	CompanyID         int64           `db:"company_id"`
	ProductID         int64           `db:"product_id"`
	BatchNumber       string          `db:"batch_number"`
	QuantityInitial   decimal.Decimal `db:"quantity_initial"`
	QuantityAvailable decimal.Decimal `db:"quantity_available"`
	PurchasePrice     decimal.Decimal `db:"purchase_price"`
	ManufactureDate   *time.Time      `db:"manufacture_date"`
	ExpiryDate        *time.Time      `db:"expiry_date"`
	Status            string          `db:"status"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

func (r batchRow) toDomain() Batch {
	return Batch{
		ID:                r.ID,
		CompanyID:         r.CompanyID,
		ProductID:         r.ProductID,
		BatchNumber:       r.BatchNumber,
		QuantityInitial:   r.QuantityInitial,
		QuantityAvailable: r.QuantityAvailable,
		PurchasePrice:     r.PurchasePrice,
		ManufactureDate:   r.ManufactureDate,
		ExpiryDate:        r.ExpiryDate,
		Status:            BatchStatus(r.Status),
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

// movementQuery applies filter to a SELECT over stock_movements.
func movementQuery(filter MovementFilter) squirrel.SelectBuilder {
	q := psql.Select(movementColumns).From("stock_movements").
		Where(squirrel.Eq{"company_id": filter.CompanyID})
	if filter.ProductID > 0 {
		q = q.Where(squirrel.Eq{"product_id": filter.ProductID})
	}
	if filter.BatchID > 0 {
		q = q.Where(squirrel.Eq{"batch_id": filter.BatchID})
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		q = q.Where(squirrel.Eq{"movement_type": types})
	}
	if filter.Reference != nil {
		q = q.Where(squirrel.Eq{"reference_type": string(filter.Reference.Kind()), "reference_id": filter.Reference.ID()})
	}
	if !filter.From.IsZero() {
		q = q.Where(squirrel.GtOrEq{"created_at": filter.From})
	}
	if !filter.To.IsZero() {
		q = q.Where(squirrel.Lt{"created_at": filter.To})
	}
	return q
}

// batchQuery applies filter to a SELECT over stock_batches.
func batchQuery(filter BatchFilter) squirrel.SelectBuilder {
	q := psql.Select(batchColumns).From("stock_batches").
		Where(squirrel.Eq{"company_id": filter.CompanyID})
	if filter.ProductID > 0 {
		q = q.Where(squirrel.Eq{"product_id": filter.ProductID})
	}
	if filter.Status != "" {
		q = q.Where(squirrel.Eq{"status": string(filter.Status)})
	}
	return q
}

// expiringQuery selects batches with stock whose expiry date is at or before cutoff.
func expiringQuery(companyID int64, cutoff time.Time) squirrel.SelectBuilder {
	q := psql.Select(batchColumns).From("stock_batches").
		Where(squirrel.NotEq{"expiry_date": nil}).
		Where(squirrel.LtOrEq{"expiry_date": cutoff}).
		Where(squirrel.Gt{"quantity_available": 0}).
		OrderBy("expiry_date ASC", "id ASC")
	if companyID > 0 {
		q = q.Where(squirrel.Eq{"company_id": companyID})
	}
	return q
}

func paginate(q squirrel.SelectBuilder, page, perPage int) squirrel.SelectBuilder {
	limit, offset := shared.PageWindow(page, perPage)
	return q.Limit(limit).Offset(offset)
}
