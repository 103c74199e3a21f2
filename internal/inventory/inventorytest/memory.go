// Package inventorytest provides an in-memory inventory repository for tests of
// inventory and of the modules that drive it.
package inventorytest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/inventory"
	"github.com/odyssey-erp/backoffice/internal/shared"
	"github.com/odyssey-erp/backoffice/internal/testing/memtx"
)

// Repo implements inventory.RepositoryPort in memory. Writes made inside WithTx are
// reverted when the callback fails.
type Repo struct {
	db *memtx.DB

	mu        sync.Mutex
	products  map[int64]inventory.Product
	batches   map[int64]inventory.Batch
	stockIns  map[int64]inventory.StockIn
	stockOuts map[int64]inventory.StockOut
	movements []inventory.Movement
	openings  []inventory.Opening
	nextID    int64
	faults    map[string]error
	linked    map[int64]int
}

// NewRepo builds an empty Repo on db. Pass the same db to other memory repositories to
// share units of work with them.
func NewRepo(db *memtx.DB) *Repo {
	if db == nil {
		db = memtx.New()
	}
	return &Repo{
		db:        db,
		products:  make(map[int64]inventory.Product),
		batches:   make(map[int64]inventory.Batch),
		stockIns:  make(map[int64]inventory.StockIn),
		stockOuts: make(map[int64]inventory.StockOut),
		faults:    make(map[string]error),
		linked:    make(map[int64]int),
	}
}

// LinkStockIn records a row elsewhere that references the stock-in, the way a
// goods-receipt line or a return does. The link is dropped on rollback.
func (r *Repo) LinkStockIn(ctx context.Context, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linked[id]++
	r.db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.linked[id]--
	})
}

// DB exposes the unit-of-work coordinator.
func (r *Repo) DB() *memtx.DB { return r.db }

// FailOn makes the next call to the named TxRepository method return err.
func (r *Repo) FailOn(method string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults[method] = err
}

// AddProduct seeds a product.
func (r *Repo) AddProduct(p inventory.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[p.ID] = p
}

// Batch returns the stored batch.
func (r *Repo) Batch(id int64) (inventory.Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	return b, ok
}

// Movements returns a copy of the ledger.
func (r *Repo) Movements() []inventory.Movement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]inventory.Movement(nil), r.movements...)
}

// StockIns returns stored stock-ins ordered by id.
func (r *Repo) StockIns() []inventory.StockIn {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]inventory.StockIn, 0, len(r.stockIns))
	for _, in := range r.stockIns {
		items = append(items, in)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

// StockOuts returns stored stock-outs ordered by id.
func (r *Repo) StockOuts() []inventory.StockOut {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]inventory.StockOut, 0, len(r.stockOuts))
	for _, out := range r.stockOuts {
		items = append(items, out)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

// Openings returns stored opening balances.
func (r *Repo) Openings() []inventory.Opening {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]inventory.Opening(nil), r.openings...)
}

// AllBatches returns every batch ordered by id.
func (r *Repo) AllBatches() []inventory.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]inventory.Batch, 0, len(r.batches))
	for _, b := range r.batches {
		items = append(items, b)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

// WithTx runs fn in a memtx unit of work.
func (r *Repo) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	return r.db.Run(ctx, func(ctx context.Context) error {
		return fn(ctx, &txRepo{repo: r})
	})
}

// AfterCommit defers fn until the unit of work in ctx succeeds.
func (r *Repo) AfterCommit(ctx context.Context, fn func()) {
	r.db.AfterCommit(ctx, fn)
}

func (r *Repo) GetBatch(_ context.Context, id int64) (inventory.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return inventory.Batch{}, shared.NotFound("batch", id)
	}
	return b, nil
}

func (r *Repo) ListBatches(_ context.Context, filter inventory.BatchFilter) ([]inventory.Batch, int, error) {
	var matched []inventory.Batch
	for _, b := range r.AllBatches() {
		if b.CompanyID != filter.CompanyID {
			continue
		}
		if filter.ProductID > 0 && b.ProductID != filter.ProductID {
			continue
		}
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		matched = append(matched, b)
	}
	return window(matched, filter.Page, filter.PerPage), len(matched), nil
}

func (r *Repo) GetStockIn(_ context.Context, id int64) (inventory.StockIn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.stockIns[id]
	if !ok {
		return inventory.StockIn{}, shared.NotFound("stock_in", id)
	}
	return in, nil
}

func (r *Repo) GetStockOut(_ context.Context, id int64) (inventory.StockOut, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.stockOuts[id]
	if !ok {
		return inventory.StockOut{}, shared.NotFound("stock_out", id)
	}
	out.BatchPurchasePrice = r.batches[out.BatchID].PurchasePrice
	return out, nil
}

func (r *Repo) ListMovements(_ context.Context, filter inventory.MovementFilter) ([]inventory.Movement, int, error) {
	var matched []inventory.Movement
	for _, m := range r.Movements() {
		if m.CompanyID != filter.CompanyID {
			continue
		}
		if filter.ProductID > 0 && m.ProductID != filter.ProductID {
			continue
		}
		if filter.BatchID > 0 && m.BatchID != filter.BatchID {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, m.Type) {
			continue
		}
		if filter.Reference != nil && (m.Reference.Kind() != filter.Reference.Kind() || m.Reference.ID() != filter.Reference.ID()) {
			continue
		}
		if !filter.From.IsZero() && m.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !m.CreatedAt.Before(filter.To) {
			continue
		}
		matched = append(matched, m)
	}
	return window(matched, filter.Page, filter.PerPage), len(matched), nil
}

func (r *Repo) SumMovements(_ context.Context, batchID int64) (inventory.MovementTotals, error) {
	var t inventory.MovementTotals
	for _, m := range r.Movements() {
		if m.BatchID != batchID {
			continue
		}
		switch m.Type {
		case inventory.MovementIn:
			t.In = t.In.Add(m.Quantity)
		case inventory.MovementOut:
			t.Out = t.Out.Add(m.Quantity)
		case inventory.MovementReturnIn:
			t.ReturnIn = t.ReturnIn.Add(m.Quantity)
		case inventory.MovementReturnOut:
			t.ReturnOut = t.ReturnOut.Add(m.Quantity)
		case inventory.MovementAdjustment:
			t.Adjustment = t.Adjustment.Add(m.Quantity)
		}
	}
	return t, nil
}

func (r *Repo) ListExpiring(_ context.Context, companyID int64, cutoff time.Time) ([]inventory.Batch, error) {
	var matched []inventory.Batch
	for _, b := range r.AllBatches() {
		if companyID > 0 && b.CompanyID != companyID {
			continue
		}
		if b.ExpiryDate == nil || b.ExpiryDate.After(cutoff) || !b.QuantityAvailable.IsPositive() {
			continue
		}
		matched = append(matched, b)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].ExpiryDate.Before(*matched[j].ExpiryDate) })
	return matched, nil
}

func (r *Repo) SetStockInFile(_ context.Context, id int64, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.stockIns[id]
	if !ok {
		return shared.NotFound("stock_in", id)
	}
	in.Source.DeliveryNoteFile = path
	r.stockIns[id] = in
	return nil
}

type txRepo struct {
	repo *Repo
}

// fault consumes an injected error for method.
func (t *txRepo) fault(method string) error {
	r := t.repo
	if err, ok := r.faults[method]; ok {
		delete(r.faults, method)
		return err
	}
	return nil
}

// id allocates the next identifier; ids are not reused after rollback.
func (t *txRepo) id() int64 {
	t.repo.nextID++
	return t.repo.nextID
}

func (t *txRepo) GetProduct(_ context.Context, id int64) (inventory.Product, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := t.fault("GetProduct"); err != nil {
		return inventory.Product{}, err
	}
	p, ok := r.products[id]
	if !ok {
		return inventory.Product{}, shared.NotFound("product", id)
	}
	return p, nil
}

func (t *txRepo) InsertBatch(ctx context.Context, b inventory.Batch) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := t.fault("InsertBatch"); err != nil {
		return 0, err
	}
	for _, existing := range r.batches {
		if existing.ProductID == b.ProductID && existing.BatchNumber == b.BatchNumber {
			return 0, shared.Invalid("batch_number", "already exists for this product")
		}
	}
	b.ID = t.id()
	r.batches[b.ID] = b
	r.db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.batches, b.ID)
	})
	return b.ID, nil
}

func (t *txRepo) GetBatchForUpdate(_ context.Context, id int64) (inventory.Batch, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := t.fault("GetBatchForUpdate"); err != nil {
		return inventory.Batch{}, err
	}
	b, ok := r.batches[id]
	if !ok {
		return inventory.Batch{}, shared.NotFound("batch", id)
	}
	return b, nil
}

func (t *txRepo) UpdateBatchBalance(ctx context.Context, id int64, available decimal.Decimal, status inventory.BatchStatus) error {
	return t.updateBatch(ctx, "UpdateBatchBalance", id, func(b *inventory.Batch) {
		b.QuantityAvailable = available
		b.Status = status
	})
}

func (t *txRepo) UpdateBatchStatus(ctx context.Context, id int64, status inventory.BatchStatus) error {
	return t.updateBatch(ctx, "UpdateBatchStatus", id, func(b *inventory.Batch) {
		b.Status = status
	})
}

func (t *txRepo) updateBatch(ctx context.Context, method string, id int64, apply func(*inventory.Batch)) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := t.fault(method); err != nil {
		return err
	}
	before, ok := r.batches[id]
	if !ok {
		return shared.NotFound("batch", id)
	}
	after := before
	apply(&after)
	after.UpdatedAt = time.Now().UTC()
	r.batches[id] = after
	r.db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.batches[id] = before
	})
	return nil
}

func (t *txRepo) InsertStockIn(ctx context.Context, in inventory.StockIn) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := t.fault("InsertStockIn"); err != nil {
		return 0, err
	}
	in.ID = t.id()
	r.stockIns[in.ID] = in
	r.db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.stockIns, in.ID)
	})
	return in.ID, nil
}

func (t *txRepo) GetStockInForUpdate(_ context.Context, id int64) (inventory.StockIn, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.stockIns[id]
	if !ok {
		return inventory.StockIn{}, shared.NotFound("stock_in", id)
	}
	return in, nil
}

func (t *txRepo) DeleteStockIn(ctx context.Context, id int64) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := t.fault("DeleteStockIn"); err != nil {
		return err
	}
	before, ok := r.stockIns[id]
	if !ok {
		return shared.NotFound("stock_in", id)
	}
	delete(r.stockIns, id)
	r.db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.stockIns[id] = before
	})
	return nil
}

func (t *txRepo) StockInReferenced(_ context.Context, id int64) (bool, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.linked[id] > 0, nil
}

func (t *txRepo) InsertStockOut(ctx context.Context, out inventory.StockOut) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := t.fault("InsertStockOut"); err != nil {
		return 0, err
	}
	out.ID = t.id()
	out.BatchPurchasePrice = decimal.Zero
	r.stockOuts[out.ID] = out
	r.db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.stockOuts, out.ID)
	})
	return out.ID, nil
}

func (t *txRepo) InsertMovement(ctx context.Context, m inventory.Movement) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := t.fault("InsertMovement"); err != nil {
		return 0, err
	}
	m.ID = t.id()
	r.movements = append(r.movements, m)
	n := len(r.movements)
	r.db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.movements = r.movements[:n-1]
	})
	return m.ID, nil
}

func (t *txRepo) InsertOpening(ctx context.Context, o inventory.Opening) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := t.fault("InsertOpening"); err != nil {
		return 0, err
	}
	o.ID = t.id()
	r.openings = append(r.openings, o)
	n := len(r.openings)
	r.db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.openings = r.openings[:n-1]
	})
	return o.ID, nil
}

func (t *txRepo) HasOpening(_ context.Context, batchID int64, year, month int) (bool, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.openings {
		if o.BatchID == batchID && o.Date.Year() == year && int(o.Date.Month()) == month {
			return true, nil
		}
	}
	return false, nil
}

func containsType(types []inventory.MovementType, t inventory.MovementType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

func window[T any](items []T, page, perPage int) []T {
	limit, offset := shared.PageWindow(page, perPage)
	if offset >= uint64(len(items)) {
		return nil
	}
	end := offset + limit
	if end > uint64(len(items)) {
		end = uint64(len(items))
	}
	return items[offset:end]
}
