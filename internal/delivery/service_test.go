package delivery_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/internal/delivery"
	"github.com/odyssey-erp/backoffice/internal/inventory"
	"github.com/odyssey-erp/backoffice/internal/inventory/inventorytest"
	"github.com/odyssey-erp/backoffice/internal/shared"
	"github.com/odyssey-erp/backoffice/internal/testing/memtx"
)

// ============================================================================
// MEMORY REPOSITORY
// ============================================================================

type memoryRepo struct {
	db *memtx.DB

	mu     sync.Mutex
	notes  map[int64]delivery.Note
	keys   map[string]bool
	nextID int64
}

func newMemoryRepo(db *memtx.DB) *memoryRepo {
	return &memoryRepo{db: db, notes: make(map[int64]delivery.Note), keys: make(map[string]bool)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, delivery.TxRepository) error) error {
	return r.db.Run(ctx, func(ctx context.Context) error {
		return fn(ctx, &memoryTx{repo: r})
	})
}

func (r *memoryRepo) Get(_ context.Context, id int64) (delivery.Note, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	note, ok := r.notes[id]
	if !ok {
		return delivery.Note{}, shared.NotFound("delivery_note", id)
	}
	note.Lines = append([]delivery.Line(nil), note.Lines...)
	return note, nil
}

func (r *memoryRepo) List(_ context.Context, filter delivery.ListFilter) ([]delivery.Note, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []delivery.Note
	for _, note := range r.notes {
		if note.CompanyID == filter.CompanyID && (filter.Status == "" || note.Status == filter.Status) {
			items = append(items, note)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, len(items), nil
}

// save stores note and registers its previous version for rollback.
func (r *memoryRepo) save(ctx context.Context, note delivery.Note) {
	prev, existed := r.notes[note.ID]
	r.notes[note.ID] = note
	r.db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existed {
			r.notes[note.ID] = prev
		} else {
			delete(r.notes, note.ID)
		}
	})
}

type memoryTx struct {
	repo *memoryRepo
}

func (t *memoryTx) Insert(ctx context.Context, note delivery.Note) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.notes {
		if existing.CompanyID == note.CompanyID && existing.DocNumber == note.DocNumber {
			return 0, shared.Invalid("doc_number", "already exists")
		}
	}
	r.nextID++
	note.ID = r.nextID
	r.save(ctx, note)
	return note.ID, nil
}

func (t *memoryTx) InsertLine(ctx context.Context, line delivery.Line) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	note := r.notes[line.NoteID]
	r.nextID++
	line.ID = r.nextID
	note.Lines = append(append([]delivery.Line(nil), note.Lines...), line)
	r.save(ctx, note)
	return line.ID, nil
}

func (t *memoryTx) GetForUpdate(ctx context.Context, id int64) (delivery.Note, error) {
	return t.repo.Get(ctx, id)
}

func (t *memoryTx) UpdateStatus(ctx context.Context, id int64, status delivery.NoteStatus, _ map[string]any) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	note, ok := r.notes[id]
	if !ok {
		return shared.NotFound("delivery_note", id)
	}
	note.Status = status
	r.save(ctx, note)
	return nil
}

func (t *memoryTx) SetLineStockOut(ctx context.Context, lineID, stockOutID int64) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, note := range r.notes {
		for i, line := range note.Lines {
			if line.ID == lineID {
				lines := append([]delivery.Line(nil), note.Lines...)
				lines[i].StockOutID = stockOutID
				note.Lines = lines
				r.save(ctx, note)
				return nil
			}
		}
	}
	return shared.NotFound("delivery_note_line", lineID)
}

func (t *memoryTx) ClaimKey(ctx context.Context, key string) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	r.keys[key] = true
	r.db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.keys, key)
	})
	return nil
}

// ============================================================================
// FIXTURE
// ============================================================================

var (
	shipper = shared.Actor{ID: 5, CompanyID: 1, Name: "logistik"}
	clock   = time.Date(2024, time.April, 2, 8, 0, 0, 0, time.UTC)
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type recordingAudit struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, log.Action)
	return nil
}

func (r *recordingAudit) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.actions...)
}

type countingMetrics struct {
	mu    sync.Mutex
	ticks map[string]int
}

func (m *countingMetrics) ObserveMovement(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticks == nil {
		m.ticks = make(map[string]int)
	}
	m.ticks[kind]++
}

func (m *countingMetrics) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.ticks {
		n += v
	}
	return n
}

type fixture struct {
	stockDB *inventorytest.Repo
	repo    *memoryRepo
	svc     *delivery.Service
	audit   *recordingAudit
	metrics *countingMetrics
	batchA  int64
	batchB  int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := memtx.New()
	stockDB := inventorytest.NewRepo(db)
	stockDB.AddProduct(inventory.Product{ID: 1, CompanyID: 1, Code: "PCT-500", Name: "Paracetamol 500mg", Unit: "box"})
	stockDB.AddProduct(inventory.Product{ID: 2, CompanyID: 1, Code: "AMX-250", Name: "Amoxicillin 250mg", Unit: "box"})
	audit := &recordingAudit{}
	metrics := &countingMetrics{}
	trail := shared.NewAuditTrail(audit, nil)
	stock := inventory.NewService(stockDB, trail, nil, metrics, nil, inventory.ServiceConfig{}).
		WithNow(func() time.Time { return clock })

	ctx := context.Background()
	a, err := stock.CreateBatch(ctx, shipper, inventory.CreateBatchInput{
		BatchSpec:       inventory.BatchSpec{ProductID: 1, BatchNumber: "A", PurchasePrice: dec("10")},
		InitialQuantity: dec("100"),
	})
	require.NoError(t, err)
	b, err := stock.CreateBatch(ctx, shipper, inventory.CreateBatchInput{
		BatchSpec:       inventory.BatchSpec{ProductID: 2, BatchNumber: "B", PurchasePrice: dec("4")},
		InitialQuantity: dec("20"),
	})
	require.NoError(t, err)

	repo := newMemoryRepo(db)
	svc := delivery.NewService(repo, delivery.NewInventoryAdapter(stock), trail, nil).
		WithNow(func() time.Time { return clock })
	return &fixture{stockDB: stockDB, repo: repo, svc: svc, audit: audit, metrics: metrics, batchA: a.ID, batchB: b.ID}
}

func (f *fixture) note(t *testing.T, qtyB string) delivery.Note {
	t.Helper()
	ctx := context.Background()
	note, err := f.svc.Create(ctx, shipper, delivery.CreateNoteRequest{
		DocNumber:    "SJ-0001",
		CustomerID:   42,
		DeliveryDate: clock,
		Lines: []delivery.CreateLineRequest{
			{ProductID: 1, BatchID: f.batchA, Quantity: dec("30"), UnitPrice: dec("25"), LineOrder: 1},
			{ProductID: 2, BatchID: f.batchB, Quantity: dec(qtyB), UnitPrice: dec("9"), LineOrder: 2},
		},
	})
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, shipper, note.ID)
	require.NoError(t, err)
	return note
}

func (f *fixture) available(t *testing.T, batchID int64) decimal.Decimal {
	t.Helper()
	b, ok := f.stockDB.Batch(batchID)
	require.True(t, ok)
	return b.QuantityAvailable
}

// ============================================================================
// TESTS
// ============================================================================

func TestMarkReceivedIssuesEveryLine(t *testing.T) {
	f := newFixture(t)
	note := f.note(t, "5")

	received, err := f.svc.MarkReceived(context.Background(), shipper, note.ID, "")
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusReceived, received.Status)
	assert.True(t, f.available(t, f.batchA).Equal(dec("70")))
	assert.True(t, f.available(t, f.batchB).Equal(dec("15")))

	outs := f.stockDB.StockOuts()
	require.Len(t, outs, 2)
	for i, out := range outs {
		assert.Equal(t, inventory.TransactionSale, out.TransactionType)
		assert.Equal(t, int64(42), out.CustomerID)
		assert.Equal(t, note.ID, out.DeliveryNoteID)
		assert.Equal(t, out.ID, received.Lines[i].StockOutID)
	}
	assert.True(t, outs[0].TotalValue().Equal(dec("750")))
	assert.True(t, outs[0].Profit().Equal(dec("450")))

	stored, err := f.svc.Get(context.Background(), shipper, note.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusReceived, stored.Status)
	assert.Len(t, f.stockDB.Movements(), 2)
}

func TestMarkReceivedRollsBackAllLinesOnShortage(t *testing.T) {
	f := newFixture(t)
	note := f.note(t, "50")

	_, err := f.svc.MarkReceived(context.Background(), shipper, note.ID, "")
	var shortage *shared.InsufficientStockError
	require.ErrorAs(t, err, &shortage)
	assert.Equal(t, f.batchB, shortage.BatchID)

	assert.True(t, f.available(t, f.batchA).Equal(dec("100")))
	assert.True(t, f.available(t, f.batchB).Equal(dec("20")))
	assert.Empty(t, f.stockDB.StockOuts())
	assert.Empty(t, f.stockDB.Movements())

	stored, err := f.svc.Get(context.Background(), shipper, note.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusConfirmed, stored.Status)
	for _, line := range stored.Lines {
		assert.Zero(t, line.StockOutID)
	}
}

func TestRolledBackReceiptLeavesNoAuditOrMetrics(t *testing.T) {
	f := newFixture(t)
	note := f.note(t, "50")
	before := f.audit.recorded()

	_, err := f.svc.MarkReceived(context.Background(), shipper, note.ID, "")
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	assert.Equal(t, before, f.audit.recorded())
	assert.NotContains(t, f.audit.recorded(), "inventory.stock_out.create")
	assert.Zero(t, f.metrics.total())
}

func TestCommittedReceiptIsAuditedOncePerLine(t *testing.T) {
	f := newFixture(t)
	note := f.note(t, "5")

	_, err := f.svc.MarkReceived(context.Background(), shipper, note.ID, "")
	require.NoError(t, err)

	issued := 0
	for _, action := range f.audit.recorded() {
		if action == "inventory.stock_out.create" {
			issued++
		}
	}
	assert.Equal(t, 2, issued)
	assert.Equal(t, 2, f.metrics.total())
}

func TestMarkReceivedTwiceIssuesOnce(t *testing.T) {
	f := newFixture(t)
	note := f.note(t, "5")
	ctx := context.Background()

	_, err := f.svc.MarkReceived(ctx, shipper, note.ID, "req-1")
	require.NoError(t, err)

	_, err = f.svc.MarkReceived(ctx, shipper, note.ID, "req-1")
	require.ErrorIs(t, err, shared.ErrAlreadyProcessed)

	_, err = f.svc.MarkReceived(ctx, shipper, note.ID, "req-2")
	require.ErrorIs(t, err, shared.ErrAlreadyProcessed)

	assert.Len(t, f.stockDB.StockOuts(), 2)
	assert.True(t, f.available(t, f.batchA).Equal(dec("70")))
}

func TestMarkReceivedRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	note, err := f.svc.Create(ctx, shipper, delivery.CreateNoteRequest{
		DocNumber:    "SJ-0002",
		CustomerID:   42,
		DeliveryDate: clock,
		Lines:        []delivery.CreateLineRequest{{ProductID: 1, BatchID: f.batchA, Quantity: dec("1"), UnitPrice: dec("25")}},
	})
	require.NoError(t, err)

	_, err = f.svc.MarkReceived(ctx, shipper, note.ID, "")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	assert.Empty(t, f.stockDB.StockOuts())

	_, err = f.svc.Confirm(ctx, shipper, note.ID)
	require.NoError(t, err)
	_, err = f.svc.MarkInTransit(ctx, shipper, note.ID)
	require.NoError(t, err)
	_, err = f.svc.MarkReceived(ctx, shipper, note.ID, "")
	require.NoError(t, err)
}

func TestCancelRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	note := f.note(t, "5")

	_, err := f.svc.Cancel(ctx, shipper, note.ID, "")
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.MarkReceived(ctx, shipper, note.ID, "")
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, shipper, note.ID, "customer refused")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	valid := func() delivery.CreateNoteRequest {
		return delivery.CreateNoteRequest{
			DocNumber:    "SJ-0003",
			CustomerID:   42,
			DeliveryDate: clock,
			Lines:        []delivery.CreateLineRequest{{ProductID: 1, BatchID: f.batchA, Quantity: dec("1"), UnitPrice: dec("1")}},
		}
	}
	tests := []struct {
		name   string
		mutate func(*delivery.CreateNoteRequest)
	}{
		{"missing number", func(r *delivery.CreateNoteRequest) { r.DocNumber = " " }},
		{"missing customer", func(r *delivery.CreateNoteRequest) { r.CustomerID = 0 }},
		{"no lines", func(r *delivery.CreateNoteRequest) { r.Lines = nil }},
		{"zero quantity", func(r *delivery.CreateNoteRequest) { r.Lines[0].Quantity = decimal.Zero }},
		{"negative price", func(r *delivery.CreateNoteRequest) { r.Lines[0].UnitPrice = dec("-1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(&req)
			_, err := f.svc.Create(context.Background(), shipper, req)
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}

	_, err := f.svc.Create(context.Background(), shipper, valid())
	require.NoError(t, err)
	_, err = f.svc.Create(context.Background(), shipper, valid())
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestForeignCompanyCannotReceive(t *testing.T) {
	f := newFixture(t)
	note := f.note(t, "5")
	_, err := f.svc.MarkReceived(context.Background(), shared.Actor{ID: 1, CompanyID: 2}, note.ID, "")
	require.ErrorIs(t, err, shared.ErrNotFound)
	assert.Empty(t, f.stockDB.StockOuts())
}

func TestInventoryAdapterWithoutService(t *testing.T) {
	adapter := delivery.NewInventoryAdapter(nil)
	_, err := adapter.IssueLine(context.Background(), shipper, delivery.Note{}, delivery.Line{})
	require.Error(t, err)
	require.False(t, errors.Is(err, shared.ErrValidation))
}
