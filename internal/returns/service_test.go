package returns_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/internal/inventory"
	"github.com/odyssey-erp/backoffice/internal/inventory/inventorytest"
	"github.com/odyssey-erp/backoffice/internal/returns"
	"github.com/odyssey-erp/backoffice/internal/returns/returnstest"
	"github.com/odyssey-erp/backoffice/internal/shared"
	"github.com/odyssey-erp/backoffice/internal/testing/memtx"
)

var (
	clerk    = shared.Actor{ID: 3, CompanyID: 1, Name: "admin gudang"}
	manager  = shared.Actor{ID: 4, CompanyID: 1, Name: "apoteker"}
	outsider = shared.Actor{ID: 9, CompanyID: 2, Name: "other"}
	clock    = time.Date(2024, time.March, 20, 10, 0, 0, 0, time.UTC)
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	stock   *inventory.Service
	stockDB *inventorytest.Repo
	repo    *returnstest.Repo
	svc     *returns.Service
	metrics *countingMetrics
	batchID int64
}

type countingMetrics struct {
	mu   sync.Mutex
	seen map[string]int
}

func (m *countingMetrics) ObserveReturn(action, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[action+"/"+outcome]++
}

func (m *countingMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[key]
}

// newFixture seeds batch B with 100 units at cost 10 and applies scenarios one and two,
// leaving 120 available.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := memtx.New()
	stockDB := inventorytest.NewRepo(db)
	stockDB.AddProduct(inventory.Product{ID: 1, CompanyID: 1, Code: "PCT-500", Name: "Paracetamol 500mg", Unit: "box"})
	stock := inventory.NewService(stockDB, nil, nil, nil, nil, inventory.ServiceConfig{}).
		WithNow(func() time.Time { return clock })

	batch, err := stock.CreateBatch(ctx, clerk, inventory.CreateBatchInput{
		BatchSpec:       inventory.BatchSpec{ProductID: 1, BatchNumber: "B", PurchasePrice: dec("10")},
		InitialQuantity: dec("100"),
	})
	require.NoError(t, err)
	_, err = stock.Receive(ctx, clerk, inventory.ReceiveInput{ProductID: 1, BatchID: batch.ID, Quantity: dec("50"), UnitCost: dec("10")})
	require.NoError(t, err)
	_, err = stock.Issue(ctx, clerk, inventory.IssueInput{
		ProductID: 1, BatchID: batch.ID, Quantity: dec("30"), SellingPrice: dec("25"), TransactionType: inventory.TransactionSale,
	})
	require.NoError(t, err)

	repo := returnstest.NewRepo(db)
	metrics := &countingMetrics{seen: make(map[string]int)}
	svc := returns.NewService(repo, stock, nil, &memoryProofs{}, metrics, nil).
		WithNow(func() time.Time { return clock })
	return &fixture{stock: stock, stockDB: stockDB, repo: repo, svc: svc, metrics: metrics, batchID: batch.ID}
}

func (f *fixture) available(t *testing.T) decimal.Decimal {
	t.Helper()
	b, ok := f.stockDB.Batch(f.batchID)
	require.True(t, ok)
	return b.QuantityAvailable
}

func (f *fixture) compensations(kind inventory.MovementType) int {
	n := 0
	for _, m := range f.stockDB.Movements() {
		if m.Type == kind {
			n++
		}
	}
	return n
}

func (f *fixture) customerReturn(t *testing.T) returns.Return {
	t.Helper()
	ret, err := f.svc.Create(context.Background(), clerk, returns.CreateInput{
		Type:        returns.TypeCustomer,
		ProductID:   1,
		BatchID:     f.batchID,
		Quantity:    dec("10"),
		ReturnValue: dec("250"),
		StockOutID:  1,
		CustomerID:  11,
		Reason:      "damaged packaging",
	})
	require.NoError(t, err)
	return ret
}

func (f *fixture) approve(t *testing.T, id int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.Submit(ctx, clerk, id)
	require.NoError(t, err)
	_, err = f.svc.Approve(ctx, manager, id, "ok")
	require.NoError(t, err)
}

type memoryProofs struct {
	fail     error
	saved    []string
	contents map[string][]byte
}

func (m *memoryProofs) Save(_ context.Context, folder, filename string, content io.Reader) (string, error) {
	if m.fail != nil {
		return "", m.fail
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return "", err
	}
	path := folder + "/" + filename
	m.saved = append(m.saved, path)
	if m.contents == nil {
		m.contents = make(map[string][]byte)
	}
	m.contents[path] = data
	return path, nil
}

func (m *memoryProofs) Open(_ context.Context, path string) (io.ReadCloser, error) {
	data, ok := m.contents[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestCustomerReturnLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ret := f.customerReturn(t)
	require.Equal(t, returns.StatusDraft, ret.Status)
	require.Equal(t, "RET-C-202403-0001", ret.Number)

	submitted, err := f.svc.Submit(ctx, clerk, ret.ID)
	require.NoError(t, err)
	require.Equal(t, returns.StatusPending, submitted.Status)
	require.NotNil(t, submitted.SubmittedBy)

	approved, err := f.svc.Approve(ctx, manager, ret.ID, "checked")
	require.NoError(t, err)
	require.Equal(t, returns.StatusApproved, approved.Status)
	require.Equal(t, "checked", approved.ApprovalNotes)

	done, err := f.svc.Process(ctx, manager, ret.ID, "restocked")
	require.NoError(t, err)
	require.Equal(t, returns.StatusCompleted, done.Status)
	require.Equal(t, manager.ID, *done.ProcessedBy)
	require.True(t, f.available(t).Equal(dec("130")))

	ins := f.stockDB.StockIns()
	last := ins[len(ins)-1]
	require.Equal(t, ret.ID, last.Source.ReturnID)
	require.True(t, last.Quantity.Equal(dec("10")))
	require.True(t, last.UnitCost.Equal(dec("25")))
	require.Equal(t, last.ID, done.CompensationID)

	returned := f.stockDB.Movements()
	movement := returned[len(returned)-1]
	require.Equal(t, inventory.MovementReturnIn, movement.Type)
	require.Equal(t, inventory.ReturnRef(ret.ID), movement.Reference)

	stored, err := f.svc.Get(ctx, clerk, ret.ID)
	require.NoError(t, err)
	require.Equal(t, returns.StatusCompleted, stored.Status)
	require.Equal(t, int64(5), stored.Version)
	require.Equal(t, 1, f.metrics.count("process/completed"))
}

func TestProcessCompletedReturnFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ret := f.customerReturn(t)
	f.approve(t, ret.ID)
	_, err := f.svc.Process(ctx, manager, ret.ID, "")
	require.NoError(t, err)

	_, err = f.svc.Process(ctx, manager, ret.ID, "")
	var transitionErr *shared.InvalidStateTransitionError
	require.ErrorAs(t, err, &transitionErr)
	require.Equal(t, "completed", transitionErr.From)
	require.True(t, f.available(t).Equal(dec("130")))
	require.Equal(t, 1, f.compensations(inventory.MovementReturnIn))
}

func TestConcurrentProcessAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ret := f.customerReturn(t)
	f.approve(t, ret.ID)

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Process(context.Background(), manager, ret.ID, "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.True(t, errors.Is(err, shared.ErrAlreadyProcessed) || errors.Is(err, shared.ErrInvalidTransition), "unexpected error %v", err)
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, f.compensations(inventory.MovementReturnIn))
	require.True(t, f.available(t).Equal(dec("130")))
}

func TestSupplierReturnIssuesStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ret, err := f.svc.Create(ctx, clerk, returns.CreateInput{
		Type:        returns.TypeSupplier,
		ProductID:   1,
		BatchID:     f.batchID,
		Quantity:    dec("20"),
		ReturnValue: dec("200"),
		StockInID:   1,
		SupplierID:  5,
		Reason:      "recall",
	})
	require.NoError(t, err)
	require.Equal(t, "RET-S-202403-0001", ret.Number)
	f.approve(t, ret.ID)

	done, err := f.svc.Process(ctx, manager, ret.ID, "")
	require.NoError(t, err)
	require.True(t, f.available(t).Equal(dec("100")))

	outs := f.stockDB.StockOuts()
	last := outs[len(outs)-1]
	require.Equal(t, inventory.TransactionReturnSupplier, last.TransactionType)
	require.Equal(t, ret.ID, last.ReturnID)
	require.True(t, last.SellingPrice.IsZero())
	require.Equal(t, last.ID, done.CompensationID)
	require.Equal(t, 1, f.compensations(inventory.MovementReturnOut))
}

func TestSupplierReturnBeyondAvailabilityRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ret, err := f.svc.Create(ctx, clerk, returns.CreateInput{
		Type:        returns.TypeSupplier,
		ProductID:   1,
		BatchID:     f.batchID,
		Quantity:    dec("500"),
		ReturnValue: dec("5000"),
		StockInID:   1,
	})
	require.NoError(t, err)
	f.approve(t, ret.ID)
	movementsBefore := len(f.stockDB.Movements())

	_, err = f.svc.Process(ctx, manager, ret.ID, "")
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	stored, err := f.svc.Get(ctx, clerk, ret.ID)
	require.NoError(t, err)
	require.Equal(t, returns.StatusApproved, stored.Status)
	require.Nil(t, stored.ProcessedAt)
	require.True(t, f.available(t).Equal(dec("120")))
	require.Len(t, f.stockDB.Movements(), movementsBefore)
	require.Equal(t, 1, f.metrics.count("process/failed"))
}

func TestProcessRollsBackWhenLedgerFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ret := f.customerReturn(t)
	f.approve(t, ret.ID)
	insBefore := len(f.stockDB.StockIns())

	f.stockDB.FailOn("InsertMovement", errors.New("disk full"))
	_, err := f.svc.Process(ctx, manager, ret.ID, "")
	require.Error(t, err)

	stored, err := f.svc.Get(ctx, clerk, ret.ID)
	require.NoError(t, err)
	require.Equal(t, returns.StatusApproved, stored.Status)
	require.Len(t, f.stockDB.StockIns(), insBefore)
	require.True(t, f.available(t).Equal(dec("120")))

	_, err = f.svc.Process(ctx, manager, ret.ID, "")
	require.NoError(t, err)
	require.True(t, f.available(t).Equal(dec("130")))
}

func TestProcessRequiresApproval(t *testing.T) {
	f := newFixture(t)
	ret := f.customerReturn(t)

	_, err := f.svc.Process(context.Background(), manager, ret.ID, "")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	require.True(t, f.available(t).Equal(dec("120")))
	require.Equal(t, 1, f.metrics.count("process/rejected"))
}

func TestApproveDirectlyFromDraft(t *testing.T) {
	f := newFixture(t)
	ret := f.customerReturn(t)

	approved, err := f.svc.Approve(context.Background(), manager, ret.ID, "")
	require.NoError(t, err)
	require.Equal(t, returns.StatusApproved, approved.Status)
}

func TestRejectAndCancelRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rejected := f.customerReturn(t)
	_, err := f.svc.Reject(ctx, manager, rejected.ID, "  ")
	require.ErrorIs(t, err, shared.ErrValidation)
	got, err := f.svc.Reject(ctx, manager, rejected.ID, "no receipt")
	require.NoError(t, err)
	require.Equal(t, returns.StatusRejected, got.Status)
	require.Equal(t, "no receipt", got.RejectionReason)
	_, err = f.svc.Cancel(ctx, clerk, rejected.ID, "changed mind")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	cancelled := f.customerReturn(t)
	f.approve(t, cancelled.ID)
	got, err = f.svc.Cancel(ctx, clerk, cancelled.ID, "customer withdrew")
	require.NoError(t, err)
	require.Equal(t, returns.StatusCancelled, got.Status)
	_, err = f.svc.Process(ctx, manager, cancelled.ID, "")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	completed := f.customerReturn(t)
	f.approve(t, completed.ID)
	_, err = f.svc.Process(ctx, manager, completed.ID, "")
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, clerk, completed.ID, "late")
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestSubmitOnlyFromDraft(t *testing.T) {
	f := newFixture(t)
	ret := f.customerReturn(t)
	_, err := f.svc.Submit(context.Background(), clerk, ret.ID)
	require.NoError(t, err)
	_, err = f.svc.Submit(context.Background(), clerk, ret.ID)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestNumbersAreSequentialPerTypeAndCompany(t *testing.T) {
	f := newFixture(t)
	first := f.customerReturn(t)
	second := f.customerReturn(t)
	require.Equal(t, "RET-C-202403-0001", first.Number)
	require.Equal(t, "RET-C-202403-0002", second.Number)

	f.repo.CollideOnce("RET-C-202403-0003")
	third := f.customerReturn(t)
	require.Equal(t, "RET-C-202403-0004", third.Number)
}

func TestNextNumber(t *testing.T) {
	prefix := returns.NumberPrefix(returns.TypeSupplier, clock)
	require.Equal(t, "RET-S-202403-", prefix)

	next, err := returns.NextNumber(prefix, "")
	require.NoError(t, err)
	require.Equal(t, "RET-S-202403-0001", next)

	next, err = returns.NextNumber(prefix, "RET-S-202403-9999")
	require.NoError(t, err)
	require.Equal(t, "RET-S-202403-10000", next)

	_, err = returns.NextNumber(prefix, "RET-C-202403-0001")
	require.Error(t, err)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	base := returns.CreateInput{Type: returns.TypeCustomer, ProductID: 1, BatchID: f.batchID, Quantity: dec("1"), ReturnValue: dec("1"), StockOutID: 1}
	cases := map[string]func(*returns.CreateInput){
		"unknown type":         func(in *returns.CreateInput) { in.Type = "swap" },
		"zero quantity":        func(in *returns.CreateInput) { in.Quantity = decimal.Zero },
		"negative value":       func(in *returns.CreateInput) { in.ReturnValue = dec("-1") },
		"customer no source":   func(in *returns.CreateInput) { in.StockOutID = 0 },
		"supplier no stock-in": func(in *returns.CreateInput) { in.Type = returns.TypeSupplier },
		"missing batch":        func(in *returns.CreateInput) { in.BatchID = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			input := base
			mutate(&input)
			_, err := f.svc.Create(context.Background(), clerk, input)
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}
	require.Empty(t, f.repo.All())
}

func TestForeignCompanyCannotSeeReturn(t *testing.T) {
	f := newFixture(t)
	ret := f.customerReturn(t)
	_, err := f.svc.Get(context.Background(), outsider, ret.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	_, err = f.svc.Approve(context.Background(), outsider, ret.ID, "")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestAttachProof(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ret := f.customerReturn(t)

	got, err := f.svc.AttachProof(ctx, clerk, ret.ID, returns.Attachment{Filename: "photo.jpg", Content: []byte("jpeg")})
	require.NoError(t, err)
	require.Equal(t, "return-proofs/photo.jpg", got.ProofPath)

	stored, err := f.svc.Get(ctx, clerk, ret.ID)
	require.NoError(t, err)
	require.Equal(t, "return-proofs/photo.jpg", stored.ProofPath)
	require.Equal(t, returns.StatusDraft, stored.Status)
}

func TestAttachProofFailureLeavesReturnUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ret := f.customerReturn(t)
	f.approve(t, ret.ID)

	svc := returns.NewService(f.repo, f.stock, nil, &memoryProofs{fail: errors.New("bucket offline")}, nil, nil)
	_, err := svc.AttachProof(ctx, clerk, ret.ID, returns.Attachment{Filename: "photo.jpg", Content: []byte("jpeg")})
	require.Error(t, err)

	stored, err := f.svc.Get(ctx, clerk, ret.ID)
	require.NoError(t, err)
	require.Equal(t, returns.StatusApproved, stored.Status)
	require.Empty(t, stored.ProofPath)
}

func TestListFiltersByStatusAndType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.customerReturn(t)
	f.customerReturn(t)
	_, err := f.svc.Submit(ctx, clerk, first.ID)
	require.NoError(t, err)

	items, page, err := f.svc.List(ctx, returns.ListFilter{CompanyID: 1, Status: returns.StatusPending})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, first.ID, items[0].ID)
	require.Equal(t, 1, page.Total)

	items, _, err = f.svc.List(ctx, returns.ListFilter{CompanyID: 1, Type: returns.TypeSupplier})
	require.NoError(t, err)
	require.Empty(t, items)

	_, _, err = f.svc.List(ctx, returns.ListFilter{})
	require.ErrorIs(t, err, shared.ErrValidation)
}
