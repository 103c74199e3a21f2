package procurement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/internal/inventory"
	"github.com/odyssey-erp/backoffice/internal/inventory/inventorytest"
	"github.com/odyssey-erp/backoffice/internal/shared"
	"github.com/odyssey-erp/backoffice/internal/testing/memtx"
)

type memoryProcRepo struct {
	db    *memtx.DB
	stock *inventorytest.Repo

	mu     sync.Mutex
	pos    map[int64]PurchaseOrder
	grns   map[int64]GoodsReceipt
	keys   map[string]bool
	nextID int64
}

type memoryProcTx struct {
	repo *memoryProcRepo
}

func newMemoryProcRepo(db *memtx.DB, stock *inventorytest.Repo) *memoryProcRepo {
	return &memoryProcRepo{
		db:    db,
		stock: stock,
		pos:   make(map[int64]PurchaseOrder),
		grns:  make(map[int64]GoodsReceipt),
		keys:  make(map[string]bool),
	}
}

func (r *memoryProcRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.db.Run(ctx, func(ctx context.Context) error {
		return fn(ctx, &memoryProcTx{repo: r})
	})
}

func (r *memoryProcRepo) GetPO(_ context.Context, id int64) (PurchaseOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	po, ok := r.pos[id]
	if !ok {
		return PurchaseOrder{}, shared.NotFound("purchase_order", id)
	}
	po.Lines = append([]POLine(nil), po.Lines...)
	return po, nil
}

func (r *memoryProcRepo) GetGRN(_ context.Context, id int64) (GoodsReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	grn, ok := r.grns[id]
	if !ok {
		return GoodsReceipt{}, shared.NotFound("goods_receipt", id)
	}
	return grn, nil
}

// putPO stores po and restores the previous version on rollback. Callers hold mu.
func (r *memoryProcRepo) putPO(ctx context.Context, po PurchaseOrder) {
	prev, existed := r.pos[po.ID]
	r.pos[po.ID] = po
	r.db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existed {
			r.pos[po.ID] = prev
		} else {
			delete(r.pos, po.ID)
		}
	})
}

func (r *memoryProcRepo) putGRN(ctx context.Context, grn GoodsReceipt) {
	prev, existed := r.grns[grn.ID]
	r.grns[grn.ID] = grn
	r.db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existed {
			r.grns[grn.ID] = prev
		} else {
			delete(r.grns, grn.ID)
		}
	})
}

func (t *memoryProcTx) CreatePO(ctx context.Context, po PurchaseOrder) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	po.ID = r.nextID
	r.putPO(ctx, po)
	return po.ID, nil
}

func (t *memoryProcTx) InsertPOLine(ctx context.Context, line POLine) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	po := r.pos[line.POID]
	r.nextID++
	line.ID = r.nextID
	po.Lines = append(append([]POLine(nil), po.Lines...), line)
	r.putPO(ctx, po)
	return line.ID, nil
}

func (t *memoryProcTx) GetPOForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	return t.repo.GetPO(ctx, id)
}

func (t *memoryProcTx) UpdatePOStatus(ctx context.Context, id int64, status POStatus) error {
	return t.updatePO(ctx, id, func(po *PurchaseOrder) { po.Status = status })
}

func (t *memoryProcTx) SetPOApproval(ctx context.Context, id int64, approvedBy int64, approvedAt time.Time) error {
	return t.updatePO(ctx, id, func(po *PurchaseOrder) { po.ApprovedBy, po.ApprovedAt = &approvedBy, &approvedAt })
}

func (t *memoryProcTx) AddReceived(ctx context.Context, lineID int64, qty decimal.Decimal) error {
	r := t.repo
	r.mu.Lock()
	var poID int64
	for id, po := range r.pos {
		for _, line := range po.Lines {
			if line.ID == lineID {
				poID = id
			}
		}
	}
	r.mu.Unlock()
	return t.updatePO(ctx, poID, func(po *PurchaseOrder) {
		lines := append([]POLine(nil), po.Lines...)
		for i := range lines {
			if lines[i].ID == lineID {
				lines[i].QtyReceived = lines[i].QtyReceived.Add(qty)
			}
		}
		po.Lines = lines
	})
}

func (t *memoryProcTx) updatePO(ctx context.Context, id int64, apply func(*PurchaseOrder)) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	po, ok := r.pos[id]
	if !ok {
		return shared.NotFound("purchase_order", id)
	}
	apply(&po)
	r.putPO(ctx, po)
	return nil
}

func (t *memoryProcTx) CreateGRN(ctx context.Context, grn GoodsReceipt) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	grn.ID = r.nextID
	r.putGRN(ctx, grn)
	return grn.ID, nil
}

func (t *memoryProcTx) InsertGRNLine(ctx context.Context, line GRNLine) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	grn := r.grns[line.GRNID]
	r.nextID++
	line.ID = r.nextID
	grn.Lines = append(append([]GRNLine(nil), grn.Lines...), line)
	r.putGRN(ctx, grn)
	if r.stock != nil {
		r.stock.LinkStockIn(ctx, line.StockInID)
	}
	return line.ID, nil
}

func (t *memoryProcTx) ClaimKey(ctx context.Context, key string) error {
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

type memoryFiles struct {
	mu    sync.Mutex
	fail  error
	saved map[string]string
}

func (m *memoryFiles) Save(_ context.Context, folder, filename string, content io.Reader) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return "", err
	}
	if m.saved == nil {
		m.saved = make(map[string]string)
	}
	path := fmt.Sprintf("%s/%d-%s", folder, len(m.saved)+1, filename)
	m.saved[path] = string(data)
	return path, nil
}

func (m *memoryFiles) Open(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.saved[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

func (m *memoryFiles) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, path)
	return nil
}

var (
	buyer = shared.Actor{ID: 8, CompanyID: 1, Name: "purchasing"}
	clock = time.Date(2024, time.May, 6, 9, 30, 0, 0, time.UTC)
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type procFixture struct {
	stockDB *inventorytest.Repo
	stock   *inventory.Service
	files   *memoryFiles
	svc     *Service
	batchID int64
}

func newProcFixture(t *testing.T) *procFixture {
	t.Helper()
	db := memtx.New()
	stockDB := inventorytest.NewRepo(db)
	stockDB.AddProduct(inventory.Product{ID: 1, CompanyID: 1, Code: "PCT-500", Name: "Paracetamol 500mg", Unit: "box"})
	stockDB.AddProduct(inventory.Product{ID: 2, CompanyID: 1, Code: "AMX-250", Name: "Amoxicillin 250mg", Unit: "box"})
	files := &memoryFiles{}
	stock := inventory.NewService(stockDB, nil, files, nil, nil, inventory.ServiceConfig{}).
		WithNow(func() time.Time { return clock })
	batch, err := stock.CreateBatch(context.Background(), buyer, inventory.CreateBatchInput{
		BatchSpec:       inventory.BatchSpec{ProductID: 1, BatchNumber: "P-1", PurchasePrice: dec("10")},
		InitialQuantity: dec("5"),
	})
	require.NoError(t, err)
	svc := NewService(newMemoryProcRepo(db, stockDB), stock, nil, nil).WithNow(func() time.Time { return clock })
	return &procFixture{stockDB: stockDB, stock: stock, files: files, svc: svc, batchID: batch.ID}
}

func (f *procFixture) approvedPO(t *testing.T) PurchaseOrder {
	t.Helper()
	ctx := context.Background()
	po, err := f.svc.CreatePurchaseOrder(ctx, buyer, CreatePOInput{
		Number:     "PO-001",
		SupplierID: 3,
		Lines: []POLineInput{
			{ProductID: 1, Qty: dec("100"), Price: dec("10")},
			{ProductID: 2, Qty: dec("40"), Price: dec("4")},
		},
	})
	require.NoError(t, err)
	approved, err := f.svc.ApprovePurchaseOrder(ctx, buyer, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusApproved, approved.Status)
	return approved
}

func TestReceivePurchaseOrderCreatesStockIns(t *testing.T) {
	f := newProcFixture(t)
	po := f.approvedPO(t)
	expiry := clock.AddDate(2, 0, 0)

	grn, err := f.svc.ReceivePurchaseOrder(context.Background(), buyer, ReceiveInput{
		POID:               po.ID,
		Number:             "GRN-001",
		DeliveryNoteNumber: "SJ-99",
		Lines: []ReceiveLineInput{
			{POLineID: po.Lines[0].ID, BatchID: f.batchID, Qty: dec("60")},
			{POLineID: po.Lines[1].ID, NewBatch: &inventory.BatchSpec{BatchNumber: "AMX-24", PurchasePrice: dec("4"), ExpiryDate: &expiry}, Qty: dec("40"), UnitCost: dec("4.5")},
		},
	})
	require.NoError(t, err)
	require.Len(t, grn.Lines, 2)
	require.Equal(t, int64(3), grn.SupplierID)

	ins := f.stockDB.StockIns()
	require.Len(t, ins, 2)
	require.Equal(t, po.ID, ins[0].Source.PurchaseOrderID)
	require.Equal(t, "SJ-99", ins[0].Source.DeliveryNoteNumber)
	require.True(t, ins[0].UnitCost.Equal(dec("10")))
	require.True(t, ins[1].UnitCost.Equal(dec("4.5")))
	require.Equal(t, grn.Lines[0].StockInID, ins[0].ID)

	batch, ok := f.stockDB.Batch(f.batchID)
	require.True(t, ok)
	require.True(t, batch.QuantityAvailable.Equal(dec("65")))
	fresh, ok := f.stockDB.Batch(grn.Lines[1].BatchID)
	require.True(t, ok)
	require.True(t, fresh.QuantityAvailable.Equal(dec("40")))

	stored, err := f.svc.GetPurchaseOrder(context.Background(), buyer, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusPartial, stored.Status)
	require.True(t, stored.Lines[0].Outstanding().Equal(dec("40")))
}

func TestReceiveClosesFullyReceivedOrder(t *testing.T) {
	f := newProcFixture(t)
	po := f.approvedPO(t)
	_, err := f.svc.ReceivePurchaseOrder(context.Background(), buyer, ReceiveInput{
		POID: po.ID,
		Lines: []ReceiveLineInput{
			{POLineID: po.Lines[0].ID, BatchID: f.batchID, Qty: dec("100")},
			{POLineID: po.Lines[1].ID, NewBatch: &inventory.BatchSpec{BatchNumber: "AMX-24", PurchasePrice: dec("4")}, Qty: dec("40")},
		},
	})
	require.NoError(t, err)

	stored, err := f.svc.GetPurchaseOrder(context.Background(), buyer, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusClosed, stored.Status)

	_, err = f.svc.ReceivePurchaseOrder(context.Background(), buyer, ReceiveInput{
		POID:  po.ID,
		Lines: []ReceiveLineInput{{POLineID: po.Lines[0].ID, BatchID: f.batchID, Qty: dec("1")}},
	})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestOverReceivingRollsBackEveryLine(t *testing.T) {
	f := newProcFixture(t)
	po := f.approvedPO(t)

	_, err := f.svc.ReceivePurchaseOrder(context.Background(), buyer, ReceiveInput{
		POID: po.ID,
		Lines: []ReceiveLineInput{
			{POLineID: po.Lines[1].ID, NewBatch: &inventory.BatchSpec{BatchNumber: "AMX-24", PurchasePrice: dec("4")}, Qty: dec("10")},
			{POLineID: po.Lines[0].ID, BatchID: f.batchID, Qty: dec("101")},
		},
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	require.Empty(t, f.stockDB.StockIns())
	require.Empty(t, f.stockDB.Movements())
	require.Len(t, f.stockDB.AllBatches(), 1)
	stored, err := f.svc.GetPurchaseOrder(context.Background(), buyer, po.ID)
	require.NoError(t, err)
	require.Equal(t, POStatusApproved, stored.Status)
	require.True(t, stored.Lines[1].QtyReceived.IsZero())
}

func TestReceiveRequiresApprovedOrder(t *testing.T) {
	f := newProcFixture(t)
	po, err := f.svc.CreatePurchaseOrder(context.Background(), buyer, CreatePOInput{
		SupplierID: 3,
		Lines:      []POLineInput{{ProductID: 1, Qty: dec("10"), Price: dec("10")}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, po.Number)

	_, err = f.svc.ReceivePurchaseOrder(context.Background(), buyer, ReceiveInput{
		POID:  po.ID,
		Lines: []ReceiveLineInput{{POLineID: po.Lines[0].ID, BatchID: f.batchID, Qty: dec("1")}},
	})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)
	require.Empty(t, f.stockDB.StockIns())
}

func TestReceiptNumberReplayIsRejected(t *testing.T) {
	f := newProcFixture(t)
	po := f.approvedPO(t)
	input := ReceiveInput{
		POID:   po.ID,
		Number: "GRN-7",
		Lines:  []ReceiveLineInput{{POLineID: po.Lines[0].ID, BatchID: f.batchID, Qty: dec("10")}},
	}
	_, err := f.svc.ReceivePurchaseOrder(context.Background(), buyer, input)
	require.NoError(t, err)
	_, err = f.svc.ReceivePurchaseOrder(context.Background(), buyer, input)
	require.ErrorIs(t, err, shared.ErrAlreadyProcessed)
	require.Len(t, f.stockDB.StockIns(), 1)
}

func TestDeliveryNoteStoredAfterCommit(t *testing.T) {
	f := newProcFixture(t)
	po := f.approvedPO(t)

	grn, err := f.svc.ReceivePurchaseOrder(context.Background(), buyer, ReceiveInput{
		POID:       po.ID,
		Lines:      []ReceiveLineInput{{POLineID: po.Lines[0].ID, BatchID: f.batchID, Qty: dec("10")}},
		Attachment: &inventory.Attachment{Filename: "sj.pdf", Content: []byte("%PDF")},
	})
	require.NoError(t, err)
	ins := f.stockDB.StockIns()
	require.Equal(t, grn.Lines[0].StockInID, ins[0].ID)
	require.NotEmpty(t, ins[0].Source.DeliveryNoteFile)
	require.Len(t, f.files.saved, 1)
}

func TestDeliveryNoteSavedOncePerReceipt(t *testing.T) {
	f := newProcFixture(t)
	po := f.approvedPO(t)

	grn, err := f.svc.ReceivePurchaseOrder(context.Background(), buyer, ReceiveInput{
		POID: po.ID,
		Lines: []ReceiveLineInput{
			{POLineID: po.Lines[0].ID, BatchID: f.batchID, Qty: dec("10")},
			{POLineID: po.Lines[1].ID, NewBatch: &inventory.BatchSpec{BatchNumber: "AMX-24", PurchasePrice: dec("4")}, Qty: dec("5")},
		},
		Attachment: &inventory.Attachment{Filename: "sj.pdf", Content: []byte("%PDF")},
	})
	require.NoError(t, err)
	require.Len(t, grn.Lines, 2)
	require.Len(t, f.files.saved, 1)

	ins := f.stockDB.StockIns()
	require.Len(t, ins, 2)
	require.NotEmpty(t, ins[0].Source.DeliveryNoteFile)
	require.Equal(t, ins[0].Source.DeliveryNoteFile, ins[1].Source.DeliveryNoteFile)
}

func TestReceiptStockInCannotBeDeleted(t *testing.T) {
	f := newProcFixture(t)
	po := f.approvedPO(t)
	ctx := context.Background()

	grn, err := f.svc.ReceivePurchaseOrder(ctx, buyer, ReceiveInput{
		POID:  po.ID,
		Lines: []ReceiveLineInput{{POLineID: po.Lines[0].ID, BatchID: f.batchID, Qty: dec("10")}},
	})
	require.NoError(t, err)

	err = f.stock.DeleteStockIn(ctx, buyer, grn.Lines[0].StockInID)
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "stock_in", verr.Field)

	require.Len(t, f.stockDB.StockIns(), 1)
	batch, ok := f.stockDB.Batch(f.batchID)
	require.True(t, ok)
	require.True(t, batch.QuantityAvailable.Equal(dec("15")))
	stored, err := f.svc.GetPurchaseOrder(ctx, buyer, po.ID)
	require.NoError(t, err)
	require.True(t, stored.Lines[0].QtyReceived.Equal(dec("10")))
}

func TestDeliveryNoteFailureKeepsReceipt(t *testing.T) {
	f := newProcFixture(t)
	po := f.approvedPO(t)
	f.files.fail = errors.New("disk full")

	grn, err := f.svc.ReceivePurchaseOrder(context.Background(), buyer, ReceiveInput{
		POID:       po.ID,
		Lines:      []ReceiveLineInput{{POLineID: po.Lines[0].ID, BatchID: f.batchID, Qty: dec("10")}},
		Attachment: &inventory.Attachment{Filename: "sj.pdf", Content: []byte("%PDF")},
	})
	require.NoError(t, err)
	require.Len(t, grn.Lines, 1)
	require.Len(t, f.stockDB.StockIns(), 1)
	require.Empty(t, f.stockDB.StockIns()[0].Source.DeliveryNoteFile)
}

func TestCreatePurchaseOrderValidation(t *testing.T) {
	f := newProcFixture(t)
	_, err := f.svc.CreatePurchaseOrder(context.Background(), buyer, CreatePOInput{SupplierID: 3})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.svc.CreatePurchaseOrder(context.Background(), buyer, CreatePOInput{
		SupplierID: 3,
		Lines:      []POLineInput{{ProductID: 1, Qty: dec("0"), Price: dec("1")}},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestProgress(t *testing.T) {
	require.Equal(t, POStatusClosed, progress([]POLine{{Qty: dec("5"), QtyReceived: dec("5")}}))
	require.Equal(t, POStatusPartial, progress([]POLine{{Qty: dec("5"), QtyReceived: dec("5")}, {Qty: dec("2"), QtyReceived: dec("1")}}))
}
