// Package returnstest provides an in-memory returns repository for tests.
package returnstest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/odyssey-erp/backoffice/internal/returns"
	"github.com/odyssey-erp/backoffice/internal/shared"
	"github.com/odyssey-erp/backoffice/internal/testing/memtx"
)

// Repo implements returns.RepositoryPort in memory.
type Repo struct {
	db *memtx.DB

	mu      sync.Mutex
	returns map[int64]returns.Return
	nextID  int64
	// numbers whose next insert reports a collision
	takenOnce map[string]bool
}

// NewRepo builds an empty Repo on db.
func NewRepo(db *memtx.DB) *Repo {
	if db == nil {
		db = memtx.New()
	}
	return &Repo{db: db, returns: make(map[int64]returns.Return), takenOnce: make(map[string]bool)}
}

// CollideOnce makes the first insert of number fail as if another writer had taken it.
func (r *Repo) CollideOnce(number string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.takenOnce[number] = true
}

// All returns stored returns ordered by id.
func (r *Repo) All() []returns.Return {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]returns.Return, 0, len(r.returns))
	for _, ret := range r.returns {
		items = append(items, ret)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

// WithTx runs fn in a memtx unit of work.
func (r *Repo) WithTx(ctx context.Context, fn func(context.Context, returns.TxRepository) error) error {
	return r.db.Run(ctx, func(ctx context.Context) error {
		return fn(ctx, &txRepo{repo: r})
	})
}

func (r *Repo) Get(_ context.Context, id int64) (returns.Return, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret, ok := r.returns[id]
	if !ok {
		return returns.Return{}, shared.NotFound("stock_return", id)
	}
	return ret, nil
}

func (r *Repo) List(_ context.Context, filter returns.ListFilter) ([]returns.Return, int, error) {
	var matched []returns.Return
	for _, ret := range r.All() {
		if ret.CompanyID != filter.CompanyID {
			continue
		}
		if filter.Status != "" && ret.Status != filter.Status {
			continue
		}
		if filter.Type != "" && ret.Type != filter.Type {
			continue
		}
		matched = append(matched, ret)
	}
	limit, offset := shared.PageWindow(filter.Page, filter.PerPage)
	total := len(matched)
	if int(offset) >= total {
		return nil, total, nil
	}
	end := int(offset + limit)
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r *Repo) SetProofPath(_ context.Context, id int64, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret, ok := r.returns[id]
	if !ok {
		return shared.NotFound("stock_return", id)
	}
	ret.ProofPath = path
	r.returns[id] = ret
	return nil
}

type txRepo struct {
	repo *Repo
}

func (t *txRepo) MaxNumber(_ context.Context, companyID int64, prefix string) (string, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	best := ""
	for _, ret := range r.returns {
		if ret.CompanyID != companyID || !strings.HasPrefix(ret.Number, prefix) {
			continue
		}
		if len(ret.Number) > len(best) || (len(ret.Number) == len(best) && ret.Number > best) {
			best = ret.Number
		}
	}
	return best, nil
}

func (t *txRepo) Insert(ctx context.Context, ret returns.Return) (int64, error) {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.takenOnce[ret.Number] {
		delete(r.takenOnce, ret.Number)
		r.nextID++
		r.returns[r.nextID] = returns.Return{ID: r.nextID, CompanyID: ret.CompanyID, Number: ret.Number, Type: ret.Type, Status: returns.StatusDraft}
		return 0, returns.ErrNumberTaken
	}
	for _, existing := range r.returns {
		if existing.CompanyID == ret.CompanyID && existing.Number == ret.Number {
			return 0, returns.ErrNumberTaken
		}
	}
	r.nextID++
	ret.ID = r.nextID
	r.returns[ret.ID] = ret
	r.db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.returns, ret.ID)
	})
	return ret.ID, nil
}

func (t *txRepo) Transition(ctx context.Context, tr returns.Transition) error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	ret, ok := r.returns[tr.ReturnID]
	if !ok || ret.Version != tr.Version || ret.Status != tr.From {
		return returns.ErrStale
	}
	prev := ret
	ret.Apply(tr)
	r.returns[ret.ID] = ret
	r.db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.returns[prev.ID] = prev
	})
	return nil
}
