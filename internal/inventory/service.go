package inventory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBatch(ctx context.Context, id int64) (Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, int, error)
	GetStockIn(ctx context.Context, id int64) (StockIn, error)
	GetStockOut(ctx context.Context, id int64) (StockOut, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, int, error)
	SumMovements(ctx context.Context, batchID int64) (MovementTotals, error)
	ListExpiring(ctx context.Context, companyID int64, cutoff time.Time) ([]Batch, error)
	SetStockInFile(ctx context.Context, id int64, path string) error
	AfterCommit(ctx context.Context, fn func())
}

// FileStore is the storage collaborator for delivery-note attachments.
type FileStore interface {
	Save(ctx context.Context, folder, filename string, content io.Reader) (string, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}

// MetricsPort receives a tick per committed movement.
type MetricsPort interface {
	ObserveMovement(kind string)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	ExpiryHorizon time.Duration
}

// Service coordinates the batch registry, the movement ledger and the receiving and
// issuance engines.
type Service struct {
	repo    RepositoryPort
	audit   *shared.AuditTrail
	files   FileStore
	metrics MetricsPort
	logger  *slog.Logger
	horizon time.Duration
	now     func() time.Time
}

// NewService builds Service. files and metrics may be nil.
func NewService(repo RepositoryPort, audit *shared.AuditTrail, files FileStore, metrics MetricsPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	horizon := cfg.ExpiryHorizon
	if horizon <= 0 {
		horizon = DefaultExpiryHorizon
	}
	return &Service{
		repo:    repo,
		audit:   audit,
		files:   files,
		metrics: metrics,
		logger:  logger,
		horizon: horizon,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the clock, primarily for tests.
func (s *Service) WithNow(fn func() time.Time) *Service {
	if fn != nil {
		s.now = fn
	}
	return s
}

// ExpiryHorizon returns the configured expiring-soon window.
func (s *Service) ExpiryHorizon() time.Duration {
	return s.horizon
}

// GetBatch returns a batch owned by the actor's company.
func (s *Service) GetBatch(ctx context.Context, actor shared.Actor, id int64) (Batch, error) {
	batch, err := s.repo.GetBatch(ctx, id)
	if err != nil {
		return Batch{}, err
	}
	if batch.CompanyID != actor.CompanyID {
		return Batch{}, shared.NotFound("batch", id)
	}
	return batch, nil
}

// ListBatches lists batches matching filter.
func (s *Service) ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, shared.Pagination, error) {
	if filter.CompanyID <= 0 {
		return nil, shared.Pagination{}, shared.Invalid("company", "is required")
	}
	items, total, err := s.repo.ListBatches(ctx, filter)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(filter.Page, filter.PerPage, total), nil
}

// GetStockIn returns a stock-in owned by the actor's company.
func (s *Service) GetStockIn(ctx context.Context, actor shared.Actor, id int64) (StockIn, error) {
	in, err := s.repo.GetStockIn(ctx, id)
	if err != nil {
		return StockIn{}, err
	}
	if in.CompanyID != actor.CompanyID {
		return StockIn{}, shared.NotFound("stock_in", id)
	}
	return in, nil
}

// GetStockOut returns a stock-out with the batch purchase price filled in for the
// derived values.
func (s *Service) GetStockOut(ctx context.Context, actor shared.Actor, id int64) (StockOut, error) {
	out, err := s.repo.GetStockOut(ctx, id)
	if err != nil {
		return StockOut{}, err
	}
	if out.CompanyID != actor.CompanyID {
		return StockOut{}, shared.NotFound("stock_out", id)
	}
	return out, nil
}

// ConservationCheck recomputes a batch balance from its ledger.
func (s *Service) ConservationCheck(ctx context.Context, actor shared.Actor, batchID int64) (Conservation, error) {
	batch, err := s.GetBatch(ctx, actor, batchID)
	if err != nil {
		return Conservation{}, err
	}
	totals, err := s.repo.SumMovements(ctx, batchID)
	if err != nil {
		return Conservation{}, fmt.Errorf("inventory: sum movements: %w", err)
	}
	result := Conservation{
		BatchID:  batchID,
		Initial:  batch.QuantityInitial,
		Ledger:   totals,
		Expected: batch.QuantityInitial.Add(totals.Net()),
		Actual:   batch.QuantityAvailable,
	}
	if !result.Balanced() {
		s.logger.Warn("batch balance drift", slog.Int64("batch_id", batchID), slog.String("drift", result.Drift().String()))
	}
	return result, nil
}

// committed runs fn once the outermost transaction in ctx commits, so a caller that
// rolls back after a nested Receive or Issue leaves no audit row or metric behind.
func (s *Service) committed(ctx context.Context, fn func()) {
	s.repo.AfterCommit(ctx, fn)
}

func (s *Service) observe(movements ...Movement) {
	if s.metrics == nil {
		return
	}
	for _, m := range movements {
		s.metrics.ObserveMovement(string(m.Type))
	}
}

func requirePositive(field string, v decimal.Decimal) error {
	if !v.IsPositive() {
		return shared.Invalid(field, "must be greater than zero")
	}
	return nil
}

func requireNonNegative(field string, v decimal.Decimal) error {
	if v.IsNegative() {
		return shared.Invalid(field, "must not be negative")
	}
	return nil
}
