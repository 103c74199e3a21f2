package closing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

// RepositoryPort abstracts persistence for the calculator.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListBatchIDs(ctx context.Context, companyID int64, before time.Time) ([]int64, error)
	GetEndingStock(ctx context.Context, batchID int64, period Period) (EndingStock, error)
}

// TxRepository reads one batch's period inputs and writes its snapshot in one transaction.
type TxRepository interface {
	GetBatch(ctx context.Context, id int64) (BatchInfo, error)
	OpeningFor(ctx context.Context, batchID int64, from, to time.Time) (*OpeningBalance, error)
	ReceiptsFor(ctx context.Context, batchID int64, from, to time.Time) ([]Receipt, error)
	IssuesFor(ctx context.Context, batchID int64, from, to time.Time) ([]Issue, error)
	UpsertEndingStock(ctx context.Context, row EndingStock) (EndingStock, error)
}

// Locker guards a period against concurrent runs.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Config tunes period runs.
type Config struct {
	Concurrency int
	LockTTL     time.Duration
}

// Service is the period closing calculator.
type Service struct {
	repo   RepositoryPort
	locker Locker
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

// NewService constructs a Service. locker may be nil for single-process use.
func NewService(repo RepositoryPort, locker Locker, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &Service{repo: repo, locker: locker, logger: logger, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CloseBatch recomputes and upserts the EndingStock of one batch for period. Re-running
// it with unchanged inputs rewrites the same row with the same values.
func (s *Service) CloseBatch(ctx context.Context, batchID int64, period Period) (EndingStock, error) {
	return s.closeBatch(ctx, 0, batchID, period)
}

// CloseCompanyBatch is CloseBatch for a batch of companyID; a batch of another company
// reads as not found. companyID 0 skips the ownership check.
func (s *Service) CloseCompanyBatch(ctx context.Context, companyID, batchID int64, period Period) (EndingStock, error) {
	return s.closeBatch(ctx, companyID, batchID, period)
}

func (s *Service) closeBatch(ctx context.Context, companyID, batchID int64, period Period) (EndingStock, error) {
	if err := period.Validate(); err != nil {
		return EndingStock{}, err
	}
	if batchID <= 0 {
		return EndingStock{}, shared.Invalid("batch_id", "is required")
	}
	from, to := period.Bounds()
	var row EndingStock
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		batch, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if companyID > 0 && batch.CompanyID != companyID {
			return shared.NotFound("batch", batchID)
		}
		opening, err := tx.OpeningFor(ctx, batchID, from, to)
		if err != nil {
			return fmt.Errorf("closing: opening: %w", err)
		}
		receipts, err := tx.ReceiptsFor(ctx, batchID, from, to)
		if err != nil {
			return fmt.Errorf("closing: receipts: %w", err)
		}
		issues, err := tx.IssuesFor(ctx, batchID, from, to)
		if err != nil {
			return fmt.Errorf("closing: issues: %w", err)
		}
		calculated := Calculate(batch, period, opening, receipts, issues)
		calculated.CalculatedAt = s.now()
		row, err = tx.UpsertEndingStock(ctx, calculated)
		return err
	})
	if err != nil {
		return EndingStock{}, err
	}
	return row, nil
}

// ClosePeriod recomputes every batch that existed in period. companyID 0 covers every
// company. Batches are processed concurrently, each in its own transaction; failures
// are collected and do not stop the remaining batches.
func (s *Service) ClosePeriod(ctx context.Context, companyID int64, period Period) (Summary, error) {
	if err := period.Validate(); err != nil {
		return Summary{}, err
	}
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, shared.PeriodCloseLockKey(companyID, period.Year, period.Month), s.cfg.LockTTL)
		if err != nil {
			return Summary{}, err
		}
		defer release()
	}
	_, to := period.Bounds()
	ids, err := s.repo.ListBatchIDs(ctx, companyID, to)
	if err != nil {
		return Summary{}, fmt.Errorf("closing: list batches: %w", err)
	}
	summary := Summary{Period: period, Batches: len(ids), Failures: map[int64]error{}}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := s.CloseBatch(gctx, id, period)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failures[id] = err
				s.logger.Error("close batch failed", slog.Int64("batch_id", id), slog.Int("year", period.Year), slog.Int("month", period.Month), slog.Any("error", err))
				return nil
			}
			summary.Closed++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	s.logger.Info("period closed", slog.Int64("company_id", companyID), slog.Int("year", period.Year), slog.Int("month", period.Month),
		slog.Int("batches", summary.Batches), slog.Int("failed", len(summary.Failures)))
	if len(summary.Failures) > 0 {
		errs := make([]error, 0, len(summary.Failures))
		for id, err := range summary.Failures {
			errs = append(errs, fmt.Errorf("batch %d: %w", id, err))
		}
		return summary, fmt.Errorf("closing: %d of %d batches failed: %w", len(summary.Failures), summary.Batches, errors.Join(errs...))
	}
	return summary, nil
}

// GetEndingStock returns the stored snapshot of a batch for period.
func (s *Service) GetEndingStock(ctx context.Context, batchID int64, period Period) (EndingStock, error) {
	if err := period.Validate(); err != nil {
		return EndingStock{}, err
	}
	return s.repo.GetEndingStock(ctx, batchID, period)
}
