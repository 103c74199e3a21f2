package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/backoffice/internal/closing"
	jobmetrics "github.com/odyssey-erp/backoffice/internal/jobs"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// PeriodCloser is the slice of the closing service the job drives.
type PeriodCloser interface {
	ClosePeriod(ctx context.Context, companyID int64, period closing.Period) (closing.Summary, error)
	CloseCompanyBatch(ctx context.Context, companyID, batchID int64, period closing.Period) (closing.EndingStock, error)
}

// PeriodCloseJob recalculates ending stock for every batch of a month, or for the one
// batch the payload names.
type PeriodCloseJob struct {
	closer  PeriodCloser
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewPeriodCloseJob wires the job.
func NewPeriodCloseJob(closer PeriodCloser, logger *slog.Logger, metrics *jobmetrics.Metrics) *PeriodCloseJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeriodCloseJob{closer: closer, logger: logger, metrics: metrics, clock: func() time.Time { return time.Now().UTC() }}
}

// Handle executes one close run. Lock contention is not retried: another worker owns the period.
func (j *PeriodCloseJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.closer == nil {
		return errors.New("period close: handler not configured")
	}
	var payload PeriodClosePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	period := closing.Period{Year: payload.Year, Month: payload.Month}
	if period.Year == 0 && period.Month == 0 {
		period = closing.PeriodOf(j.clock()).Previous()
	}
	if err := period.Validate(); err != nil {
		j.logger.Warn("period close: invalid payload", slog.Any("error", err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	tracker := j.metrics.Track(TaskPeriodClose)
	defer func() { err = tracker.End(err) }()

	logger := j.logger.With(slog.Int64("company_id", payload.CompanyID), slog.Int("year", period.Year), slog.Int("month", period.Month))
	var summary closing.Summary
	if payload.BatchID > 0 {
		logger = logger.With(slog.Int64("batch_id", payload.BatchID))
		logger.Info("batch close started")
		summary, err = j.closeOne(ctx, payload, period)
	} else {
		logger.Info("period close started")
		summary, err = j.closer.ClosePeriod(ctx, payload.CompanyID, period)
	}
	j.metrics.AddClosedBatches(payload.CompanyID, summary.Closed, len(summary.Failures))
	switch {
	case errors.Is(err, closing.ErrPeriodLocked):
		logger.Info("period close skipped, another run holds the lock")
		tracker.Skip()
		return nil
	case errors.Is(err, shared.ErrValidation), errors.Is(err, shared.ErrNotFound):
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	case err != nil:
		logger.Error("period close failed", slog.Int("batches", summary.Batches), slog.Int("failed", len(summary.Failures)), slog.Any("error", err))
		return err
	}
	logger.Info("period close finished", slog.Int("batches", summary.Batches), slog.Int("closed", summary.Closed))
	return nil
}

func (j *PeriodCloseJob) closeOne(ctx context.Context, payload PeriodClosePayload, period closing.Period) (closing.Summary, error) {
	summary := closing.Summary{Period: period, Batches: 1}
	if _, err := j.closer.CloseCompanyBatch(ctx, payload.CompanyID, payload.BatchID, period); err != nil {
		summary.Failures = map[int64]error{payload.BatchID: err}
		return summary, err
	}
	summary.Closed = 1
	return summary, nil
}
