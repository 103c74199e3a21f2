package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/backoffice/jobs"
)

// Enqueuer submits tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Inspector reads queue state.
type Inspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    Enqueuer
	inspector Inspector
	closers   []io.Closer
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) *JobsCLI {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	client := asynq.NewClient(opts)
	inspector := asynq.NewInspector(opts)
	return &JobsCLI{client: client, inspector: inspector, closers: []io.Closer{client, inspector}}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var errs []error
	for _, closer := range c.closers {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

// TriggerOptions parameterises a manual trigger.
type TriggerOptions struct {
	CompanyID int64
	BatchID   int64
	Year      int
	Month     int
	Recipient string
	OlderThan time.Duration
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, name string, opts TriggerOptions) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	var task *asynq.Task
	var err error
	switch name {
	case jobs.TaskPeriodClose:
		task, err = jobs.NewPeriodCloseTask(jobs.PeriodClosePayload{CompanyID: opts.CompanyID, BatchID: opts.BatchID, Year: opts.Year, Month: opts.Month})
	case jobs.TaskExpiryAlert:
		task, err = jobs.NewExpiryAlertTask(jobs.ExpiryAlertPayload{CompanyID: opts.CompanyID, Recipient: opts.Recipient})
	case jobs.TaskIdempotencyCleanup:
		task, err = jobs.NewIdempotencyCleanupTask(opts.OlderThan)
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string
	Pending   int
	Active    int
	Scheduled int
	Retry     int
}

// InspectQueues reports metrics for every worker queue. Missing queues count as empty.
func (c *JobsCLI) InspectQueues() ([]QueueStats, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	var out []QueueStats
	for _, name := range []string{jobs.QueueCritical, jobs.QueueDefault} {
		stats := QueueStats{Queue: name}
		info, err := c.inspector.GetQueueInfo(name)
		if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, err
		}
		if info != nil {
			stats.Pending, stats.Active, stats.Scheduled, stats.Retry = info.Pending, info.Active, info.Scheduled, info.Retry
		}
		out = append(out, stats)
	}
	return out, nil
}

// Run executes `jobs trigger <name> [flags]` or `jobs stats`.
func (c *JobsCLI) Run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("usage: jobs trigger <task> [flags] | jobs stats")
	}
	switch args[0] {
	case "stats":
		stats, err := c.InspectQueues()
		if err != nil {
			return err
		}
		for _, s := range stats {
			fmt.Fprintf(out, "%-9s pending=%d active=%d scheduled=%d retry=%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry)
		}
		return nil
	case "trigger":
		if len(args) < 2 {
			return errors.New("usage: jobs trigger <task> [flags]")
		}
		var opts TriggerOptions
		fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
		fs.SetOutput(out)
		fs.Int64Var(&opts.CompanyID, "company", 0, "company id, 0 for all")
		fs.Int64Var(&opts.BatchID, "batch", 0, "batch id, 0 for every batch")
		fs.IntVar(&opts.Year, "year", 0, "period year")
		fs.IntVar(&opts.Month, "month", 0, "period month")
		fs.StringVar(&opts.Recipient, "to", "", "alert recipient")
		fs.DurationVar(&opts.OlderThan, "older-than", 0, "idempotency key retention")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		info, err := c.Trigger(ctx, args[1], opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	default:
		return fmt.Errorf("jobs cli: unknown command %q", args[0])
	}
}
