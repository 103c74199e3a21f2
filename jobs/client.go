package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Client enqueues backoffice tasks.
type Client struct {
	client *asynq.Client
}

// NewClient constructs a Client on its own Redis connection.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// EnqueueSendEmail enqueues a send-email task.
func (c *Client) EnqueueSendEmail(ctx context.Context, payload SendEmailPayload) (*asynq.TaskInfo, error) {
	task, err := NewSendEmailTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// EnqueuePeriodClose enqueues a period close. Requests for the same company, month and
// batch collapse into one task while a previous one is still queued.
func (c *Client) EnqueuePeriodClose(ctx context.Context, payload PeriodClosePayload) (*asynq.TaskInfo, error) {
	task, err := NewPeriodCloseTask(payload)
	if err != nil {
		return nil, err
	}
	id := fmt.Sprintf("period-close:%d:%04d-%02d", payload.CompanyID, payload.Year, payload.Month)
	if payload.BatchID > 0 {
		id += fmt.Sprintf(":batch-%d", payload.BatchID)
	}
	info, err := c.client.EnqueueContext(ctx, task, asynq.TaskID(id), asynq.Retention(time.Minute))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return &asynq.TaskInfo{ID: id, Type: task.Type(), Queue: QueueCritical, State: asynq.TaskStatePending}, nil
	}
	return info, err
}

// EnqueueExpiryAlert enqueues an expiry sweep.
func (c *Client) EnqueueExpiryAlert(ctx context.Context, payload ExpiryAlertPayload) (*asynq.TaskInfo, error) {
	task, err := NewExpiryAlertTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// Close releases the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}
