package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries period closes, which must not wait behind mail.
	QueueCritical = "critical"

	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskPeriodClose recalculates ending stock for a month.
	TaskPeriodClose = "stock:period-close"
	// TaskExpiryAlert reports expiring batches and flags expired ones.
	TaskExpiryAlert = "stock:expiry-alert"
	// TaskIdempotencyCleanup prunes old idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency-cleanup"
)

// SendEmailPayload describes the information required to send an email.
type SendEmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(payload SendEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// PeriodClosePayload selects the month to close. A zero Year/Month closes the month
// before the one the task runs in; CompanyID 0 covers every company. A non-zero
// BatchID closes only that batch.
type PeriodClosePayload struct {
	CompanyID int64 `json:"company_id"`
	BatchID   int64 `json:"batch_id,omitempty"`
	Year      int   `json:"year,omitempty"`
	Month     int   `json:"month,omitempty"`
}

// NewPeriodCloseTask constructs a period close task.
func NewPeriodCloseTask(payload PeriodClosePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPeriodClose, body, asynq.Queue(QueueCritical), asynq.MaxRetry(3), asynq.Timeout(30*time.Minute)), nil
}

// ExpiryAlertPayload scopes an expiry sweep. Recipient overrides the configured address.
type ExpiryAlertPayload struct {
	CompanyID int64  `json:"company_id"`
	Recipient string `json:"recipient,omitempty"`
}

// NewExpiryAlertTask constructs an expiry alert task.
func NewExpiryAlertTask(payload ExpiryAlertPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpiryAlert, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// IdempotencyCleanupPayload sets the retention window.
type IdempotencyCleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewIdempotencyCleanupTask constructs a cleanup task.
func NewIdempotencyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
