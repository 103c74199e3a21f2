package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hibiken/asynq"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/odyssey-erp/backoffice/internal/inventory"
	jobmetrics "github.com/odyssey-erp/backoffice/internal/jobs"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// ExpirySource lists expiring batches and flags the expired ones.
type ExpirySource interface {
	ExpiryAlerts(ctx context.Context, companyID int64) ([]inventory.ExpiryAlert, error)
	MarkExpired(ctx context.Context, actor shared.Actor, batchIDs []int64) ([]int64, error)
}

// Notifier delivers an alert to a person.
type Notifier interface {
	Notify(ctx context.Context, to, subject, body string) error
}

// ExpiryAlertJob reports expiring stock and moves expired batches to status expired.
type ExpiryAlertJob struct {
	source    ExpirySource
	notifier  Notifier
	recipient string
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
	printer   *message.Printer
}

// ExpiryAlertConfig wires ExpiryAlertJob.
type ExpiryAlertConfig struct {
	Source    ExpirySource
	Notifier  Notifier
	Recipient string
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewExpiryAlertJob constructs the job.
func NewExpiryAlertJob(cfg ExpiryAlertConfig) *ExpiryAlertJob {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpiryAlertJob{
		source:    cfg.Source,
		notifier:  cfg.Notifier,
		recipient: cfg.Recipient,
		logger:    logger,
		metrics:   cfg.Metrics,
		printer:   message.NewPrinter(language.English),
	}
}

// Handle runs one sweep. Notification failures are logged; the status change still commits.
func (j *ExpiryAlertJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.source == nil {
		return errors.New("expiry alert: handler not configured")
	}
	var payload ExpiryAlertPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.metrics.Track(TaskExpiryAlert)
	defer func() { err = tracker.End(err) }()

	alerts, err := j.source.ExpiryAlerts(ctx, payload.CompanyID)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		j.logger.Info("expiry sweep found nothing", slog.Int64("company_id", payload.CompanyID))
		return nil
	}
	var expired []int64
	for _, a := range alerts {
		if a.Expired {
			expired = append(expired, a.Batch.ID)
		}
	}
	if len(expired) > 0 {
		changed, err := j.source.MarkExpired(ctx, shared.Actor{CompanyID: payload.CompanyID, Name: "expiry-sweep"}, expired)
		if err != nil {
			return fmt.Errorf("mark expired: %w", err)
		}
		j.metrics.AddExpired(payload.CompanyID, len(changed))
	}

	to := payload.Recipient
	if to == "" {
		to = j.recipient
	}
	if j.notifier != nil && to != "" {
		subject, body := j.render(alerts)
		if err := j.notifier.Notify(ctx, to, subject, body); err != nil {
			j.logger.Warn("expiry notification failed", slog.String("to", to), slog.Any("error", err))
		}
	}
	j.logger.Info("expiry sweep finished", slog.Int64("company_id", payload.CompanyID), slog.Int("alerts", len(alerts)), slog.Int("expired", len(expired)))
	return nil
}

func (j *ExpiryAlertJob) render(alerts []inventory.ExpiryAlert) (string, string) {
	var b strings.Builder
	expired := 0
	for _, a := range alerts {
		state := j.printer.Sprintf("expires in %d days", a.DaysTo)
		if a.Expired {
			expired++
			state = "EXPIRED"
		}
		b.WriteString(j.printer.Sprintf("- batch %s (product %d): %v units, %s\n",
			a.Batch.BatchNumber, a.Batch.ProductID, a.Batch.QuantityAvailable.InexactFloat64(), state))
	}
	subject := j.printer.Sprintf("Stock expiry: %d batches expiring, %d expired", len(alerts)-expired, expired)
	return subject, b.String()
}

// MailNotifier queues alerts as email tasks.
type MailNotifier struct {
	client *Client
}

// NewMailNotifier wraps client.
func NewMailNotifier(client *Client) *MailNotifier {
	return &MailNotifier{client: client}
}

// Notify enqueues one email.
func (n *MailNotifier) Notify(ctx context.Context, to, subject, body string) error {
	if n == nil || n.client == nil {
		return errors.New("mail notifier not configured")
	}
	_, err := n.client.EnqueueSendEmail(ctx, SendEmailPayload{To: to, Subject: subject, Body: body})
	return err
}
