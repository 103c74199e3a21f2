package shared

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID     int64
	CompanyID   int64
	Action      string
	Entity      string
	EntityID    string
	Description string
	Meta        map[string]any
	At          time.Time
}

// AuditSink receives audit records.
type AuditSink interface {
	Record(ctx context.Context, log AuditLog) error
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at any
	if !log.At.IsZero() {
		at = log.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, company_id, action, entity, entity_id, description, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))`, log.ActorID, log.CompanyID, log.Action, log.Entity, log.EntityID, log.Description, metaJSON, at)
	return err
}

// AuditTrail is the fire-and-forget front of an AuditSink: it renders a human readable
// description and never propagates sink failures.
type AuditTrail struct {
	sink    AuditSink
	logger  *slog.Logger
	printer *message.Printer
}

// NewAuditTrail wraps sink. A nil sink turns Emit into a no-op.
func NewAuditTrail(sink AuditSink, logger *slog.Logger) *AuditTrail {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditTrail{sink: sink, logger: logger, printer: message.NewPrinter(language.English)}
}

// Emit records action on entity/entityID with a description built from format and args.
func (t *AuditTrail) Emit(ctx context.Context, actor Actor, action, entity, entityID string, meta map[string]any, format string, args ...any) {
	if t == nil || t.sink == nil {
		return
	}
	entry := AuditLog{
		ActorID:     actor.ID,
		CompanyID:   actor.CompanyID,
		Action:      action,
		Entity:      entity,
		EntityID:    entityID,
		Description: t.printer.Sprintf(format, args...),
		Meta:        meta,
		At:          time.Now().UTC(),
	}
	if err := t.sink.Record(ctx, entry); err != nil {
		t.logger.Warn("audit record failed", slog.String("action", action), slog.String("entity_id", entityID), slog.Any("error", err))
	}
}
