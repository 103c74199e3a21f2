package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/hibiken/asynq"
)

// EmailSender delivers TaskTypeSendEmail tasks over plain SMTP.
type EmailSender struct {
	addr   string
	from   string
	logger *slog.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSender targets host:port. The relay is expected to accept unauthenticated mail.
func NewEmailSender(host string, port int, from string, logger *slog.Logger) *EmailSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailSender{
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
		from:   from,
		logger: logger,
		send:   smtp.SendMail,
	}
}

// Handle processes TaskTypeSendEmail tasks.
func (s *EmailSender) Handle(ctx context.Context, t *asynq.Task) error {
	if s == nil {
		return errors.New("email sender not configured")
	}
	var payload SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if strings.TrimSpace(payload.To) == "" {
		s.logger.Warn("email task without recipient", slog.String("subject", payload.Subject))
		return asynq.SkipRetry
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		s.from, payload.To, payload.Subject, payload.Body)
	if err := s.send(s.addr, nil, s.from, []string{payload.To}, []byte(msg)); err != nil {
		s.logger.Warn("send email failed", slog.String("to", payload.To), slog.Any("error", err))
		return err
	}
	s.logger.Info("email sent", slog.String("to", payload.To), slog.String("subject", payload.Subject))
	return nil
}
