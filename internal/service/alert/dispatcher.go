package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/casetrail/audit-api/internal/model"
	"github.com/casetrail/audit-api/pkg/logger"
	"github.com/casetrail/audit-api/pkg/messaging"
	"github.com/casetrail/audit-api/pkg/metrics"
)

// Dispatcher delivers security alerts to configured channels. Delivery is
// at-least-once; duplicate suppression is the consumer's concern.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *model.SecurityAlert) error
	DispatchIntegrity(ctx context.Context, result *model.VerificationResult) error
}

// EmailConfig controls the SMTP channel. A zero Host disables email.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type Config struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	Email        EmailConfig
}

type dispatcher struct {
	broker  messaging.Broker
	sender  EmailSender
	cfg     Config
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// EmailSender abstracts gomail for tests.
type EmailSender interface {
	Send(msg *gomail.Message) error
}

type smtpSender struct {
	dialer *gomail.Dialer
}

func (s *smtpSender) Send(msg *gomail.Message) error {
	return s.dialer.DialAndSend(msg)
}

func NewDispatcher(broker messaging.Broker, cfg Config, log *logger.Logger, m *metrics.Metrics) Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	d := &dispatcher{
		broker:  broker,
		cfg:     cfg,
		logger:  log.WithComponent("alert_dispatcher"),
		metrics: m,
	}
	if cfg.Email.Host != "" {
		d.sender = &smtpSender{dialer: gomail.NewDialer(cfg.Email.Host, cfg.Email.Port, cfg.Email.Username, cfg.Email.Password)}
	}
	return d
}

func (d *dispatcher) Dispatch(ctx context.Context, alert *model.SecurityAlert) error {
	if err := d.publish(ctx, messaging.AlertChannel, alert); err != nil {
		d.metrics.AlertsDispatched.WithLabelValues("broker", "failed").Inc()
		d.logger.Error(err, "publishing security alert", "alert_id", alert.ID)
		return err
	}
	d.metrics.AlertsDispatched.WithLabelValues("broker", "ok").Inc()

	if d.sender != nil && len(alert.Recipients) > 0 {
		if err := d.email(alert); err != nil {
			// Broker delivery succeeded, so the alert is not lost.
			d.metrics.AlertsDispatched.WithLabelValues("email", "failed").Inc()
			d.logger.Error(err, "sending alert email", "alert_id", alert.ID)
			return nil
		}
		d.metrics.AlertsDispatched.WithLabelValues("email", "ok").Inc()
	}
	return nil
}

func (d *dispatcher) DispatchIntegrity(ctx context.Context, result *model.VerificationResult) error {
	if err := d.publish(ctx, messaging.IntegrityChannel, result); err != nil {
		d.metrics.AlertsDispatched.WithLabelValues("integrity", "failed").Inc()
		return err
	}
	d.metrics.AlertsDispatched.WithLabelValues("integrity", "ok").Inc()
	return nil
}

func (d *dispatcher) publish(ctx context.Context, channel string, payload interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			d.metrics.AlertRetries.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.cfg.RetryBackoff * time.Duration(attempt-1)):
			}
		}
		if lastErr = d.broker.Publish(ctx, channel, payload); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("publish to %s after %d attempts: %w", channel, d.cfg.MaxAttempts, lastErr)
}

func (d *dispatcher) email(alert *model.SecurityAlert) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", d.cfg.Email.From)
	msg.SetHeader("To", alert.Recipients...)
	msg.SetHeader("Subject", fmt.Sprintf("[%s] Security alert for org %s", alert.Result.RiskLevel, alert.OrgID))
	msg.SetBody("text/plain", formatAlertBody(alert))
	return d.sender.Send(msg)
}

func formatAlertBody(alert *model.SecurityAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Risk level: %s (score %d)\n", alert.Result.RiskLevel, alert.Result.RiskScore)
	fmt.Fprintf(&b, "Organization: %s\n", alert.OrgID)
	if alert.UserID != nil {
		fmt.Fprintf(&b, "User: %s\n", alert.UserID)
	}
	fmt.Fprintf(&b, "Action: %s on %s", alert.Event.Action, alert.Event.Resource)
	if alert.Event.ResourceID != "" {
		fmt.Fprintf(&b, " (%s)", alert.Event.ResourceID)
	}
	b.WriteString("\n")
	if alert.Event.IPAddress != "" {
		fmt.Fprintf(&b, "Source IP: %s\n", alert.Event.IPAddress)
	}
	fmt.Fprintf(&b, "At: %s\n", alert.Event.Timestamp.Format(time.RFC3339))

	if len(alert.Result.Violations) > 0 {
		b.WriteString("\nThreshold violations:\n")
		for _, v := range alert.Result.Violations {
			fmt.Fprintf(&b, "  - %s: %d observed, limit %d\n", v.Type, v.Observed, v.Limit)
		}
	}
	if len(alert.Result.Anomalies) > 0 {
		b.WriteString("\nAnomalies:\n")
		for _, a := range alert.Result.Anomalies {
			fmt.Fprintf(&b, "  - %s: %s\n", a.Type, a.Description)
		}
	}
	return b.String()
}
