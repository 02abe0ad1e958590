package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/casetrail/audit-api/internal/model"
	"github.com/casetrail/audit-api/pkg/logger"
	"github.com/casetrail/audit-api/pkg/metrics"
)

type brokerStub struct {
	mu        sync.Mutex
	published map[string][]interface{}
	failFirst int
}

func newBrokerStub() *brokerStub {
	return &brokerStub{published: make(map[string][]interface{})}
}

func (b *brokerStub) Publish(ctx context.Context, channel string, message interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failFirst > 0 {
		b.failFirst--
		return errors.New("broker unavailable")
	}
	b.published[channel] = append(b.published[channel], message)
	return nil
}

func (b *brokerStub) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}

func (b *brokerStub) Close() error { return nil }

type senderStub struct {
	sent []*gomail.Message
	err  error
}

func (s *senderStub) Send(msg *gomail.Message) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

var testMetrics = metrics.NewMetrics("casetrail_test", "alert")

func testAlert() *model.SecurityAlert {
	userID := uuid.New()
	return &model.SecurityAlert{
		ID:     uuid.New(),
		OrgID:  uuid.New(),
		UserID: &userID,
		Event: model.AccessEvent{
			Action:    model.AuditActionExport,
			Resource:  model.AuditResourceClient,
			Timestamp: time.Now(),
		},
		Result: model.SecurityRiskResult{
			RiskScore: 90,
			RiskLevel: model.RiskLevelCritical,
			Violations: []model.ThresholdViolation{
				{Type: model.ThresholdExportVolume, Observed: 120, Limit: 100},
			},
		},
		Recipients: []string{"sec-ops@example.com"},
		CreatedAt:  time.Now(),
	}
}

func TestDispatchPublishesToBroker(t *testing.T) {
	broker := newBrokerStub()
	d := NewDispatcher(broker, Config{MaxAttempts: 3, RetryBackoff: time.Millisecond}, logger.NewLogger(nil), testMetrics)

	require.NoError(t, d.Dispatch(context.Background(), testAlert()))
	assert.Len(t, broker.published["security.alerts"], 1)
}

func TestDispatchRetriesBrokerFailures(t *testing.T) {
	broker := newBrokerStub()
	broker.failFirst = 2
	d := NewDispatcher(broker, Config{MaxAttempts: 3, RetryBackoff: time.Millisecond}, logger.NewLogger(nil), testMetrics)

	require.NoError(t, d.Dispatch(context.Background(), testAlert()))
	assert.Len(t, broker.published["security.alerts"], 1)
}

func TestDispatchFailsAfterExhaustedAttempts(t *testing.T) {
	broker := newBrokerStub()
	broker.failFirst = 10
	d := NewDispatcher(broker, Config{MaxAttempts: 3, RetryBackoff: time.Millisecond}, logger.NewLogger(nil), testMetrics)

	assert.Error(t, d.Dispatch(context.Background(), testAlert()))
}

func TestDispatchSendsEmailWhenConfigured(t *testing.T) {
	broker := newBrokerStub()
	sender := &senderStub{}
	d := NewDispatcher(broker, Config{MaxAttempts: 1, RetryBackoff: time.Millisecond, Email: EmailConfig{Host: "smtp.example.com", Port: 587, From: "alerts@example.com"}}, logger.NewLogger(nil), testMetrics).(*dispatcher)
	d.sender = sender

	require.NoError(t, d.Dispatch(context.Background(), testAlert()))
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].GetHeader("Subject")[0], "critical")
}

func TestDispatchEmailFailureDoesNotFailDispatch(t *testing.T) {
	broker := newBrokerStub()
	d := NewDispatcher(broker, Config{MaxAttempts: 1, Email: EmailConfig{Host: "smtp.example.com", From: "alerts@example.com"}}, logger.NewLogger(nil), testMetrics).(*dispatcher)
	d.sender = &senderStub{err: errors.New("smtp refused")}

	assert.NoError(t, d.Dispatch(context.Background(), testAlert()))
	assert.Len(t, broker.published["security.alerts"], 1)
}

func TestDispatchIntegrity(t *testing.T) {
	broker := newBrokerStub()
	d := NewDispatcher(broker, Config{MaxAttempts: 1}, logger.NewLogger(nil), testMetrics)

	brokenAt := uuid.New()
	require.NoError(t, d.DispatchIntegrity(context.Background(), &model.VerificationResult{
		OrgID:           uuid.New(),
		Valid:           false,
		BrokenAtEntryID: &brokenAt,
		EntriesChecked:  42,
		VerifiedAt:      time.Now(),
	}))
	assert.Len(t, broker.published["security.integrity"], 1)
}

func TestFormatAlertBody(t *testing.T) {
	body := formatAlertBody(testAlert())
	assert.Contains(t, body, "Risk level: critical (score 90)")
	assert.Contains(t, body, "export_volume: 120 observed, limit 100")
}
