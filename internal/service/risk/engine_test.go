package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casetrail/audit-api/internal/model"
	"github.com/casetrail/audit-api/pkg/logger"
	"github.com/casetrail/audit-api/pkg/metrics"
)

type patternSourceStub struct {
	mu       sync.Mutex
	counts   map[model.EventKind]int64
	ips      int64
	knownIPs map[string]bool
	countErr error
	recorded []*model.AccessEvent
}

func newPatternSourceStub() *patternSourceStub {
	return &patternSourceStub{
		counts:   make(map[model.EventKind]int64),
		knownIPs: make(map[string]bool),
	}
}

func (s *patternSourceStub) RecordEvent(ctx context.Context, event *model.AccessEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, event)
	return nil
}

func (s *patternSourceStub) Count(ctx context.Context, orgID, userID uuid.UUID, kind model.EventKind, window time.Duration) (int64, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[kind], nil
}

func (s *patternSourceStub) DistinctIPs(ctx context.Context, orgID, userID uuid.UUID, window time.Duration) (int64, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	return s.ips, nil
}

func (s *patternSourceStub) ObserveIP(ctx context.Context, orgID, userID uuid.UUID, ip string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := s.knownIPs[ip]
	s.knownIPs[ip] = true
	return known, nil
}

type recorderStub struct {
	mu     sync.Mutex
	inputs []*model.AuditEntryInput
}

func (r *recorderStub) Record(ctx context.Context, input *model.AuditEntryInput) (*model.AuditLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, input)
	return &model.AuditLogEntry{ID: uuid.New()}, nil
}

func (r *recorderStub) RecordAsync(input *model.AuditEntryInput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, input)
}

func (r *recorderStub) recordedActions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	actions := make([]string, len(r.inputs))
	for i, in := range r.inputs {
		actions[i] = in.Action
	}
	return actions
}

type dispatcherStub struct {
	mu     sync.Mutex
	alerts []*model.SecurityAlert
	done   chan struct{}
}

func newDispatcherStub() *dispatcherStub {
	return &dispatcherStub{done: make(chan struct{}, 16)}
}

func (d *dispatcherStub) Dispatch(ctx context.Context, alert *model.SecurityAlert) error {
	d.mu.Lock()
	d.alerts = append(d.alerts, alert)
	d.mu.Unlock()
	d.done <- struct{}{}
	return nil
}

func (d *dispatcherStub) DispatchIntegrity(ctx context.Context, result *model.VerificationResult) error {
	return nil
}

func (d *dispatcherStub) waitForAlert(t *testing.T) *model.SecurityAlert {
	t.Helper()
	select {
	case <-d.done:
	case <-time.After(2 * time.Second):
		t.Fatal("no alert dispatched")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alerts[len(d.alerts)-1]
}

var testMetrics = metrics.NewMetrics("casetrail_test", "risk")

func testConfig() model.OrgSecurityConfig {
	return model.OrgSecurityConfig{
		Thresholds: []model.SecurityThreshold{
			{Type: model.ThresholdExportVolume, Limit: 10, Window: time.Hour, Block: true},
			{Type: model.ThresholdViewVolume, Limit: 100, Window: time.Hour},
			{Type: model.ThresholdDistinctIPs, Limit: 5, Window: 24 * time.Hour},
		},
		Bands: model.DefaultRiskBands(),
		BusinessHours: model.BusinessHours{
			StartHour: 8,
			EndHour:   18,
			Days:      []int{1, 2, 3, 4, 5},
			Timezone:  "UTC",
		},
		AlertRecipients: []string{"sec-ops@example.com"},
	}
}

type engineFixture struct {
	engine     *Engine
	patterns   *patternSourceStub
	recorder   *recorderStub
	dispatcher *dispatcherStub
}

func newEngineFixture(cfg model.OrgSecurityConfig) *engineFixture {
	f := &engineFixture{
		patterns:   newPatternSourceStub(),
		recorder:   &recorderStub{},
		dispatcher: newDispatcherStub(),
	}
	f.engine = NewEngine(f.patterns, StaticConfigProvider{Config: cfg}, f.recorder, f.dispatcher, logger.NewLogger(nil), testMetrics)
	// Known source address and business hours keep baseline events quiet.
	f.patterns.knownIPs["203.0.113.10"] = true
	f.engine.now = func() time.Time {
		return time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC) // Tuesday
	}
	return f
}

func baselineEvent() *model.AccessEvent {
	userID := uuid.New()
	return &model.AccessEvent{
		ID:        uuid.New(),
		OrgID:     uuid.New(),
		UserID:    &userID,
		Action:    model.AuditActionView,
		Resource:  model.AuditResourceClient,
		IPAddress: "203.0.113.10",
		Timestamp: time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC),
	}
}

func TestEvaluateQuietEventIsLow(t *testing.T) {
	f := newEngineFixture(testConfig())

	result := f.engine.Evaluate(context.Background(), baselineEvent())
	assert.Equal(t, 0, result.RiskScore)
	assert.Equal(t, model.RiskLevelLow, result.RiskLevel)
	assert.Empty(t, result.Violations)
	assert.Empty(t, result.Anomalies)
	assert.Len(t, f.patterns.recorded, 1)
}

func TestEvaluateThresholdViolation(t *testing.T) {
	f := newEngineFixture(testConfig())
	f.patterns.counts[model.KindExport] = 14

	result := f.engine.Evaluate(context.Background(), baselineEvent())
	require.Len(t, result.Violations, 1)
	assert.Equal(t, model.ThresholdExportVolume, result.Violations[0].Type)
	assert.Equal(t, int64(14), result.Violations[0].Observed)
	assert.GreaterOrEqual(t, result.RiskScore, violationBaseScore)
	assert.Equal(t, model.RiskLevelLow, result.RiskLevel) // one violation stays under 30
}

func TestEvaluateScoreIsMonotonic(t *testing.T) {
	f := newEngineFixture(testConfig())
	base := f.engine.Evaluate(context.Background(), baselineEvent())

	f2 := newEngineFixture(testConfig())
	f2.patterns.counts[model.KindExport] = 14
	one := f2.engine.Evaluate(context.Background(), baselineEvent())

	f3 := newEngineFixture(testConfig())
	f3.patterns.counts[model.KindExport] = 14
	f3.patterns.ips = 9
	two := f3.engine.Evaluate(context.Background(), baselineEvent())

	assert.Greater(t, one.RiskScore, base.RiskScore)
	assert.Greater(t, two.RiskScore, one.RiskScore)
}

func TestEvaluateOffHoursAnomaly(t *testing.T) {
	f := newEngineFixture(testConfig())
	event := baselineEvent()
	event.Timestamp = time.Date(2026, 3, 8, 3, 0, 0, 0, time.UTC) // Sunday 03:00

	result := f.engine.Evaluate(context.Background(), event)
	require.Len(t, result.Anomalies, 1)
	assert.Equal(t, model.AnomalyOffHours, result.Anomalies[0].Type)
}

func TestEvaluateNewIPAnomaly(t *testing.T) {
	f := newEngineFixture(testConfig())
	event := baselineEvent()
	event.IPAddress = "198.51.100.99"

	result := f.engine.Evaluate(context.Background(), event)
	require.Len(t, result.Anomalies, 1)
	assert.Equal(t, model.AnomalyNewIP, result.Anomalies[0].Type)
}

func TestEvaluateRapidAccessAndSpikeAnomalies(t *testing.T) {
	f := newEngineFixture(testConfig())
	f.patterns.counts[model.KindView] = rapidAccessLimit
	f.patterns.counts[model.KindFailedLogin] = loginSpikeLimit

	result := f.engine.Evaluate(context.Background(), baselineEvent())
	types := make(map[model.AnomalyType]bool)
	for _, a := range result.Anomalies {
		types[a.Type] = true
	}
	assert.True(t, types[model.AnomalyRapidAccess])
	assert.True(t, types[model.AnomalyLoginFailure])
}

func TestEvaluateCriticalEscalates(t *testing.T) {
	f := newEngineFixture(testConfig())
	f.patterns.counts[model.KindExport] = 50
	f.patterns.counts[model.KindView] = 500
	f.patterns.counts[model.KindFailedLogin] = 10
	f.patterns.ips = 20

	event := baselineEvent()
	event.Timestamp = time.Date(2026, 3, 8, 3, 0, 0, 0, time.UTC)
	event.IPAddress = "198.51.100.99"

	result := f.engine.Evaluate(context.Background(), event)
	assert.Equal(t, model.RiskLevelCritical, result.RiskLevel)
	assert.LessOrEqual(t, result.RiskScore, 100)

	dispatched := f.dispatcher.waitForAlert(t)
	assert.Equal(t, event.OrgID, dispatched.OrgID)
	assert.Equal(t, []string{"sec-ops@example.com"}, dispatched.Recipients)

	assert.Contains(t, f.recorder.recordedActions(), model.AuditActionSecurity)
}

func TestEvaluateCounterFailureFailsOpen(t *testing.T) {
	f := newEngineFixture(testConfig())
	f.patterns.countErr = errors.New("store down")

	result := f.engine.Evaluate(context.Background(), baselineEvent())
	assert.Equal(t, model.RiskLevelLow, result.RiskLevel)
	assert.Empty(t, result.Violations)
}

func TestEvaluateDeduplicatesByEventID(t *testing.T) {
	f := newEngineFixture(testConfig())
	event := baselineEvent()

	first := f.engine.Evaluate(context.Background(), event)
	second := f.engine.Evaluate(context.Background(), event)
	assert.Same(t, first, second)
	assert.Len(t, f.patterns.recorded, 1)
}

func TestShouldBlockActionAtLimit(t *testing.T) {
	f := newEngineFixture(testConfig())
	f.patterns.counts[model.KindExport] = 10

	event := baselineEvent()
	event.Action = model.AuditActionExport
	decision, err := f.engine.ShouldBlockAction(context.Background(), event)
	require.NoError(t, err)
	assert.True(t, decision.Blocked)
	assert.Contains(t, decision.Reason, "export_volume")
}

func TestShouldBlockActionUnderLimit(t *testing.T) {
	f := newEngineFixture(testConfig())
	f.patterns.counts[model.KindExport] = 9

	event := baselineEvent()
	event.Action = model.AuditActionExport
	decision, err := f.engine.ShouldBlockAction(context.Background(), event)
	require.NoError(t, err)
	assert.False(t, decision.Blocked)
}

func TestShouldBlockActionIgnoresNonBlockingThresholds(t *testing.T) {
	f := newEngineFixture(testConfig())
	f.patterns.counts[model.KindView] = 1000 // view_volume is not Block

	decision, err := f.engine.ShouldBlockAction(context.Background(), baselineEvent())
	require.NoError(t, err)
	assert.False(t, decision.Blocked)
}

func TestShouldBlockActionFailModes(t *testing.T) {
	cfg := testConfig()
	cfg.Thresholds[0].FailMode = model.FailClosed
	f := newEngineFixture(cfg)
	f.patterns.countErr = errors.New("store down")

	event := baselineEvent()
	event.Action = model.AuditActionExport
	decision, err := f.engine.ShouldBlockAction(context.Background(), event)
	require.NoError(t, err)
	assert.True(t, decision.Blocked)

	cfg.Thresholds[0].FailMode = model.FailOpen
	f = newEngineFixture(cfg)
	f.patterns.countErr = errors.New("store down")
	decision, err = f.engine.ShouldBlockAction(context.Background(), event)
	require.NoError(t, err)
	assert.False(t, decision.Blocked)
}
