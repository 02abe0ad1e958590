package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/casetrail/audit-api/internal/model"
	"github.com/casetrail/audit-api/internal/service/alert"
	"github.com/casetrail/audit-api/internal/service/audit"
	"github.com/casetrail/audit-api/pkg/logger"
	"github.com/casetrail/audit-api/pkg/metrics"
)

const (
	violationBaseScore = 20
	violationOverCap   = 15
	anomalyScoreWeight = 20

	resultCacheTTL = 5 * time.Minute
)

// PatternSource is the behavioral counter surface the engine evaluates
// against. *pattern.Tracker satisfies it.
type PatternSource interface {
	RecordEvent(ctx context.Context, event *model.AccessEvent) error
	Count(ctx context.Context, orgID, userID uuid.UUID, kind model.EventKind, window time.Duration) (int64, error)
	DistinctIPs(ctx context.Context, orgID, userID uuid.UUID, window time.Duration) (int64, error)
	ObserveIP(ctx context.Context, orgID, userID uuid.UUID, ip string) (bool, error)
}

// ConfigProvider resolves the security configuration for an organization.
type ConfigProvider interface {
	For(ctx context.Context, orgID uuid.UUID) (model.OrgSecurityConfig, error)
}

// StaticConfigProvider serves one configuration for every organization.
type StaticConfigProvider struct {
	Config model.OrgSecurityConfig
}

func (p StaticConfigProvider) For(ctx context.Context, orgID uuid.UUID) (model.OrgSecurityConfig, error) {
	return p.Config, nil
}

// Engine scores privileged operations. Scoring is derived state: a scoring
// failure degrades to a LOW result and never blocks the caller, while
// blocking decisions honor each threshold's fail mode.
type Engine struct {
	patterns   PatternSource
	provider   ConfigProvider
	recorder   audit.Recorder
	dispatcher alert.Dispatcher
	logger     *logger.Logger
	metrics    *metrics.Metrics

	// results deduplicates evaluation by event ID so an event routed
	// through both middleware and an explicit call scores once.
	results *gocache.Cache
	now     func() time.Time
}

func NewEngine(patterns PatternSource, provider ConfigProvider, recorder audit.Recorder, dispatcher alert.Dispatcher, log *logger.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		patterns:   patterns,
		provider:   provider,
		recorder:   recorder,
		dispatcher: dispatcher,
		logger:     log.WithComponent("risk_engine"),
		metrics:    m,
		results:    gocache.New(resultCacheTTL, 2*resultCacheTTL),
		now:        time.Now,
	}
}

// Evaluate scores one access event. It always returns a result; counter or
// configuration failures are logged and scored as if the unavailable signal
// were clean.
func (e *Engine) Evaluate(ctx context.Context, event *model.AccessEvent) *model.SecurityRiskResult {
	start := e.now()
	defer func() {
		e.metrics.RiskEvalLatency.Observe(time.Since(start).Seconds())
	}()

	if event.ID != uuid.Nil {
		if cached, ok := e.results.Get(event.ID.String()); ok {
			return cached.(*model.SecurityRiskResult)
		}
	}

	result := &model.SecurityRiskResult{
		RiskLevel:   model.RiskLevelLow,
		EvaluatedAt: start,
	}

	cfg, err := e.provider.For(ctx, event.OrgID)
	if err != nil {
		e.evalError(err, "loading security config", event)
		e.finish(event, result)
		return result
	}

	newIP := false
	if event.UserID != nil {
		if event.IPAddress != "" {
			known, err := e.patterns.ObserveIP(ctx, event.OrgID, *event.UserID, event.IPAddress)
			if err != nil {
				e.evalError(err, "observing source ip", event)
			} else {
				newIP = !known
			}
		}
		if err := e.patterns.RecordEvent(ctx, event); err != nil {
			e.evalError(err, "recording access event", event)
		}
	}

	result.Violations = e.checkThresholds(ctx, event, cfg)
	result.Anomalies = e.detectAnomalies(ctx, event, cfg, newIP)
	result.RiskScore = scoreOf(result.Violations, result.Anomalies)

	bands := cfg.Bands
	if bands == (model.RiskBands{}) {
		bands = model.DefaultRiskBands()
	}
	result.RiskLevel = bands.Level(result.RiskScore)

	e.finish(event, result)

	if result.RiskLevel == model.RiskLevelHigh || result.RiskLevel == model.RiskLevelCritical {
		e.escalate(event, result, cfg)
	}
	return result
}

// ShouldBlockAction decides, before the action runs, whether any blocking
// threshold would be exceeded by it. Unlike scoring, a counter failure here
// follows the threshold's configured fail mode.
func (e *Engine) ShouldBlockAction(ctx context.Context, event *model.AccessEvent) (*model.BlockDecision, error) {
	if event.UserID == nil {
		return &model.BlockDecision{}, nil
	}
	cfg, err := e.provider.For(ctx, event.OrgID)
	if err != nil {
		return nil, fmt.Errorf("loading security config: %w", err)
	}

	kind, hasKind := model.KindForAction(event.Action)
	for _, th := range cfg.Thresholds {
		if !th.Block {
			continue
		}
		thKind, countsIPs := kindForThreshold(th.Type)
		if countsIPs || !hasKind || thKind != kind {
			continue
		}

		observed, err := e.patterns.Count(ctx, event.OrgID, *event.UserID, kind, th.Window)
		if err != nil {
			if th.FailMode == model.FailClosed {
				e.metrics.ActionsBlocked.WithLabelValues(string(th.Type)).Inc()
				return &model.BlockDecision{
					Blocked: true,
					Reason:  fmt.Sprintf("%s limit could not be evaluated", th.Type),
				}, nil
			}
			e.evalError(err, "counting for block decision", event)
			continue
		}
		if observed >= th.Limit {
			e.metrics.ActionsBlocked.WithLabelValues(string(th.Type)).Inc()
			return &model.BlockDecision{
				Blocked: true,
				Reason:  fmt.Sprintf("%s limit of %d per %s reached", th.Type, th.Limit, th.Window),
			}, nil
		}
	}
	return &model.BlockDecision{}, nil
}

func (e *Engine) checkThresholds(ctx context.Context, event *model.AccessEvent, cfg model.OrgSecurityConfig) []model.ThresholdViolation {
	if event.UserID == nil {
		return nil
	}
	now := e.now()
	var violations []model.ThresholdViolation
	for _, th := range cfg.Thresholds {
		var (
			observed int64
			err      error
		)
		kind, countsIPs := kindForThreshold(th.Type)
		if countsIPs {
			observed, err = e.patterns.DistinctIPs(ctx, event.OrgID, *event.UserID, th.Window)
		} else {
			observed, err = e.patterns.Count(ctx, event.OrgID, *event.UserID, kind, th.Window)
		}
		if err != nil {
			e.evalError(err, "counting for threshold "+string(th.Type), event)
			continue
		}
		if observed > th.Limit {
			violations = append(violations, model.ThresholdViolation{
				Type:        th.Type,
				Observed:    observed,
				Limit:       th.Limit,
				WindowStart: now.Add(-th.Window),
				WindowEnd:   now,
			})
		}
	}
	return violations
}

// kindForThreshold maps a threshold type to its counter kind. The second
// return is true for thresholds measured over distinct IPs instead.
func kindForThreshold(t model.ThresholdType) (model.EventKind, bool) {
	switch t {
	case model.ThresholdExportVolume:
		return model.KindExport, false
	case model.ThresholdViewVolume:
		return model.KindView, false
	case model.ThresholdFailedLogins:
		return model.KindFailedLogin, false
	case model.ThresholdDistinctIPs:
		return "", true
	default:
		return "", true
	}
}

func scoreOf(violations []model.ThresholdViolation, anomalies []model.AnomalyIndicator) int {
	score := 0
	for _, v := range violations {
		score += violationBaseScore
		if v.Limit > 0 && v.Observed > v.Limit {
			over := int((v.Observed - v.Limit) * violationOverCap / v.Limit)
			if over > violationOverCap {
				over = violationOverCap
			}
			score += over
		}
	}
	for _, a := range anomalies {
		score += int(a.Confidence * anomalyScoreWeight)
	}
	if score > 100 {
		score = 100
	}
	return score
}

func (e *Engine) finish(event *model.AccessEvent, result *model.SecurityRiskResult) {
	e.metrics.RiskEvaluations.WithLabelValues(string(result.RiskLevel)).Inc()
	if event.ID != uuid.Nil {
		e.results.Set(event.ID.String(), result, gocache.DefaultExpiration)
	}
}

// escalate files the elevated result as an audit entry and hands it to the
// dispatcher. Neither failure surfaces to the evaluated request.
func (e *Engine) escalate(event *model.AccessEvent, result *model.SecurityRiskResult, cfg model.OrgSecurityConfig) {
	details, err := json.Marshal(map[string]interface{}{
		"event_id":   event.ID,
		"action":     event.Action,
		"resource":   event.Resource,
		"risk_score": result.RiskScore,
		"risk_level": result.RiskLevel,
		"violations": result.Violations,
		"anomalies":  result.Anomalies,
	})
	if err == nil {
		e.recorder.RecordAsync(&model.AuditEntryInput{
			OrgID:      event.OrgID,
			UserID:     event.UserID,
			Action:     model.AuditActionSecurity,
			Resource:   model.AuditResourceSecurity,
			ResourceID: event.ID.String(),
			Details:    details,
			IPAddress:  event.IPAddress,
		})
	}

	securityAlert := &model.SecurityAlert{
		ID:         uuid.New(),
		OrgID:      event.OrgID,
		UserID:     event.UserID,
		Event:      *event,
		Result:     *result,
		Recipients: cfg.AlertRecipients,
		CreatedAt:  e.now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.dispatcher.Dispatch(ctx, securityAlert); err != nil {
			e.logger.Error(err, "dispatching security alert", "alert_id", securityAlert.ID)
		}
	}()
}

func (e *Engine) evalError(err error, msg string, event *model.AccessEvent) {
	e.metrics.RiskEvalErrors.Inc()
	e.logger.Error(err, msg, "org_id", event.OrgID.String(), "action", event.Action)
}
