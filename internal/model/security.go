package model

import (
	"time"

	"github.com/google/uuid"
)

type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

type ThresholdType string

const (
	ThresholdExportVolume ThresholdType = "export_volume"
	ThresholdViewVolume   ThresholdType = "view_volume"
	ThresholdFailedLogins ThresholdType = "failed_logins"
	ThresholdDistinctIPs  ThresholdType = "distinct_ips"
)

// FailMode decides whether an action is allowed or blocked when the
// evaluating component cannot reach a definite decision.
type FailMode string

const (
	FailOpen   FailMode = "fail_open"
	FailClosed FailMode = "fail_closed"
)

// SecurityThreshold is one configured limit: at most Limit events of the
// mapped kind within Window.
type SecurityThreshold struct {
	Type     ThresholdType `json:"type" mapstructure:"type" validate:"required"`
	Limit    int64         `json:"limit" mapstructure:"limit" validate:"gt=0"`
	Window   time.Duration `json:"window" mapstructure:"window" validate:"gt=0"`
	FailMode FailMode      `json:"fail_mode" mapstructure:"fail_mode"`
	Block    bool          `json:"block" mapstructure:"block"`
}

// RiskBands are the inclusive lower score bounds of each non-LOW level.
type RiskBands struct {
	Medium   int `json:"medium" mapstructure:"medium"`
	High     int `json:"high" mapstructure:"high"`
	Critical int `json:"critical" mapstructure:"critical"`
}

func DefaultRiskBands() RiskBands {
	return RiskBands{Medium: 30, High: 60, Critical: 85}
}

func (b RiskBands) Level(score int) RiskLevel {
	switch {
	case score >= b.Critical:
		return RiskLevelCritical
	case score >= b.High:
		return RiskLevelHigh
	case score >= b.Medium:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}

// BusinessHours define when access is considered in-hours for the off-hours
// anomaly heuristic. Hours are in the org's timezone, [Start, End).
type BusinessHours struct {
	StartHour int    `json:"start_hour" mapstructure:"start_hour"`
	EndHour   int    `json:"end_hour" mapstructure:"end_hour"`
	Days      []int  `json:"days" mapstructure:"days"` // time.Weekday values
	Timezone  string `json:"timezone" mapstructure:"timezone"`
}

type LockoutPolicy struct {
	MaxAttempts int           `json:"max_attempts" mapstructure:"max_attempts"`
	Window      time.Duration `json:"window" mapstructure:"window"`
	Duration    time.Duration `json:"duration" mapstructure:"duration"`
}

// OrgSecurityConfig is the per-organization configuration surface consumed,
// not owned, by the risk engine. It is treated as immutable per evaluation.
type OrgSecurityConfig struct {
	Thresholds      []SecurityThreshold `json:"thresholds" mapstructure:"thresholds"`
	Bands           RiskBands           `json:"risk_bands" mapstructure:"risk_bands"`
	BusinessHours   BusinessHours       `json:"business_hours" mapstructure:"business_hours"`
	Lockout         LockoutPolicy       `json:"lockout" mapstructure:"lockout"`
	AlertRecipients []string            `json:"alert_recipients" mapstructure:"alert_recipients"`
}

type ThresholdViolation struct {
	Type        ThresholdType `json:"type"`
	Observed    int64         `json:"observed"`
	Limit       int64         `json:"limit"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
}

type AnomalyType string

const (
	AnomalyOffHours     AnomalyType = "off_hours_access"
	AnomalyNewIP        AnomalyType = "new_ip_address"
	AnomalyRapidAccess  AnomalyType = "rapid_resource_access"
	AnomalyLoginFailure AnomalyType = "failed_login_spike"
)

type AnomalyIndicator struct {
	Type        AnomalyType `json:"type"`
	Description string      `json:"description"`
	Confidence  float64     `json:"confidence"` // 0.0 - 1.0
}

// SecurityRiskResult is a derived judgment, not authoritative history. High
// and critical results are themselves recorded as SECURITY audit entries.
type SecurityRiskResult struct {
	RiskScore   int                  `json:"risk_score"` // 0-100
	RiskLevel   RiskLevel            `json:"risk_level"`
	Violations  []ThresholdViolation `json:"violations,omitempty"`
	Anomalies   []AnomalyIndicator   `json:"anomalies,omitempty"`
	EvaluatedAt time.Time            `json:"evaluated_at"`
}

// AccessEvent is the unit the risk engine evaluates: one privileged
// operation by one actor.
type AccessEvent struct {
	ID         uuid.UUID  `json:"id"`
	OrgID      uuid.UUID  `json:"org_id"`
	UserID     *uuid.UUID `json:"user_id,omitempty"`
	Action     string     `json:"action"`
	Resource   string     `json:"resource"`
	ResourceID string     `json:"resource_id,omitempty"`
	IPAddress  string     `json:"ip_address,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

type BlockDecision struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

// FailedLoginRecord tracks consecutive failures within the lockout window.
// Created on first failure, cleared on success or admin unlock.
type FailedLoginRecord struct {
	UserID         uuid.UUID  `json:"user_id"`
	OrgID          uuid.UUID  `json:"org_id"`
	AttemptCount   int        `json:"attempt_count"`
	FirstFailureAt time.Time  `json:"first_failure_at"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
}

type LockoutStatus struct {
	IsLocked    bool       `json:"is_locked"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// SecurityAlert is the payload handed to the alert dispatcher for HIGH and
// CRITICAL results.
type SecurityAlert struct {
	ID         uuid.UUID          `json:"id"`
	OrgID      uuid.UUID          `json:"org_id"`
	UserID     *uuid.UUID         `json:"user_id,omitempty"`
	Event      AccessEvent        `json:"event"`
	Result     SecurityRiskResult `json:"result"`
	Recipients []string           `json:"recipients,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}
