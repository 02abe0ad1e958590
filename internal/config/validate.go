package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/casetrail/audit-api/internal/model"
)

var validate = validator.New()

var validThresholdTypes = map[model.ThresholdType]bool{
	model.ThresholdExportVolume: true,
	model.ThresholdViewVolume:   true,
	model.ThresholdFailedLogins: true,
	model.ThresholdDistinctIPs:  true,
}

// Validate rejects configurations the risk engine cannot evaluate safely.
// A misconfigured threshold detected at load time is an operator error; one
// that slips through to evaluation time degrades to fail-open scoring, so
// catching it here is strictly better.
func Validate(cfg *Config) error {
	for i := range cfg.Security.Thresholds {
		t := &cfg.Security.Thresholds[i]
		if err := validate.Struct(t); err != nil {
			return fmt.Errorf("threshold %d: %w", i, err)
		}
		if !validThresholdTypes[t.Type] {
			return fmt.Errorf("threshold %d: unknown type %q", i, t.Type)
		}
		if t.FailMode == "" {
			t.FailMode = model.FailOpen
		}
		if t.FailMode != model.FailOpen && t.FailMode != model.FailClosed {
			return fmt.Errorf("threshold %d: unknown fail mode %q", i, t.FailMode)
		}
	}

	b := cfg.Security.RiskBands
	if !(b.Medium > 0 && b.Medium < b.High && b.High < b.Critical && b.Critical <= 100) {
		return fmt.Errorf("risk bands must satisfy 0 < medium < high < critical <= 100, got %+v", b)
	}

	bh := cfg.Security.BusinessHours
	if bh.StartHour < 0 || bh.StartHour > 23 || bh.EndHour < 1 || bh.EndHour > 24 || bh.StartHour >= bh.EndHour {
		return fmt.Errorf("business hours must satisfy 0 <= start < end <= 24, got start=%d end=%d", bh.StartHour, bh.EndHour)
	}
	if bh.Timezone != "" {
		if _, err := time.LoadLocation(bh.Timezone); err != nil {
			return fmt.Errorf("invalid business hours timezone: %w", err)
		}
	}

	lo := cfg.Security.Lockout
	if lo.MaxAttempts <= 0 || lo.Window <= 0 || lo.Duration <= 0 {
		return fmt.Errorf("lockout policy requires positive max_attempts, window and duration")
	}

	if cfg.Audit.MaxAppendAttempts <= 0 {
		return fmt.Errorf("audit.max_append_attempts must be positive")
	}

	return nil
}
