package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/casetrail/audit-api/internal/model"
)

// Heuristic tuning. Confidences feed the score as confidence * weight, so
// a single anomaly never crosses the medium band on its own.
const (
	offHoursConfidence   = 0.5
	newIPConfidence      = 0.7
	rapidConfidence      = 0.6
	loginSpikeConfidence = 0.8

	// rapidAccessLimit is distinct-record views in 15 minutes beyond which
	// access looks like scraping rather than casework.
	rapidAccessLimit = 30

	// loginSpikeLimit is failed logins in 15 minutes that suggest
	// credential guessing even before lockout engages.
	loginSpikeLimit = 3
)

func (e *Engine) detectAnomalies(ctx context.Context, event *model.AccessEvent, cfg model.OrgSecurityConfig, newIP bool) []model.AnomalyIndicator {
	var anomalies []model.AnomalyIndicator

	if a := e.offHours(event, cfg.BusinessHours); a != nil {
		anomalies = append(anomalies, *a)
	}
	if newIP {
		anomalies = append(anomalies, model.AnomalyIndicator{
			Type:        model.AnomalyNewIP,
			Description: fmt.Sprintf("first access from %s", event.IPAddress),
			Confidence:  newIPConfidence,
		})
	}
	if event.UserID == nil {
		return anomalies
	}

	views, err := e.patterns.Count(ctx, event.OrgID, *event.UserID, model.KindView, model.WindowQuarterHour.Duration)
	if err != nil {
		e.evalError(err, "counting views for rapid-access check", event)
	} else if views >= rapidAccessLimit {
		anomalies = append(anomalies, model.AnomalyIndicator{
			Type:        model.AnomalyRapidAccess,
			Description: fmt.Sprintf("%d record views in 15 minutes", views),
			Confidence:  rapidConfidence,
		})
	}

	failures, err := e.patterns.Count(ctx, event.OrgID, *event.UserID, model.KindFailedLogin, model.WindowQuarterHour.Duration)
	if err != nil {
		e.evalError(err, "counting failed logins for spike check", event)
	} else if failures >= loginSpikeLimit {
		anomalies = append(anomalies, model.AnomalyIndicator{
			Type:        model.AnomalyLoginFailure,
			Description: fmt.Sprintf("%d failed logins in 15 minutes", failures),
			Confidence:  loginSpikeConfidence,
		})
	}
	return anomalies
}

// offHours reports access outside the organization's business hours. An
// unconfigured schedule disables the check rather than flagging everything.
func (e *Engine) offHours(event *model.AccessEvent, hours model.BusinessHours) *model.AnomalyIndicator {
	if hours.StartHour == 0 && hours.EndHour == 0 {
		return nil
	}
	loc := time.UTC
	if hours.Timezone != "" {
		if parsed, err := time.LoadLocation(hours.Timezone); err == nil {
			loc = parsed
		}
	}
	at := event.Timestamp
	if at.IsZero() {
		at = e.now()
	}
	local := at.In(loc)

	workday := len(hours.Days) == 0
	for _, day := range hours.Days {
		if time.Weekday(day) == local.Weekday() {
			workday = true
			break
		}
	}
	inHours := workday && local.Hour() >= hours.StartHour && local.Hour() < hours.EndHour
	if inHours {
		return nil
	}
	return &model.AnomalyIndicator{
		Type:        model.AnomalyOffHours,
		Description: fmt.Sprintf("access at %s outside business hours", local.Format("Mon 15:04")),
		Confidence:  offHoursConfidence,
	}
}
