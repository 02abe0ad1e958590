package pattern

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/casetrail/audit-api/internal/model"
	"github.com/casetrail/audit-api/internal/repository"
	"github.com/casetrail/audit-api/pkg/logger"
)

// Tracker maintains rolling per-user access counters. Counter updates are
// best effort: an unreachable store degrades anomaly detection but never
// blocks the operation being tracked.
type Tracker struct {
	repo   repository.PatternRepository
	logger *logger.Logger
	now    func() time.Time
}

func NewTracker(repo repository.PatternRepository, log *logger.Logger) *Tracker {
	return &Tracker{
		repo:   repo,
		logger: log.WithComponent("pattern_tracker"),
		now:    time.Now,
	}
}

// RecordEvent folds one audit-worthy operation into the actor's counters.
// Actions with no counter kind (logout, security) are ignored.
func (t *Tracker) RecordEvent(ctx context.Context, event *model.AccessEvent) error {
	if event.UserID == nil {
		return nil
	}
	kind, ok := model.KindForAction(event.Action)
	if !ok {
		return nil
	}

	at := event.Timestamp
	if at.IsZero() {
		at = t.now()
	}

	if err := t.repo.Increment(ctx, event.OrgID, *event.UserID, kind, at); err != nil {
		t.logger.WithFields(map[string]interface{}{
			"org_id":  event.OrgID,
			"user_id": event.UserID,
			"kind":    kind,
		}).Error(err, "incrementing access counter")
		return fmt.Errorf("increment %s counter: %w", kind, err)
	}
	return nil
}

// RecordFailedLogin counts an authentication failure for spike detection.
func (t *Tracker) RecordFailedLogin(ctx context.Context, orgID, userID uuid.UUID, at time.Time) error {
	if at.IsZero() {
		at = t.now()
	}
	if err := t.repo.Increment(ctx, orgID, userID, model.KindFailedLogin, at); err != nil {
		return fmt.Errorf("increment failed-login counter: %w", err)
	}
	return nil
}

// ObserveIP records the source address and reports whether this user has
// been seen from it before.
func (t *Tracker) ObserveIP(ctx context.Context, orgID, userID uuid.UUID, ip string) (bool, error) {
	if ip == "" {
		return true, nil
	}
	return t.repo.ObserveIP(ctx, orgID, userID, ip, t.now())
}

// Count returns the number of events of one kind in the trailing window
// ending now.
func (t *Tracker) Count(ctx context.Context, orgID, userID uuid.UUID, kind model.EventKind, window time.Duration) (int64, error) {
	to := t.now()
	return t.repo.CountBetween(ctx, orgID, userID, kind, to.Add(-window), to)
}

// Snapshot assembles the current behavioral picture for one actor across
// the standard windows.
func (t *Tracker) Snapshot(ctx context.Context, orgID, userID uuid.UUID) (*model.UserAccessPattern, error) {
	now := t.now()
	windows := []model.Window{model.WindowQuarterHour, model.WindowHour, model.WindowDay}
	kinds := []model.EventKind{model.KindExport, model.KindView, model.KindWrite, model.KindFailedLogin}

	counts := make(map[model.EventKind]map[string]int64, len(kinds))
	for _, kind := range kinds {
		counts[kind] = make(map[string]int64, len(windows))
		for _, w := range windows {
			n, err := t.repo.CountBetween(ctx, orgID, userID, kind, now.Add(-w.Duration), now)
			if err != nil {
				return nil, fmt.Errorf("count %s/%s: %w", kind, w.Name, err)
			}
			counts[kind][w.Name] = n
		}
	}

	ips, err := t.repo.DistinctIPs(ctx, orgID, userID, now.Add(-model.WindowDay.Duration), now)
	if err != nil {
		return nil, fmt.Errorf("distinct ips: %w", err)
	}

	return &model.UserAccessPattern{
		UserID:      userID,
		OrgID:       orgID,
		Counts:      counts,
		DistinctIPs: ips,
		ObservedAt:  now,
	}, nil
}

// DistinctIPs returns the approximate number of distinct source addresses
// in the trailing window.
func (t *Tracker) DistinctIPs(ctx context.Context, orgID, userID uuid.UUID, window time.Duration) (int64, error) {
	to := t.now()
	return t.repo.DistinctIPs(ctx, orgID, userID, to.Add(-window), to)
}
