package lockout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/casetrail/audit-api/internal/model"
	"github.com/casetrail/audit-api/internal/repository"
	"github.com/casetrail/audit-api/pkg/logger"
	"github.com/casetrail/audit-api/pkg/metrics"
)

const statusCacheTTL = time.Minute

// Recorder is the slice of the audit service the tracker needs for filing
// lockout and unlock entries.
type Recorder interface {
	RecordAsync(input *model.AuditEntryInput)
}

// Tracker runs the failed-login lockout state machine. Lockout checks never
// fail open: when the store is unreachable the last cached status is used,
// and with no cached status the account is reported locked.
type Tracker struct {
	repo     repository.LockoutRepository
	recorder Recorder
	policy   model.LockoutPolicy
	logger   *logger.Logger
	metrics  *metrics.Metrics

	// lastKnown holds recently read statuses for the store-outage path.
	lastKnown *gocache.Cache
	now       func() time.Time
}

func NewTracker(repo repository.LockoutRepository, recorder Recorder, policy model.LockoutPolicy, log *logger.Logger, m *metrics.Metrics) *Tracker {
	return &Tracker{
		repo:      repo,
		recorder:  recorder,
		policy:    policy,
		logger:    log.WithComponent("lockout_tracker"),
		metrics:   m,
		lastKnown: gocache.New(statusCacheTTL, 2*statusCacheTTL),
		now:       time.Now,
	}
}

// RecordFailedLogin counts one authentication failure and returns the
// resulting status. Crossing the attempt limit activates the lockout.
func (t *Tracker) RecordFailedLogin(ctx context.Context, orgID, userID uuid.UUID) (*model.LockoutStatus, error) {
	now := t.now()

	record, err := t.repo.Get(ctx, orgID, userID)
	if err != nil && err != repository.ErrNotFound {
		return nil, fmt.Errorf("reading lockout record: %w", err)
	}

	if record == nil || t.windowExpired(record, now) {
		record = &model.FailedLoginRecord{
			UserID:         userID,
			OrgID:          orgID,
			FirstFailureAt: now,
		}
	}
	record.AttemptCount++

	if record.LockedUntil == nil && record.AttemptCount >= t.policy.MaxAttempts {
		until := now.Add(t.policy.Duration)
		record.LockedUntil = &until
		t.metrics.Lockouts.Inc()
		t.logger.Warn("account locked after repeated failures",
			"org_id", orgID.String(), "user_id", userID.String(), "attempts", record.AttemptCount)
		t.auditLockout(orgID, userID, record)
	}

	if err := t.repo.Save(ctx, record, t.recordTTL(record, now)); err != nil {
		return nil, fmt.Errorf("saving lockout record: %w", err)
	}

	status := statusOf(record, now)
	t.cacheStatus(orgID, userID, status)
	return status, nil
}

// CheckLoginLockout reports whether the account may attempt a login.
func (t *Tracker) CheckLoginLockout(ctx context.Context, orgID, userID uuid.UUID) (*model.LockoutStatus, error) {
	record, err := t.repo.Get(ctx, orgID, userID)
	if err == repository.ErrNotFound {
		status := &model.LockoutStatus{}
		t.cacheStatus(orgID, userID, status)
		return status, nil
	}
	if err != nil {
		t.logger.Error(err, "reading lockout record, using last known status",
			"org_id", orgID.String(), "user_id", userID.String())
		if cached, ok := t.lastKnown.Get(statusKey(orgID, userID)); ok {
			return cached.(*model.LockoutStatus), nil
		}
		// No cached status. Deny rather than let a store outage defeat
		// the lockout.
		return &model.LockoutStatus{IsLocked: true}, nil
	}

	now := t.now()
	if record.LockedUntil != nil && !record.LockedUntil.After(now) {
		// Expired lock. Drop the record so the attempt count restarts.
		if err := t.repo.Delete(ctx, orgID, userID); err != nil {
			t.logger.Error(err, "clearing expired lockout record")
		}
		record = &model.FailedLoginRecord{UserID: userID, OrgID: orgID}
	}

	status := statusOf(record, now)
	t.cacheStatus(orgID, userID, status)
	return status, nil
}

// ClearFailedLogins resets the counter after a successful login.
func (t *Tracker) ClearFailedLogins(ctx context.Context, orgID, userID uuid.UUID) error {
	if err := t.repo.Delete(ctx, orgID, userID); err != nil && err != repository.ErrNotFound {
		return fmt.Errorf("clearing lockout record: %w", err)
	}
	t.cacheStatus(orgID, userID, &model.LockoutStatus{})
	return nil
}

// UnlockAccount removes an active lockout on an administrator's authority.
// The unlock is itself an audited security event.
func (t *Tracker) UnlockAccount(ctx context.Context, orgID, userID, unlockedBy uuid.UUID) error {
	if err := t.repo.Delete(ctx, orgID, userID); err != nil && err != repository.ErrNotFound {
		return fmt.Errorf("removing lockout record: %w", err)
	}
	t.cacheStatus(orgID, userID, &model.LockoutStatus{})
	t.metrics.AdminUnlocks.Inc()

	details, err := json.Marshal(map[string]interface{}{
		"unlocked_user": userID,
		"unlocked_by":   unlockedBy,
	})
	if err != nil {
		return fmt.Errorf("encoding unlock details: %w", err)
	}
	t.recorder.RecordAsync(&model.AuditEntryInput{
		OrgID:      orgID,
		UserID:     &unlockedBy,
		Action:     model.AuditActionSecurity,
		Resource:   model.AuditResourceAuth,
		ResourceID: userID.String(),
		Details:    details,
	})
	return nil
}

func (t *Tracker) auditLockout(orgID, userID uuid.UUID, record *model.FailedLoginRecord) {
	details, err := json.Marshal(map[string]interface{}{
		"locked_user":   userID,
		"attempt_count": record.AttemptCount,
		"locked_until":  record.LockedUntil,
	})
	if err != nil {
		return
	}
	t.recorder.RecordAsync(&model.AuditEntryInput{
		OrgID:      orgID,
		Action:     model.AuditActionSecurity,
		Resource:   model.AuditResourceAuth,
		ResourceID: userID.String(),
		Details:    details,
	})
}

// windowExpired reports whether the failure window has lapsed for an
// unlocked record. Locked records keep their window until the lock ends.
func (t *Tracker) windowExpired(record *model.FailedLoginRecord, now time.Time) bool {
	if record.LockedUntil != nil {
		return !record.LockedUntil.After(now)
	}
	return now.Sub(record.FirstFailureAt) > t.policy.Window
}

func (t *Tracker) recordTTL(record *model.FailedLoginRecord, now time.Time) time.Duration {
	if record.LockedUntil != nil {
		return record.LockedUntil.Sub(now)
	}
	return t.policy.Window
}

func (t *Tracker) cacheStatus(orgID, userID uuid.UUID, status *model.LockoutStatus) {
	t.lastKnown.Set(statusKey(orgID, userID), status, gocache.DefaultExpiration)
}

func statusKey(orgID, userID uuid.UUID) string {
	return orgID.String() + ":" + userID.String()
}

func statusOf(record *model.FailedLoginRecord, now time.Time) *model.LockoutStatus {
	if record.LockedUntil != nil && record.LockedUntil.After(now) {
		return &model.LockoutStatus{IsLocked: true, LockedUntil: record.LockedUntil}
	}
	return &model.LockoutStatus{}
}
