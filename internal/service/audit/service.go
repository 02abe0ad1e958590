// Package audit implements the tamper-evident audit logger and the chain
// verifier. Every privileged read/write of sensitive data in the surrounding
// application passes through Service.Record.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casetrail/audit-api/internal/model"
	"github.com/casetrail/audit-api/internal/repository"
	"github.com/casetrail/audit-api/pkg/hashchain"
	"github.com/casetrail/audit-api/pkg/logger"
	"github.com/casetrail/audit-api/pkg/metrics"
)

var (
	ErrInvalidAction   = errors.New("unknown audit action")
	ErrDetailsTooLarge = fmt.Errorf("details exceed %d bytes", model.MaxDetailsBytes)
	ErrAppendExhausted = errors.New("audit append failed after retries")
)

// RecordFailure is pushed to the failure channel when an entry could not be
// persisted. A silent audit-logging failure is a compliance gap, so failures
// are surfaced to operations even though the triggering business operation
// has already completed.
type RecordFailure struct {
	Input      *model.AuditEntryInput
	Err        error
	OccurredAt time.Time
}

type Config struct {
	MaxAppendAttempts int
	RetryBackoff      time.Duration
	FailureBuffer     int
}

type Service struct {
	repo    repository.AuditRepository
	logger  *logger.Logger
	metrics *metrics.Metrics
	cfg     Config

	// Per-org serialization point. The store enforces chain consistency on
	// its own; the local lock just keeps writers on this instance from
	// burning retries against each other.
	orgLocks sync.Map // uuid.UUID -> *sync.Mutex

	failures chan RecordFailure

	// now is swappable in tests.
	now func() time.Time
}

func NewService(repo repository.AuditRepository, log *logger.Logger, m *metrics.Metrics, cfg Config) *Service {
	if cfg.MaxAppendAttempts <= 0 {
		cfg.MaxAppendAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.FailureBuffer <= 0 {
		cfg.FailureBuffer = 256
	}
	return &Service{
		repo:     repo,
		logger:   log.WithComponent("audit"),
		metrics:  m,
		cfg:      cfg,
		failures: make(chan RecordFailure, cfg.FailureBuffer),
		now:      time.Now,
	}
}

// Failures exposes the operational error channel. Consumers (alerting,
// dead-letter persistence) drain it; if nobody does, failures are still
// logged and counted.
func (s *Service) Failures() <-chan RecordFailure {
	return s.failures
}

// Record assigns id and timestamp, links the entry to the org's chain head
// and appends it. Concurrent callers for one org are serialized; a lost race
// against another instance is retried with a fresh head read.
func (s *Service) Record(ctx context.Context, input *model.AuditEntryInput) (*model.AuditLogEntry, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	lock := s.orgLock(input.OrgID)
	lock.Lock()
	defer lock.Unlock()

	start := s.now()
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAppendAttempts; attempt++ {
		if attempt > 0 {
			s.metrics.AuditAppendRetries.Inc()
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.RetryBackoff * time.Duration(attempt)):
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}

		entry, err := s.buildEntry(ctx, input)
		if err != nil {
			lastErr = err
			continue
		}

		err = s.repo.Append(ctx, entry)
		if err == nil {
			s.metrics.AuditAppends.Inc()
			s.metrics.AuditAppendLatency.Observe(s.now().Sub(start).Seconds())
			return entry, nil
		}
		if errors.Is(err, repository.ErrStaleHead) {
			// Another writer extended the chain; re-read the head and retry
			// immediately with recomputed links.
			lastErr = err
			continue
		}
		lastErr = err
	}

	s.escalate(input, lastErr)
	return nil, fmt.Errorf("%w: %v", ErrAppendExhausted, lastErr)
}

func (s *Service) buildEntry(ctx context.Context, input *model.AuditEntryInput) (*model.AuditLogEntry, error) {
	previousHash := hashchain.GenesisHash
	var headTS time.Time

	head, err := s.repo.Latest(ctx, input.OrgID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		// First entry in this org's chain.
	case err != nil:
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	default:
		previousHash = head.Hash
		headTS = head.Timestamp
	}

	// Timestamps are monotonically non-decreasing within an org's chain,
	// even across clock skew between instances.
	ts := s.now().UTC().Truncate(time.Microsecond)
	if ts.Before(headTS) {
		ts = headTS
	}

	entry := &model.AuditLogEntry{
		ID:           uuid.New(),
		OrgID:        input.OrgID,
		UserID:       input.UserID,
		Action:       input.Action,
		Resource:     input.Resource,
		ResourceID:   input.ResourceID,
		ResourceName: input.ResourceName,
		Details:      input.Details,
		IPAddress:    input.IPAddress,
		UserAgent:    input.UserAgent,
		Timestamp:    ts,
		PreviousHash: previousHash,
	}

	entry.Hash, err = hashchain.ComputeHash(hashFields(entry), previousHash)
	if err != nil {
		return nil, fmt.Errorf("failed to compute entry hash: %w", err)
	}
	return entry, nil
}

func (s *Service) escalate(input *model.AuditEntryInput, err error) {
	s.metrics.AuditAppendFailed.Inc()
	s.logger.Error(err, "audit entry lost after exhausting retries",
		"org_id", input.OrgID.String(),
		"action", input.Action,
		"resource", input.Resource,
	)

	failure := RecordFailure{Input: input, Err: err, OccurredAt: s.now()}
	select {
	case s.failures <- failure:
	default:
		// Channel full: the log line and counter above remain the record.
	}
}

func (s *Service) orgLock(orgID uuid.UUID) *sync.Mutex {
	if lock, ok := s.orgLocks.Load(orgID); ok {
		return lock.(*sync.Mutex)
	}
	lock, _ := s.orgLocks.LoadOrStore(orgID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func validateInput(input *model.AuditEntryInput) error {
	if input == nil {
		return errors.New("audit input required")
	}
	if input.OrgID == uuid.Nil {
		return errors.New("org id required")
	}
	if !model.ValidActions[input.Action] {
		return fmt.Errorf("%w: %q", ErrInvalidAction, input.Action)
	}
	if input.Resource == "" {
		return errors.New("resource required")
	}
	if len(input.Details) > model.MaxDetailsBytes {
		return ErrDetailsTooLarge
	}
	if len(input.Details) > 0 && !json.Valid(input.Details) {
		return errors.New("details must be valid JSON")
	}
	return nil
}

// hashFields projects the hashed subset of an entry. Provenance fields
// (ip, user agent, resource name) and the display-only seq stay out of the
// hash; the chain covers who did what to which resource and when.
func hashFields(entry *model.AuditLogEntry) hashchain.EntryFields {
	userID := ""
	if entry.UserID != nil {
		userID = entry.UserID.String()
	}
	return hashchain.EntryFields{
		OrgID:      entry.OrgID.String(),
		UserID:     userID,
		Action:     entry.Action,
		Resource:   entry.Resource,
		ResourceID: entry.ResourceID,
		Details:    entry.Details,
		Timestamp:  entry.Timestamp,
	}
}

// List pages entries newest-first for dashboards.
func (s *Service) List(ctx context.Context, filter model.AuditListFilter) ([]*model.AuditLogEntry, *model.Cursor, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) GetByID(ctx context.Context, orgID, id uuid.UUID) (*model.AuditLogEntry, error) {
	return s.repo.GetByID(ctx, orgID, id)
}
