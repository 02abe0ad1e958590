package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/casetrail/audit-api/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStaleHead is returned by Append when another writer extended the
	// org's chain between the head read and the insert. The caller re-reads
	// the head, recomputes the hash and retries.
	ErrStaleHead = errors.New("chain head changed during append")
)

// All repository interfaces in one file
type (
	// AuditRepository is the append-only store behind the hash chain.
	// Entries are never updated or deleted.
	AuditRepository interface {
		// Append persists the entry iff entry.PreviousHash still matches the
		// org's current head. Returns ErrStaleHead on a lost race.
		Append(ctx context.Context, entry *model.AuditLogEntry) error
		// Latest returns the org's chain head, or ErrNotFound for an empty chain.
		Latest(ctx context.Context, orgID uuid.UUID) (*model.AuditLogEntry, error)
		GetByID(ctx context.Context, orgID, id uuid.UUID) (*model.AuditLogEntry, error)
		// List pages newest-first for display. The returned cursor is nil when
		// the page is the last one.
		List(ctx context.Context, filter model.AuditListFilter) ([]*model.AuditLogEntry, *model.Cursor, error)
		// WalkOldestFirst streams an org's entries in insertion order in
		// batches, for verification over chains too large to hold in memory.
		// Returning an error from fn stops the walk.
		WalkOldestFirst(ctx context.Context, orgID uuid.UUID, batchSize int, fn func(batch []*model.AuditLogEntry) error) error
		// Orgs lists organizations that have at least one entry.
		Orgs(ctx context.Context) ([]uuid.UUID, error)
	}

	// PatternRepository maintains windowed counters shared across service
	// instances. Increments are concurrency-safe; reads are eventually
	// consistent within a small bound.
	PatternRepository interface {
		Increment(ctx context.Context, orgID, userID uuid.UUID, kind model.EventKind, at time.Time) error
		CountBetween(ctx context.Context, orgID, userID uuid.UUID, kind model.EventKind, from, to time.Time) (int64, error)
		// ObserveIP records the address and reports whether it had been seen
		// for this user before.
		ObserveIP(ctx context.Context, orgID, userID uuid.UUID, ip string, at time.Time) (known bool, err error)
		DistinctIPs(ctx context.Context, orgID, userID uuid.UUID, from, to time.Time) (int64, error)
	}

	// LockoutRepository stores failed-login records keyed by (org, user).
	LockoutRepository interface {
		Get(ctx context.Context, orgID, userID uuid.UUID) (*model.FailedLoginRecord, error)
		Save(ctx context.Context, record *model.FailedLoginRecord, ttl time.Duration) error
		Delete(ctx context.Context, orgID, userID uuid.UUID) error
	}

	UserRepository interface {
		GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
		GetByEmail(ctx context.Context, email string) (*model.User, error)
		UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error
	}
)
