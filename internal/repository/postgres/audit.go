package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/casetrail/audit-api/internal/model"
	"github.com/casetrail/audit-api/internal/repository"
	"github.com/casetrail/audit-api/pkg/hashchain"
)

const pqUniqueViolation = "23505"

type auditRepository struct {
	BaseRepository
}

func NewAuditRepository(base BaseRepository) repository.AuditRepository {
	return &auditRepository{base}
}

// Append serializes writers per org with a transaction-scoped advisory lock,
// then re-checks the chain head before inserting. The unique index on
// (org_id, previous_hash) is the storage-level backstop: even if the lock is
// bypassed, two entries can never claim the same predecessor.
func (r *auditRepository) Append(ctx context.Context, entry *model.AuditLogEntry) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := lockOrg(ctx, tx, entry.OrgID); err != nil {
			return err
		}

		var headHash string
		err := tx.GetContext(ctx, &headHash,
			`SELECT hash FROM audit_log_entries WHERE org_id = $1 ORDER BY seq DESC LIMIT 1`,
			entry.OrgID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			headHash = hashchain.GenesisHash
		case err != nil:
			return fmt.Errorf("failed to read chain head: %w", err)
		}

		if headHash != entry.PreviousHash {
			return repository.ErrStaleHead
		}

		query := `
            INSERT INTO audit_log_entries (
                id, org_id, user_id, action, resource, resource_id, resource_name,
                details, ip_address, user_agent, timestamp, previous_hash, hash
            ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        `
		_, err = tx.ExecContext(ctx, query,
			entry.ID,
			entry.OrgID,
			entry.UserID,
			entry.Action,
			entry.Resource,
			entry.ResourceID,
			entry.ResourceName,
			entry.Details,
			entry.IPAddress,
			entry.UserAgent,
			entry.Timestamp,
			entry.PreviousHash,
			entry.Hash,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
				return repository.ErrStaleHead
			}
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
		return nil
	})
}

func (r *auditRepository) Latest(ctx context.Context, orgID uuid.UUID) (*model.AuditLogEntry, error) {
	var entry model.AuditLogEntry
	err := r.GetDB().GetContext(ctx, &entry,
		`SELECT * FROM audit_log_entries WHERE org_id = $1 ORDER BY seq DESC LIMIT 1`,
		orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}
	return &entry, nil
}

func (r *auditRepository) GetByID(ctx context.Context, orgID, id uuid.UUID) (*model.AuditLogEntry, error) {
	var entry model.AuditLogEntry
	err := r.GetDB().GetContext(ctx, &entry,
		`SELECT * FROM audit_log_entries WHERE org_id = $1 AND id = $2`,
		orgID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit entry: %w", err)
	}
	return &entry, nil
}

func (r *auditRepository) List(ctx context.Context, filter model.AuditListFilter) ([]*model.AuditLogEntry, *model.Cursor, error) {
	query := `SELECT * FROM audit_log_entries WHERE org_id = $1`
	args := []interface{}{filter.OrgID}

	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if filter.Action != "" {
		args = append(args, filter.Action)
		query += fmt.Sprintf(" AND action = $%d", len(args))
	}
	if filter.Resource != "" {
		args = append(args, filter.Resource)
		query += fmt.Sprintf(" AND resource = $%d", len(args))
	}
	if filter.Start != nil {
		args = append(args, *filter.Start)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if filter.End != nil {
		args = append(args, *filter.End)
		query += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}
	if filter.Cursor != nil {
		args = append(args, filter.Cursor.Seq)
		query += fmt.Sprintf(" AND seq < $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	// Fetch one extra row to detect whether another page exists.
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d", len(args))

	var entries []*model.AuditLogEntry
	if err := r.GetDB().SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	var next *model.Cursor
	if len(entries) > limit {
		entries = entries[:limit]
		next = &model.Cursor{Seq: entries[len(entries)-1].Seq}
	}
	return entries, next, nil
}

func (r *auditRepository) WalkOldestFirst(ctx context.Context, orgID uuid.UUID, batchSize int, fn func(batch []*model.AuditLogEntry) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}

	var afterSeq int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var batch []*model.AuditLogEntry
		err := r.GetDB().SelectContext(ctx, &batch,
			`SELECT * FROM audit_log_entries
             WHERE org_id = $1 AND seq > $2
             ORDER BY seq ASC LIMIT $3`,
			orgID, afterSeq, batchSize)
		if err != nil {
			return fmt.Errorf("failed to walk audit entries: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		if err := fn(batch); err != nil {
			return err
		}
		afterSeq = batch[len(batch)-1].Seq
	}
}

func (r *auditRepository) Orgs(ctx context.Context) ([]uuid.UUID, error) {
	var orgs []uuid.UUID
	if err := r.GetDB().SelectContext(ctx, &orgs,
		`SELECT DISTINCT org_id FROM audit_log_entries`); err != nil {
		return nil, fmt.Errorf("failed to list audited orgs: %w", err)
	}
	return orgs, nil
}
