package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/casetrail/audit-api/internal/model"
	"github.com/casetrail/audit-api/internal/repository"
)

type lockoutRepository struct {
	client *redis.Client
}

func NewLockoutRepository(client *redis.Client) repository.LockoutRepository {
	return &lockoutRepository{client: client}
}

func lockoutKey(orgID, userID uuid.UUID) string {
	return fmt.Sprintf("lockout:%s:%s", orgID, userID)
}

func (r *lockoutRepository) Get(ctx context.Context, orgID, userID uuid.UUID) (*model.FailedLoginRecord, error) {
	raw, err := r.client.Get(ctx, lockoutKey(orgID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lockout record: %w", err)
	}

	var record model.FailedLoginRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode lockout record: %w", err)
	}
	return &record, nil
}

func (r *lockoutRepository) Save(ctx context.Context, record *model.FailedLoginRecord, ttl time.Duration) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode lockout record: %w", err)
	}
	if err := r.client.Set(ctx, lockoutKey(record.OrgID, record.UserID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to save lockout record: %w", err)
	}
	return nil
}

func (r *lockoutRepository) Delete(ctx context.Context, orgID, userID uuid.UUID) error {
	if err := r.client.Del(ctx, lockoutKey(orgID, userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete lockout record: %w", err)
	}
	return nil
}
