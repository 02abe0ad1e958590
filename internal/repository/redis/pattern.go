// Package redis holds the fast auxiliary stores behind the risk engine:
// windowed access counters and failed-login records. Redis is the shared
// source of truth so counters stay correct when the service runs multiple
// instances.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/casetrail/audit-api/internal/model"
	"github.com/casetrail/audit-api/internal/repository"
)

const (
	minuteBucketTTL = 2 * time.Hour
	hourBucketTTL   = 26 * time.Hour
	knownIPTTL      = 30 * 24 * time.Hour

	// Spans at or below this use minute buckets; longer spans use hour
	// buckets to keep the key count per read bounded.
	minuteGranularityMax = 2 * time.Hour
)

type patternRepository struct {
	client *redis.Client
}

func NewPatternRepository(client *redis.Client) repository.PatternRepository {
	return &patternRepository{client: client}
}

// Increment bumps both the minute and the hour bucket for the event so any
// window length can be answered without rescanning history. INCR is atomic,
// so concurrent increments are never lost.
func (r *patternRepository) Increment(ctx context.Context, orgID, userID uuid.UUID, kind model.EventKind, at time.Time) error {
	minuteKey := bucketKey("m", orgID, userID, kind, at.UTC().Unix()/60)
	hourKey := bucketKey("h", orgID, userID, kind, at.UTC().Unix()/3600)

	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, minuteKey)
	pipe.Expire(ctx, minuteKey, minuteBucketTTL)
	pipe.Incr(ctx, hourKey)
	pipe.Expire(ctx, hourKey, hourBucketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment pattern counter: %w", err)
	}
	return nil
}

func (r *patternRepository) CountBetween(ctx context.Context, orgID, userID uuid.UUID, kind model.EventKind, from, to time.Time) (int64, error) {
	if !to.After(from) {
		return 0, nil
	}

	prefix, step := "m", int64(60)
	if to.Sub(from) > minuteGranularityMax {
		prefix, step = "h", 3600
	}

	first := from.UTC().Unix() / step
	last := to.UTC().Unix() / step
	keys := make([]string, 0, last-first+1)
	for b := first; b <= last; b++ {
		keys = append(keys, bucketKey(prefix, orgID, userID, kind, b))
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pattern counters: %w", err)
	}

	var total int64
	for _, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				continue
			}
			total += n
		}
	}
	return total, nil
}

// ObserveIP adds the address to the user's long-lived known set and an
// hourly HyperLogLog used for distinct counts. Returns whether the address
// had been seen before.
func (r *patternRepository) ObserveIP(ctx context.Context, orgID, userID uuid.UUID, ip string, at time.Time) (bool, error) {
	if ip == "" {
		return true, nil
	}

	knownKey := fmt.Sprintf("apt:ips:%s:%s", orgID, userID)
	hllKey := fmt.Sprintf("apt:iphll:%s:%s:%d", orgID, userID, at.UTC().Unix()/3600)

	added, err := r.client.SAdd(ctx, knownKey, ip).Result()
	if err != nil {
		return true, fmt.Errorf("failed to record ip: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Expire(ctx, knownKey, knownIPTTL)
	pipe.PFAdd(ctx, hllKey, ip)
	pipe.Expire(ctx, hllKey, hourBucketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return added == 0, fmt.Errorf("failed to record ip buckets: %w", err)
	}

	return added == 0, nil
}

func (r *patternRepository) DistinctIPs(ctx context.Context, orgID, userID uuid.UUID, from, to time.Time) (int64, error) {
	if !to.After(from) {
		return 0, nil
	}

	first := from.UTC().Unix() / 3600
	last := to.UTC().Unix() / 3600
	keys := make([]string, 0, last-first+1)
	for b := first; b <= last; b++ {
		keys = append(keys, fmt.Sprintf("apt:iphll:%s:%s:%d", orgID, userID, b))
	}

	count, err := r.client.PFCount(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count distinct ips: %w", err)
	}
	return count, nil
}

func bucketKey(prefix string, orgID, userID uuid.UUID, kind model.EventKind, bucket int64) string {
	return fmt.Sprintf("apt:%s:%s:%s:%s:%d", prefix, orgID, userID, kind, bucket)
}
