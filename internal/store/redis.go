package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"matchline/internal/domain"
)

// commitRetries bounds the optimistic WATCH loop in CommitSend.
const commitRetries = 5

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis shares safety state across hosts. Seen records and quota counters
// live in hashes; a sorted set indexes fingerprints by first-seen time.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "matchline:"
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (s *Redis) seenKey(fingerprint string) string { return s.prefix + "seen:" + fingerprint }
func (s *Redis) quotaKey(period string) string     { return s.prefix + "quota:" + period }
func (s *Redis) indexKey() string                  { return s.prefix + "seen_index" }
func (s *Redis) cancelKey() string                 { return s.prefix + "cancelled" }
func (s *Redis) lastSendKey() string               { return s.prefix + "last_send_at" }

func (s *Redis) MarkSeen(ctx context.Context, fingerprint string, now time.Time) (domain.SeenRecord, error) {
	ts := now.UTC().Format(time.RFC3339)
	pipe := s.client.Pipeline()
	pipe.HSetNX(ctx, s.seenKey(fingerprint), "first_seen_at", ts)
	pipe.HSetNX(ctx, s.seenKey(fingerprint), "sent", "0")
	pipe.ZAddNX(ctx, s.indexKey(), redis.Z{Score: float64(now.UTC().Unix()), Member: fingerprint})
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.SeenRecord{}, err
	}
	return s.GetSeen(ctx, fingerprint)
}

func (s *Redis) GetSeen(ctx context.Context, fingerprint string) (domain.SeenRecord, error) {
	vals, err := s.client.HGetAll(ctx, s.seenKey(fingerprint)).Result()
	if err != nil {
		return domain.SeenRecord{}, err
	}
	if len(vals) == 0 {
		return domain.SeenRecord{}, ErrNotFound
	}
	return seenFromHash(fingerprint, vals), nil
}

func (s *Redis) ListSeen(ctx context.Context, limit int) ([]domain.SeenRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := s.client.ZRevRange(ctx, s.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	var res []domain.SeenRecord
	for _, fp := range members {
		rec, err := s.GetSeen(ctx, fp)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, nil
}

func (s *Redis) CommitSend(ctx context.Context, fingerprint string, now time.Time, limits QuotaLimits) error {
	ts := now.UTC().Format(time.RFC3339)
	seenKey := s.seenKey(fingerprint)
	dayKey := s.quotaKey(domain.PeriodDay)
	weekKey := s.quotaKey(domain.PeriodWeek)

	txf := func(tx *redis.Tx) error {
		sent, err := tx.HGet(ctx, seenKey, "sent").Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if sent == "1" {
			return ErrAlreadySent
		}

		type counterUpdate struct {
			key   string
			count int
			start string
		}
		var updates []counterUpdate
		for _, q := range []struct {
			period string
			key    string
			limit  int
		}{{domain.PeriodDay, dayKey, limits.Daily}, {domain.PeriodWeek, weekKey, limits.Weekly}} {
			vals, err := tx.HGetAll(ctx, q.key).Result()
			if err != nil {
				return err
			}
			stored, count, err := quotaFromHash(vals)
			if err != nil {
				return fmt.Errorf("parse %s quota: %w", q.period, err)
			}
			start, rolled := rollCount(q.period, stored, count, now)
			if q.limit > 0 && rolled+1 > q.limit {
				return ErrQuotaExceeded
			}
			updates = append(updates, counterUpdate{key: q.key, count: rolled + 1, start: start.Format(time.RFC3339)})
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSetNX(ctx, seenKey, "first_seen_at", ts)
			pipe.HSet(ctx, seenKey, "sent", "1", "sent_at", ts)
			pipe.ZAddNX(ctx, s.indexKey(), redis.Z{Score: float64(now.UTC().Unix()), Member: fingerprint})
			for _, u := range updates {
				pipe.HSet(ctx, u.key, "count", strconv.Itoa(u.count), "window_start", u.start)
			}
			pipe.Set(ctx, s.lastSendKey(), ts, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < commitRetries; attempt++ {
		err := s.client.Watch(ctx, txf, seenKey, dayKey, weekKey)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("send commit contention: %w", redis.TxFailedErr)
}

func (s *Redis) QuotaUsage(ctx context.Context, period string, now time.Time) (domain.QuotaCounter, error) {
	vals, err := s.client.HGetAll(ctx, s.quotaKey(period)).Result()
	if err != nil {
		return domain.QuotaCounter{}, err
	}
	stored, count, err := quotaFromHash(vals)
	if err != nil {
		return domain.QuotaCounter{}, fmt.Errorf("parse %s quota: %w", period, err)
	}
	start, rolled := rollCount(period, stored, count, now)
	return domain.QuotaCounter{Period: period, Count: rolled, WindowStart: start.Format(time.RFC3339)}, nil
}

func (s *Redis) LastSendAt(ctx context.Context) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, s.lastSendKey()).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := parseTime(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (s *Redis) Cancelled(ctx context.Context) (bool, error) {
	raw, err := s.client.Get(ctx, s.cancelKey()).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return raw == "1", nil
}

func (s *Redis) SetCancelled(ctx context.Context, on bool) error {
	if on {
		return s.client.Set(ctx, s.cancelKey(), "1", 0).Err()
	}
	return s.client.Del(ctx, s.cancelKey()).Err()
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func seenFromHash(fingerprint string, vals map[string]string) domain.SeenRecord {
	rec := domain.SeenRecord{
		Fingerprint: fingerprint,
		FirstSeenAt: vals["first_seen_at"],
		Sent:        vals["sent"] == "1",
	}
	if sentAt := vals["sent_at"]; sentAt != "" {
		rec.SentAt = &sentAt
	}
	return rec
}

func quotaFromHash(vals map[string]string) (time.Time, int, error) {
	if len(vals) == 0 {
		return time.Time{}, 0, nil
	}
	count := 0
	if raw := vals["count"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return time.Time{}, 0, err
		}
		count = n
	}
	var start time.Time
	if raw := vals["window_start"]; raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return time.Time{}, 0, err
		}
		start = t
	}
	return start, count, nil
}
