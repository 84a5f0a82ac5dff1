package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/firewatch-iot/firewatch/pkg/models"
)

// Redis key layout. The current slot is a plain JSON string; history is
// a sorted set scored by timestamp whose members are fixed-width
// sequence numbers, with the row payloads in a companion hash. The
// sequence keeps members unique when two readings share a timestamp.
const (
	redisKeyCurrent = "firewatch:current"
	redisKeyHistory = "firewatch:history"
	redisKeyRows    = "firewatch:history:rows"
	redisKeySeq     = "firewatch:history:seq"
)

// redisStore keeps telemetry in Redis (or Valkey). Ingest batches the
// snapshot overwrite and the history append into a single MULTI/EXEC,
// so a reader never observes the new current value while the history
// write has failed.
type redisStore struct {
	rdb *redis.Client
}

func openRedisStore(ctx context.Context, addr string) (*redisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %q: %w", addr, err)
	}
	return &redisStore{rdb: rdb}, nil
}

func (s *redisStore) Ingest(ctx context.Context, cr models.ClassifiedReading) error {
	raw, err := json.Marshal(cr)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}

	seq, err := s.rdb.Incr(ctx, redisKeySeq).Result()
	if err != nil {
		return fmt.Errorf("next history seq: %w", err)
	}
	// Fixed width keeps lexical member order aligned with insertion
	// order for same-timestamp entries.
	member := fmt.Sprintf("%016d", seq)

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, redisKeyCurrent, raw, 0)
	pipe.ZAdd(ctx, redisKeyHistory, redis.Z{Score: float64(cr.Timestamp), Member: member})
	pipe.HSet(ctx, redisKeyRows, member, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ingest pipeline: %w", err)
	}
	return nil
}

func (s *redisStore) Current(ctx context.Context) (*models.ClassifiedReading, error) {
	raw, err := s.rdb.Get(ctx, redisKeyCurrent).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read current: %w", err)
	}
	var cr models.ClassifiedReading
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("unmarshal current: %w", err)
	}
	return &cr, nil
}

func (s *redisStore) History(ctx context.Context, limit int, ord historyOrder) ([]models.ClassifiedReading, error) {
	if limit < 1 {
		limit = 1
	}
	members, err := s.rdb.ZRevRange(ctx, redisKeyHistory, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("range history: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	rows, err := s.rdb.HMGet(ctx, redisKeyRows, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch history rows: %w", err)
	}

	out := make([]models.ClassifiedReading, 0, len(rows))
	for i, row := range rows {
		raw, ok := row.(string)
		if !ok {
			// Row hash and sorted set drifted; skip rather than fail
			// the whole page.
			logger.Warn("history row missing for member", "member", members[i])
			continue
		}
		var cr models.ClassifiedReading
		if err := json.Unmarshal([]byte(raw), &cr); err != nil {
			return nil, fmt.Errorf("unmarshal history row %s: %w", members[i], err)
		}
		out = append(out, cr)
	}
	if ord == orderAscending {
		reverseReadings(out)
	}
	return out, nil
}

func (s *redisStore) DeleteAll(ctx context.Context) (int64, error) {
	count, err := s.rdb.ZCard(ctx, redisKeyHistory).Result()
	if err != nil {
		return 0, fmt.Errorf("count history: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, redisKeyHistory)
	pipe.Del(ctx, redisKeyRows)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete history: %w", err)
	}
	return count, nil
}

func (s *redisStore) DeleteBefore(ctx context.Context, cutoff int64) (int64, error) {
	max := fmt.Sprintf("%d", cutoff)
	members, err := s.rdb.ZRangeByScore(ctx, redisKeyHistory, &redis.ZRangeBy{
		Min: "-inf",
		Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("range history before %d: %w", cutoff, err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	fields := make([]string, len(members))
	copy(fields, members)

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKeyHistory, "-inf", max)
	pipe.HDel(ctx, redisKeyRows, fields...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("delete history before %d: %w", cutoff, err)
	}
	return int64(len(members)), nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.rdb.Close()
}
