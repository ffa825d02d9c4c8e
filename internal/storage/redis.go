package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"nanobanana-cli/internal/domain"
	"nanobanana-cli/internal/lib/sl"
	"nanobanana-cli/internal/ports"
)

const (
	redisKeyPrefix = "nanobanana:task:"
	redisRecentKey = "nanobanana:recent"
	redisRecentMax = 500
	redisRecordTTL = 30 * 24 * time.Hour
)

// RedisStore keeps each record as JSON under its own key plus a capped list
// of task ids, newest first.
type RedisStore struct {
	client *redis.Client
	log    *slog.Logger
}

// NewRedisStore connects to addr and fails if the server does not answer a
// ping.
func NewRedisStore(ctx context.Context, addr, password string, db int, log *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging Redis at %s: %w", addr, err)
	}
	return NewRedisStoreWithClient(client, log), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, log *slog.Logger) *RedisStore {
	return &RedisStore{client: client, log: sl.OrDiscard(log)}
}

func redisKey(taskID string) string {
	return redisKeyPrefix + taskID
}

// Save implements ports.GenerationStore.  A record with a known task id
// replaces the stored one.
func (r *RedisStore) Save(ctx context.Context, rec domain.GenerationRecord) error {
	item, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKey(rec.TaskID), item, redisRecordTTL)
		pipe.LRem(ctx, redisRecentKey, 0, rec.TaskID)
		pipe.LPush(ctx, redisRecentKey, rec.TaskID)
		pipe.LTrim(ctx, redisRecentKey, 0, redisRecentMax-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving generation %s: %w", rec.TaskID, err)
	}
	return nil
}

// Get implements ports.GenerationStore.  It returns nil, nil for an unknown
// task id.
func (r *RedisStore) Get(ctx context.Context, taskID string) (*domain.GenerationRecord, error) {
	data, err := r.client.Get(ctx, redisKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding generation: %w", err)
	}
	var rec domain.GenerationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding generation %s: %w", taskID, err)
	}
	return &rec, nil
}

// Recent skips ids whose record has expired.
func (r *RedisStore) Recent(ctx context.Context, limit int) ([]domain.GenerationRecord, error) {
	ids, err := r.client.LRange(ctx, redisRecentKey, 0, int64(recentLimit(limit)-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing generations: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading generations: %w", err)
	}

	out := make([]domain.GenerationRecord, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec domain.GenerationRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			r.log.Warn("skipping undecodable generation", sl.TaskID(ids[i]), sl.Err(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close implements ports.GenerationStore.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

var _ ports.GenerationStore = (*RedisStore)(nil)
