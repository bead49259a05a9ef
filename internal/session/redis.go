package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lfarias-data/tenantpool/internal/config"
	"github.com/lfarias-data/tenantpool/internal/metrics"
)

// RedisStore persists session credentials in Redis, one hash per external
// session with one field per environment. Entries expire with the
// configured session TTL, refreshed on every write.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects a store to Redis using the shared configuration.
func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &RedisStore{client: rdb, ttl: cfg.SessionTTL}
}

// Client exposes the underlying Redis client for health checks.
func (r *RedisStore) Client() *redis.Client { return r.client }

// Close releases the Redis client.
func (r *RedisStore) Close() error { return r.client.Close() }

func sessionKey(sid string) string {
	return "tenantpool:session:" + sid
}

func (r *RedisStore) Get(ctx context.Context, sid, env string) (*Credentials, error) {
	raw, err := r.client.HGet(ctx, sessionKey(sid), env).Result()
	if err == redis.Nil {
		metrics.SessionStoreOperations.WithLabelValues("get", "miss").Inc()
		return nil, nil
	}
	if err != nil {
		metrics.SessionStoreOperations.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("session store get %s/%s: %w", sid, env, err)
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		metrics.SessionStoreOperations.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("session store decode %s/%s: %w", sid, env, err)
	}
	metrics.SessionStoreOperations.WithLabelValues("get", "ok").Inc()
	return &creds, nil
}

func (r *RedisStore) Set(ctx context.Context, sid, env string, creds Credentials) error {
	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("session store encode %s/%s: %w", sid, env, err)
	}
	key := sessionKey(sid)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, env, raw)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.SessionStoreOperations.WithLabelValues("set", "error").Inc()
		return fmt.Errorf("session store set %s/%s: %w", sid, env, err)
	}
	metrics.SessionStoreOperations.WithLabelValues("set", "ok").Inc()
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, sid, env string) error {
	if err := r.client.HDel(ctx, sessionKey(sid), env).Err(); err != nil {
		metrics.SessionStoreOperations.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("session store delete %s/%s: %w", sid, env, err)
	}
	metrics.SessionStoreOperations.WithLabelValues("delete", "ok").Inc()
	return nil
}

func (r *RedisStore) DeleteAll(ctx context.Context, sid string) error {
	if err := r.client.Del(ctx, sessionKey(sid)).Err(); err != nil {
		metrics.SessionStoreOperations.WithLabelValues("delete_all", "error").Inc()
		return fmt.Errorf("session store delete all %s: %w", sid, err)
	}
	metrics.SessionStoreOperations.WithLabelValues("delete_all", "ok").Inc()
	return nil
}
