// Package session keeps refresh sessions and revoked access tokens in Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"demoreel/api/internal/store"
)

// ErrNotFound is returned for unknown, expired or revoked refresh tokens.
var ErrNotFound = errors.New("refresh session not found or expired")

const (
	refreshPrefix = "demoreel:refresh:"
	revokedPrefix = "demoreel:revoked:"
	fallbackTTL   = 30 * 24 * time.Hour
)

type refreshRecord struct {
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

type RedisStore struct {
	client *redis.Client
}

// NewRedisStore parses redisURL and pings the server before returning.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func ttlUntil(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fallbackTTL
	}
	return ttl
}

func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, ownerID string, expiresAt time.Time) error {
	payload, err := json.Marshal(refreshRecord{OwnerID: ownerID, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal refresh session: %w", err)
	}
	if err := s.client.Set(ctx, refreshPrefix+tokenHash, payload, ttlUntil(expiresAt)).Err(); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

// LookupRefreshSession returns the owner the token belongs to. Only the ID
// is populated; callers load the rest of the account themselves.
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.Owner, error) {
	raw, err := s.client.Get(ctx, refreshPrefix+tokenHash).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Owner{}, ErrNotFound
	}
	if err != nil {
		return store.Owner{}, fmt.Errorf("lookup refresh session: %w", err)
	}

	var record refreshRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return store.Owner{}, fmt.Errorf("unmarshal refresh session: %w", err)
	}
	if record.OwnerID == "" {
		return store.Owner{}, ErrNotFound
	}
	return store.Owner{ID: record.OwnerID}, nil
}

func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, refreshPrefix+tokenHash).Err(); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// RevokeAccessToken denylists jti until the token would have expired anyway.
func (s *RedisStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	if err := s.client.Set(ctx, revokedPrefix+jti, "1", ttlUntil(exp)).Err(); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *RedisStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, revokedPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
