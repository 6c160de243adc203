package cache

import (
	"context"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

// SessionRevocations is a deny-list of token IDs. Entries expire together
// with the token they revoke.
type SessionRevocations struct {
	client *redisv9.Client
}

func NewSessionRevocations(client *redisv9.Client) *SessionRevocations {
	return &SessionRevocations{client: client}
}

func (r *SessionRevocations) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, revokedKey(tokenID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("redis revoke session failed: %w", err)
	}
	return nil
}

func (r *SessionRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, revokedKey(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis check revoked session failed: %w", err)
	}
	return n > 0, nil
}

func revokedKey(tokenID string) string {
	return "auth:revoked:" + tokenID
}
