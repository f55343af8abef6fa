// Package redis provides a ChallengeStore backed by Redis, for deployments
// where the gateway runs more than one replica and a pending MFA challenge
// must be visible to all of them.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fedgate-dev/fedgate/cache"
	"github.com/fedgate-dev/fedgate/domain"
	ferrors "github.com/fedgate-dev/fedgate/errors"
)

// ChallengeStore implements cache.ChallengeStore using Redis. Challenges
// are stored under token keys with a secondary code index; both carry the
// challenge TTL so Redis expires them without housekeeping.
type ChallengeStore struct {
	client *redis.Client
	prefix string
}

// NewChallengeStore creates a new ChallengeStore instance.
func NewChallengeStore(client *redis.Client, prefix string) *ChallengeStore {
	return &ChallengeStore{client: client, prefix: prefix}
}

func (r *ChallengeStore) tokenKey(token string) string {
	return fmt.Sprintf("%s:mfa:token:%s", r.prefix, token)
}

func (r *ChallengeStore) codeKey(code string) string {
	return fmt.Sprintf("%s:mfa:code:%s", r.prefix, code)
}

// Put stores the challenge and, for code challenges, a code-to-token index.
func (r *ChallengeStore) Put(ctx context.Context, challenge *domain.MfaChallenge) error {
	ttl := time.Until(challenge.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	body, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	if err := r.client.Set(ctx, r.tokenKey(challenge.Token), body, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store challenge in redis: %w", err)
	}
	if challenge.TokenType == domain.TokenTypeMfaCode {
		if err := r.client.Set(ctx, r.codeKey(challenge.Code), challenge.Token, ttl).Err(); err != nil {
			return fmt.Errorf("failed to index challenge code in redis: %w", err)
		}
	}
	return nil
}

// Get retrieves a challenge by its token.
func (r *ChallengeStore) Get(ctx context.Context, token string) (*domain.MfaChallenge, error) {
	body, err := r.client.Get(ctx, r.tokenKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ferrors.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to read challenge from redis: %w", err)
	}

	var challenge domain.MfaChallenge
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}
	return &challenge, nil
}

// FindByCode resolves the code index and then loads the challenge.
func (r *ChallengeStore) FindByCode(ctx context.Context, code string) (*domain.MfaChallenge, error) {
	token, err := r.client.Get(ctx, r.codeKey(code)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ferrors.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to resolve challenge code in redis: %w", err)
	}
	return r.Get(ctx, token)
}

// Delete removes the challenge and its code index.
func (r *ChallengeStore) Delete(ctx context.Context, token string) error {
	challenge, err := r.Get(ctx, token)
	if err != nil {
		if errors.Is(err, ferrors.ErrChallengeNotFound) {
			return nil
		}
		return err
	}

	keys := []string{r.tokenKey(token)}
	if challenge.TokenType == domain.TokenTypeMfaCode {
		keys = append(keys, r.codeKey(challenge.Code))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete challenge from redis: %w", err)
	}
	return nil
}

// Close is a no-op; the redis client is owned by the caller.
func (r *ChallengeStore) Close() error { return nil }

var _ cache.ChallengeStore = (*ChallengeStore)(nil)
