package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/fedgate-dev/fedgate/domain"
	"github.com/fedgate-dev/fedgate/errors"
)

// MemoryChallengeStore implements ChallengeStore using ttlcache.
type MemoryChallengeStore struct {
	cache *ttlcache.Cache[string, *domain.MfaChallenge]
}

// NewMemoryChallengeStore creates an in-memory challenge store with
// automatic expiry cleanup.
func NewMemoryChallengeStore(defaultTTL time.Duration) *MemoryChallengeStore {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *domain.MfaChallenge](defaultTTL),
		ttlcache.WithDisableTouchOnHit[string, *domain.MfaChallenge](),
	)

	go cache.Start()

	return &MemoryChallengeStore{cache: cache}
}

// Put implements ChallengeStore.Put.
func (s *MemoryChallengeStore) Put(_ context.Context, challenge *domain.MfaChallenge) error {
	s.cache.Set(challenge.Token, challenge, time.Until(challenge.ExpiresAt))
	return nil
}

// Get implements ChallengeStore.Get.
func (s *MemoryChallengeStore) Get(_ context.Context, token string) (*domain.MfaChallenge, error) {
	item := s.cache.Get(token)
	if item == nil {
		return nil, errors.ErrChallengeNotFound
	}
	return item.Value(), nil
}

// FindByCode scans live entries for a pending code challenge. The store
// only ever holds the handful of challenges in flight, so a scan is fine.
func (s *MemoryChallengeStore) FindByCode(_ context.Context, code string) (*domain.MfaChallenge, error) {
	var found *domain.MfaChallenge
	s.cache.Range(func(item *ttlcache.Item[string, *domain.MfaChallenge]) bool {
		c := item.Value()
		if c.TokenType == domain.TokenTypeMfaCode && c.Code == code {
			found = c
			return false
		}
		return true
	})
	if found == nil {
		return nil, errors.ErrChallengeNotFound
	}
	return found, nil
}

// Delete implements ChallengeStore.Delete.
func (s *MemoryChallengeStore) Delete(_ context.Context, token string) error {
	s.cache.Delete(token)
	return nil
}

// Close stops the cleanup goroutine.
func (s *MemoryChallengeStore) Close() error {
	s.cache.Stop()
	return nil
}

var _ ChallengeStore = (*MemoryChallengeStore)(nil)
