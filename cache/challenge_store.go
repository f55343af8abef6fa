package cache

import (
	"context"

	"github.com/fedgate-dev/fedgate/domain"
)

// ChallengeStore holds pending MFA challenges for their short lifetime.
// Entries expire automatically at the challenge's ExpiresAt; a consumed
// challenge is deleted so codes are strictly one-time.
type ChallengeStore interface {
	// Put stores a challenge keyed by its token.
	Put(ctx context.Context, challenge *domain.MfaChallenge) error
	// Get retrieves a challenge by token. Returns
	// errors.ErrChallengeNotFound when absent or already expired.
	Get(ctx context.Context, token string) (*domain.MfaChallenge, error)
	// FindByCode retrieves a pending MFA_CODE challenge by its code value.
	FindByCode(ctx context.Context, code string) (*domain.MfaChallenge, error)
	// Delete removes a challenge; deleting an absent token is not an error.
	Delete(ctx context.Context, token string) error
	Close() error
}
