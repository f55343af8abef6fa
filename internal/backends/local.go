package backends

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fedgate-dev/fedgate/domain"
	ferrors "github.com/fedgate-dev/fedgate/errors"
	"github.com/fedgate-dev/fedgate/internal/auth"
)

// LocalBackend serves identities mastered by the local auth store itself.
// Unlike the remote adapters its failures are infrastructure errors and
// propagate: if the local store is down nothing else can be trusted.
type LocalBackend struct {
	users  domain.UserRepository
	hasher auth.PasswordHasher
}

// NewLocalBackend wraps the user repository as an identity source.
func NewLocalBackend(users domain.UserRepository, hasher auth.PasswordHasher) *LocalBackend {
	return &LocalBackend{users: users, hasher: hasher}
}

func (b *LocalBackend) Source() domain.AuthSource { return domain.AuthSourceAuth }

// GetByUsername returns the local record only when the local store masters
// it. Mirrored records (stamped with a remote source) do not make the
// local store authoritative and report not found here.
func (b *LocalBackend) GetByUsername(ctx context.Context, username string) (domain.UserPersonDetails, error) {
	user, err := b.users.FindByUsername(ctx, strings.ToUpper(strings.TrimSpace(username)))
	if err != nil {
		return nil, err
	}
	if user.AuthSource != domain.AuthSourceAuth {
		return nil, ferrors.ErrUserNotFound
	}
	return user, nil
}

func (b *LocalBackend) GetByEmail(_ context.Context, _ string) ([]domain.UserPersonDetails, error) {
	// Email search over the local store is an administrative concern and
	// not part of identity resolution.
	return nil, nil
}

func (b *LocalBackend) Authenticate(ctx context.Context, username, password string) (bool, error) {
	details, err := b.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ferrors.ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}

	user := details.(*domain.User)
	if user.PasswordHash == "" {
		return false, nil
	}
	if err := b.hasher.Verify(user.PasswordHash, password); err != nil {
		log.Debug().Str("username", user.Username).Msg("local credential verification failed")
		return false, nil
	}
	return true, nil
}

func (b *LocalBackend) ChangePassword(ctx context.Context, username, password string) error {
	details, err := b.GetByUsername(ctx, username)
	if err != nil {
		return err
	}

	hash, err := b.hasher.Hash(password)
	if err != nil {
		return err
	}
	user := details.(*domain.User)
	user.PasswordHash = hash
	return b.users.UpdateUser(ctx, user)
}

var _ IdentityBackend = (*LocalBackend)(nil)
var _ IdentityBackend = (*NomisBackend)(nil)
var _ IdentityBackend = (*DeliusBackend)(nil)
var _ IdentityBackend = (*AzureBackend)(nil)
