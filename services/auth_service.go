package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fedgate-dev/fedgate/domain"
	ferrors "github.com/fedgate-dev/fedgate/errors"
	"github.com/fedgate-dev/fedgate/internal/backends"
	"github.com/fedgate-dev/fedgate/internal/metrics"
)

// AuthService performs primary credential authentication: it resolves
// which source masters the username, then verifies the password against
// that source and only that source.
type AuthService struct {
	users    *UserService
	backends map[domain.AuthSource]backends.IdentityBackend
	now      func() time.Time
}

// NewAuthService builds the authenticator over the same backends the
// resolver walks.
func NewAuthService(users *UserService, all []backends.IdentityBackend) *AuthService {
	bySource := make(map[domain.AuthSource]backends.IdentityBackend, len(all))
	for _, b := range all {
		bySource[b.Source()] = b
	}
	return &AuthService{users: users, backends: bySource, now: time.Now}
}

// Authenticate verifies the username and password. On success it returns
// the mastering source's view of the identity plus the local record,
// mirrored on first sight, with its last-login stamped. A wrong password
// and an unknown username both come back as ErrBadCredentials; a locked
// account as ErrLocked; a backend outage keeps its escalation type.
func (s *AuthService) Authenticate(ctx context.Context, username, password string) (domain.UserPersonDetails, *domain.User, error) {
	details, err := s.users.FindEnabledMasterUserPersonDetails(ctx, username)
	if err != nil {
		if errors.Is(err, ferrors.ErrUserNotFound) {
			metrics.LoginFailureTotal.Inc()
			return nil, nil, ferrors.ErrBadCredentials
		}
		return nil, nil, err
	}

	backend, ok := s.backends[details.Source()]
	if !ok {
		return nil, nil, ferrors.ErrBadCredentials
	}

	authenticated, err := backend.Authenticate(ctx, details.GetUsername(), password)
	if err != nil {
		return nil, nil, err
	}
	if !authenticated {
		metrics.LoginFailureTotal.Inc()
		log.Info().Str("username", details.GetUsername()).Str("source", string(details.Source())).Msg("authentication rejected")
		return nil, nil, ferrors.ErrBadCredentials
	}

	user, err := s.users.GetOrCreateUser(ctx, details.GetUsername())
	if err != nil {
		return nil, nil, err
	}
	if user.Locked {
		metrics.LoginFailureTotal.Inc()
		return nil, nil, ferrors.ErrLocked
	}

	user.LastLoggedIn = s.now()
	if err := s.users.users.UpdateUser(ctx, user); err != nil {
		// Login still counts; the stamp is bookkeeping.
		log.Warn().Err(err).Str("username", user.Username).Msg("unable to stamp last login")
	}

	metrics.LoginSuccessTotal.Inc()
	return details, user, nil
}
