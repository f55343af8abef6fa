package services

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fedgate-dev/fedgate/domain"
	ferrors "github.com/fedgate-dev/fedgate/errors"
	"github.com/fedgate-dev/fedgate/internal/backends"
	"github.com/fedgate-dev/fedgate/internal/metrics"
)

// justiceEmailSuffix is the recognized justice-domain suffix used to
// corroborate an email address discovered for a newly mirrored user.
const justiceEmailSuffix = "justice.gov.uk"

// EmailRetriever looks up the known email addresses for a username so a
// newly mirrored record can be seeded with a corroborated address.
type EmailRetriever interface {
	ExistingEmailAddressesForUsername(ctx context.Context, username string) ([]string, error)
}

// UserService resolves which backing system masters a username and owns
// the locally stored user records, mirroring externally mastered
// identities on first sight.
type UserService struct {
	local   backends.IdentityBackend
	remotes []backends.IdentityBackend // fixed precedence: nomis, delius, azure
	users   domain.UserRepository
	emails  EmailRetriever
}

// NewUserService builds the resolver. remotes must be given in precedence
// order; resolution walks local first, then each remote in turn.
func NewUserService(
	local backends.IdentityBackend,
	remotes []backends.IdentityBackend,
	users domain.UserRepository,
	emails EmailRetriever,
) *UserService {
	return &UserService{
		local:   local,
		remotes: remotes,
		users:   users,
		emails:  emails,
	}
}

// normalizeUsername trims whitespace and upper-cases, the canonical form
// for every stored and resolved username.
func normalizeUsername(username string) string {
	return strings.ToUpper(strings.TrimSpace(username))
}

// FindMasterUserPersonDetails returns the authoritative view of the
// username: the first source in precedence order reporting a match. A
// local store failure is fatal; a remote 4xx degrades to the next source;
// a remote outage escalates as UpstreamUnavailableError so it is never
// mistaken for account nonexistence.
func (s *UserService) FindMasterUserPersonDetails(ctx context.Context, username string) (domain.UserPersonDetails, error) {
	return s.resolve(ctx, username, false)
}

// FindEnabledMasterUserPersonDetails is identical but a disabled match
// falls through to lower-precedence sources.
func (s *UserService) FindEnabledMasterUserPersonDetails(ctx context.Context, username string) (domain.UserPersonDetails, error) {
	return s.resolve(ctx, username, true)
}

func (s *UserService) resolve(ctx context.Context, username string, enabledOnly bool) (domain.UserPersonDetails, error) {
	username = normalizeUsername(username)

	details, err := s.local.GetByUsername(ctx, username)
	switch {
	case err == nil:
		if !enabledOnly || details.IsEnabled() {
			return details, nil
		}
	case !errors.Is(err, ferrors.ErrUserNotFound):
		// Local store failures are infrastructure errors and propagate.
		return nil, err
	}

	for _, backend := range s.remotes {
		details, err := backend.GetByUsername(ctx, username)
		if err != nil {
			if errors.Is(err, ferrors.ErrUserNotFound) {
				continue
			}
			if ferrors.IsUpstreamUnavailable(err) {
				metrics.BackendUnavailableTotal.WithLabelValues(string(backend.Source())).Inc()
			}
			return nil, err
		}
		if enabledOnly && !details.IsEnabled() {
			continue
		}
		return details, nil
	}
	return nil, ferrors.ErrUserNotFound
}

// FindUser returns the locally stored record for the username whether it
// is locally mastered or a mirror.
func (s *UserService) FindUser(ctx context.Context, username string) (*domain.User, error) {
	return s.users.FindByUsername(ctx, normalizeUsername(username))
}

// GetOrCreateUser returns the stored record for the username, mirroring it
// from the mastering backend on first sight. The call is idempotent: an
// existing record is returned unchanged and no discovery lookups run.
func (s *UserService) GetOrCreateUser(ctx context.Context, username string) (*domain.User, error) {
	username = normalizeUsername(username)

	user, err := s.users.FindByUsername(ctx, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ferrors.ErrUserNotFound) {
		return nil, err
	}

	details, err := s.resolveRemote(ctx, username)
	if err != nil {
		return nil, err
	}

	user = &domain.User{
		Username:   username,
		FirstName:  details.GetFirstName(),
		LastName:   surnameOf(details),
		Enabled:    true,
		AuthSource: details.Source(),
	}

	if email, ok := s.discoverJusticeEmail(ctx, username); ok {
		user.Email = email
		user.Verified = true
	}

	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, ferrors.ErrDuplicateUser) {
			// Lost a first-sight race; the winner's record is ours too.
			log.Info().Str("username", username).Msg("concurrent user creation detected, re-reading")
			return s.users.FindByUsername(ctx, username)
		}
		return nil, err
	}
	metrics.UsersMirroredTotal.Inc()
	log.Info().Str("username", username).Str("source", string(user.AuthSource)).Msg("mirrored externally mastered user")
	return user, nil
}

// GetOrCreateUsers runs GetOrCreateUser over a batch, skipping usernames
// that cannot be resolved or created.
func (s *UserService) GetOrCreateUsers(ctx context.Context, usernames []string) []*domain.User {
	users := make([]*domain.User, 0, len(usernames))
	for _, username := range usernames {
		user, err := s.GetOrCreateUser(ctx, username)
		if err != nil {
			log.Warn().Err(err).Str("username", username).Msg("skipping user during batch get-or-create")
			continue
		}
		users = append(users, user)
	}
	return users
}

// resolveRemote finds the mastering non-local backend for a first-sight
// username, in precedence order.
func (s *UserService) resolveRemote(ctx context.Context, username string) (domain.UserPersonDetails, error) {
	for _, backend := range s.remotes {
		details, err := backend.GetByUsername(ctx, username)
		if err != nil {
			if errors.Is(err, ferrors.ErrUserNotFound) {
				continue
			}
			return nil, err
		}
		return details, nil
	}
	return nil, ferrors.ErrUserNotFound
}

// GetEmailAddressFromNomis returns the single corroborated justice-domain
// address for the username, if exactly one candidate carries the suffix.
func (s *UserService) GetEmailAddressFromNomis(ctx context.Context, username string) (string, bool) {
	return s.discoverJusticeEmail(ctx, username)
}

func (s *UserService) discoverJusticeEmail(ctx context.Context, username string) (string, bool) {
	candidates, err := s.emails.ExistingEmailAddressesForUsername(ctx, username)
	if err != nil {
		log.Warn().Err(err).Str("username", username).Msg("email discovery failed, creating user without email")
		return "", false
	}

	var match string
	count := 0
	for _, email := range candidates {
		if strings.HasSuffix(strings.ToLower(email), justiceEmailSuffix) {
			match = email
			count++
		}
	}
	// Zero candidates proves nothing; two or more is ambiguous. Only a
	// unique justice-domain address is trusted.
	if count != 1 {
		return "", false
	}
	return match, true
}

// IsEmailVerified reports whether the user's primary email address has
// been verified.
func (s *UserService) IsEmailVerified(ctx context.Context, username string) (bool, error) {
	user, err := s.FindUser(ctx, username)
	if err != nil {
		return false, err
	}
	return user.Verified, nil
}

// IsSameAsCurrentVerifiedMobile reports whether the supplied mobile equals
// the user's current verified mobile number, ignoring whitespace.
func (s *UserService) IsSameAsCurrentVerifiedMobile(ctx context.Context, username, mobile string) (bool, error) {
	user, err := s.FindUser(ctx, username)
	if err != nil {
		return false, err
	}
	if !user.MobileVerified {
		return false, nil
	}
	canonical := strings.ReplaceAll(mobile, " ", "")
	return canonical == strings.ReplaceAll(user.Mobile, " ", ""), nil
}

// IsSameAsCurrentVerifiedEmail reports whether the supplied address equals
// the user's current verified email of the given type.
func (s *UserService) IsSameAsCurrentVerifiedEmail(ctx context.Context, username, email string, emailType domain.EmailType) (bool, error) {
	user, err := s.FindUser(ctx, username)
	if err != nil {
		return false, err
	}
	if emailType == domain.EmailTypeSecondary {
		return user.SecondaryEmailVerified && email == user.SecondaryEmail, nil
	}
	return user.Verified && email == user.Email, nil
}

// surnameOf extracts the family-name part of the display name, the part
// after the first name.
func surnameOf(details domain.UserPersonDetails) string {
	name := details.GetName()
	first := details.GetFirstName()
	if first != "" && strings.HasPrefix(name, first+" ") {
		return strings.TrimSpace(strings.TrimPrefix(name, first+" "))
	}
	return ""
}
