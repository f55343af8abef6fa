package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fedgate-dev/fedgate/cache"
	"github.com/fedgate-dev/fedgate/config"
	"github.com/fedgate-dev/fedgate/domain"
	ferrors "github.com/fedgate-dev/fedgate/errors"
	"github.com/fedgate-dev/fedgate/internal/metrics"
	"github.com/fedgate-dev/fedgate/internal/notify"
)

// MfaService owns the step-up gate: deciding when a second factor is
// required, issuing and delivering codes, and validating them.
type MfaService struct {
	challenges cache.ChallengeStore
	users      *UserService
	sender     notify.Sender
	whitelist  []netip.Prefix
	roles      map[string]struct{}
	templateID string
	tokenTTL   time.Duration
	codeTTL    time.Duration
	now        func() time.Time
}

// NewMfaService builds the gate from configuration. Whitelist entries may
// be bare addresses or CIDR ranges; unparseable entries are logged and
// skipped rather than silently widening or narrowing the trusted set.
func NewMfaService(cfg config.MfaConfig, challenges cache.ChallengeStore, users *UserService, sender notify.Sender) *MfaService {
	whitelist := make([]netip.Prefix, 0, len(cfg.Whitelist))
	for _, entry := range cfg.Whitelist {
		prefix, err := parseTrustedNetwork(entry)
		if err != nil {
			log.Warn().Str("entry", entry).Err(err).Msg("ignoring malformed mfa whitelist entry")
			continue
		}
		whitelist = append(whitelist, prefix)
	}

	roles := make(map[string]struct{}, len(cfg.Roles))
	for _, r := range cfg.Roles {
		roles[strings.ToUpper(r)] = struct{}{}
	}

	return &MfaService{
		challenges: challenges,
		users:      users,
		sender:     sender,
		whitelist:  whitelist,
		roles:      roles,
		templateID: cfg.NotifyTemplateID,
		tokenTTL:   cfg.TokenTTL,
		codeTTL:    cfg.CodeTTL,
		now:        time.Now,
	}
}

func parseTrustedNetwork(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		return netip.ParsePrefix(entry)
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// NeedsMfa decides whether this request must pass a second factor. A
// request from a trusted network never needs MFA regardless of roles;
// outside it, any authority in the configured step-up set triggers the
// gate. An unparseable remote address is treated as untrusted.
func (s *MfaService) NeedsMfa(remoteIP string, authorities []string) bool {
	if addr, err := netip.ParseAddr(remoteIP); err == nil {
		for _, prefix := range s.whitelist {
			if prefix.Contains(addr) {
				return false
			}
		}
	} else if remoteIP != "" {
		log.Warn().Str("remote_ip", remoteIP).Msg("unparseable remote address, treating as untrusted")
	}

	for _, authority := range authorities {
		if _, ok := s.roles[strings.ToUpper(authority)]; ok {
			return true
		}
	}
	return false
}

// CreateTokenAndSendEmail issues a fresh challenge for the username and
// delivers the code to the user's verified email. It returns the
// correlation token the client holds through code entry and resend, and
// the issued code. ErrMfaUnavailable means the user has no verified
// delivery method; a delivery failure propagates.
func (s *MfaService) CreateTokenAndSendEmail(ctx context.Context, username string) (string, string, error) {
	user, err := s.users.GetOrCreateUser(ctx, username)
	if err != nil {
		return "", "", err
	}
	if !user.HasVerifiedMfaMethod() {
		return "", "", ferrors.ErrMfaUnavailable
	}

	token := uuid.NewString()
	code, err := s.issueCode(ctx, user.Username)
	if err != nil {
		return "", "", err
	}

	challenge := &domain.MfaChallenge{
		Token:     token,
		Code:      code,
		Username:  user.Username,
		TokenType: domain.TokenTypeMfa,
		ExpiresAt: s.now().Add(s.tokenTTL),
	}
	if err := s.challenges.Put(ctx, challenge); err != nil {
		return "", "", err
	}

	if err := s.sendCode(ctx, user, code); err != nil {
		return "", "", err
	}
	metrics.MfaChallengesTotal.Inc()
	log.Info().Str("username", user.Username).Msg("mfa challenge issued")
	return token, code, nil
}

// ResendMfaCode invalidates the outstanding code for the token and sends a
// fresh one under the same correlation token. The token keeps its original
// deadline: a resend renews the code, never the challenge.
func (s *MfaService) ResendMfaCode(ctx context.Context, token string) error {
	challenge, err := s.challenges.Get(ctx, token)
	if err != nil {
		return err
	}
	if challenge.Expired(s.now()) {
		return ferrors.ErrChallengeNotFound
	}
	user, err := s.users.FindUser(ctx, challenge.Username)
	if err != nil {
		return err
	}
	if !user.HasVerifiedMfaMethod() {
		return ferrors.ErrMfaUnavailable
	}

	code, err := s.issueCode(ctx, challenge.Username)
	if err != nil {
		return err
	}
	superseded := challenge.Code
	challenge.Code = code
	if err := s.challenges.Put(ctx, challenge); err != nil {
		return err
	}
	if err := s.challenges.Delete(ctx, codeKey(superseded)); err != nil {
		log.Warn().Err(err).Msg("unable to retire superseded mfa code entry")
	}
	if err := s.sendCode(ctx, user, code); err != nil {
		return err
	}
	log.Info().Str("username", challenge.Username).Msg("mfa code resent")
	return nil
}

// ValidateAndRemoveMfaCode checks the submitted code against the pending
// challenge for the token. The challenge must belong to the given username
// and the code must still be inside its own lifetime, which is shorter
// than the token's. The returned reason is empty on success, otherwise one
// of the validation reason codes. A validated challenge is consumed so the
// code cannot be replayed; a rejected attempt leaves it pending.
func (s *MfaService) ValidateAndRemoveMfaCode(ctx context.Context, token, code, username string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return ferrors.MfaReasonMissingCode, nil
	}

	challenge, err := s.challenges.Get(ctx, token)
	if err != nil {
		if errors.Is(err, ferrors.ErrChallengeNotFound) {
			metrics.MfaFailedTotal.Inc()
			return ferrors.MfaReasonExpired, nil
		}
		return "", err
	}
	if challenge.Expired(s.now()) {
		metrics.MfaFailedTotal.Inc()
		return ferrors.MfaReasonExpired, nil
	}
	if challenge.Username != username {
		metrics.MfaFailedTotal.Inc()
		log.Warn().Str("username", username).Str("challenge", challenge.Username).Msg("mfa code submitted against another user's challenge")
		return ferrors.MfaReasonInvalid, nil
	}
	if challenge.Code != code {
		metrics.MfaFailedTotal.Inc()
		return ferrors.MfaReasonInvalid, nil
	}

	entry, err := s.challenges.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ferrors.ErrChallengeNotFound) {
			metrics.MfaFailedTotal.Inc()
			return ferrors.MfaReasonExpired, nil
		}
		return "", err
	}
	if entry.Expired(s.now()) {
		metrics.MfaFailedTotal.Inc()
		return ferrors.MfaReasonExpired, nil
	}

	if err := s.challenges.Delete(ctx, token); err != nil {
		log.Warn().Err(err).Msg("unable to consume validated mfa challenge")
	}
	if err := s.challenges.Delete(ctx, codeKey(challenge.Code)); err != nil {
		log.Warn().Err(err).Msg("unable to consume validated mfa code entry")
	}
	metrics.MfaValidatedTotal.Inc()
	return "", nil
}

// GetMfaUsername returns the username holding the pending challenge.
func (s *MfaService) GetMfaUsername(ctx context.Context, token string) (string, error) {
	challenge, err := s.challenges.Get(ctx, token)
	if err != nil {
		return "", err
	}
	return challenge.Username, nil
}

// UpdateUserMfaPreference records the user's chosen delivery method.
func (s *MfaService) UpdateUserMfaPreference(ctx context.Context, username string, pref domain.MfaPreferenceType) error {
	user, err := s.users.FindUser(ctx, username)
	if err != nil {
		return err
	}
	user.MfaPreference = pref
	if err := s.users.users.UpdateUser(ctx, user); err != nil {
		return err
	}
	log.Info().Str("username", user.Username).Str("preference", string(pref)).Msg("mfa preference updated")
	return nil
}

// issueCode generates a six digit one-time code and stores its short-lived
// challenge entry keyed by the code value itself.
func (s *MfaService) issueCode(ctx context.Context, username string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}
	entry := &domain.MfaChallenge{
		Token:     codeKey(code),
		Code:      code,
		Username:  username,
		TokenType: domain.TokenTypeMfaCode,
		ExpiresAt: s.now().Add(s.codeTTL),
	}
	if err := s.challenges.Put(ctx, entry); err != nil {
		return "", err
	}
	return code, nil
}

func (s *MfaService) sendCode(ctx context.Context, user *domain.User, code string) error {
	personalisation := map[string]string{
		"firstName": user.FirstName,
		"code":      code,
	}
	if err := s.sender.SendEmail(ctx, s.templateID, user.Email, personalisation, ""); err != nil {
		log.Error().Err(err).Str("username", user.Username).Msg("unable to deliver mfa code")
		return err
	}
	return nil
}

func codeKey(code string) string {
	return "code:" + code
}

// generateCode produces a uniformly random six digit code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("generating mfa code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
