package session

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fedgate-dev/fedgate/internal/metrics"
	"github.com/fedgate-dev/fedgate/internal/tokenverify"
)

// VerifyEmailPath is where a freshly authenticated user with no verified
// email gets sent before anything else.
const VerifyEmailPath = "/verify-email"

// DefaultTargetPath is the fallback redirect after authentication when the
// request saved no explicit target.
const DefaultTargetPath = "/"

// revokeTimeout bounds the fire-and-forget revocation of a superseded
// session; it runs detached from the request context.
const revokeTimeout = 5 * time.Second

// EmailVerifiedChecker reports whether the user's primary email is
// verified, which gates the post-login redirect.
type EmailVerifiedChecker interface {
	IsEmailVerified(ctx context.Context, username string) (bool, error)
}

// SuccessHandler finalizes an authentication: it supersedes any prior
// session, mints and sets the new credential, mirrors the jwt-id to the
// verification service, and picks the landing redirect.
type SuccessHandler struct {
	jwt      *JwtHelper
	cookies  *CookieHelper
	verifier tokenverify.Verifier
	emails   EmailVerifiedChecker
}

// NewSuccessHandler builds the orchestrator.
func NewSuccessHandler(jwt *JwtHelper, cookies *CookieHelper, verifier tokenverify.Verifier, emails EmailVerifiedChecker) *SuccessHandler {
	return &SuccessHandler{jwt: jwt, cookies: cookies, verifier: verifier, emails: emails}
}

// OnAuthenticationSuccess completes a primary login. Any credential the
// request already carried is superseded: its jwt-id is revoked at the
// verification service, best-effort and off the request path. The new
// credential gets a fresh jwt-id with the second factor not yet passed.
// The redirect goes to the email verification page when the user's email
// is unverified, otherwise to the supplied target.
func (h *SuccessHandler) OnAuthenticationSuccess(w http.ResponseWriter, r *http.Request, principal *UserDetails, target string) error {
	if err := h.EstablishSession(w, r, principal); err != nil {
		return err
	}
	http.Redirect(w, r, h.chooseTarget(r.Context(), principal.Username, target), http.StatusFound)
	return nil
}

// EstablishSession supersedes any prior session and sets a fresh
// credential on the response without redirecting. The principal gets a new
// jwt-id and starts with the second factor not passed; step-up later
// re-issues under the same jwt-id.
func (h *SuccessHandler) EstablishSession(w http.ResponseWriter, r *http.Request, principal *UserDetails) error {
	h.revokeExisting(r)

	principal.JwtID = uuid.NewString()
	principal.PassedMfa = false
	token, err := h.jwt.CreateJwtWithID(principal, principal.JwtID, false)
	if err != nil {
		return err
	}

	h.cookies.AddCookieToResponse(w, token)
	h.registerToken(r.Context(), principal.JwtID, token)
	metrics.SessionsCreatedTotal.Inc()
	log.Info().
		Str("username", principal.Username).
		Str("source", string(principal.AuthSource)).
		Msg("authentication succeeded")
	return nil
}

// RedirectAfterAuthentication sends the authenticated user to the email
// verification page when needed, else to the saved or default target.
func (h *SuccessHandler) RedirectAfterAuthentication(w http.ResponseWriter, r *http.Request, username, target string) {
	http.Redirect(w, r, h.chooseTarget(r.Context(), username, target), http.StatusFound)
}

// UpdateMfaInRequest re-issues the session credential after a passed
// second factor. The jwt-id is preserved so the session identity is
// stable; only the passed_mfa claim flips. The returned request carries
// the upgraded principal in its context so the rest of the handling
// observes the new state.
func (h *SuccessHandler) UpdateMfaInRequest(w http.ResponseWriter, r *http.Request, principal *UserDetails) (*http.Request, error) {
	upgraded := *principal
	upgraded.PassedMfa = true

	token, err := h.jwt.CreateJwtWithID(&upgraded, upgraded.JwtID, true)
	if err != nil {
		return r, err
	}
	h.cookies.AddCookieToResponse(w, token)
	h.refreshToken(r.Context(), upgraded.JwtID, token)
	log.Info().Str("username", upgraded.Username).Msg("mfa passed, session credential upgraded")
	return r.WithContext(WithUserDetails(r.Context(), &upgraded)), nil
}

// UpdateAuthenticationInRequest re-mints the credential after a profile
// mutation, preserving both the jwt-id and the current second-factor
// state.
func (h *SuccessHandler) UpdateAuthenticationInRequest(w http.ResponseWriter, r *http.Request, principal *UserDetails) (*http.Request, error) {
	token, err := h.jwt.CreateJwtWithID(principal, principal.JwtID, principal.PassedMfa)
	if err != nil {
		return r, err
	}
	h.cookies.AddCookieToResponse(w, token)
	h.refreshToken(r.Context(), principal.JwtID, token)
	return r.WithContext(WithUserDetails(r.Context(), principal)), nil
}

func (h *SuccessHandler) chooseTarget(ctx context.Context, username, target string) string {
	verified, err := h.emails.IsEmailVerified(ctx, username)
	if err != nil {
		log.Warn().Err(err).Str("username", username).Msg("unable to check email verification, skipping redirect")
	} else if !verified {
		return VerifyEmailPath
	}
	if target == "" {
		return DefaultTargetPath
	}
	return target
}

// revokeExisting revokes the jwt-id of any credential the request already
// carries. It runs detached: a slow or down verification service must not
// delay the login response.
func (h *SuccessHandler) revokeExisting(r *http.Request) {
	if !h.verifier.Enabled() {
		return
	}
	value, ok := h.cookies.ReadValueFromCookie(r)
	if !ok {
		return
	}
	prior, ok := h.jwt.ReadUserDetailsFromJwt(value)
	if !ok {
		return
	}
	go func(jwtID string) {
		ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
		defer cancel()
		h.verifier.Revoke(ctx, jwtID)
	}(prior.JwtID)
}

func (h *SuccessHandler) registerToken(ctx context.Context, jwtID, token string) {
	if !h.verifier.Enabled() || jwtID == "" {
		return
	}
	h.verifier.Register(ctx, jwtID, token)
}

func (h *SuccessHandler) refreshToken(ctx context.Context, jwtID, token string) {
	if !h.verifier.Enabled() {
		return
	}
	h.verifier.Refresh(ctx, jwtID, token)
}
