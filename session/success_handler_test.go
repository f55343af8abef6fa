package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedgate-dev/fedgate/config"
)

type recordingVerifier struct {
	mu        sync.Mutex
	enabled   bool
	registers []string
	revokes   []string
	refreshes []string
}

func (v *recordingVerifier) Enabled() bool { return v.enabled }

func (v *recordingVerifier) Register(_ context.Context, jwtID, _ string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.registers = append(v.registers, jwtID)
}

func (v *recordingVerifier) Revoke(_ context.Context, jwtID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.revokes = append(v.revokes, jwtID)
}

func (v *recordingVerifier) Refresh(_ context.Context, oldJwtID, _ string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refreshes = append(v.refreshes, oldJwtID)
}

func (v *recordingVerifier) calls() (int, int, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.registers), len(v.revokes), len(v.refreshes)
}

type stubEmailChecker struct {
	verified bool
	err      error
}

func (s *stubEmailChecker) IsEmailVerified(context.Context, string) (bool, error) {
	return s.verified, s.err
}

func newTestSuccessHandler(verifier *recordingVerifier, emailVerified bool) (*SuccessHandler, *JwtHelper, *CookieHelper) {
	cfg := config.JwtConfig{
		Secret:     "test-secret-test-secret-test-secret",
		Issuer:     "fedgate",
		ExpiryTime: time.Hour,
		CookieName: "fedgate_jwt",
	}
	jwt := NewJwtHelper(cfg)
	cookies := NewCookieHelper(cfg)
	return NewSuccessHandler(jwt, cookies, verifier, &stubEmailChecker{verified: emailVerified}), jwt, cookies
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "fedgate_jwt" {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestOnAuthenticationSuccess_SetsCookieAndRedirects(t *testing.T) {
	verifier := &recordingVerifier{enabled: true}
	handler, jwt, _ := newTestSuccessHandler(verifier, true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	principal := testPrincipal()

	require.NoError(t, handler.OnAuthenticationSuccess(rec, req, principal, "/dashboard"))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/dashboard", rec.Header().Get("Location"))

	cookie := sessionCookie(t, rec)
	details, ok := jwt.ReadUserDetailsFromJwt(cookie.Value)
	require.True(t, ok)
	assert.Equal(t, "BOB", details.Username)
	assert.False(t, details.PassedMfa)
	assert.True(t, cookie.HttpOnly)

	registers, _, _ := verifier.calls()
	assert.Equal(t, 1, registers)
}

func TestOnAuthenticationSuccess_UnverifiedEmailRedirect(t *testing.T) {
	handler, _, _ := newTestSuccessHandler(&recordingVerifier{}, false)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)

	require.NoError(t, handler.OnAuthenticationSuccess(rec, req, testPrincipal(), "/dashboard"))

	// Email verification comes before any saved target.
	assert.Equal(t, VerifyEmailPath, rec.Header().Get("Location"))
}

func TestOnAuthenticationSuccess_RevokesSupersededSession(t *testing.T) {
	verifier := &recordingVerifier{enabled: true}
	handler, jwt, _ := newTestSuccessHandler(verifier, true)

	prior, err := jwt.CreateJwtWithID(testPrincipal(), "old-jwt-id", true)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.AddCookie(&http.Cookie{Name: "fedgate_jwt", Value: prior})

	require.NoError(t, handler.OnAuthenticationSuccess(rec, req, testPrincipal(), ""))

	// Revocation is fire-and-forget; give it a beat.
	assert.Eventually(t, func() bool {
		verifier.mu.Lock()
		defer verifier.mu.Unlock()
		return len(verifier.revokes) == 1 && verifier.revokes[0] == "old-jwt-id"
	}, time.Second, 10*time.Millisecond)
}

func TestOnAuthenticationSuccess_DisabledVerifierMakesNoCalls(t *testing.T) {
	verifier := &recordingVerifier{enabled: false}
	handler, jwt, _ := newTestSuccessHandler(verifier, true)

	prior, err := jwt.CreateJwtWithID(testPrincipal(), "old-jwt-id", true)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.AddCookie(&http.Cookie{Name: "fedgate_jwt", Value: prior})

	require.NoError(t, handler.OnAuthenticationSuccess(rec, req, testPrincipal(), ""))

	assert.Equal(t, http.StatusFound, rec.Code)
	registers, revokes, refreshes := verifier.calls()
	assert.Zero(t, registers)
	assert.Zero(t, revokes)
	assert.Zero(t, refreshes)
}

func TestUpdateMfaInRequest_PreservesJwtIDAndFlipsPassedMfa(t *testing.T) {
	verifier := &recordingVerifier{enabled: true}
	handler, jwt, _ := newTestSuccessHandler(verifier, true)

	principal := testPrincipal()
	principal.JwtID = "stable-jwt-id"
	principal.PassedMfa = false

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mfa-challenge", nil)

	upgraded, err := handler.UpdateMfaInRequest(rec, req, principal)
	require.NoError(t, err)

	cookie := sessionCookie(t, rec)
	details, ok := jwt.ReadUserDetailsFromJwt(cookie.Value)
	require.True(t, ok)
	assert.Equal(t, "stable-jwt-id", details.JwtID)
	assert.True(t, details.PassedMfa)

	fromCtx, ok := FromContext(upgraded.Context())
	require.True(t, ok)
	assert.True(t, fromCtx.PassedMfa)
	assert.Equal(t, "stable-jwt-id", fromCtx.JwtID)

	// The caller's principal is untouched; the upgrade flows through the
	// returned request.
	assert.False(t, principal.PassedMfa)
}

func TestUpdateAuthenticationInRequest_KeepsMfaState(t *testing.T) {
	handler, jwt, _ := newTestSuccessHandler(&recordingVerifier{}, true)

	principal := testPrincipal()
	principal.JwtID = "stable-jwt-id"
	principal.PassedMfa = true

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/account-details", nil)

	_, err := handler.UpdateAuthenticationInRequest(rec, req, principal)
	require.NoError(t, err)

	details, ok := jwt.ReadUserDetailsFromJwt(sessionCookie(t, rec).Value)
	require.True(t, ok)
	assert.Equal(t, "stable-jwt-id", details.JwtID)
	assert.True(t, details.PassedMfa)
}
