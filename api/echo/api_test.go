package echo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedgate-dev/fedgate/cache"
	"github.com/fedgate-dev/fedgate/config"
	"github.com/fedgate-dev/fedgate/domain"
	ferrors "github.com/fedgate-dev/fedgate/errors"
	"github.com/fedgate-dev/fedgate/internal/auth"
	"github.com/fedgate-dev/fedgate/internal/backends"
	"github.com/fedgate-dev/fedgate/internal/tokenverify"
	"github.com/fedgate-dev/fedgate/middleware"
	"github.com/fedgate-dev/fedgate/services"
	"github.com/fedgate-dev/fedgate/session"
)

type memoryUserRepo struct {
	mu    sync.Mutex
	users map[string]*domain.User
}

func (m *memoryUserRepo) FindByUsername(_ context.Context, username string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[username]
	if !ok {
		return nil, ferrors.ErrUserNotFound
	}
	return user, nil
}

func (m *memoryUserRepo) CreateUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.Username]; ok {
		return ferrors.ErrDuplicateUser
	}
	m.users[user.Username] = user
	return nil
}

func (m *memoryUserRepo) UpdateUser(_ context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.Username] = user
	return nil
}

type capturingSender struct {
	mu    sync.Mutex
	codes []string
}

func (c *capturingSender) SendEmail(_ context.Context, _, _ string, personalisation map[string]string, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes = append(c.codes, personalisation["code"])
	return nil
}

func (c *capturingSender) lastCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.codes) == 0 {
		return ""
	}
	return c.codes[len(c.codes)-1]
}

type testGateway struct {
	e      *echo.Echo
	repo   *memoryUserRepo
	sender *capturingSender
	jwt    *session.JwtHelper
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	repo := &memoryUserRepo{users: map[string]*domain.User{}}
	hasher := auth.NewBcryptPasswordHasher(4)
	local := backends.NewLocalBackend(repo, hasher)

	// Remote sources stay disabled: every lookup is an immediate miss.
	nomis := backends.NewNomisBackend(config.BackendConfig{})
	delius := backends.NewDeliusBackend(config.BackendConfig{}, nil)
	azure := backends.NewAzureBackend(config.AzureConfig{})
	remotes := []backends.IdentityBackend{nomis, delius, azure}

	userService := services.NewUserService(local, remotes, repo, nomis)
	authService := services.NewAuthService(userService, append([]backends.IdentityBackend{local}, remotes...))

	store := cache.NewMemoryChallengeStore(time.Minute)
	t.Cleanup(func() { store.Close() })
	sender := &capturingSender{}
	mfaService := services.NewMfaService(config.MfaConfig{
		Roles:            []string{"ROLE_MFA"},
		NotifyTemplateID: "template-1",
		TokenTTL:         time.Minute,
		CodeTTL:          time.Minute,
	}, store, userService, sender)

	jwtCfg := config.JwtConfig{
		Secret:     "test-secret-test-secret-test-secret",
		Issuer:     "fedgate",
		ExpiryTime: time.Hour,
		CookieName: "fedgate_jwt",
	}
	jwtHelper := session.NewJwtHelper(jwtCfg)
	cookieHelper := session.NewCookieHelper(jwtCfg)
	success := session.NewSuccessHandler(jwtHelper, cookieHelper, tokenverify.Disabled(), userService)

	e := echo.New()
	api := NewGatewayAPI(authService, userService, mfaService, success)
	api.RegisterRoutes(e,
		middleware.SessionAuth(cookieHelper, jwtHelper),
		middleware.RequireAuthenticated(),
	)
	return &testGateway{e: e, repo: repo, sender: sender, jwt: jwtHelper}
}

func (g *testGateway) addUser(t *testing.T, username, password string, authorities []string) {
	t.Helper()
	hasher := auth.NewBcryptPasswordHasher(4)
	hash, err := hasher.Hash(password)
	require.NoError(t, err)
	g.repo.users[username] = &domain.User{
		Username:     username,
		FirstName:    "Bob",
		LastName:     "Smith",
		Email:        "bob@justice.gov.uk",
		Verified:     true,
		PasswordHash: hash,
		Authorities:  authorities,
		Enabled:      true,
		AuthSource:   domain.AuthSourceAuth,
	}
}

func postForm(e *echo.Echo, path string, form url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == "fedgate_jwt" {
			return c
		}
	}
	t.Fatal("no session cookie in response")
	return nil
}

func TestLogin_Success(t *testing.T) {
	g := newTestGateway(t)
	g.addUser(t, "BOB", "secret", nil)

	rec := postForm(g.e, "/login", url.Values{"username": {"bob"}, "password": {"secret"}})

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	details, ok := g.jwt.ReadUserDetailsFromJwt(sessionCookie(t, rec).Value)
	require.True(t, ok)
	assert.Equal(t, "BOB", details.Username)
	assert.False(t, details.PassedMfa)
}

func TestLogin_WrongPassword(t *testing.T) {
	g := newTestGateway(t)
	g.addUser(t, "BOB", "secret", nil)

	rec := postForm(g.e, "/login", url.Values{"username": {"bob"}, "password": {"wrong"}})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_credentials")
}

func TestLogin_UnknownUser(t *testing.T) {
	g := newTestGateway(t)

	rec := postForm(g.e, "/login", url.Values{"username": {"nobody"}, "password": {"secret"}})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogin_LockedAccount(t *testing.T) {
	g := newTestGateway(t)
	g.addUser(t, "BOB", "secret", nil)
	g.repo.users["BOB"].Locked = true

	rec := postForm(g.e, "/login", url.Values{"username": {"bob"}, "password": {"secret"}})

	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Contains(t, rec.Body.String(), "locked")
}

func TestLoginThenMfaChallenge_PreservesJwtID(t *testing.T) {
	g := newTestGateway(t)
	g.addUser(t, "BOB", "secret", []string{"ROLE_MFA"})

	rec := postForm(g.e, "/login", url.Values{"username": {"bob"}, "password": {"secret"}})

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/mfa-challenge", location.Path)
	token := location.Query().Get("token")
	require.NotEmpty(t, token)

	cookie := sessionCookie(t, rec)
	before, ok := g.jwt.ReadUserDetailsFromJwt(cookie.Value)
	require.True(t, ok)
	assert.False(t, before.PassedMfa)

	code := g.sender.lastCode()
	require.Len(t, code, 6)

	rec = postForm(g.e, "/mfa-challenge", url.Values{"token": {token}, "code": {code}}, cookie)

	require.Equal(t, http.StatusFound, rec.Code)
	after, ok := g.jwt.ReadUserDetailsFromJwt(sessionCookie(t, rec).Value)
	require.True(t, ok)
	assert.True(t, after.PassedMfa)
	assert.Equal(t, before.JwtID, after.JwtID)
}

func TestMfaChallenge_WrongCode(t *testing.T) {
	g := newTestGateway(t)
	g.addUser(t, "BOB", "secret", []string{"ROLE_MFA"})

	rec := postForm(g.e, "/login", url.Values{"username": {"bob"}, "password": {"secret"}})
	require.Equal(t, http.StatusFound, rec.Code)
	location, _ := url.Parse(rec.Header().Get("Location"))
	token := location.Query().Get("token")
	cookie := sessionCookie(t, rec)

	rec = postForm(g.e, "/mfa-challenge", url.Values{"token": {token}, "code": {"000000"}}, cookie)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid")
}

func TestMfaChallenge_AnotherAccountsChallengeRejected(t *testing.T) {
	g := newTestGateway(t)
	g.addUser(t, "ALICE", "secret", []string{"ROLE_MFA"})
	g.addUser(t, "MALLORY", "secret", []string{"ROLE_MFA"})

	aliceRec := postForm(g.e, "/login", url.Values{"username": {"alice"}, "password": {"secret"}})
	require.Equal(t, http.StatusFound, aliceRec.Code)
	aliceCookie := sessionCookie(t, aliceRec)

	malRec := postForm(g.e, "/login", url.Values{"username": {"mallory"}, "password": {"secret"}})
	require.Equal(t, http.StatusFound, malRec.Code)
	malLocation, err := url.Parse(malRec.Header().Get("Location"))
	require.NoError(t, err)
	malToken := malLocation.Query().Get("token")
	malCode := g.sender.lastCode()
	require.Len(t, malCode, 6)

	// One pre-step-up session must not be upgraded with another
	// account's token and code.
	rec := postForm(g.e, "/mfa-challenge", url.Values{"token": {malToken}, "code": {malCode}}, aliceCookie)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	for _, c := range rec.Result().Cookies() {
		assert.NotEqual(t, "fedgate_jwt", c.Name)
	}

	// The challenge survives the attempt and its owner still passes.
	rec = postForm(g.e, "/mfa-challenge", url.Values{"token": {malToken}, "code": {malCode}}, sessionCookie(t, malRec))
	require.Equal(t, http.StatusFound, rec.Code)
	details, ok := g.jwt.ReadUserDetailsFromJwt(sessionCookie(t, rec).Value)
	require.True(t, ok)
	assert.Equal(t, "MALLORY", details.Username)
	assert.True(t, details.PassedMfa)
}

func TestMfaResend(t *testing.T) {
	g := newTestGateway(t)
	g.addUser(t, "BOB", "secret", []string{"ROLE_MFA"})

	rec := postForm(g.e, "/login", url.Values{"username": {"bob"}, "password": {"secret"}})
	location, _ := url.Parse(rec.Header().Get("Location"))
	token := location.Query().Get("token")
	first := g.sender.lastCode()

	req := httptest.NewRequest(http.MethodGet, "/mfa-resend?token="+url.QueryEscape(token), nil)
	resendRec := httptest.NewRecorder()
	g.e.ServeHTTP(resendRec, req)

	assert.Equal(t, http.StatusNoContent, resendRec.Code)
	assert.Len(t, g.sender.codes, 2)
	assert.NotEqual(t, first, "")
}

func TestAccountDetails_RequiresSession(t *testing.T) {
	g := newTestGateway(t)
	g.addUser(t, "BOB", "secret", nil)

	req := httptest.NewRequest(http.MethodGet, "/account-details", nil)
	rec := httptest.NewRecorder()
	g.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	loginRec := postForm(g.e, "/login", url.Values{"username": {"bob"}, "password": {"secret"}})
	cookie := sessionCookie(t, loginRec)

	req = httptest.NewRequest(http.MethodGet, "/account-details", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	g.e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"username":"BOB"`)
	assert.Contains(t, rec.Body.String(), `"auth_source":"auth"`)
}

func TestMfaPreference(t *testing.T) {
	g := newTestGateway(t)
	g.addUser(t, "BOB", "secret", nil)

	loginRec := postForm(g.e, "/login", url.Values{"username": {"bob"}, "password": {"secret"}})
	cookie := sessionCookie(t, loginRec)

	rec := postForm(g.e, "/mfa-preference", url.Values{"preference": {"TEXT"}}, cookie)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, domain.MfaPreferenceText, g.repo.users["BOB"].MfaPreference)

	rec = postForm(g.e, "/mfa-preference", url.Values{"preference": {"CARRIER_PIGEON"}}, cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
