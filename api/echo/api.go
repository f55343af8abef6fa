// Package echo exposes the gateway's HTTP surface. Handlers stay thin;
// every decision lives in the services they call.
package echo

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/fedgate-dev/fedgate/domain"
	ferrors "github.com/fedgate-dev/fedgate/errors"
	"github.com/fedgate-dev/fedgate/services"
	"github.com/fedgate-dev/fedgate/session"
)

// GatewayAPI holds the handler dependencies.
type GatewayAPI struct {
	auth    *services.AuthService
	users   *services.UserService
	mfa     *services.MfaService
	success *session.SuccessHandler
}

// NewGatewayAPI initializes the gateway API.
func NewGatewayAPI(auth *services.AuthService, users *services.UserService, mfa *services.MfaService, success *session.SuccessHandler) *GatewayAPI {
	return &GatewayAPI{auth: auth, users: users, mfa: mfa, success: success}
}

// RegisterRoutes registers the authentication routes. authn is the session
// middleware; routes below the account group additionally require a
// stepped-up session where configured.
func (ga *GatewayAPI) RegisterRoutes(e *echo.Echo, authn, requireAuth echo.MiddlewareFunc) {
	e.POST("/login", ga.LoginHandler)
	e.POST("/mfa-challenge", ga.MfaChallengeHandler, authn)
	e.GET("/mfa-resend", ga.MfaResendHandler, authn)
	e.POST("/mfa-preference", ga.MfaPreferenceHandler, authn, requireAuth)
	e.GET("/account-details", ga.AccountDetailsHandler, authn, requireAuth)
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// LoginHandler authenticates primary credentials. A user inside the MFA
// gate gets a pre-step-up session and a redirect to the challenge page;
// everyone else lands per the success handler.
func (ga *GatewayAPI) LoginHandler(c echo.Context) error {
	username := c.FormValue("username")
	password := c.FormValue("password")
	target := c.FormValue("redirect_uri")
	if username == "" || password == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "missing", Description: "username and password are required"})
	}

	ctx := c.Request().Context()
	details, user, err := ga.auth.Authenticate(ctx, username, password)
	if err != nil {
		return ga.mapAuthError(c, err)
	}

	principal := principalFrom(details)
	if !ga.mfa.NeedsMfa(c.RealIP(), details.GetAuthorities()) {
		return ga.success.OnAuthenticationSuccess(c.Response(), c.Request(), principal, target)
	}

	token, _, err := ga.mfa.CreateTokenAndSendEmail(ctx, user.Username)
	if err != nil {
		if errors.Is(err, ferrors.ErrMfaUnavailable) {
			return c.JSON(http.StatusConflict, errorResponse{Error: "mfaunavailable", Description: "no verified second factor delivery method"})
		}
		log.Error().Err(err).Str("username", user.Username).Msg("unable to issue mfa challenge")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "server_error"})
	}

	// The session exists but carries passed_mfa=false until the code is
	// validated, so protected resources stay out of reach.
	if err := ga.success.EstablishSession(c.Response(), c.Request(), principal); err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "server_error"})
	}

	challenge := "/mfa-challenge?token=" + url.QueryEscape(token)
	if target != "" {
		challenge += "&redirect_uri=" + url.QueryEscape(target)
	}
	return c.Redirect(http.StatusFound, challenge)
}

// MfaChallengeHandler validates the submitted code and upgrades the
// session in place, keeping its jwt-id.
func (ga *GatewayAPI) MfaChallengeHandler(c echo.Context) error {
	token := c.FormValue("token")
	code := c.FormValue("code")
	target := c.FormValue("redirect_uri")
	ctx := c.Request().Context()

	principal, ok := session.FromContext(ctx)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	// Ownership is settled before the code is checked; validation consumes
	// the challenge and only its owner may spend it.
	username, err := ga.mfa.GetMfaUsername(ctx, token)
	if err == nil && username != principal.Username {
		log.Warn().Str("session", principal.Username).Str("challenge", username).Msg("mfa challenge does not belong to this session")
		return echo.NewHTTPError(http.StatusForbidden, "challenge mismatch")
	}

	reason, err := ga.mfa.ValidateAndRemoveMfaCode(ctx, token, code, principal.Username)
	if err != nil {
		log.Error().Err(err).Msg("mfa validation failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "server_error"})
	}
	if reason != "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: reason})
	}

	r, err := ga.success.UpdateMfaInRequest(c.Response(), c.Request(), principal)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "server_error"})
	}
	c.SetRequest(r)
	ga.success.RedirectAfterAuthentication(c.Response(), r, principal.Username, target)
	return nil
}

// MfaResendHandler sends a fresh code for a still-pending challenge.
func (ga *GatewayAPI) MfaResendHandler(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "missing", Description: "token is required"})
	}

	err := ga.mfa.ResendMfaCode(c.Request().Context(), token)
	switch {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, ferrors.ErrChallengeNotFound):
		return c.JSON(http.StatusGone, errorResponse{Error: "expired"})
	case errors.Is(err, ferrors.ErrMfaUnavailable):
		return c.JSON(http.StatusConflict, errorResponse{Error: "mfaunavailable"})
	default:
		log.Error().Err(err).Msg("unable to resend mfa code")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "server_error"})
	}
}

// MfaPreferenceHandler records the session user's delivery preference.
func (ga *GatewayAPI) MfaPreferenceHandler(c echo.Context) error {
	principal, _ := session.FromContext(c.Request().Context())

	pref := domain.MfaPreferenceType(c.FormValue("preference"))
	switch pref {
	case domain.MfaPreferenceEmail, domain.MfaPreferenceText, domain.MfaPreferenceNone:
	default:
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid", Description: "unknown mfa preference"})
	}

	if err := ga.mfa.UpdateUserMfaPreference(c.Request().Context(), principal.Username, pref); err != nil {
		if errors.Is(err, ferrors.ErrUserNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "server_error"})
	}
	return c.NoContent(http.StatusNoContent)
}

type accountDetailsResponse struct {
	Username       string    `json:"username"`
	FirstName      string    `json:"first_name,omitempty"`
	LastName       string    `json:"last_name,omitempty"`
	Email          string    `json:"email,omitempty"`
	Verified       bool      `json:"verified"`
	SecondaryEmail string    `json:"secondary_email,omitempty"`
	Mobile         string    `json:"mobile,omitempty"`
	MfaPreference  string    `json:"mfa_preference"`
	AuthSource     string    `json:"auth_source"`
	LastLoggedIn   time.Time `json:"last_logged_in,omitempty"`
}

// AccountDetailsHandler returns the session user's stored record.
func (ga *GatewayAPI) AccountDetailsHandler(c echo.Context) error {
	principal, _ := session.FromContext(c.Request().Context())

	user, err := ga.users.FindUser(c.Request().Context(), principal.Username)
	if err != nil {
		if errors.Is(err, ferrors.ErrUserNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "server_error"})
	}

	return c.JSON(http.StatusOK, accountDetailsResponse{
		Username:       user.Username,
		FirstName:      user.FirstName,
		LastName:       user.LastName,
		Email:          user.Email,
		Verified:       user.Verified,
		SecondaryEmail: user.SecondaryEmail,
		Mobile:         user.Mobile,
		MfaPreference:  string(user.MfaPreference),
		AuthSource:     string(user.AuthSource),
		LastLoggedIn:   user.LastLoggedIn,
	})
}

func (ga *GatewayAPI) mapAuthError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ferrors.ErrBadCredentials):
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "invalid_credentials"})
	case errors.Is(err, ferrors.ErrLocked):
		return c.JSON(http.StatusLocked, errorResponse{Error: "locked"})
	case ferrors.IsUpstreamUnavailable(err):
		log.Error().Err(err).Msg("identity source unavailable during login")
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "unavailable", Description: "an identity source is unavailable, try again later"})
	default:
		log.Error().Err(err).Msg("login failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "server_error"})
	}
}

func principalFrom(details domain.UserPersonDetails) *session.UserDetails {
	return &session.UserDetails{
		Username:    details.GetUsername(),
		Name:        details.GetName(),
		AuthSource:  details.Source(),
		Authorities: details.GetAuthorities(),
	}
}
