package session

import (
	"net/http"
	"time"

	"github.com/fedgate-dev/fedgate/config"
)

// CookieHelper reads and writes the session credential cookie.
type CookieHelper struct {
	name   string
	path   string
	secure bool
	maxAge time.Duration
}

// NewCookieHelper builds the cookie helper from configuration.
func NewCookieHelper(cfg config.JwtConfig) *CookieHelper {
	path := cfg.CookiePath
	if path == "" {
		path = "/"
	}
	return &CookieHelper{
		name:   cfg.CookieName,
		path:   path,
		secure: cfg.CookieSecure,
		maxAge: cfg.ExpiryTime,
	}
}

// ReadValueFromCookie returns the raw credential from the request cookie.
func (c *CookieHelper) ReadValueFromCookie(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// AddCookieToResponse sets the credential cookie. HTTP-only always; the
// Secure attribute follows configuration so local development over plain
// HTTP still works.
func (c *CookieHelper) AddCookieToResponse(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    value,
		Path:     c.path,
		MaxAge:   int(c.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the credential cookie.
func (c *CookieHelper) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     c.path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
