package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fedgate-dev/fedgate/config"
	"github.com/fedgate-dev/fedgate/domain"
)

// JwtHelper mints and verifies the signed session credential. Claims carry
// the principal; the jwt-id is the session's stable identity and survives
// MFA step-up unchanged.
type JwtHelper struct {
	secret []byte
	issuer string
	expiry time.Duration
	now    func() time.Time
}

// NewJwtHelper builds the credential helper from configuration.
func NewJwtHelper(cfg config.JwtConfig) *JwtHelper {
	return &JwtHelper{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		expiry: cfg.ExpiryTime,
		now:    time.Now,
	}
}

// CreateJwt mints a fresh credential for the principal with a new jwt-id
// and the second factor not yet passed.
func (h *JwtHelper) CreateJwt(principal *UserDetails) (string, error) {
	return h.CreateJwtWithID(principal, uuid.NewString(), false)
}

// CreateJwtWithID mints a credential reusing the given jwt-id, carrying
// the supplied second-factor state. Step-up and profile refresh use this
// to re-issue without changing the session identity.
func (h *JwtHelper) CreateJwtWithID(principal *UserDetails, jwtID string, passedMfa bool) (string, error) {
	now := h.now()
	claims := jwt.MapClaims{
		"sub":         principal.Username,
		"jti":         jwtID,
		"name":        principal.Name,
		"auth_source": string(principal.AuthSource),
		"authorities": strings.Join(principal.Authorities, ","),
		"passed_mfa":  passedMfa,
		"iss":         h.issuer,
		"iat":         now.Unix(),
		"exp":         now.Add(h.expiry).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(h.secret)
	if err != nil {
		return "", fmt.Errorf("signing session credential: %w", err)
	}
	return signed, nil
}

// ReadUserDetailsFromJwt parses and verifies a session credential. Any
// defect, from a bad signature to missing claims, yields ok=false; an
// unreadable cookie is simply an anonymous request, never an error.
func (h *JwtHelper) ReadUserDetailsFromJwt(tokenString string) (*UserDetails, bool) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return h.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(h.issuer))
	if err != nil || !token.Valid {
		log.Debug().Err(err).Msg("rejecting unreadable session credential")
		return nil, false
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, false
	}

	username, _ := claims["sub"].(string)
	jwtID, _ := claims["jti"].(string)
	if username == "" || jwtID == "" {
		return nil, false
	}

	name, _ := claims["name"].(string)
	source, _ := claims["auth_source"].(string)
	passedMfa, _ := claims["passed_mfa"].(bool)

	var authorities []string
	if joined, _ := claims["authorities"].(string); joined != "" {
		authorities = strings.Split(joined, ",")
	}

	return &UserDetails{
		Username:    username,
		Name:        name,
		AuthSource:  domain.AuthSource(source),
		Authorities: authorities,
		JwtID:       jwtID,
		PassedMfa:   passedMfa,
	}, true
}
