// Package tokenverify integrates with the optional external token
// verification service, which mirrors issued jwt-ids so other services can
// check revocation. Every call is best-effort hardening: a failure is
// logged and never fails the enclosing authentication flow.
package tokenverify

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fedgate-dev/fedgate/config"
)

// Verifier mirrors session credential lifecycle events to the external
// verification service.
type Verifier interface {
	// Enabled reports whether the integration is switched on. When false
	// the other methods are no-ops and perform no I/O.
	Enabled() bool
	// Register records a freshly minted credential under its jwt-id.
	Register(ctx context.Context, jwtID, tokenBody string)
	// Revoke reports a superseded jwt-id for revocation.
	Revoke(ctx context.Context, jwtID string)
	// Refresh replaces the body stored for an existing jwt-id.
	Refresh(ctx context.Context, oldJwtID, newTokenBody string)
}

// Client is the HTTP implementation of Verifier.
type Client struct {
	base    string
	enabled bool
	http    *http.Client
}

// NewClient builds the verification client from configuration.
func NewClient(cfg config.TokenVerificationConfig) *Client {
	return &Client{
		base:    strings.TrimSuffix(cfg.BaseURL, "/"),
		enabled: cfg.Enabled,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) Enabled() bool { return c.enabled }

// Register implements Verifier.
func (c *Client) Register(ctx context.Context, jwtID, tokenBody string) {
	if !c.enabled {
		return
	}
	c.send(ctx, http.MethodPost, "/token?authJwtId="+url.QueryEscape(jwtID), tokenBody, jwtID)
}

// Revoke implements Verifier.
func (c *Client) Revoke(ctx context.Context, jwtID string) {
	if !c.enabled {
		return
	}
	c.send(ctx, http.MethodDelete, "/token?authJwtId="+url.QueryEscape(jwtID), "", jwtID)
}

// Refresh implements Verifier.
func (c *Client) Refresh(ctx context.Context, oldJwtID, newTokenBody string) {
	if !c.enabled {
		return
	}
	c.send(ctx, http.MethodPost, "/token/refresh?accessJwtId="+url.QueryEscape(oldJwtID), newTokenBody, oldJwtID)
}

func (c *Client) send(ctx context.Context, method, path, body, jwtID string) {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		log.Warn().Err(err).Str("jwtId", jwtID).Msg("failed to build token verification request")
		return
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("jwtId", jwtID).Msg("token verification call failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Warn().Int("status", resp.StatusCode).Str("jwtId", jwtID).Msg("token verification service rejected call")
	}
}

var _ Verifier = (*Client)(nil)

// Disabled returns a Verifier with the integration switched off, for tests
// and deployments without the external service.
func Disabled() *Client {
	return &Client{enabled: false, http: http.DefaultClient}
}
