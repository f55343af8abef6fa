// Package backends wraps each external identity source behind a uniform
// lookup contract. Adapters are leaves: they never call each other, apply
// their own request timeouts, and degrade to "no match" on client-side
// errors. Server-side failures escalate as UpstreamUnavailableError so an
// outage is never mistaken for account nonexistence.
package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/fedgate-dev/fedgate/domain"
)

// IdentityBackend is the contract every identity source adapter satisfies.
// A disabled adapter returns the absent/false/no-op value from every
// method without attempting network I/O.
type IdentityBackend interface {
	Source() domain.AuthSource

	// GetByUsername returns the source's record for the username, or
	// errors.ErrUserNotFound when the source has no match.
	GetByUsername(ctx context.Context, username string) (domain.UserPersonDetails, error)

	// GetByEmail returns all records matching the email address.
	GetByEmail(ctx context.Context, email string) ([]domain.UserPersonDetails, error)

	// Authenticate verifies the username/password pair against the source.
	Authenticate(ctx context.Context, username, password string) (bool, error)

	// ChangePassword pushes a new password to the source.
	ChangePassword(ctx context.Context, username, password string) error
}

// errServerStatus marks a 5xx response so callers can escalate it.
type errServerStatus struct {
	status int
}

func (e *errServerStatus) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.status)
}

// errClientStatus marks a non-404 4xx response. Adapters swallow these to
// an absent result per the degradation contract.
type errClientStatus struct {
	status int
}

func (e *errClientStatus) Error() string {
	return fmt.Sprintf("upstream rejected request with status %d", e.status)
}

// restClient is the shared HTTP plumbing for the REST-backed adapters.
type restClient struct {
	base string
	http *http.Client
}

// errNotFound is returned by do for a 404 body-less miss.
var errNotFound = fmt.Errorf("not found")

// do issues a request and decodes a JSON body into out (when out is
// non-nil). Status mapping: 404 -> errNotFound, other 4xx ->
// errClientStatus, 5xx -> errServerStatus.
func (c *restClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode >= 500:
		return &errServerStatus{status: resp.StatusCode}
	case resp.StatusCode >= 400:
		return &errClientStatus{status: resp.StatusCode}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}
	return nil
}
