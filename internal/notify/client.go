// Package notify is a thin client for the email/SMS notification service.
// The gateway only ever sends templated messages; provider detail stays on
// the other side of this interface.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/fedgate-dev/fedgate/config"
)

// Sender dispatches templated notifications.
type Sender interface {
	// SendEmail sends the template to the recipient with the given
	// personalisation fields. reference may be empty. A delivery failure
	// is returned to the caller; the error never contains the
	// personalisation values.
	SendEmail(ctx context.Context, templateID, email string, personalisation map[string]string, reference string) error
}

// Client is the HTTP implementation of Sender.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

// NewClient builds the notification client from configuration.
func NewClient(cfg config.NotifyConfig) *Client {
	return &Client{
		base:   strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
}

type emailRequest struct {
	TemplateID      string            `json:"template_id"`
	EmailAddress    string            `json:"email_address"`
	Personalisation map[string]string `json:"personalisation,omitempty"`
	Reference       string            `json:"reference,omitempty"`
}

// SendEmail implements Sender.
func (c *Client) SendEmail(ctx context.Context, templateID, email string, personalisation map[string]string, reference string) error {
	body, err := json.Marshal(emailRequest{
		TemplateID:      templateID,
		EmailAddress:    email,
		Personalisation: personalisation,
		Reference:       reference,
	})
	if err != nil {
		return fmt.Errorf("encoding notification request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v2/notifications/email", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("notification delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification service returned status %d", resp.StatusCode)
	}
	return nil
}

var _ Sender = (*Client)(nil)
