package domain

import "time"

// TokenType distinguishes the two halves of an MFA challenge.
type TokenType string

const (
	// TokenTypeMfa is the long-lived correlation token handed back to the
	// client so the code entry and resend pages can find the challenge.
	TokenTypeMfa TokenType = "MFA"
	// TokenTypeMfaCode is the short one-time code delivered out-of-band.
	TokenTypeMfaCode TokenType = "MFA_CODE"
)

// MfaChallenge is the ephemeral state of one MFA step-up attempt. It is
// created when the gate triggers and consumed on successful validation or
// expiry; nothing about it survives beyond its TTL.
type MfaChallenge struct {
	Token     string    `bson:"_id"        json:"token"`
	Code      string    `bson:"code"       json:"code"`
	Username  string    `bson:"username"   json:"username"`
	TokenType TokenType `bson:"token_type" json:"token_type"`
	ExpiresAt time.Time `bson:"expires_at" json:"expires_at"`
}

// Expired reports whether the challenge is past its TTL.
func (c *MfaChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
