package domain

import (
	"strings"
	"time"
)

// MfaPreferenceType is the user's chosen second-factor delivery channel.
type MfaPreferenceType string

const (
	MfaPreferenceEmail MfaPreferenceType = "EMAIL"
	MfaPreferenceText  MfaPreferenceType = "TEXT"
	MfaPreferenceNone  MfaPreferenceType = "NONE"
)

// EmailType distinguishes the primary account email from the secondary one.
type EmailType string

const (
	EmailTypePrimary   EmailType = "PRIMARY"
	EmailTypeSecondary EmailType = "SECONDARY"
)

// User is the locally owned, mutable account record. For identities
// mastered elsewhere it is a lazily created mirror stamped with the
// mastering source; for auth-sourced identities it is the authoritative
// record itself. Users are never hard deleted, only disabled or locked.
type User struct {
	ID                     string            `bson:"_id,omitempty"`
	Username               string            `bson:"username"` // stored upper-cased, unique
	FirstName              string            `bson:"first_name,omitempty"`
	LastName               string            `bson:"last_name,omitempty"`
	Email                  string            `bson:"email,omitempty"`
	Verified               bool              `bson:"verified"`
	SecondaryEmail         string            `bson:"secondary_email,omitempty"`
	SecondaryEmailVerified bool              `bson:"secondary_email_verified"`
	Mobile                 string            `bson:"mobile,omitempty"`
	MobileVerified         bool              `bson:"mobile_verified"`
	MfaPreference          MfaPreferenceType `bson:"mfa_preference"`
	PasswordHash           string            `bson:"password_hash,omitempty"`
	Authorities            []string          `bson:"authorities,omitempty"`
	Enabled                bool              `bson:"enabled"`
	Locked                 bool              `bson:"locked"`
	AuthSource             AuthSource        `bson:"auth_source"`
	LastLoggedIn           time.Time         `bson:"last_logged_in,omitempty"`
	CreatedAt              time.Time         `bson:"created_at"`
	UpdatedAt              time.Time         `bson:"updated_at"`
}

// User implements UserPersonDetails so an auth-sourced record can serve as
// the master view directly.
var _ UserPersonDetails = (*User)(nil)

func (u *User) UserID() string           { return u.ID }
func (u *User) GetUsername() string      { return u.Username }
func (u *User) GetFirstName() string     { return u.FirstName }
func (u *User) GetEmail() string         { return u.Email }
// A locked account is still enabled; the lock is enforced at
// authentication time so it surfaces as ErrLocked, not as a silent miss.
func (u *User) IsEnabled() bool { return u.Enabled }
func (u *User) GetAuthorities() []string { return u.Authorities }
func (u *User) Source() AuthSource       { return u.AuthSource }

func (u *User) GetName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Username
	}
	return name
}

// HasVerifiedMfaMethod reports whether at least one MFA delivery channel is
// usable: a verified primary email, a verified secondary email, or a
// verified mobile number.
func (u *User) HasVerifiedMfaMethod() bool {
	return (u.Email != "" && u.Verified) ||
		(u.SecondaryEmail != "" && u.SecondaryEmailVerified) ||
		(u.Mobile != "" && u.MobileVerified)
}
