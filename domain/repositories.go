package domain

import "context"

// UserRepository defines persistence for locally stored user records.
// Implementations live in the mongodb package.
type UserRepository interface {
	// FindByUsername looks up a user by exact (upper-cased) username.
	// Returns errors.ErrUserNotFound when absent.
	FindByUsername(ctx context.Context, username string) (*User, error)
	// CreateUser inserts a new record. A concurrent first-sight race for
	// the same username surfaces as errors.ErrDuplicateUser rather than a
	// silent double insert.
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
}
