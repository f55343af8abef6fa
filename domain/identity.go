package domain

// AuthSource identifies the backing system that is authoritative for an
// identity. Exactly one source is authoritative for a username at a time.
type AuthSource string

const (
	AuthSourceAuth    AuthSource = "auth"    // locally mastered accounts
	AuthSourceNomis   AuthSource = "nomis"   // prison records system
	AuthSourceDelius  AuthSource = "delius"  // probation records system
	AuthSourceAzureAD AuthSource = "azuread" // directory service
	AuthSourceNone    AuthSource = "none"
)

// ResolutionOrder is the fixed precedence used when deciding which source
// masters a username. The first source reporting a match wins.
var ResolutionOrder = []AuthSource{AuthSourceAuth, AuthSourceNomis, AuthSourceDelius, AuthSourceAzureAD}

// UserPersonDetails is the capability set shared by every identity variant,
// whichever backend mastered it. Externally mastered variants are
// read-through views and are never persisted as authoritative.
type UserPersonDetails interface {
	UserID() string
	GetUsername() string
	GetFirstName() string
	// GetName returns the person's display name, e.g. "Bob Smith".
	GetName() string
	GetEmail() string
	IsEnabled() bool
	GetAuthorities() []string
	Source() AuthSource
}
