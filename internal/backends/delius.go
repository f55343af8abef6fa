package backends

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fedgate-dev/fedgate/config"
	"github.com/fedgate-dev/fedgate/domain"
	ferrors "github.com/fedgate-dev/fedgate/errors"
)

// DeliusUserPersonDetails is the probation system's view of an identity.
// Authorities are already mapped from backend role names to local
// authority names via the configured role mappings.
type DeliusUserPersonDetails struct {
	Username    string
	DeliusID    string
	FirstName   string
	Surname     string
	Email       string
	Enabled     bool
	Authorities []string
}

var _ domain.UserPersonDetails = (*DeliusUserPersonDetails)(nil)

func (d *DeliusUserPersonDetails) UserID() string            { return d.DeliusID }
func (d *DeliusUserPersonDetails) GetUsername() string       { return d.Username }
func (d *DeliusUserPersonDetails) GetFirstName() string      { return d.FirstName }
func (d *DeliusUserPersonDetails) GetName() string           { return strings.TrimSpace(d.FirstName + " " + d.Surname) }
func (d *DeliusUserPersonDetails) GetEmail() string          { return d.Email }
func (d *DeliusUserPersonDetails) IsEnabled() bool           { return d.Enabled }
func (d *DeliusUserPersonDetails) GetAuthorities() []string  { return d.Authorities }
func (d *DeliusUserPersonDetails) Source() domain.AuthSource { return domain.AuthSourceDelius }

// deliusUserDTO is the wire shape of the probation API's user resource.
type deliusUserDTO struct {
	Username  string `json:"username"`
	UserID    string `json:"userId"`
	FirstName string `json:"firstName"`
	Surname   string `json:"surname"`
	Email     string `json:"email"`
	Enabled   bool   `json:"enabled"`
	Roles     []struct {
		Name string `json:"name"`
	} `json:"roles"`
}

// DeliusBackend looks identities up in the probation records system.
type DeliusBackend struct {
	rest     *restClient
	enabled  bool
	mappings map[string][]string
}

// NewDeliusBackend builds the probation adapter. Role mapping keys are
// normalized once at construction: upper-cased with separators converted
// to underscore.
func NewDeliusBackend(cfg config.BackendConfig, roleMappings map[string][]string) *DeliusBackend {
	mappings := make(map[string][]string, len(roleMappings))
	for name, authorities := range roleMappings {
		mappings[normalizeRoleName(name)] = authorities
	}
	return &DeliusBackend{
		rest: &restClient{
			base: strings.TrimSuffix(cfg.BaseURL, "/"),
			http: &http.Client{Timeout: cfg.Timeout},
		},
		enabled:  cfg.Enabled,
		mappings: mappings,
	}
}

func (b *DeliusBackend) Source() domain.AuthSource { return domain.AuthSourceDelius }

func (b *DeliusBackend) GetByUsername(ctx context.Context, username string) (domain.UserPersonDetails, error) {
	if !b.enabled {
		log.Debug().Str("username", username).Msg("delius integration disabled, returning not found")
		return nil, ferrors.ErrUserNotFound
	}

	var dto deliusUserDTO
	err := b.rest.do(ctx, http.MethodGet, "/users/"+username+"/details", nil, &dto)
	if err != nil {
		return nil, b.mapLookupError(err, username)
	}
	return b.mapUser(&dto), nil
}

func (b *DeliusBackend) GetByEmail(ctx context.Context, email string) ([]domain.UserPersonDetails, error) {
	if !b.enabled {
		log.Debug().Str("email", email).Msg("delius integration disabled, unable to proceed")
		return nil, nil
	}

	var dtos []deliusUserDTO
	err := b.rest.do(ctx, http.MethodGet, "/users/search/email/"+email+"/details", nil, &dtos)
	if err != nil {
		if mapped := b.mapLookupError(err, email); errors.Is(mapped, ferrors.ErrUserNotFound) {
			return nil, nil
		} else {
			return nil, mapped
		}
	}

	users := make([]domain.UserPersonDetails, 0, len(dtos))
	for i := range dtos {
		users = append(users, b.mapUser(&dtos[i]))
	}
	return users, nil
}

func (b *DeliusBackend) Authenticate(ctx context.Context, username, password string) (bool, error) {
	if !b.enabled {
		return false, nil
	}

	body := map[string]string{"username": username, "password": password}
	err := b.rest.do(ctx, http.MethodPost, "/authenticate", body, nil)
	if err != nil {
		var clientErr *errClientStatus
		if errors.Is(err, errNotFound) || errors.As(err, &clientErr) {
			log.Debug().Str("username", username).Msg("delius rejected credentials")
			return false, nil
		}
		log.Warn().Err(err).Str("username", username).Msg("unable to authenticate user against delius")
		return false, nil
	}
	return true, nil
}

func (b *DeliusBackend) ChangePassword(ctx context.Context, username, password string) error {
	if !b.enabled {
		log.Debug().Str("username", username).Msg("delius integration disabled, ignoring password change")
		return nil
	}

	body := map[string]string{"password": password}
	if err := b.rest.do(ctx, http.MethodPost, "/users/"+username+"/password", body, nil); err != nil {
		return ferrors.NewUpstreamUnavailable("delius", username, err)
	}
	return nil
}

func (b *DeliusBackend) mapLookupError(err error, subject string) error {
	if errors.Is(err, errNotFound) {
		log.Debug().Str("subject", subject).Msg("user not found in delius")
		return ferrors.ErrUserNotFound
	}
	var clientErr *errClientStatus
	if errors.As(err, &clientErr) {
		log.Warn().Err(err).Str("subject", subject).Msg("delius rejected lookup, treating as not found")
		return ferrors.ErrUserNotFound
	}
	log.Warn().Err(err).Str("subject", subject).Msg("unable to retrieve details from delius")
	return ferrors.NewUpstreamUnavailable("delius", subject, err)
}

func (b *DeliusBackend) mapUser(dto *deliusUserDTO) *DeliusUserPersonDetails {
	return &DeliusUserPersonDetails{
		Username:    strings.ToUpper(dto.Username),
		DeliusID:    dto.UserID,
		FirstName:   dto.FirstName,
		Surname:     dto.Surname,
		Email:       strings.ToLower(dto.Email),
		Enabled:     dto.Enabled,
		Authorities: b.mapRoles(dto),
	}
}

// mapRoles converts backend role names to local authorities through the
// configured mappings; unmapped roles are dropped.
func (b *DeliusBackend) mapRoles(dto *deliusUserDTO) []string {
	seen := map[string]struct{}{"ROLE_PROBATION": {}}
	for _, role := range dto.Roles {
		for _, authority := range b.mappings[normalizeRoleName(role.Name)] {
			seen[authority] = struct{}{}
		}
	}
	authorities := make([]string, 0, len(seen))
	for authority := range seen {
		authorities = append(authorities, authority)
	}
	sort.Strings(authorities)
	return authorities
}
