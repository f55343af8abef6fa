package backends

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fedgate-dev/fedgate/config"
	"github.com/fedgate-dev/fedgate/domain"
	ferrors "github.com/fedgate-dev/fedgate/errors"
)

// NomisUserPersonDetails is the prison system's view of an identity.
type NomisUserPersonDetails struct {
	Username      string
	StaffID       string
	FirstName     string
	LastName      string
	Email         string
	AccountActive bool
	Roles         []string
}

var _ domain.UserPersonDetails = (*NomisUserPersonDetails)(nil)

func (n *NomisUserPersonDetails) UserID() string          { return n.StaffID }
func (n *NomisUserPersonDetails) GetUsername() string     { return n.Username }
func (n *NomisUserPersonDetails) GetFirstName() string    { return n.FirstName }
func (n *NomisUserPersonDetails) GetName() string         { return strings.TrimSpace(n.FirstName + " " + n.LastName) }
func (n *NomisUserPersonDetails) GetEmail() string        { return n.Email }
func (n *NomisUserPersonDetails) IsEnabled() bool         { return n.AccountActive }
func (n *NomisUserPersonDetails) Source() domain.AuthSource { return domain.AuthSourceNomis }

func (n *NomisUserPersonDetails) GetAuthorities() []string {
	authorities := make([]string, 0, len(n.Roles)+1)
	authorities = append(authorities, "ROLE_PRISON")
	for _, r := range n.Roles {
		authorities = append(authorities, "ROLE_"+normalizeRoleName(r))
	}
	return authorities
}

// nomisUserDTO is the wire shape of the prison API's user resource.
type nomisUserDTO struct {
	Username      string   `json:"username"`
	StaffID       string   `json:"staffId"`
	FirstName     string   `json:"firstName"`
	LastName      string   `json:"lastName"`
	PrimaryEmail  string   `json:"primaryEmail"`
	AccountActive bool     `json:"active"`
	Roles         []string `json:"roles"`
}

// NomisBackend looks identities up in the prison records system.
type NomisBackend struct {
	rest    *restClient
	enabled bool
}

// NewNomisBackend builds the prison adapter from configuration.
func NewNomisBackend(cfg config.BackendConfig) *NomisBackend {
	return &NomisBackend{
		rest: &restClient{
			base: strings.TrimSuffix(cfg.BaseURL, "/"),
			http: &http.Client{Timeout: cfg.Timeout},
		},
		enabled: cfg.Enabled,
	}
}

func (b *NomisBackend) Source() domain.AuthSource { return domain.AuthSourceNomis }

func (b *NomisBackend) GetByUsername(ctx context.Context, username string) (domain.UserPersonDetails, error) {
	if !b.enabled {
		log.Debug().Str("username", username).Msg("nomis integration disabled, returning not found")
		return nil, ferrors.ErrUserNotFound
	}

	var dto nomisUserDTO
	err := b.rest.do(ctx, http.MethodGet, "/users/"+username, nil, &dto)
	if err != nil {
		return nil, b.mapLookupError(err, username)
	}
	return mapNomisUser(&dto), nil
}

func (b *NomisBackend) GetByEmail(ctx context.Context, email string) ([]domain.UserPersonDetails, error) {
	if !b.enabled {
		return nil, nil
	}

	var dtos []nomisUserDTO
	err := b.rest.do(ctx, http.MethodGet, "/users?email="+email, nil, &dtos)
	if err != nil {
		if mapped := b.mapLookupError(err, email); errors.Is(mapped, ferrors.ErrUserNotFound) {
			return nil, nil
		} else {
			return nil, mapped
		}
	}

	users := make([]domain.UserPersonDetails, 0, len(dtos))
	for i := range dtos {
		users = append(users, mapNomisUser(&dtos[i]))
	}
	return users, nil
}

// ExistingEmailAddressesForUsername lists every email address the prison
// system holds for the username. Lookup failures surface as an empty list
// with an error; the caller decides whether discovery is best effort.
func (b *NomisBackend) ExistingEmailAddressesForUsername(ctx context.Context, username string) ([]string, error) {
	if !b.enabled {
		return nil, nil
	}

	var emails []string
	err := b.rest.do(ctx, http.MethodGet, "/users/"+username+"/emails", nil, &emails)
	if err != nil {
		if mapped := b.mapLookupError(err, username); errors.Is(mapped, ferrors.ErrUserNotFound) {
			return nil, nil
		} else {
			return nil, mapped
		}
	}
	return emails, nil
}

func (b *NomisBackend) Authenticate(ctx context.Context, username, password string) (bool, error) {
	if !b.enabled {
		return false, nil
	}

	body := map[string]string{"password": password}
	err := b.rest.do(ctx, http.MethodPost, "/users/"+username+"/authenticate", body, nil)
	if err != nil {
		var clientErr *errClientStatus
		if errors.Is(err, errNotFound) || errors.As(err, &clientErr) {
			return false, nil
		}
		log.Warn().Err(err).Str("username", username).Msg("unable to authenticate user against nomis")
		return false, nil
	}
	return true, nil
}

func (b *NomisBackend) ChangePassword(ctx context.Context, username, password string) error {
	if !b.enabled {
		log.Debug().Str("username", username).Msg("nomis integration disabled, ignoring password change")
		return nil
	}

	body := map[string]string{"password": password}
	if err := b.rest.do(ctx, http.MethodPut, "/users/"+username+"/password", body, nil); err != nil {
		return ferrors.NewUpstreamUnavailable("nomis", username, err)
	}
	return nil
}

// mapLookupError applies the degradation contract for lookups: 404 and
// other 4xx go to not found, 5xx and transport faults escalate.
func (b *NomisBackend) mapLookupError(err error, subject string) error {
	if errors.Is(err, errNotFound) {
		log.Debug().Str("subject", subject).Msg("user not found in nomis")
		return ferrors.ErrUserNotFound
	}
	var clientErr *errClientStatus
	if errors.As(err, &clientErr) {
		log.Warn().Err(err).Str("subject", subject).Msg("nomis rejected lookup, treating as not found")
		return ferrors.ErrUserNotFound
	}
	log.Warn().Err(err).Str("subject", subject).Msg("unable to retrieve details from nomis")
	return ferrors.NewUpstreamUnavailable("nomis", subject, err)
}

func mapNomisUser(dto *nomisUserDTO) *NomisUserPersonDetails {
	return &NomisUserPersonDetails{
		Username:      strings.ToUpper(dto.Username),
		StaffID:       dto.StaffID,
		FirstName:     dto.FirstName,
		LastName:      dto.LastName,
		Email:         strings.ToLower(dto.PrimaryEmail),
		AccountActive: dto.AccountActive,
		Roles:         dto.Roles,
	}
}

// normalizeRoleName upper-cases a backend-reported role name and converts
// separators to underscore so it can serve as a local authority suffix.
func normalizeRoleName(role string) string {
	role = strings.ToUpper(role)
	role = strings.ReplaceAll(role, "-", "_")
	role = strings.ReplaceAll(role, ".", "_")
	return role
}
