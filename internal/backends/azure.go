package backends

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/fedgate-dev/fedgate/config"
	"github.com/fedgate-dev/fedgate/domain"
	ferrors "github.com/fedgate-dev/fedgate/errors"
)

// AzureUserPersonDetails is the directory service's view of an identity.
// The username is the directory object id; the email is the user principal
// name.
type AzureUserPersonDetails struct {
	ObjectID  string
	FirstName string
	LastName  string
	Email     string
	Enabled   bool
}

var _ domain.UserPersonDetails = (*AzureUserPersonDetails)(nil)

func (a *AzureUserPersonDetails) UserID() string            { return a.ObjectID }
func (a *AzureUserPersonDetails) GetUsername() string       { return strings.ToUpper(a.ObjectID) }
func (a *AzureUserPersonDetails) GetFirstName() string      { return a.FirstName }
func (a *AzureUserPersonDetails) GetName() string           { return strings.TrimSpace(a.FirstName + " " + a.LastName) }
func (a *AzureUserPersonDetails) GetEmail() string          { return a.Email }
func (a *AzureUserPersonDetails) IsEnabled() bool           { return a.Enabled }
func (a *AzureUserPersonDetails) GetAuthorities() []string  { return []string{"ROLE_AZUREAD"} }
func (a *AzureUserPersonDetails) Source() domain.AuthSource { return domain.AuthSourceAzureAD }

// azureUserDTO is the Graph API's user resource shape.
type azureUserDTO struct {
	ID                string `json:"id"`
	GivenName         string `json:"givenName"`
	Surname           string `json:"surname"`
	UserPrincipalName string `json:"userPrincipalName"`
	Mail              string `json:"mail"`
	AccountEnabled    bool   `json:"accountEnabled"`
}

type azureListDTO struct {
	Value []azureUserDTO `json:"value"`
}

// AzureBackend looks identities up in the directory service over the Graph
// API, authenticating with client credentials. Sign-in happens at the
// directory's own front door, so Authenticate and ChangePassword are
// no-ops here.
type AzureBackend struct {
	rest    *restClient
	enabled bool
}

// NewAzureBackend builds the directory adapter. The oauth2 client
// credentials flow transparently fetches and refreshes the Graph token.
func NewAzureBackend(cfg config.AzureConfig) *AzureBackend {
	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	client := creds.Client(context.Background())
	client.Timeout = cfg.Timeout
	return &AzureBackend{
		rest: &restClient{
			base: strings.TrimSuffix(cfg.GraphURL, "/"),
			http: client,
		},
		enabled: cfg.Enabled,
	}
}

func (b *AzureBackend) Source() domain.AuthSource { return domain.AuthSourceAzureAD }

func (b *AzureBackend) GetByUsername(ctx context.Context, username string) (domain.UserPersonDetails, error) {
	if !b.enabled {
		log.Debug().Str("username", username).Msg("azure integration disabled, returning not found")
		return nil, ferrors.ErrUserNotFound
	}

	var dto azureUserDTO
	path := "/users/" + strings.ToLower(username) + "?$select=id,givenName,surname,userPrincipalName,mail,accountEnabled"
	if err := b.rest.do(ctx, http.MethodGet, path, nil, &dto); err != nil {
		return nil, b.mapLookupError(err, username)
	}
	return mapAzureUser(&dto), nil
}

func (b *AzureBackend) GetByEmail(ctx context.Context, email string) ([]domain.UserPersonDetails, error) {
	if !b.enabled {
		return nil, nil
	}

	var list azureListDTO
	path := "/users?$filter=mail eq '" + email + "'&$select=id,givenName,surname,userPrincipalName,mail,accountEnabled"
	if err := b.rest.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		if mapped := b.mapLookupError(err, email); errors.Is(mapped, ferrors.ErrUserNotFound) {
			return nil, nil
		} else {
			return nil, mapped
		}
	}

	users := make([]domain.UserPersonDetails, 0, len(list.Value))
	for i := range list.Value {
		users = append(users, mapAzureUser(&list.Value[i]))
	}
	return users, nil
}

// Authenticate always reports false: directory users sign in through the
// directory's own OIDC flow, never with a password at this gateway.
func (b *AzureBackend) Authenticate(_ context.Context, username, _ string) (bool, error) {
	log.Debug().Str("username", username).Msg("password authentication not supported for azure users")
	return false, nil
}

func (b *AzureBackend) ChangePassword(_ context.Context, username, _ string) error {
	log.Debug().Str("username", username).Msg("password change not supported for azure users")
	return nil
}

func (b *AzureBackend) mapLookupError(err error, subject string) error {
	if errors.Is(err, errNotFound) {
		log.Debug().Str("subject", subject).Msg("user not found in azure")
		return ferrors.ErrUserNotFound
	}
	var clientErr *errClientStatus
	if errors.As(err, &clientErr) {
		log.Warn().Err(err).Str("subject", subject).Msg("azure rejected lookup, treating as not found")
		return ferrors.ErrUserNotFound
	}
	log.Warn().Err(err).Str("subject", subject).Msg("unable to retrieve details from azure")
	return ferrors.NewUpstreamUnavailable("azuread", subject, err)
}

func mapAzureUser(dto *azureUserDTO) *AzureUserPersonDetails {
	email := dto.Mail
	if email == "" {
		email = dto.UserPrincipalName
	}
	return &AzureUserPersonDetails{
		ObjectID:  dto.ID,
		FirstName: dto.GivenName,
		LastName:  dto.Surname,
		Email:     strings.ToLower(email),
		Enabled:   dto.AccountEnabled,
	}
}
