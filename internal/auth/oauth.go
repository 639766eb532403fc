package auth

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"google.golang.org/api/gmail/v1"
)

// Provider represents OAuth providers
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// ErrMissingCredentials is returned when a token source cannot be built
// from the supplied settings.
var ErrMissingCredentials = errors.New("missing OAuth2 credentials")

// Credentials identify an OAuth client and the mailbox's offline grant.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	RefreshToken string
	// Tenant is only used by Microsoft; empty means "common".
	Tenant string
}

// Complete reports whether a refresh token can be exchanged with c.
func (c Credentials) Complete() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

// GoogleConfig returns the OAuth client for read-only Gmail access.
func GoogleConfig(c Credentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       []string{gmail.GmailReadonlyScope},
		Endpoint:     google.Endpoint,
	}
}

// MicrosoftConfig returns the OAuth client for Graph mail access.
func MicrosoftConfig(c Credentials) *oauth2.Config {
	tenant := c.Tenant
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       []string{"offline_access", "https://graph.microsoft.com/Mail.Read"},
		Endpoint:     microsoft.AzureADEndpoint(tenant),
	}
}

// Config returns the OAuth client for p.
func Config(p Provider, c Credentials) *oauth2.Config {
	if p == ProviderMicrosoft {
		return MicrosoftConfig(c)
	}
	return GoogleConfig(c)
}

// RefreshTokenSource returns a caching token source that mints access tokens
// from the stored refresh token.
func RefreshTokenSource(ctx context.Context, p Provider, c Credentials) (oauth2.TokenSource, error) {
	if !c.Complete() {
		return nil, ErrMissingCredentials
	}
	return Config(p, c).TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken}), nil
}
