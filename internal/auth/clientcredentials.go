package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type ClientCredentials struct {
	Config     *clientcredentials.Config
	httpClient *http.Client
}

type ClientCredentialsOptions struct {
	ClientID     string
	ClientSecret string
	// TokenURL wins over Issuer. When empty the token endpoint is read from
	// the issuer's discovery document.
	TokenURL   string
	Issuer     string
	Scopes     []string
	HttpClient *http.Client
}

func NewClientCredentials(ctx context.Context, ops ClientCredentialsOptions) (*ClientCredentials, error) {
	if ops.ClientID == "" {
		return nil, errors.New("client id cannot be empty")
	}
	if ops.HttpClient == nil {
		ops.HttpClient = http.DefaultClient
	}
	tokenURL := ops.TokenURL
	if tokenURL == "" {
		if ops.Issuer == "" {
			return nil, errors.New("either token url or issuer is required")
		}
		provider, err := oidc.NewProvider(oidc.ClientContext(ctx, ops.HttpClient), ops.Issuer)
		if err != nil {
			return nil, errors.Join(errors.New("oidc discovery failed"), err)
		}
		tokenURL = provider.Endpoint().TokenURL
	}
	return &ClientCredentials{
		Config: &clientcredentials.Config{
			ClientID:     ops.ClientID,
			ClientSecret: ops.ClientSecret,
			Scopes:       ops.Scopes,
			TokenURL:     tokenURL,
		},
		httpClient: ops.HttpClient,
	}, nil
}

func (cc *ClientCredentials) Login(ctx context.Context) (*oauth2.Token, error) {
	return cc.Config.Token(context.WithValue(ctx, oauth2.HTTPClient, cc.httpClient))
}

// Client returns an http.Client that attaches a bearer token to every
// request and renews it when it expires. Token renewal outlives ctx
// cancellation.
func (cc *ClientCredentials) Client(ctx context.Context) *http.Client {
	ctx = context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, cc.httpClient)
	return cc.Config.Client(ctx)
}
