package api

import (
	"context"
	"time"

	"lingocast/native/internal/credentials"
	"lingocast/native/internal/domain"
)

// DefaultTokenLifetime is assumed for a bundle whose expiry is neither
// reported nor readable from its tokens.
const DefaultTokenLifetime = time.Hour

// TokenProvider serves the configured bundle and refreshes it through the
// API. Missing expiry times are read from the tokens' exp claims.
type TokenProvider struct {
	client  *Client
	initial domain.Credentials
}

// NewTokenProvider returns a provider seeded with initial.
func NewTokenProvider(client *Client, initial domain.Credentials) *TokenProvider {
	return &TokenProvider{client: client, initial: initial}
}

// CurrentCredentials implements domain.CredentialProvider.
func (p *TokenProvider) CurrentCredentials(context.Context) (domain.Credentials, error) {
	creds := p.initial
	if creds.ExpiresAt.IsZero() {
		creds.ExpiresAt = p.expiry(creds)
	}
	return creds, nil
}

// RefreshCredentials implements domain.CredentialProvider.
func (p *TokenProvider) RefreshCredentials(ctx context.Context, refreshToken string) (domain.Credentials, error) {
	creds, err := p.client.RefreshCredentials(ctx, refreshToken)
	if err != nil {
		return domain.Credentials{}, err
	}
	if creds.ExpiresAt.IsZero() {
		creds.ExpiresAt = p.expiry(creds)
	}
	return creds, nil
}

func (p *TokenProvider) expiry(creds domain.Credentials) time.Time {
	for _, token := range []string{creds.IDToken, creds.AccessToken} {
		if token == "" {
			continue
		}
		if exp, err := credentials.ExpiryFromToken(token); err == nil {
			return exp
		}
	}
	return p.client.now().Add(DefaultTokenLifetime)
}

// RelaySource fetches ICE servers with the cached access token.
type RelaySource struct {
	client *Client
	creds  *credentials.Cache
}

// NewRelaySource returns a domain.RelaySource backed by client.
func NewRelaySource(client *Client, creds *credentials.Cache) *RelaySource {
	return &RelaySource{client: client, creds: creds}
}

// ICEServers implements domain.RelaySource.
func (r *RelaySource) ICEServers(ctx context.Context) ([]domain.ICEServer, error) {
	creds, err := r.creds.Get(ctx)
	if err != nil {
		return nil, err
	}
	return r.client.FetchICEServers(ctx, creds.AccessToken)
}
