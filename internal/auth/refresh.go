package auth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// OAuthEndpoint describes a provider's token endpoint for refresh
// exchanges.
type OAuthEndpoint struct {
	ClientID string
	TokenURL string
	Scopes   []string
}

// TokenSourceFor returns a per-request token function for the provider.
// OAuth-backed tokens are refreshed when within 60 s of expiry, under a
// per-provider mutex, and the replacement is persisted before use.
func (s *Store) TokenSourceFor(providerID string, endpoint *OAuthEndpoint) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		token, err := s.LoadToken(providerID)
		if err != nil {
			return "", err
		}
		if token == nil {
			return "", fmt.Errorf("no credential stored for provider %q", providerID)
		}
		if !token.Expired(time.Now()) || token.RefreshToken == "" || endpoint == nil {
			return token.AccessToken, nil
		}

		mu := providerMutex(providerID)
		mu.Lock()
		defer mu.Unlock()

		// Another request may have refreshed while we waited on the lock.
		token, err = s.LoadToken(providerID)
		if err != nil {
			return "", err
		}
		if token == nil {
			return "", fmt.Errorf("no credential stored for provider %q", providerID)
		}
		if !token.Expired(time.Now()) {
			return token.AccessToken, nil
		}

		refreshed, err := refreshToken(ctx, endpoint, token)
		if err != nil {
			return "", fmt.Errorf("refresh %s token: %w", providerID, err)
		}
		if err := s.StoreToken(providerID, *refreshed); err != nil {
			return "", fmt.Errorf("persist refreshed %s token: %w", providerID, err)
		}
		return refreshed.AccessToken, nil
	}
}

func refreshToken(ctx context.Context, endpoint *OAuthEndpoint, stored *StoredToken) (*StoredToken, error) {
	conf := &oauth2.Config{
		ClientID: endpoint.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: endpoint.TokenURL},
		Scopes:   endpoint.Scopes,
	}
	src := conf.TokenSource(ctx, &oauth2.Token{
		RefreshToken: stored.RefreshToken,
		Expiry:       time.Unix(1, 0), // force refresh
	})
	fresh, err := src.Token()
	if err != nil {
		return nil, err
	}

	out := &StoredToken{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		Provider:     stored.Provider,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = stored.RefreshToken
	}
	if !fresh.Expiry.IsZero() {
		out.ExpiresAt = fresh.Expiry.Unix()
	}
	return out, nil
}
