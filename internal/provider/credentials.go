package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenSource hands out bearer tokens for provider accounts and supports
// explicit invalidation when a token is rejected mid-fetch.
type TokenSource interface {
	Token(ctx context.Context, acct Account) (string, error)
	Invalidate(accountID string)
}

// CredentialSource caches one bearer token per account, acquired via the
// provider's client-credentials token endpoint. Tokens expire server-side and
// are re-acquired transparently on the next request after expiry or
// invalidation.
type CredentialSource struct {
	tokenURL string
	client   *http.Client

	mu     sync.Mutex
	tokens map[string]*oauth2.Token
}

// NewCredentialSource constructs a credential cache for the supplied token
// endpoint. A nil httpClient uses the default transport.
func NewCredentialSource(tokenURL string, httpClient *http.Client) *CredentialSource {
	return &CredentialSource{
		tokenURL: tokenURL,
		client:   httpClient,
		tokens:   make(map[string]*oauth2.Token),
	}
}

// Token returns a valid bearer token for the account, fetching a fresh one
// when no cached token exists or the cached token expired.
func (s *CredentialSource) Token(ctx context.Context, acct Account) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tok, ok := s.tokens[acct.ID]; ok && tok.Valid() {
		return tok.AccessToken, nil
	}

	cfg := &clientcredentials.Config{
		ClientID:     acct.ClientID,
		ClientSecret: acct.ClientSecret,
		TokenURL:     s.tokenURL,
	}

	if s.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	}

	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("provider: acquire token for account %s: %w", acct.ID, err)
	}

	s.tokens[acct.ID] = tok
	return tok.AccessToken, nil
}

// Invalidate drops any cached token for the account, forcing re-acquisition.
func (s *CredentialSource) Invalidate(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, accountID)
}
