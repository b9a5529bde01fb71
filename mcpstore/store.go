// Package mcpstore bridges the authflow credential provider to mcp-go's
// transport.TokenStore, so tokens obtained by the flow sequencer can be
// consumed directly by mcp-go HTTP transports.
package mcpstore

import (
	"context"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"

	"github.com/mcpflow/authflow/authflow"
)

// Store is a thin binder that implements mcp-go's transport.TokenStore
// over an authflow CredentialProvider.
//
// It has no storage of its own; all reads and writes go through the
// provider. mcp-go owns token refresh and 401 handling: this store hands
// out the current token as-is and persists whatever mcp-go writes back
// after a successful refresh.
type Store struct {
	provider authflow.CredentialProvider
}

// New creates a token store backed by the given credential provider.
func New(provider authflow.CredentialProvider) *Store {
	return &Store{provider: provider}
}

// GetToken returns the current token from the provider. Returns
// transport.ErrNoToken when none is stored, which signals mcp-go to
// initiate its authorization flow.
func (s *Store) GetToken(ctx context.Context) (*transport.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tokens, err := s.provider.Tokens()
	if err != nil {
		return nil, err
	}
	if tokens == nil || tokens.AccessToken == "" {
		return nil, transport.ErrNoToken
	}

	tok := &transport.Token{
		AccessToken:  tokens.AccessToken,
		TokenType:    tokens.TokenType,
		RefreshToken: tokens.RefreshToken,
	}
	if tokens.ExpiresAt > 0 {
		tok.ExpiresAt = time.Unix(tokens.ExpiresAt, 0)
	}

	return tok, nil
}

// SaveToken persists a token back to the provider. mcp-go calls this after
// a successful refresh.
func (s *Store) SaveToken(ctx context.Context, token *transport.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if token == nil {
		return nil
	}

	tokens := &authflow.Tokens{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
	}
	if !token.ExpiresAt.IsZero() {
		tokens.ExpiresAt = token.ExpiresAt.Unix()
	}

	return s.provider.SaveTokens(tokens)
}

// SetupOAuthConfig builds the transport.OAuthConfig for mcp-go's
// WithHTTPOAuth / WithOAuth options from persisted flow credentials.
// The scopes come from the stored client registration.
func SetupOAuthConfig(ctx context.Context, provider authflow.CredentialProvider) (*transport.OAuthConfig, error) {
	store := New(provider)

	config := &transport.OAuthConfig{
		TokenStore:  store,
		RedirectURI: provider.RedirectURL(),
		PKCEEnabled: true,
	}

	info, err := provider.ClientInformation(ctx)
	if err != nil {
		return nil, err
	}
	if info != nil {
		config.ClientID = info.ClientID
		config.ClientSecret = info.ClientSecret
		if info.Scope != "" {
			config.Scopes = strings.Fields(info.Scope)
		}
	}

	return config, nil
}

// Ensure Store implements transport.TokenStore at compile time.
var _ transport.TokenStore = (*Store)(nil)
