package authflow

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ServerMetadata holds RFC 8414 Authorization Server metadata.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	JWKSUri                           string   `json:"jwks_uri,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
}

// Validate checks that the metadata carries the fields every later step
// depends on. Issuer, authorization endpoint and token endpoint are
// mandatory per RFC 8414; everything else is optional.
func (m *ServerMetadata) Validate() error {
	var missing []string
	if m.Issuer == "" {
		missing = append(missing, "issuer")
	}
	if m.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if m.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if len(missing) > 0 {
		return fmt.Errorf("incomplete authorization server metadata: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// ProtectedResourceMetadata holds RFC 9728 Protected Resource Metadata.
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers,omitempty"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
}

// ClientInformation holds the OAuth client credentials, either statically
// provisioned or returned by dynamic client registration (RFC 7591).
type ClientInformation struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// ClientMetadata is the body of a dynamic client registration request.
// The provider hands out a template by value; the registration step fills
// in the scope it resolved and sends the copy, so the template itself is
// never mutated.
type ClientMetadata struct {
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	ClientURI               string   `json:"client_uri,omitempty"`
	SoftwareID              string   `json:"software_id,omitempty"`
	SoftwareVersion         string   `json:"software_version,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// Tokens holds an OAuth token response.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// nowUnix is swappable in tests.
var nowUnix = func() int64 { return time.Now().Unix() }

// IsExpired reports whether the access token has expired, with a 30 second
// buffer to avoid using a token that dies mid-request. Tokens without an
// expiry are treated as expired.
func (t *Tokens) IsExpired() bool {
	if t.ExpiresAt == 0 {
		return true
	}
	return nowUnix() >= t.ExpiresAt-30
}

// ToOAuth2Token converts to the golang.org/x/oauth2 token type so the
// result can be handed to oauth2-aware HTTP stacks.
func (t *Tokens) ToOAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
	}
	if t.ExpiresAt > 0 {
		tok.Expiry = time.Unix(t.ExpiresAt, 0)
	}
	return tok
}

// FromOAuth2Token converts a golang.org/x/oauth2 token back into the wire
// representation used by the credential provider.
func FromOAuth2Token(tok *oauth2.Token) *Tokens {
	t := &Tokens{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		t.ExpiresAt = tok.Expiry.Unix()
	}
	return t
}
