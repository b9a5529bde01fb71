package authflow

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/mcpflow/authflow/internal/httpclient"
)

const (
	wellKnownProtectedResource   = "/.well-known/oauth-protected-resource"
	wellKnownAuthorizationServer = "/.well-known/oauth-authorization-server"
	wellKnownOpenIDConfiguration = "/.well-known/openid-configuration"
)

// Client performs the wire-level OAuth operations the sequencer drives:
// metadata discovery, dynamic client registration, authorization URL
// construction and token exchange. It holds no flow state.
type Client struct {
	http *httpclient.Client
}

// NewClient creates a wire client. A nil config selects the default
// timeout/retry behavior.
func NewClient(config *httpclient.Config) *Client {
	return &Client{
		http: httpclient.New(config),
	}
}

// origin returns the scheme://host root of u.
func origin(u *url.URL) string {
	return fmt.Sprintf("%s://%s", u.Scheme, u.Host)
}

// DiscoverProtectedResourceMetadata fetches RFC 9728 Protected Resource
// Metadata from the server's well-known location. PRM support is optional,
// so callers are expected to tolerate failure.
func (c *Client) DiscoverProtectedResourceMetadata(ctx context.Context, serverURL *url.URL) (*ProtectedResourceMetadata, error) {
	metadataURL := origin(serverURL) + wellKnownProtectedResource

	resp, err := c.http.Get(ctx, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch protected resource metadata from %s: %w", metadataURL, err)
	}
	defer func() { _ = resp.SafeClose() }()

	var prm ProtectedResourceMetadata
	if err := resp.JSON(&prm); err != nil {
		return nil, fmt.Errorf("failed to parse protected resource metadata from %s: %w", metadataURL, err)
	}

	return &prm, nil
}

// SelectResourceURL resolves the protected-resource identifier used as the
// token audience. With no PRM, the server URL itself is the resource. When
// PRM declares a resource, it must sit on the same origin as the server;
// anything else would let a hostile metadata document redirect the audience.
func (c *Client) SelectResourceURL(serverURL *url.URL, prm *ProtectedResourceMetadata) (*url.URL, error) {
	if prm == nil || prm.Resource == "" {
		return serverURL, nil
	}

	resource, err := url.Parse(prm.Resource)
	if err != nil {
		return nil, fmt.Errorf("invalid resource in protected resource metadata: %w", err)
	}
	if resource.Scheme != serverURL.Scheme || resource.Host != serverURL.Host {
		return nil, fmt.Errorf("resource %s does not match server origin %s", prm.Resource, origin(serverURL))
	}

	return resource, nil
}

// DiscoverAuthorizationServerMetadata fetches RFC 8414 metadata from the
// authorization server, falling back to OpenID Connect discovery. Returns
// (nil, nil) when neither well-known document exists; the caller decides
// whether that is fatal.
func (c *Client) DiscoverAuthorizationServerMetadata(ctx context.Context, authServerURL string) (*ServerMetadata, error) {
	base, err := url.Parse(authServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization server URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("authorization server URL must have scheme and host: %s", authServerURL)
	}

	for _, wellKnown := range []string{wellKnownAuthorizationServer, wellKnownOpenIDConfiguration} {
		metadata, err := c.fetchServerMetadata(ctx, origin(base)+wellKnown)
		if err != nil {
			return nil, err
		}
		if metadata != nil {
			return metadata, nil
		}
	}

	return nil, nil
}

// fetchServerMetadata fetches one well-known document. A 404 means the
// document does not exist and yields (nil, nil).
func (c *Client) fetchServerMetadata(ctx context.Context, metadataURL string) (*ServerMetadata, error) {
	resp, err := c.http.Get(ctx, metadataURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch authorization server metadata from %s: %w", metadataURL, err)
	}
	defer func() { _ = resp.SafeClose() }()

	var metadata ServerMetadata
	if err := resp.JSON(&metadata); err != nil {
		return nil, fmt.Errorf("failed to parse authorization server metadata from %s: %w", metadataURL, err)
	}

	return &metadata, nil
}

// DiscoverScopes resolves the scope string to request, preferring the
// scopes the protected resource declares over the authorization server's
// advertised set. Returns "" when neither declares any.
func (c *Client) DiscoverScopes(metadata *ServerMetadata, prm *ProtectedResourceMetadata) string {
	if prm != nil && len(prm.ScopesSupported) > 0 {
		return strings.Join(prm.ScopesSupported, " ")
	}
	if metadata != nil && len(metadata.ScopesSupported) > 0 {
		return strings.Join(metadata.ScopesSupported, " ")
	}
	return ""
}

// RegisterClient performs RFC 7591 dynamic client registration.
func (c *Client) RegisterClient(ctx context.Context, registrationEndpoint string, clientMetadata ClientMetadata) (*ClientInformation, error) {
	resp, err := c.http.PostJSON(ctx, registrationEndpoint, clientMetadata, nil)
	if err != nil {
		return nil, fmt.Errorf("client registration request failed: %w", err)
	}
	defer func() { _ = resp.SafeClose() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client registration failed: status %d, body: %s", resp.StatusCode, resp.String())
	}

	var info ClientInformation
	if err := resp.JSON(&info); err != nil {
		return nil, fmt.Errorf("failed to parse client registration response: %w", err)
	}
	if info.ClientID == "" {
		return nil, fmt.Errorf("client registration response missing client_id")
	}

	return &info, nil
}

// StartAuthorizationOptions configures building an authorization URL.
type StartAuthorizationOptions struct {
	Metadata          *ServerMetadata
	ClientInformation *ClientInformation
	RedirectURL       string
	Scope             string
	State             string
	Resource          *url.URL
}

// StartAuthorizationResult holds the built authorization URL and the PKCE
// code verifier the caller must keep for the token exchange.
type StartAuthorizationResult struct {
	AuthorizationURL *url.URL
	CodeVerifier     string
}

// StartAuthorization builds the authorization-code request URL with PKCE.
// No network traffic happens here; navigation is the caller's business.
func (c *Client) StartAuthorization(opts StartAuthorizationOptions) (*StartAuthorizationResult, error) {
	if opts.Metadata == nil || opts.ClientInformation == nil {
		return nil, fmt.Errorf("authorization requires server metadata and client information")
	}

	authURL, err := url.Parse(opts.Metadata.AuthorizationEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	verifier, err := GenerateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}

	q := authURL.Query()
	q.Set("response_type", "code")
	q.Set("client_id", opts.ClientInformation.ClientID)
	q.Set("redirect_uri", opts.RedirectURL)
	q.Set("code_challenge", ComputeCodeChallenge(verifier))
	q.Set("code_challenge_method", CodeChallengeMethodS256)
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if opts.Scope != "" {
		q.Set("scope", opts.Scope)
	}
	if opts.Resource != nil {
		q.Set("resource", opts.Resource.String())
	}
	authURL.RawQuery = q.Encode()

	return &StartAuthorizationResult{
		AuthorizationURL: authURL,
		CodeVerifier:     verifier,
	}, nil
}

// ExchangeAuthorizationOptions configures exchanging an authorization code
// for tokens.
type ExchangeAuthorizationOptions struct {
	Metadata          *ServerMetadata
	ClientInformation *ClientInformation
	AuthorizationCode string
	CodeVerifier      string
	RedirectURI       string
	Resource          *url.URL
}

// ExchangeAuthorization exchanges an authorization code for tokens at the
// token endpoint, proving possession of the PKCE code verifier.
func (c *Client) ExchangeAuthorization(ctx context.Context, opts ExchangeAuthorizationOptions) (*Tokens, error) {
	if opts.Metadata == nil || opts.ClientInformation == nil {
		return nil, fmt.Errorf("token exchange requires server metadata and client information")
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", opts.AuthorizationCode)
	form.Set("redirect_uri", opts.RedirectURI)
	form.Set("client_id", opts.ClientInformation.ClientID)
	form.Set("code_verifier", opts.CodeVerifier)
	if opts.ClientInformation.ClientSecret != "" {
		form.Set("client_secret", opts.ClientInformation.ClientSecret)
	}
	if opts.Resource != nil {
		form.Set("resource", opts.Resource.String())
	}

	return c.requestTokens(ctx, opts.Metadata.TokenEndpoint, form)
}

// RefreshAuthorizationOptions configures a refresh-token grant.
type RefreshAuthorizationOptions struct {
	Metadata          *ServerMetadata
	ClientInformation *ClientInformation
	RefreshToken      string
	Resource          *url.URL
}

// RefreshAuthorization exchanges a refresh token for fresh tokens. When the
// server omits a new refresh token, the old one is carried forward.
func (c *Client) RefreshAuthorization(ctx context.Context, opts RefreshAuthorizationOptions) (*Tokens, error) {
	if opts.Metadata == nil || opts.ClientInformation == nil {
		return nil, fmt.Errorf("token refresh requires server metadata and client information")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", opts.RefreshToken)
	form.Set("client_id", opts.ClientInformation.ClientID)
	if opts.ClientInformation.ClientSecret != "" {
		form.Set("client_secret", opts.ClientInformation.ClientSecret)
	}
	if opts.Resource != nil {
		form.Set("resource", opts.Resource.String())
	}

	tokens, err := c.requestTokens(ctx, opts.Metadata.TokenEndpoint, form)
	if err != nil {
		return nil, err
	}

	if tokens.RefreshToken == "" {
		tokens.RefreshToken = opts.RefreshToken
	}

	return tokens, nil
}

// requestTokens posts a token-endpoint form and normalizes the response,
// computing the absolute expiry from expires_in.
func (c *Client) requestTokens(ctx context.Context, tokenEndpoint string, form url.Values) (*Tokens, error) {
	resp, err := c.http.PostForm(ctx, tokenEndpoint, form, nil)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.SafeClose() }()

	var tokens Tokens
	if err := resp.JSON(&tokens); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	if tokens.ExpiresIn > 0 && tokens.ExpiresAt == 0 {
		tokens.ExpiresAt = nowUnix() + int64(tokens.ExpiresIn)
	}

	log.Printf("Obtained %s token from %s", tokens.TokenType, tokenEndpoint)

	return &tokens, nil
}
