package authflow

import "context"

// CredentialProvider persists flow artifacts for one server. It is the only
// channel carrying state across the browser suspension: between building the
// authorization URL and exchanging the returned code, control may leave the
// process entirely, so server metadata, client credentials and the PKCE code
// verifier must all survive on the provider rather than in memory.
//
// Read methods return (nil, nil), or ("", nil) for the code verifier, when
// nothing has been stored yet.
type CredentialProvider interface {
	// ServerMetadata returns the persisted authorization server metadata.
	ServerMetadata() (*ServerMetadata, error)

	// SaveServerMetadata persists authorization server metadata.
	SaveServerMetadata(metadata *ServerMetadata) error

	// ClientInformation returns the stored client credentials. The lookup
	// may be storage-backed, hence the context.
	ClientInformation(ctx context.Context) (*ClientInformation, error)

	// SaveClientInformation persists dynamically registered credentials.
	SaveClientInformation(info *ClientInformation) error

	// CodeVerifier returns the persisted PKCE code verifier.
	CodeVerifier() (string, error)

	// SaveCodeVerifier persists the PKCE code verifier.
	SaveCodeVerifier(verifier string) error

	// Tokens returns the stored tokens.
	Tokens() (*Tokens, error)

	// SaveTokens persists tokens.
	SaveTokens(tokens *Tokens) error

	// RedirectURL is the redirect target registered for this client.
	RedirectURL() string

	// ClientMetadata returns the registration-request template by value.
	// Callers fill in resolved fields on their copy; the template itself
	// stays untouched.
	ClientMetadata() ClientMetadata
}

// ProviderFactory binds a CredentialProvider to a server URL. The sequencer
// calls it on every invocation so each step gets a fresh binding.
type ProviderFactory func(serverURL string) (CredentialProvider, error)
