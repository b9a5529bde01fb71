package authflow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flowerrors "github.com/mcpflow/authflow/internal/errors"
)

// memoryProvider is an in-memory CredentialProvider for tests.
type memoryProvider struct {
	metadata    *ServerMetadata
	info        *ClientInformation
	verifier    string
	tokens      *Tokens
	redirectURL string
	template    ClientMetadata

	metadataErr error
	infoErr     error
}

func newMemoryProvider() *memoryProvider {
	return &memoryProvider{
		redirectURL: "http://localhost:3334/oauth/callback",
		template: ClientMetadata{
			RedirectURIs:            []string{"http://localhost:3334/oauth/callback"},
			TokenEndpointAuthMethod: "none",
			GrantTypes:              []string{"authorization_code", "refresh_token"},
			ResponseTypes:           []string{"code"},
			ClientName:              "Test Client",
		},
	}
}

func (p *memoryProvider) ServerMetadata() (*ServerMetadata, error) {
	if p.metadataErr != nil {
		return nil, p.metadataErr
	}
	return p.metadata, nil
}

func (p *memoryProvider) SaveServerMetadata(metadata *ServerMetadata) error {
	p.metadata = metadata
	return nil
}

func (p *memoryProvider) ClientInformation(ctx context.Context) (*ClientInformation, error) {
	if p.infoErr != nil {
		return nil, p.infoErr
	}
	return p.info, nil
}

func (p *memoryProvider) SaveClientInformation(info *ClientInformation) error {
	p.info = info
	return nil
}

func (p *memoryProvider) CodeVerifier() (string, error) { return p.verifier, nil }

func (p *memoryProvider) SaveCodeVerifier(verifier string) error {
	p.verifier = verifier
	return nil
}

func (p *memoryProvider) Tokens() (*Tokens, error) { return p.tokens, nil }

func (p *memoryProvider) SaveTokens(tokens *Tokens) error {
	p.tokens = tokens
	return nil
}

func (p *memoryProvider) RedirectURL() string { return p.redirectURL }

func (p *memoryProvider) ClientMetadata() ClientMetadata { return p.template }

// testSequencer wires a sequencer to a memory provider and captures every
// state update. Retries are tightened so failure tests stay fast.
func testSequencer(provider *memoryProvider) (*Sequencer, *State) {
	var captured State
	seq := NewSequencer(newTestClient(), func(string) (CredentialProvider, error) {
		return provider, nil
	}, func(next State) {
		captured = next
	})
	return seq, &captured
}

func TestStepRejectsInvalidServerURL(t *testing.T) {
	seq, _ := testSequencer(newMemoryProvider())

	err := seq.Step(context.Background(), "not a url at all://", NewState())
	assert.Error(t, err)

	err = seq.Step(context.Background(), "/no-scheme", NewState())
	assert.Error(t, err)
}

func TestStepRejectsUnknownStep(t *testing.T) {
	seq, _ := testSequencer(newMemoryProvider())

	err := seq.Step(context.Background(), "https://example.com", State{Step: Step("bogus")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")
}

func TestGuardViolations(t *testing.T) {
	tests := []struct {
		name  string
		state State
	}{
		{
			name:  "metadata discovery without auth server URL",
			state: State{Step: StepOAuthMetadataDiscovery},
		},
		{
			name:  "registration without metadata",
			state: State{Step: StepClientRegistration},
		},
		{
			name: "redirect without client info",
			state: State{
				Step:          StepAuthorizationRedirect,
				OAuthMetadata: &ServerMetadata{Issuer: "https://as.example.com"},
			},
		},
		{
			name:  "token request without code",
			state: State{Step: StepTokenRequest},
		},
		{
			name:  "complete is terminal",
			state: State{Step: StepComplete},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newMemoryProvider()
			seq, captured := testSequencer(provider)

			err := seq.Step(context.Background(), "https://example.com", tt.state)

			var guardErr *GuardViolationError
			require.ErrorAs(t, err, &guardErr)
			assert.Equal(t, tt.state.Step, guardErr.Step)
			assert.Equal(t, Step(""), captured.Step, "no state update on guard violation")
		})
	}
}

func TestTokenRequestGuardNeedsPersistedArtifacts(t *testing.T) {
	provider := newMemoryProvider()
	seq, _ := testSequencer(provider)

	state := State{Step: StepTokenRequest, AuthorizationCode: "abc123"}

	// Code present but nothing persisted yet.
	err := seq.Step(context.Background(), "https://example.com", state)
	var guardErr *GuardViolationError
	require.ErrorAs(t, err, &guardErr)

	// Metadata alone is not enough.
	provider.metadata = &ServerMetadata{
		Issuer:                "https://as.example.com",
		AuthorizationEndpoint: "https://as.example.com/authorize",
		TokenEndpoint:         "https://as.example.com/token",
	}
	err = seq.Step(context.Background(), "https://example.com", state)
	require.ErrorAs(t, err, &guardErr)
}

func TestTokenRequestGuardPropagatesStorageFailure(t *testing.T) {
	provider := newMemoryProvider()
	provider.metadataErr = errors.New("disk gone")
	seq, _ := testSequencer(provider)

	err := seq.Step(context.Background(), "https://example.com", State{
		Step:              StepTokenRequest,
		AuthorizationCode: "abc123",
	})

	require.Error(t, err)
	assert.True(t, flowerrors.IsType(err, flowerrors.StorageError))
	var guardErr *GuardViolationError
	assert.False(t, errors.As(err, &guardErr), "storage failures are not guard violations")
}

func TestPRMDiscoveryToleratesFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	provider := newMemoryProvider()
	seq, captured := testSequencer(provider)

	err := seq.Step(context.Background(), server.URL, NewState())
	require.NoError(t, err, "prm discovery never raises")

	assert.Equal(t, StepOAuthMetadataDiscovery, captured.Step)
	assert.Nil(t, captured.ResourceMetadata)
	assert.Error(t, captured.ResourceMetadataError)
	assert.Equal(t, server.URL, captured.Resource, "resource falls back to the server")
	assert.Equal(t, server.URL, captured.AuthServerURL, "auth server falls back to the origin")
}

func TestPRMDiscoveryUsesAdvertisedAuthServer(t *testing.T) {
	var prm ProtectedResourceMetadata
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/oauth-protected-resource" {
			w.Header().Set("Content-Type", "application/json")
			writeJSON(t, w, prm)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	prm = ProtectedResourceMetadata{
		Resource:             server.URL,
		AuthorizationServers: []string{"https://as.example.com"},
		ScopesSupported:      []string{"read", "write"},
	}

	provider := newMemoryProvider()
	seq, captured := testSequencer(provider)

	err := seq.Step(context.Background(), server.URL, NewState())
	require.NoError(t, err)

	assert.Equal(t, StepOAuthMetadataDiscovery, captured.Step)
	require.NotNil(t, captured.ResourceMetadata)
	assert.NoError(t, captured.ResourceMetadataError)
	assert.Equal(t, "https://as.example.com", captured.AuthServerURL)
	assert.Equal(t, server.URL, captured.Resource)
}

func TestMetadataDiscoveryFailureIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	provider := newMemoryProvider()
	seq, captured := testSequencer(provider)

	err := seq.Step(context.Background(), server.URL, State{
		Step:          StepOAuthMetadataDiscovery,
		AuthServerURL: server.URL,
	})

	require.Error(t, err)
	assert.True(t, flowerrors.IsType(err, flowerrors.DiscoveryError))
	assert.Equal(t, Step(""), captured.Step, "no state update on fatal discovery")
	assert.Nil(t, provider.metadata, "nothing persisted on failure")
}

func TestMetadataDiscoveryRejectsIncompleteDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/oauth-authorization-server" {
			w.Header().Set("Content-Type", "application/json")
			// token_endpoint missing
			writeJSON(t, w, map[string]string{
				"issuer":                 "https://as.example.com",
				"authorization_endpoint": "https://as.example.com/authorize",
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	provider := newMemoryProvider()
	seq, _ := testSequencer(provider)

	err := seq.Step(context.Background(), server.URL, State{
		Step:          StepOAuthMetadataDiscovery,
		AuthServerURL: server.URL,
	})

	require.Error(t, err)
	assert.True(t, flowerrors.IsType(err, flowerrors.DiscoveryError))
	assert.Contains(t, err.Error(), "token_endpoint")
}

func TestClientRegistrationReusesExistingInformation(t *testing.T) {
	provider := newMemoryProvider()
	provider.info = &ClientInformation{ClientID: "static-client"}
	seq, captured := testSequencer(provider)

	// No registration endpoint anywhere; reuse must not try the network.
	err := seq.Step(context.Background(), "https://example.com", State{
		Step: StepClientRegistration,
		OAuthMetadata: &ServerMetadata{
			Issuer:                "https://as.example.com",
			AuthorizationEndpoint: "https://as.example.com/authorize",
			TokenEndpoint:         "https://as.example.com/token",
		},
	})

	require.NoError(t, err)
	assert.Equal(t, StepAuthorizationRedirect, captured.Step)
	require.NotNil(t, captured.OAuthClientInfo)
	assert.Equal(t, "static-client", captured.OAuthClientInfo.ClientID)
}

func TestClientRegistrationRequiresEndpoint(t *testing.T) {
	provider := newMemoryProvider()
	seq, _ := testSequencer(provider)

	err := seq.Step(context.Background(), "https://example.com", State{
		Step: StepClientRegistration,
		OAuthMetadata: &ServerMetadata{
			Issuer:                "https://as.example.com",
			AuthorizationEndpoint: "https://as.example.com/authorize",
			TokenEndpoint:         "https://as.example.com/token",
		},
	})

	require.Error(t, err)
	assert.True(t, flowerrors.IsType(err, flowerrors.RegistrationError))
}

func TestClientRegistrationDoesNotMutateTemplate(t *testing.T) {
	var registered ClientMetadata
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/register" {
			require.NoError(t, decodeJSON(r, &registered))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			writeJSON(t, w, ClientInformation{ClientID: "dyn-client"})
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	provider := newMemoryProvider()
	seq, captured := testSequencer(provider)

	err := seq.Step(context.Background(), "https://example.com", State{
		Step: StepClientRegistration,
		OAuthMetadata: &ServerMetadata{
			Issuer:                "https://as.example.com",
			AuthorizationEndpoint: "https://as.example.com/authorize",
			TokenEndpoint:         "https://as.example.com/token",
			RegistrationEndpoint:  server.URL + "/register",
			ScopesSupported:       []string{"read"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "read", registered.Scope, "resolved scope lands on the request")
	assert.Empty(t, provider.ClientMetadata().Scope, "template stays untouched")
	assert.Equal(t, "dyn-client", captured.OAuthClientInfo.ClientID)
	require.NotNil(t, provider.info, "dynamic registration is persisted")
}

func TestAuthorizationRedirectPersistsVerifier(t *testing.T) {
	provider := newMemoryProvider()
	seq, captured := testSequencer(provider)

	err := seq.Step(context.Background(), "https://example.com", State{
		Step:     StepAuthorizationRedirect,
		Resource: "https://example.com",
		OAuthMetadata: &ServerMetadata{
			Issuer:                "https://as.example.com",
			AuthorizationEndpoint: "https://as.example.com/authorize",
			TokenEndpoint:         "https://as.example.com/token",
		},
		OAuthClientInfo: &ClientInformation{ClientID: "client-1"},
	})

	require.NoError(t, err)
	assert.Equal(t, StepAuthorizationCode, captured.Step)
	assert.NotEmpty(t, provider.verifier, "code verifier must survive the suspension")
	assert.Contains(t, captured.AuthorizationURL, "code_challenge=")
	assert.Contains(t, captured.AuthorizationURL, "state=")
	assert.Contains(t, captured.AuthorizationURL, "client_id=client-1")
}

func TestAuthorizationCodeValidation(t *testing.T) {
	t.Run("blank code holds the step", func(t *testing.T) {
		provider := newMemoryProvider()
		seq, captured := testSequencer(provider)

		err := seq.Step(context.Background(), "https://example.com", State{
			Step:              StepAuthorizationCode,
			AuthorizationCode: "   ",
		})

		require.Error(t, err)
		assert.True(t, flowerrors.IsType(err, flowerrors.ValidationError))
		assert.Equal(t, StepAuthorizationCode, captured.Step, "step is held for retry")
		assert.Equal(t, "Please enter the authorization code", captured.ValidationError)
	})

	t.Run("valid code advances and clears the message", func(t *testing.T) {
		provider := newMemoryProvider()
		seq, captured := testSequencer(provider)

		err := seq.Step(context.Background(), "https://example.com", State{
			Step:              StepAuthorizationCode,
			AuthorizationCode: "  xyz789  ",
			ValidationError:   "Please enter the authorization code",
		})

		require.NoError(t, err)
		assert.Equal(t, StepTokenRequest, captured.Step)
		assert.Equal(t, "xyz789", captured.AuthorizationCode, "code is trimmed")
		assert.Empty(t, captured.ValidationError)
	})
}

func TestTokenRequestExchangesCode(t *testing.T) {
	var form map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			require.NoError(t, r.ParseForm())
			form = map[string]string{}
			for k := range r.PostForm {
				form[k] = r.PostForm.Get(k)
			}
			w.Header().Set("Content-Type", "application/json")
			writeJSON(t, w, map[string]any{
				"access_token":  "at-1",
				"token_type":    "Bearer",
				"refresh_token": "rt-1",
				"expires_in":    3600,
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	provider := newMemoryProvider()
	provider.metadata = &ServerMetadata{
		Issuer:                server.URL,
		AuthorizationEndpoint: server.URL + "/authorize",
		TokenEndpoint:         server.URL + "/token",
	}
	provider.info = &ClientInformation{ClientID: "client-1"}
	provider.verifier = "stored-verifier"

	seq, captured := testSequencer(provider)

	err := seq.Step(context.Background(), "https://example.com", State{
		Step:              StepTokenRequest,
		AuthorizationCode: "xyz789",
		Resource:          "https://example.com",
	})

	require.NoError(t, err)
	assert.Equal(t, StepComplete, captured.Step)
	require.NotNil(t, captured.OAuthTokens)
	assert.Equal(t, "at-1", captured.OAuthTokens.AccessToken)
	assert.NotZero(t, captured.OAuthTokens.ExpiresAt)
	require.NotNil(t, provider.tokens, "tokens are persisted")

	assert.Equal(t, "authorization_code", form["grant_type"])
	assert.Equal(t, "xyz789", form["code"])
	assert.Equal(t, "stored-verifier", form["code_verifier"])
	assert.Equal(t, "https://example.com", form["resource"])
	assert.Equal(t, provider.redirectURL, form["redirect_uri"])
}

func TestTokenRequestMissingVerifierFails(t *testing.T) {
	provider := newMemoryProvider()
	provider.metadata = &ServerMetadata{
		Issuer:                "https://as.example.com",
		AuthorizationEndpoint: "https://as.example.com/authorize",
		TokenEndpoint:         "https://as.example.com/token",
	}
	provider.info = &ClientInformation{ClientID: "client-1"}

	seq, _ := testSequencer(provider)

	err := seq.Step(context.Background(), "https://example.com", State{
		Step:              StepTokenRequest,
		AuthorizationCode: "xyz789",
	})

	require.Error(t, err)
	assert.True(t, flowerrors.IsType(err, flowerrors.StorageError))
}
