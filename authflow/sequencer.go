package authflow

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/mcpflow/authflow/internal/errors"
)

// GuardViolationError is raised when a step is invoked with an unmet
// precondition, including any invocation after the pipeline completed.
// The flow state is never mutated when this is returned.
type GuardViolationError struct {
	Step Step
}

// Error implements the error interface.
func (e *GuardViolationError) Error() string {
	return fmt.Sprintf("guard violation at step %q: precondition not met", e.Step)
}

// stepContext carries everything one transition needs: the snapshot being
// advanced, the provider binding for the target server, the wire client and
// the caller's update callback.
type stepContext struct {
	ctx       context.Context
	state     State
	serverURL *url.URL
	provider  CredentialProvider
	client    *Client
	update    func(State)
}

// transition pairs a step's guard predicate with its action. Guards are
// pure over the declared precondition fields (plus provider state for the
// token request); actions report the next state through the update callback
// or raise.
type transition struct {
	guard   func(sc *stepContext) (bool, error)
	execute func(sc *stepContext) error
}

func guardAlways(*stepContext) (bool, error) { return true, nil }
func guardNever(*stepContext) (bool, error)  { return false, nil }

// transitions is the pipeline: one entry per step, keyed by the state's
// discriminant. Order of execution is enforced by the guards, not by the
// map.
var transitions = map[Step]transition{
	StepPRMDiscovery: {
		guard:   guardAlways,
		execute: executePRMDiscovery,
	},
	StepOAuthMetadataDiscovery: {
		guard: func(sc *stepContext) (bool, error) {
			return sc.state.AuthServerURL != "", nil
		},
		execute: executeOAuthMetadataDiscovery,
	},
	StepClientRegistration: {
		guard: func(sc *stepContext) (bool, error) {
			return sc.state.OAuthMetadata != nil, nil
		},
		execute: executeClientRegistration,
	},
	StepAuthorizationRedirect: {
		guard: func(sc *stepContext) (bool, error) {
			return sc.state.OAuthMetadata != nil && sc.state.OAuthClientInfo != nil, nil
		},
		execute: executeAuthorizationRedirect,
	},
	StepAuthorizationCode: {
		guard:   guardAlways,
		execute: executeAuthorizationCode,
	},
	StepTokenRequest: {
		guard:   guardTokenRequest,
		execute: executeTokenRequest,
	},
	StepComplete: {
		guard:   guardNever,
		execute: func(*stepContext) error { return nil },
	},
}

// Sequencer drives the pipeline one step per invocation. It holds no flow
// state of its own: the caller supplies the current snapshot each time and
// receives the next one through the OnStateChange callback, which is what
// lets the pipeline span the external browser round-trip, including a
// process restart in between.
type Sequencer struct {
	client    *Client
	providers ProviderFactory
	onState   func(State)
}

// NewSequencer creates a sequencer. providers binds a credential provider
// per server; onState receives every updated snapshot.
func NewSequencer(client *Client, providers ProviderFactory, onState func(State)) *Sequencer {
	return &Sequencer{
		client:    client,
		providers: providers,
		onState:   onState,
	}
}

// Step performs exactly one pipeline step against the given server. When
// the current step's guard fails, a GuardViolationError naming the step is
// returned and no state changes. Otherwise the step's action runs and
// reports the next snapshot via OnStateChange, or raises.
//
// Invocations must be serialized by the caller; concurrent calls against
// the same flow state are undefined.
func (s *Sequencer) Step(ctx context.Context, serverURL string, state State) error {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("server URL must have scheme and host: %s", serverURL)
	}

	provider, err := s.providers(serverURL)
	if err != nil {
		return errors.Wrap(err, errors.StorageError, "failed to bind credential provider")
	}

	tr, ok := transitions[state.Step]
	if !ok {
		return fmt.Errorf("unknown step %q", state.Step)
	}

	sc := &stepContext{
		ctx:       ctx,
		state:     state,
		serverURL: parsed,
		provider:  provider,
		client:    s.client,
		update:    s.onState,
	}

	pass, err := tr.guard(sc)
	if err != nil {
		return err
	}
	if !pass {
		return &GuardViolationError{Step: state.Step}
	}

	return tr.execute(sc)
}

// executePRMDiscovery attempts Protected Resource Metadata discovery. PRM
// is optional in the protocol, so every failure here is captured rather
// than raised and the step always advances. The authorization server
// defaults to the target server's root origin unless PRM names one.
func executePRMDiscovery(sc *stepContext) error {
	next := sc.state

	prm, err := sc.client.DiscoverProtectedResourceMetadata(sc.ctx, sc.serverURL)
	if err != nil {
		log.Printf("Protected resource metadata discovery failed (continuing): %v", err)
		next.ResourceMetadata = nil
		next.ResourceMetadataError = err
	} else {
		next.ResourceMetadata = prm
		next.ResourceMetadataError = nil
	}

	resource, err := sc.client.SelectResourceURL(sc.serverURL, next.ResourceMetadata)
	if err != nil {
		// A malformed or mismatched PRM resource is tolerated the same
		// way a failed fetch is: fall back to the server itself.
		log.Printf("Resource selection from PRM failed (continuing): %v", err)
		if next.ResourceMetadataError == nil {
			next.ResourceMetadataError = err
		}
		resource = sc.serverURL
	}
	next.Resource = resource.String()

	next.AuthServerURL = origin(sc.serverURL)
	if next.ResourceMetadata != nil && len(next.ResourceMetadata.AuthorizationServers) > 0 {
		next.AuthServerURL = next.ResourceMetadata.AuthorizationServers[0]
	}

	next.Step = StepOAuthMetadataDiscovery
	sc.update(next)
	return nil
}

// executeOAuthMetadataDiscovery fetches and validates Authorization Server
// metadata. Unlike PRM, this document is mandatory: absence or a schema
// violation raises without advancing. On success the metadata is persisted
// so the token request can find it after the browser suspension.
func executeOAuthMetadataDiscovery(sc *stepContext) error {
	metadata, err := sc.client.DiscoverAuthorizationServerMetadata(sc.ctx, sc.state.AuthServerURL)
	if err != nil {
		return errors.Wrap(err, errors.DiscoveryError, "authorization server metadata discovery failed")
	}
	if metadata == nil {
		return errors.Newf(errors.DiscoveryError, "no authorization server metadata available at %s", sc.state.AuthServerURL)
	}
	if err := metadata.Validate(); err != nil {
		return errors.Wrap(err, errors.DiscoveryError, "authorization server metadata invalid")
	}

	if err := sc.provider.SaveServerMetadata(metadata); err != nil {
		return errors.Wrap(err, errors.StorageError, "failed to persist server metadata")
	}

	next := sc.state
	next.OAuthMetadata = metadata
	next.Step = StepClientRegistration
	sc.update(next)
	return nil
}

// executeClientRegistration resolves client credentials. Pre-existing
// (static) client information wins and is reused as-is without
// re-registering or re-persisting; otherwise the client registers
// dynamically and the result is persisted. The scope set to register
// prefers what the protected resource declared over the authorization
// server's advertised scopes.
func executeClientRegistration(sc *stepContext) error {
	info, err := sc.provider.ClientInformation(sc.ctx)
	if err != nil {
		return errors.Wrap(err, errors.StorageError, "failed to read client information")
	}

	if info == nil {
		if sc.state.OAuthMetadata.RegistrationEndpoint == "" {
			return errors.New(errors.RegistrationError, "authorization server does not support dynamic client registration")
		}

		// The provider's template is copied by value; the resolved
		// scope lands on the request, never on the template.
		clientMetadata := sc.provider.ClientMetadata()
		if scope := sc.client.DiscoverScopes(sc.state.OAuthMetadata, sc.state.ResourceMetadata); scope != "" {
			clientMetadata.Scope = scope
		}

		info, err = sc.client.RegisterClient(sc.ctx, sc.state.OAuthMetadata.RegistrationEndpoint, clientMetadata)
		if err != nil {
			return errors.Wrap(err, errors.RegistrationError, "dynamic client registration failed")
		}

		if err := sc.provider.SaveClientInformation(info); err != nil {
			return errors.Wrap(err, errors.StorageError, "failed to persist client information")
		}
	} else {
		log.Printf("Using existing client information for %s", sc.serverURL.Host)
	}

	next := sc.state
	next.OAuthClientInfo = info
	next.Step = StepAuthorizationRedirect
	sc.update(next)
	return nil
}

// executeAuthorizationRedirect builds the authorization URL with PKCE and a
// fresh anti-CSRF state, persisting the code verifier for the exchange that
// happens after the user comes back. The scope requested here is resolved
// independently of the registration-time scope merge.
func executeAuthorizationRedirect(sc *stepContext) error {
	var resource *url.URL
	if sc.state.Resource != "" {
		var err error
		resource, err = url.Parse(sc.state.Resource)
		if err != nil {
			return fmt.Errorf("invalid resource %q: %w", sc.state.Resource, err)
		}
	}

	result, err := sc.client.StartAuthorization(StartAuthorizationOptions{
		Metadata:          sc.state.OAuthMetadata,
		ClientInformation: sc.state.OAuthClientInfo,
		RedirectURL:       sc.provider.RedirectURL(),
		Scope:             sc.client.DiscoverScopes(sc.state.OAuthMetadata, sc.state.ResourceMetadata),
		State:             GenerateState(),
		Resource:          resource,
	})
	if err != nil {
		return fmt.Errorf("failed to start authorization: %w", err)
	}

	if err := sc.provider.SaveCodeVerifier(result.CodeVerifier); err != nil {
		return errors.Wrap(err, errors.StorageError, "failed to persist code verifier")
	}

	next := sc.state
	next.AuthorizationURL = result.AuthorizationURL.String()
	next.Step = StepAuthorizationCode
	sc.update(next)
	return nil
}

// executeAuthorizationCode validates the externally supplied code. A blank
// code sets a user-facing validation message and raises while deliberately
// holding the step, so the caller can re-collect input and re-invoke; this
// is the one step allowed to re-enter itself.
func executeAuthorizationCode(sc *stepContext) error {
	code := strings.TrimSpace(sc.state.AuthorizationCode)
	if code == "" {
		next := sc.state
		next.ValidationError = "Please enter the authorization code"
		sc.update(next)
		return errors.New(errors.ValidationError, "authorization code is required")
	}

	next := sc.state
	next.AuthorizationCode = code
	next.ValidationError = ""
	next.Step = StepTokenRequest
	sc.update(next)
	return nil
}

// guardTokenRequest requires the authorization code plus the artifacts that
// crossed the suspension via the provider: persisted server metadata and
// client information.
func guardTokenRequest(sc *stepContext) (bool, error) {
	if strings.TrimSpace(sc.state.AuthorizationCode) == "" {
		return false, nil
	}

	metadata, err := sc.provider.ServerMetadata()
	if err != nil {
		return false, errors.Wrap(err, errors.StorageError, "failed to read server metadata")
	}
	if metadata == nil {
		return false, nil
	}

	info, err := sc.provider.ClientInformation(sc.ctx)
	if err != nil {
		return false, errors.Wrap(err, errors.StorageError, "failed to read client information")
	}

	return info != nil, nil
}

// executeTokenRequest exchanges the authorization code for tokens using the
// provider-persisted metadata, client information and code verifier. A
// resumed process only carries the code and the resource string in memory;
// everything else crossed the suspension on disk.
func executeTokenRequest(sc *stepContext) error {
	metadata, err := sc.provider.ServerMetadata()
	if err != nil {
		return errors.Wrap(err, errors.StorageError, "failed to read server metadata")
	}

	info, err := sc.provider.ClientInformation(sc.ctx)
	if err != nil {
		return errors.Wrap(err, errors.StorageError, "failed to read client information")
	}

	verifier, err := sc.provider.CodeVerifier()
	if err != nil {
		return errors.Wrap(err, errors.StorageError, "failed to read code verifier")
	}
	if verifier == "" {
		return errors.New(errors.StorageError, "no code verifier saved for this flow")
	}

	var resource *url.URL
	if sc.state.Resource != "" {
		resource, err = url.Parse(sc.state.Resource)
		if err != nil {
			return fmt.Errorf("invalid resource %q: %w", sc.state.Resource, err)
		}
	}

	tokens, err := sc.client.ExchangeAuthorization(sc.ctx, ExchangeAuthorizationOptions{
		Metadata:          metadata,
		ClientInformation: info,
		AuthorizationCode: sc.state.AuthorizationCode,
		CodeVerifier:      verifier,
		RedirectURI:       sc.provider.RedirectURL(),
		Resource:          resource,
	})
	if err != nil {
		return errors.Wrap(err, errors.ExchangeError, "token exchange failed")
	}

	if err := sc.provider.SaveTokens(tokens); err != nil {
		return errors.Wrap(err, errors.StorageError, "failed to persist tokens")
	}

	next := sc.state
	next.OAuthTokens = tokens
	next.Step = StepComplete
	sc.update(next)
	return nil
}
