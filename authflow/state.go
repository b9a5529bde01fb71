package authflow

// Step identifies a stage of the authorization pipeline. Steps advance in
// the fixed order below; only StepAuthorizationCode may re-enter itself
// (on invalid user input).
type Step string

const (
	// StepPRMDiscovery attempts Protected Resource Metadata discovery.
	StepPRMDiscovery Step = "prm_discovery"

	// StepOAuthMetadataDiscovery fetches Authorization Server metadata.
	StepOAuthMetadataDiscovery Step = "oauth_metadata_discovery"

	// StepClientRegistration resolves client credentials, registering
	// dynamically when no static credentials exist.
	StepClientRegistration Step = "client_registration"

	// StepAuthorizationRedirect builds the authorization URL and PKCE
	// parameters for the browser round-trip.
	StepAuthorizationRedirect Step = "authorization_redirect"

	// StepAuthorizationCode validates the code captured after the user
	// returns from the authorization server.
	StepAuthorizationCode Step = "authorization_code"

	// StepTokenRequest exchanges the authorization code for tokens.
	StepTokenRequest Step = "token_request"

	// StepComplete is the terminal state.
	StepComplete Step = "complete"
)

// String returns the wire name of the step.
func (s Step) String() string {
	return string(s)
}

// State is the snapshot of everything accumulated across the pipeline. The
// caller owns it and feeds it back into the sequencer; the sequencer never
// holds onto it between invocations, which is what lets the pipeline resume
// after the browser navigates away and back, possibly in a new process.
type State struct {
	// Step is the current pipeline stage.
	Step Step

	// ResourceMetadata is the PRM discovery result, if any. It is kept
	// alongside ResourceMetadataError for diagnostics even after later
	// steps run.
	ResourceMetadata *ProtectedResourceMetadata

	// ResourceMetadataError records a tolerated PRM discovery failure.
	// PRM support is optional, so this never blocks the flow.
	ResourceMetadataError error

	// Resource is the resolved protected-resource identifier, later sent
	// as the token-exchange audience. Held as a string so a resumed
	// process can rebuild the state from persisted scraps; the token
	// request re-parses it.
	Resource string

	// AuthServerURL is the authorization server base location.
	AuthServerURL string

	// OAuthMetadata is the validated Authorization Server metadata.
	OAuthMetadata *ServerMetadata

	// OAuthClientInfo is the resolved client credentials, static or
	// dynamically registered.
	OAuthClientInfo *ClientInformation

	// AuthorizationURL is where the user must be sent. Produced by the
	// redirect step; the navigation itself happens outside the sequencer.
	AuthorizationURL string

	// AuthorizationCode is supplied externally once the user returns from
	// the authorization server.
	AuthorizationCode string

	// ValidationError is a user-facing message set when the supplied
	// authorization code is blank. Cleared on the next successful
	// validation attempt.
	ValidationError string

	// OAuthTokens is the final artifact; set only when Step is complete.
	OAuthTokens *Tokens
}

// NewState returns a State positioned at the start of the pipeline.
func NewState() State {
	return State{Step: StepPRMDiscovery}
}
