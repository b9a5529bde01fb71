package authflow

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/browser"

	"github.com/mcpflow/authflow/internal/filelock"
)

// Version is the module version reported as software_version during
// dynamic client registration.
const Version = "0.1.0"

const (
	serverMetadataFile = "server_metadata.json"
	clientInfoFile     = "client_info.json"
	codeVerifierFile   = "code_verifier.txt"
	tokensFile         = "tokens.json"
	lockFile           = "lock.json"
)

var (
	configDirMutex sync.Mutex
	configDirCache string
)

// ConfigDir returns the base directory for persisted credentials. It honors
// AUTHFLOW_CONFIG_DIR and defaults to ~/.authflow.
func ConfigDir() string {
	configDirMutex.Lock()
	defer configDirMutex.Unlock()

	if configDirCache != "" {
		return configDirCache
	}

	baseDir := os.Getenv("AUTHFLOW_CONFIG_DIR")
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			baseDir = os.TempDir()
		} else {
			baseDir = filepath.Join(homeDir, ".authflow")
		}
	}

	configDirCache = baseDir
	return configDirCache
}

// resetConfigDirCache clears the cached directory; used by tests that
// repoint AUTHFLOW_CONFIG_DIR.
func resetConfigDirCache() {
	configDirMutex.Lock()
	defer configDirMutex.Unlock()
	configDirCache = ""
}

// ServerURLHash derives the per-server storage key: the first 8 bytes of
// the URL's SHA-256, hex-encoded. Every credential file for a server lives
// under this key so distinct servers can never collide.
func ServerURLHash(serverURL string) string {
	hash := sha256.Sum256([]byte(serverURL))
	return fmt.Sprintf("%x", hash[:8])
}

func serverDir(serverURLHash string) string {
	return filepath.Join(ConfigDir(), serverURLHash)
}

func ensureServerDir(serverURLHash string) error {
	return os.MkdirAll(serverDir(serverURLHash), 0700)
}

func credentialPath(serverURLHash, filename string) string {
	return filepath.Join(serverDir(serverURLHash), filename)
}

// readJSONFile reads and parses a credential file, returning nil when the
// file does not exist yet.
func readJSONFile[T any](serverURLHash, filename string) (*T, error) {
	data, err := os.ReadFile(credentialPath(serverURLHash, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading %s: %w", filename, err)
	}

	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("error unmarshaling %s: %w", filename, err)
	}

	return &result, nil
}

// writeJSONFile persists a credential file with owner-only permissions.
func writeJSONFile(serverURLHash, filename string, data any) error {
	if err := ensureServerDir(serverURLHash); err != nil {
		return err
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling data for %s: %w", filename, err)
	}

	if err := os.WriteFile(credentialPath(serverURLHash, filename), jsonData, 0600); err != nil {
		return fmt.Errorf("error writing %s: %w", filename, err)
	}

	return nil
}

func readTextFile(serverURLHash, filename string) (string, error) {
	data, err := os.ReadFile(credentialPath(serverURLHash, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("error reading %s: %w", filename, err)
	}
	return string(data), nil
}

func writeTextFile(serverURLHash, filename, text string) error {
	if err := ensureServerDir(serverURLHash); err != nil {
		return err
	}
	if err := os.WriteFile(credentialPath(serverURLHash, filename), []byte(text), 0600); err != nil {
		return fmt.Errorf("error writing %s: %w", filename, err)
	}
	return nil
}

func deleteCredentialFile(serverURLHash, filename string) error {
	err := os.Remove(credentialPath(serverURLHash, filename))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error deleting %s: %w", filename, err)
	}
	return nil
}

// FileProviderOptions configures a FileProvider.
type FileProviderOptions struct {
	ServerURL       string
	CallbackPort    int
	CallbackPath    string
	ClientName      string
	ClientURI       string
	SoftwareID      string
	SoftwareVersion string
}

// FileProvider is the file-backed CredentialProvider. Credentials live in
// per-server directories under ConfigDir so they survive the browser
// round-trip and are shared between processes; token reads and writes go
// through an advisory file lock.
type FileProvider struct {
	serverURL       string
	serverURLHash   string
	callbackPort    int
	callbackPath    string
	clientName      string
	clientURI       string
	softwareID      string
	softwareVersion string
}

// NewFileProvider creates a file-backed provider for one server.
func NewFileProvider(options FileProviderOptions) *FileProvider {
	p := &FileProvider{
		serverURL:       options.ServerURL,
		serverURLHash:   ServerURLHash(options.ServerURL),
		callbackPort:    options.CallbackPort,
		callbackPath:    options.CallbackPath,
		clientName:      options.ClientName,
		clientURI:       options.ClientURI,
		softwareID:      options.SoftwareID,
		softwareVersion: options.SoftwareVersion,
	}

	if p.callbackPath == "" {
		p.callbackPath = "/oauth/callback"
	}
	if p.clientName == "" {
		p.clientName = "Authflow CLI Client"
	}
	if p.clientURI == "" {
		p.clientURI = "https://github.com/mcpflow/authflow"
	}
	if p.softwareID == "" {
		p.softwareID = uuid.NewString()
	}
	if p.softwareVersion == "" {
		p.softwareVersion = Version
	}

	return p
}

// ServerURLHashValue returns the storage key for this provider's server.
func (p *FileProvider) ServerURLHashValue() string {
	return p.serverURLHash
}

// RedirectURL is the local callback the authorization server redirects to.
func (p *FileProvider) RedirectURL() string {
	return fmt.Sprintf("http://localhost:%d%s", p.callbackPort, p.callbackPath)
}

// ClientMetadata returns the registration-request template by value.
func (p *FileProvider) ClientMetadata() ClientMetadata {
	return ClientMetadata{
		RedirectURIs:            []string{p.RedirectURL()},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              p.clientName,
		ClientURI:               p.clientURI,
		SoftwareID:              p.softwareID,
		SoftwareVersion:         p.softwareVersion,
	}
}

// ServerMetadata returns the persisted authorization server metadata, nil
// when none has been saved.
func (p *FileProvider) ServerMetadata() (*ServerMetadata, error) {
	return readJSONFile[ServerMetadata](p.serverURLHash, serverMetadataFile)
}

// SaveServerMetadata persists authorization server metadata.
func (p *FileProvider) SaveServerMetadata(metadata *ServerMetadata) error {
	return writeJSONFile(p.serverURLHash, serverMetadataFile, metadata)
}

// ClientInformation returns the stored client credentials, nil when none
// exist.
func (p *FileProvider) ClientInformation(ctx context.Context) (*ClientInformation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := readJSONFile[ClientInformation](p.serverURLHash, clientInfoFile)
	if err != nil {
		return nil, err
	}
	if info == nil || info.ClientID == "" {
		return nil, nil
	}
	return info, nil
}

// SaveClientInformation persists client credentials.
func (p *FileProvider) SaveClientInformation(info *ClientInformation) error {
	return writeJSONFile(p.serverURLHash, clientInfoFile, info)
}

// CodeVerifier returns the persisted PKCE code verifier, "" when none has
// been saved.
func (p *FileProvider) CodeVerifier() (string, error) {
	return readTextFile(p.serverURLHash, codeVerifierFile)
}

// SaveCodeVerifier persists the PKCE code verifier.
func (p *FileProvider) SaveCodeVerifier(verifier string) error {
	return writeTextFile(p.serverURLHash, codeVerifierFile, verifier)
}

// Tokens returns the stored tokens, nil when none exist. Reads take the
// token file lock because another process may be completing the flow.
func (p *FileProvider) Tokens() (*Tokens, error) {
	if err := ensureServerDir(p.serverURLHash); err != nil {
		return nil, err
	}
	lock := filelock.New(credentialPath(p.serverURLHash, tokensFile))

	var tokens *Tokens
	err := lock.WithLock(5*time.Second, func() error {
		var readErr error
		tokens, readErr = readJSONFile[Tokens](p.serverURLHash, tokensFile)
		return readErr
	})
	if err != nil {
		return nil, err
	}
	if tokens == nil || tokens.AccessToken == "" {
		return nil, nil
	}
	return tokens, nil
}

// SaveTokens persists tokens under the token file lock.
func (p *FileProvider) SaveTokens(tokens *Tokens) error {
	if err := ensureServerDir(p.serverURLHash); err != nil {
		return err
	}
	lock := filelock.New(credentialPath(p.serverURLHash, tokensFile))

	return lock.WithLock(5*time.Second, func() error {
		return writeJSONFile(p.serverURLHash, tokensFile, tokens)
	})
}

// RedirectToAuthorization opens the system browser at the authorization
// URL, falling back to asking the user to copy the printed URL.
func (p *FileProvider) RedirectToAuthorization(authorizationURL *url.URL) error {
	log.Printf("\nPlease authorize this client by visiting:\n%s\n", authorizationURL.String())

	var openErr error
	for i := 0; i < 3; i++ {
		openErr = browser.OpenURL(authorizationURL.String())
		if openErr == nil {
			log.Println("Browser opened automatically.")
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}

	log.Println("Could not open browser automatically. Please copy and paste the URL above into your browser.")
	return nil
}

// Clear removes every credential file for this server. Used when the user
// wants to force a clean re-authorization.
func (p *FileProvider) Clear() error {
	for _, filename := range []string{serverMetadataFile, clientInfoFile, codeVerifierFile, tokensFile} {
		if err := deleteCredentialFile(p.serverURLHash, filename); err != nil {
			return err
		}
	}
	return nil
}

var _ CredentialProvider = (*FileProvider)(nil)
