package authflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const successPage = `<!DOCTYPE html>
<html>
<head>
	<title>Authorization Successful</title>
	<style>
		body { font-family: Arial, sans-serif; text-align: center; padding: 50px; }
		.success { color: #4CAF50; }
		.container { max-width: 600px; margin: 0 auto; }
	</style>
</head>
<body>
	<div class="container">
		<h1 class="success">Authorization Successful!</h1>
		<p>You have successfully authorized the client.</p>
		<p>You can now close this window and return to the application.</p>
	</div>
</body>
</html>`

const errorPage = `<!DOCTYPE html>
<html>
<head>
	<title>Authorization Failed</title>
	<style>
		body { font-family: Arial, sans-serif; text-align: center; padding: 50px; }
		.error { color: #F44336; }
		.container { max-width: 600px; margin: 0 auto; }
	</style>
</head>
<body>
	<div class="container">
		<h1 class="error">Authorization Failed</h1>
		<p>%s</p>
		<p>You can close this window and retry from the application.</p>
	</div>
</body>
</html>`

// CallbackResult is what the authorization server delivered to the local
// redirect endpoint.
type CallbackResult struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Err returns a non-nil error when the authorization server reported one.
func (r *CallbackResult) Err() error {
	if r.Error == "" {
		return nil
	}
	if r.ErrorDescription != "" {
		return fmt.Errorf("authorization failed: %s: %s", r.Error, r.ErrorDescription)
	}
	return fmt.Errorf("authorization failed: %s", r.Error)
}

// CallbackServer is the local HTTP endpoint the authorization server
// redirects the browser to. It captures the authorization response exactly
// once and also serves /wait-for-auth so concurrent instances can poll for
// completion instead of opening a second browser window.
type CallbackServer struct {
	path          string
	expectedState string

	server *http.Server
	port   int

	mu        sync.Mutex
	completed bool
	resultCh  chan CallbackResult
}

// CallbackServerOptions configures a CallbackServer. Port 0 means probe for
// a free port starting at 8000.
type CallbackServerOptions struct {
	Port          int
	Path          string
	ExpectedState string
}

// NewCallbackServer creates a callback server. Call Start to begin
// listening.
func NewCallbackServer(options CallbackServerOptions) *CallbackServer {
	path := options.Path
	if path == "" {
		path = "/oauth/callback"
	}
	return &CallbackServer{
		path:          path,
		expectedState: options.ExpectedState,
		port:          options.Port,
		resultCh:      make(chan CallbackResult, 1),
	}
}

// Port returns the port the server is listening on. Valid after Start.
func (s *CallbackServer) Port() int {
	return s.port
}

// Start binds the listener and begins serving in the background.
func (s *CallbackServer) Start() error {
	port := s.port
	if port <= 0 {
		p, err := findAvailablePort(8000)
		if err != nil {
			return fmt.Errorf("failed to find available port: %w", err)
		}
		port = p
	}

	listener, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	s.port = port

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET(s.path, s.handleCallback)
	router.GET("/wait-for-auth", s.handleWaitForAuth)

	s.server = &http.Server{Handler: router}

	go func() {
		log.Printf("Starting OAuth callback server on port %d", s.port)
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("OAuth callback server error: %v", err)
		}
	}()

	return nil
}

func (s *CallbackServer) handleCallback(c *gin.Context) {
	result := CallbackResult{
		Code:             c.Query("code"),
		State:            c.Query("state"),
		Error:            c.Query("error"),
		ErrorDescription: c.Query("error_description"),
	}

	if result.Error == "" && result.Code == "" {
		c.String(http.StatusBadRequest, "Authorization code not found")
		return
	}

	if s.expectedState != "" && result.State != s.expectedState {
		c.Header("Content-Type", "text/html")
		c.String(http.StatusBadRequest, fmt.Sprintf(errorPage, "State parameter mismatch."))
		return
	}

	s.mu.Lock()
	alreadyDone := s.completed
	s.completed = true
	s.mu.Unlock()

	if !alreadyDone {
		select {
		case s.resultCh <- result:
		default:
		}
	}

	c.Header("Content-Type", "text/html")
	if result.Error != "" {
		c.String(http.StatusOK, fmt.Sprintf(errorPage, result.Err().Error()))
		return
	}
	c.String(http.StatusOK, successPage)
}

// handleWaitForAuth reports whether the callback has arrived: 200 when
// authorization completed, 202 while it is still pending.
func (s *CallbackServer) handleWaitForAuth(c *gin.Context) {
	s.mu.Lock()
	completed := s.completed
	s.mu.Unlock()

	if completed {
		c.Status(http.StatusOK)
		return
	}
	c.Status(http.StatusAccepted)
}

// WaitForCode blocks until the browser delivers an authorization response
// or the context ends, and returns the authorization code.
func (s *CallbackServer) WaitForCode(ctx context.Context) (string, error) {
	select {
	case result := <-s.resultCh:
		if err := result.Err(); err != nil {
			return "", err
		}
		return result.Code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop shuts the server down, giving in-flight responses a moment to flush.
func (s *CallbackServer) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// findAvailablePort probes for a free localhost port starting at
// preferredPort.
func findAvailablePort(preferredPort int) (int, error) {
	port := preferredPort

	for i := 0; i < 100; i++ {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return port, nil
		}
		port++
	}

	return 0, fmt.Errorf("could not find an available port")
}
