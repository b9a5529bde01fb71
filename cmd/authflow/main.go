package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mcpflow/authflow/authflow"
	"github.com/mcpflow/authflow/internal/errors"
)

func main() {
	var serverURL string
	var callbackPort int
	var allowHTTP bool
	var clientName string
	var clientID string
	var clientSecret string
	var clear bool
	var timeout time.Duration

	flag.StringVar(&serverURL, "server", "", "The protected server URL to authorize against")
	flag.IntVar(&callbackPort, "port", 3334, "The callback port for OAuth")
	flag.BoolVar(&allowHTTP, "allow-http", false, "Allow HTTP connections (only for trusted networks)")
	flag.StringVar(&clientName, "client-name", "", "Client name sent during dynamic registration")
	flag.StringVar(&clientID, "client-id", "", "Static OAuth client ID (skips dynamic registration)")
	flag.StringVar(&clientSecret, "client-secret", "", "Static OAuth client secret")
	flag.BoolVar(&clear, "clear", false, "Clear stored credentials for the server and exit")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for the browser authorization")
	flag.Parse()

	// Server URL may also arrive as the first positional argument.
	if serverURL == "" && len(flag.Args()) > 0 {
		serverURL = flag.Arg(0)
	}

	if serverURL == "" {
		fmt.Println("Usage: authflow -server <server-url> [-port <callback-port>] [-allow-http] [-client-name <name>] [-client-id <id>] [-clear]")
		os.Exit(1)
	}

	if !allowHTTP && !strings.HasPrefix(serverURL, "https://") {
		log.Fatal("Error: Only HTTPS URLs are allowed. Use -allow-http for insecure connections.")
	}

	provider := authflow.NewFileProvider(authflow.FileProviderOptions{
		ServerURL:    serverURL,
		CallbackPort: callbackPort,
		ClientName:   clientName,
	})

	if clear {
		if err := provider.Clear(); err != nil {
			log.Fatalf("Failed to clear credentials: %v", err)
		}
		log.Printf("Cleared stored credentials for %s", serverURL)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		fmt.Println("Shutting down...")
		cancel()
	}()

	client := authflow.NewClient(nil)

	// Static credentials take precedence over anything registered before.
	if clientID != "" {
		if err := provider.SaveClientInformation(&authflow.ClientInformation{
			ClientID:     clientID,
			ClientSecret: clientSecret,
		}); err != nil {
			log.Fatalf("Failed to store static client credentials: %v", err)
		}
	}

	tokens, err := ensureTokens(ctx, client, provider, serverURL, callbackPort, timeout)
	if err != nil {
		log.Fatalf("Authorization failed: %v", err)
	}

	printTokens(tokens)
}

// ensureTokens returns valid tokens for the server, reusing or refreshing
// stored ones and running the interactive flow only when it has to.
func ensureTokens(ctx context.Context, client *authflow.Client, provider *authflow.FileProvider, serverURL string, callbackPort int, timeout time.Duration) (*authflow.Tokens, error) {
	stored, err := provider.Tokens()
	if err != nil {
		return nil, err
	}
	if stored != nil && !stored.IsExpired() {
		log.Println("Using stored access token")
		return stored, nil
	}

	if stored != nil && stored.RefreshToken != "" {
		tokens, err := refreshTokens(ctx, client, provider, stored)
		if err == nil {
			return tokens, nil
		}
		log.Printf("Token refresh failed, falling back to full authorization: %v", err)
	}

	return runFlow(ctx, client, provider, serverURL, callbackPort, timeout)
}

// refreshTokens runs the refresh-token grant with persisted metadata and
// client credentials.
func refreshTokens(ctx context.Context, client *authflow.Client, provider *authflow.FileProvider, stored *authflow.Tokens) (*authflow.Tokens, error) {
	metadata, err := provider.ServerMetadata()
	if err != nil {
		return nil, err
	}
	if metadata == nil {
		return nil, fmt.Errorf("no stored server metadata")
	}

	info, err := provider.ClientInformation(ctx)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("no stored client information")
	}

	tokens, err := client.RefreshAuthorization(ctx, authflow.RefreshAuthorizationOptions{
		Metadata:          metadata,
		ClientInformation: info,
		RefreshToken:      stored.RefreshToken,
	})
	if err != nil {
		return nil, err
	}

	if err := provider.SaveTokens(tokens); err != nil {
		return nil, err
	}

	log.Println("Refreshed access token")
	return tokens, nil
}

// runFlow drives the step pipeline from scratch: discovery, registration,
// the browser round-trip via the local callback server, and the exchange.
// When another process already holds the authorization lock, this one waits
// for it and picks the tokens up from disk instead.
func runFlow(ctx context.Context, client *authflow.Client, provider *authflow.FileProvider, serverURL string, callbackPort int, timeout time.Duration) (*authflow.Tokens, error) {
	serverURLHash := provider.ServerURLHashValue()

	coordination, err := authflow.CoordinateAuth(serverURLHash, callbackPort)
	if err != nil {
		return nil, err
	}
	if coordination.SkipBrowserAuth {
		tokens, err := provider.Tokens()
		if err != nil {
			return nil, err
		}
		if tokens == nil {
			return nil, fmt.Errorf("other instance reported completion but no tokens were stored")
		}
		return tokens, nil
	}
	defer authflow.ReleaseAuth(serverURLHash)

	callback := authflow.NewCallbackServer(authflow.CallbackServerOptions{Port: callbackPort})
	if err := callback.Start(); err != nil {
		return nil, err
	}
	defer func() { _ = callback.Stop() }()

	var current authflow.State
	sequencer := authflow.NewSequencer(client, func(string) (authflow.CredentialProvider, error) {
		return provider, nil
	}, func(next authflow.State) {
		current = next
	})

	current = authflow.NewState()
	for current.Step != authflow.StepComplete {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		before := current.Step
		if err := sequencer.Step(ctx, serverURL, current); err != nil {
			if errors.IsType(err, errors.ValidationError) && before == authflow.StepAuthorizationCode {
				// The code was missing; collect it and retry the step.
				code, codeErr := collectAuthorizationCode(ctx, provider, callback, current, timeout)
				if codeErr != nil {
					return nil, codeErr
				}
				current.AuthorizationCode = code
				continue
			}
			return nil, err
		}

		if current.Step == authflow.StepAuthorizationCode && current.AuthorizationCode == "" {
			code, err := collectAuthorizationCode(ctx, provider, callback, current, timeout)
			if err != nil {
				return nil, err
			}
			current.AuthorizationCode = code
		}
	}

	return current.OAuthTokens, nil
}

// collectAuthorizationCode opens the browser at the authorization URL and
// waits for the callback server to deliver the code.
func collectAuthorizationCode(ctx context.Context, provider *authflow.FileProvider, callback *authflow.CallbackServer, state authflow.State, timeout time.Duration) (string, error) {
	authURL, err := url.Parse(state.AuthorizationURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorization URL: %w", err)
	}

	if err := provider.RedirectToAuthorization(authURL); err != nil {
		return "", err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	code, err := callback.WaitForCode(waitCtx)
	if err != nil {
		return "", fmt.Errorf("waiting for authorization code: %w", err)
	}
	return code, nil
}

func printTokens(tokens *authflow.Tokens) {
	out, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode tokens: %v", err)
	}
	fmt.Println(string(out))
}
