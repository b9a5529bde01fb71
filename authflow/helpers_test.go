package authflow

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/mcpflow/authflow/internal/httpclient"
)

// newTestClient returns a wire client with short retry delays.
func newTestClient() *Client {
	return NewClient(&httpclient.Config{
		Timeout:    5 * time.Second,
		MaxRetries: 1,
		RetryDelay: 10 * time.Millisecond,
	})
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatalf("failed to encode response: %v", err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
