// Package testinfra runs end-to-end checks against a running mentionbot
// process and the real Telegram Bot API.
//
// The bot must already be started with the same token, for example:
//
//	BOT_TOKEN=... PORT=18080 go run ./cmd/mentionbot
//	BOT_TOKEN=... BOT_URL=http://localhost:18080 go test ./...
//
// Covers: the health and admin API, the bot identity, webhook cleanup and
// recovery after a competing poller.
package testinfra

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"
)

// ────────────────────────────────────────────────────────────────────
// Shared state
// ────────────────────────────────────────────────────────────────────

var (
	botToken    string
	botURL      string
	apiEndpoint string // Bot API base, without the token
)

func TestMain(m *testing.M) {
	botToken = os.Getenv("BOT_TOKEN")
	botURL = envOr("BOT_URL", "http://localhost:8080")
	apiEndpoint = envOr("BOT_API_URL", "https://api.telegram.org")

	if botToken == "" {
		fmt.Println("SKIP: BOT_TOKEN required")
		os.Exit(0)
	}
	if code, _, err := doJSON(http.MethodGet, botURL+"/health"); err != nil || code == 0 {
		fmt.Printf("SKIP: bot not reachable at %s: %v\n", botURL, err)
		os.Exit(0)
	}

	os.Exit(m.Run())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ────────────────────────────────────────────────────────────────────
// HTTP helpers
// ────────────────────────────────────────────────────────────────────

func doJSON(method, url string) (int, map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result) //nolint:errcheck
	return resp.StatusCode, result, nil
}

// botAPI calls a Bot API method with form parameters.
func botAPI(t testing.TB, method string, params url.Values) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	endpoint := fmt.Sprintf("%s/bot%s/%s", apiEndpoint, botToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Bot API %s: %v", method, err)
	}
	defer resp.Body.Close()
	var result map[string]any
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Bot API %s: decode: %v", method, err)
	}
	return result
}

func health(t testing.TB) (int, map[string]any) {
	t.Helper()
	code, body, err := doJSON(http.MethodGet, botURL+"/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	return code, body
}

// waitForState polls /health until the supervisor reports one of states.
func waitForState(t *testing.T, timeout time.Duration, states ...string) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		_, body := health(t)
		state, _ := body["state"].(string)
		for _, s := range states {
			if state == s {
				return state
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("state %q never became one of %v", state, states)
		}
		time.Sleep(2 * time.Second)
	}
}

// ────────────────────────────────────────────────────────────────────
// Tests
// ────────────────────────────────────────────────────────────────────

func TestBotHealthy(t *testing.T) {
	code, body := health(t)
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("GET /health: %d %v", code, body)
	}
	t.Logf("Health: %v", body)
}

func TestBotIsPolling(t *testing.T) {
	waitForState(t, 2*time.Minute, "POLLING")
}

func TestBotIdentity(t *testing.T) {
	resp := botAPI(t, "getMe", url.Values{})
	if resp["ok"] != true {
		t.Fatalf("getMe: %v", resp)
	}
	result, _ := resp["result"].(map[string]any)
	if result["is_bot"] != true {
		t.Errorf("token does not belong to a bot: %v", result)
	}
}

// TestWebhookCleared verifies a polling bot has no webhook registered.
func TestWebhookCleared(t *testing.T) {
	waitForState(t, 2*time.Minute, "POLLING")
	resp := botAPI(t, "getWebhookInfo", url.Values{})
	result, _ := resp["result"].(map[string]any)
	if u, _ := result["url"].(string); u != "" {
		t.Errorf("webhook still set while polling: %q", u)
	}
}

func TestAdminAPIReloadRegistry(t *testing.T) {
	code, body, err := doJSON(http.MethodPost, botURL+"/api/reload-registry")
	if err != nil {
		t.Fatalf("POST /api/reload-registry: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("POST /api/reload-registry: %d %v", code, body)
	}
	if _, ok := body["loaded"]; !ok {
		t.Errorf("response missing loaded count: %v", body)
	}
}

func TestAdminAPIReloadRegistryMethodNotAllowed(t *testing.T) {
	code, _, err := doJSON(http.MethodGet, botURL+"/api/reload-registry")
	if err != nil {
		t.Fatalf("GET /api/reload-registry: %v", err)
	}
	if code != http.StatusMethodNotAllowed {
		t.Errorf("GET /api/reload-registry: got %d, want 405", code)
	}
}

// TestConflictRecovery polls with the bot's own token to provoke a
// consumer conflict, then checks the bot returns to polling.
func TestConflictRecovery(t *testing.T) {
	if os.Getenv("TEST_CONFLICT") == "" {
		t.Skip("set TEST_CONFLICT=1 to compete with the running bot")
	}
	waitForState(t, 2*time.Minute, "POLLING")

	resp := botAPI(t, "getUpdates", url.Values{"timeout": {"5"}, "offset": {"-1"}})
	t.Logf("Competing getUpdates: ok=%v description=%v", resp["ok"], resp["description"])

	// Telegram rejects whichever request lost; both outcomes must leave the
	// bot alive and polling again within the conflict backoff.
	waitForState(t, 10*time.Minute, "POLLING")
	if code, body := health(t); code != http.StatusOK {
		t.Fatalf("bot unhealthy after conflict: %d %v", code, body)
	}
}
