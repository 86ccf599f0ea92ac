package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// MockTwitchServer serves canned Helix and id.twitch.tv responses keyed by path.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	requests atomic.Int64
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requests.Add(1)
		key := strings.TrimPrefix(r.URL.Path, "/helix")
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Requests returns how many requests the server has received.
func (m *MockTwitchServer) Requests() int64 { return m.requests.Load() }

// Client returns an HTTP client that sends every request to the mock server
// regardless of the requested host.
func (m *MockTwitchServer) Client() *http.Client {
	return &http.Client{Transport: &rewriteTransport{host: strings.TrimPrefix(m.URL, "http://")}}
}

type rewriteTransport struct{ host string }

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = t.host
	return http.DefaultTransport.RoundTrip(req)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse adds a handler for /helix/users
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handlers["/users"] = func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		if strings.EqualFold(r.URL.Query().Get("login"), login) {
			data = append(data, map[string]string{"id": userID, "login": login})
		}
		writeJSON(w, map[string]any{"data": data})
	}
}

// MockChannelResponse adds a handler for /helix/channels
func (m *MockTwitchServer) MockChannelResponse(broadcasterID, gameName string) {
	m.Handlers["/channels"] = func(w http.ResponseWriter, r *http.Request) {
		data := []map[string]string{}
		if r.URL.Query().Get("broadcaster_id") == broadcasterID {
			data = append(data, map[string]string{"broadcaster_id": broadcasterID, "game_name": gameName})
		}
		writeJSON(w, map[string]any{"data": data})
	}
}

// MockOAuthTokenResponse adds a handler for the client credentials token endpoint
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	}
}
