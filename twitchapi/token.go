package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	tokenURL = "https://id.twitch.tv/oauth2/token"
	// tokens this close to expiry are refreshed before use
	expiryBuffer = 60 * time.Second
)

// ErrMissingCredentials is returned when no client id/secret pair is configured.
var ErrMissingCredentials = errors.New("missing client id/secret for twitch app token")

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// NOTE: This token CANNOT be used for IRC chat; chat requires the bot user's
// OAuth token with chat:read/chat:edit scopes.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Clock        clockwork.Clock

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

func (ts *TokenSource) now() time.Time {
	if ts.Clock != nil {
		return ts.Clock.Now()
	}
	return time.Now()
}

func (ts *TokenSource) fresh() bool {
	return ts.token != "" && ts.expiresAt.Sub(ts.now()) > expiryBuffer
}

// Configured reports whether the source has credentials to request a token.
func (ts *TokenSource) Configured() bool {
	return ts != nil && ts.ClientID != "" && ts.ClientSecret != ""
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.fresh() {
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

// Invalidate drops the cached token so the next Get requests a new one.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.expiresAt = time.Time{}
	ts.mu.Unlock()
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.fresh() {
		return ts.token, nil
	}
	if !ts.Configured() {
		return "", ErrMissingCredentials
	}
	form := url.Values{}
	form.Set("client_id", ts.ClientID)
	form.Set("client_secret", ts.ClientSecret)
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hc := ts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("twitch token request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err), slog.String("component", "twitchapi"))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("twitch token request failed: %s: %s", resp.Status, string(b))
	}
	var at struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&at); err != nil {
		return "", fmt.Errorf("decode twitch token: %w", err)
	}
	if at.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	ts.token = at.AccessToken
	ts.expiresAt = ts.now().Add(time.Duration(at.ExpiresIn) * time.Second)
	slog.Debug("twitch app token refreshed", slog.Int("expires_in", at.ExpiresIn), slog.String("component", "twitchapi"))
	return ts.token, nil
}
