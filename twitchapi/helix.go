// Package twitchapi contains minimal helpers for the Twitch Helix API: login to
// user id resolution and the current game of a channel, using an app access token.
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
)

const helixBase = "https://api.twitch.tv/helix"

// ErrNotFound is returned when Helix has no data for the requested user or channel.
var ErrNotFound = errors.New("twitch: not found")

// HelixClient performs app-authenticated Helix lookups.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// Enabled reports whether lookups can be made at all.
func (hc *HelixClient) Enabled() bool {
	return hc != nil && hc.ClientID != "" && hc.AppTokenSource.Configured()
}

// get issues a GET against a Helix path and decodes the JSON body into out.
// A 401 invalidates the cached app token and retries once.
func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBase+path+"?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := hc.http().Do(req)
		if err != nil {
			return fmt.Errorf("helix %s: %w", path, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			_ = resp.Body.Close()
			slog.Warn("helix rejected app token, refreshing", slog.String("path", path), slog.String("component", "twitchapi"))
			hc.AppTokenSource.Invalidate()
			continue
		}
		err = decode(resp, out)
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Warn("failed to close response body", slog.Any("err", cerr), slog.String("component", "twitchapi"))
		}
		if err != nil {
			return fmt.Errorf("helix %s: %w", path, err)
		}
		return nil
	}
	return fmt.Errorf("helix %s: unauthorized", path)
}

func decode(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	login = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(login), "@"))
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/users", url.Values{"login": {login}}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user %s: %w", login, ErrNotFound)
	}
	return body.Data[0].ID, nil
}

// GetChannelGame returns the game currently set on a broadcaster's channel.
// An empty string means no category is set.
func (hc *HelixClient) GetChannelGame(ctx context.Context, broadcasterID string) (string, error) {
	if broadcasterID == "" {
		return "", fmt.Errorf("broadcasterID empty")
	}
	var body struct {
		Data []struct {
			GameName string `json:"game_name"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/channels", url.Values{"broadcaster_id": {broadcasterID}}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("channel %s: %w", broadcasterID, ErrNotFound)
	}
	return body.Data[0].GameName, nil
}

// CurrentGame resolves the channel login and returns its current game.
func (hc *HelixClient) CurrentGame(ctx context.Context, channel string) (string, error) {
	id, err := hc.GetUserID(ctx, strings.TrimPrefix(channel, "#"))
	if err != nil {
		return "", err
	}
	return hc.GetChannelGame(ctx, id)
}
