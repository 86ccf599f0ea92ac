package twitchapi

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/streambot/testutil"
)

func newHelix(m *testutil.MockTwitchServer) *HelixClient {
	m.MockOAuthTokenResponse("app-token", 3600)
	return &HelixClient{
		ClientID:       "test-client-id",
		HTTPClient:     m.Client(),
		AppTokenSource: newTokenSource(m, clockwork.NewFakeClock()),
	}
}

func TestHelixClient_GetUserID(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockUserResponse("12345", "testuser")
	hc := newHelix(m)

	tests := []struct {
		name    string
		login   string
		want    string
		wantErr error
	}{
		{name: "found", login: "testuser", want: "12345"},
		{name: "mention and case are normalized", login: "@TestUser", want: "12345"},
		{name: "unknown user", login: "ghost", wantErr: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := hc.GetUserID(context.Background(), tt.login)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}

	_, err := hc.GetUserID(context.Background(), "  ")
	assert.EqualError(t, err, "login empty")
}

func TestHelixClient_SendsAuthHeaders(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	hc := newHelix(m)
	m.Handlers["/users"] = func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-client-id", r.Header.Get("Client-Id"))
		assert.Equal(t, "Bearer app-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[{"id":"1"}]}`))
	}
	id, err := hc.GetUserID(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "1", id)
}

func TestHelixClient_CurrentGame(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockUserResponse("777", "streamer")
	m.MockChannelResponse("777", "Celeste")
	hc := newHelix(m)

	game, err := hc.CurrentGame(context.Background(), "#streamer")
	require.NoError(t, err)
	assert.Equal(t, "Celeste", game)

	_, err = hc.GetChannelGame(context.Background(), "999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHelixClient_401RefreshesTokenOnce(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	hc := newHelix(m)
	var calls atomic.Int64
	m.Handlers["/users"] = func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"42"}]}`))
	}

	id, err := hc.GetUserID(context.Background(), "someone")
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Equal(t, int64(2), calls.Load())
}

func TestHelixClient_PersistentUnauthorized(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	hc := newHelix(m)
	m.Handlers["/users"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}
	_, err := hc.GetUserID(context.Background(), "someone")
	assert.Error(t, err)
}

func TestHelixClient_Enabled(t *testing.T) {
	var nilClient *HelixClient
	assert.False(t, nilClient.Enabled())
	assert.False(t, (&HelixClient{ClientID: "id", AppTokenSource: &TokenSource{}}).Enabled())
	assert.True(t, (&HelixClient{ClientID: "id", AppTokenSource: &TokenSource{ClientID: "id", ClientSecret: "s"}}).Enabled())
}
