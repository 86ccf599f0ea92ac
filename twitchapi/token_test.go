package twitchapi

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/streambot/testutil"
)

func newTokenSource(m *testutil.MockTwitchServer, clock clockwork.Clock) *TokenSource {
	return &TokenSource{ClientID: "test-client", ClientSecret: "test-secret", HTTPClient: m.Client(), Clock: clock}
}

func TestTokenSource_GetCached(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("test-token-123", 3600)
	ts := newTokenSource(m, clockwork.NewFakeClock())

	tok1, err := ts.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-token-123", tok1)

	tok2, err := ts.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)
	assert.Equal(t, int64(1), m.Requests())
}

func TestTokenSource_RefreshesInsideExpiryBuffer(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("tok", 3600)
	clock := clockwork.NewFakeClock()
	ts := newTokenSource(m, clock)

	_, err := ts.Get(context.Background())
	require.NoError(t, err)
	clock.Advance(3600*time.Second - expiryBuffer - time.Second)
	_, err = ts.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Requests())

	clock.Advance(2 * time.Second)
	_, err = ts.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Requests())
}

func TestTokenSource_Invalidate(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("tok", 3600)
	ts := newTokenSource(m, clockwork.NewFakeClock())

	_, err := ts.Get(context.Background())
	require.NoError(t, err)
	ts.Invalidate()
	_, err = ts.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Requests())
}

func TestTokenSource_MissingCredentials(t *testing.T) {
	ts := &TokenSource{}
	_, err := ts.Get(context.Background())
	assert.ErrorIs(t, err, ErrMissingCredentials)
	assert.False(t, ts.Configured())
}

func TestTokenSource_ServerError(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}
	_, err := newTokenSource(m, nil).Get(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestTokenSource_EmptyToken(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	m.MockOAuthTokenResponse("", 3600)
	_, err := newTokenSource(m, nil).Get(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty access_token")
}

func TestTokenSource_ConcurrentAccess(t *testing.T) {
	m := testutil.NewMockTwitchServer(t)
	var calls atomic.Int64
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"shared","expires_in":3600}`))
	}
	ts := newTokenSource(m, clockwork.NewFakeClock())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := ts.Get(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "shared", tok)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), calls.Load())
}
