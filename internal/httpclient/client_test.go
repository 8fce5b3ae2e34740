package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	tooMany atomic.Int32
	reload  atomic.Int32
}

func (f *fakeNotifier) TooManyRequests() bool { f.tooMany.Add(1); return true }
func (f *fakeNotifier) ReloadRequired() bool  { f.reload.Add(1); return true }

type fakeTimer struct{ stopped bool }

func (t *fakeTimer) Stop() bool { t.stopped = true; return true }

type manualClock struct {
	mu      sync.Mutex
	pending []func()
	delays  []time.Duration
	timers  []*fakeTimer
}

func (m *manualClock) AfterFunc(d time.Duration, fn func()) Timer {
	timer := &fakeTimer{}
	m.mu.Lock()
	m.pending = append(m.pending, fn)
	m.delays = append(m.delays, d)
	m.timers = append(m.timers, timer)
	m.mu.Unlock()
	return timer
}

func (m *manualClock) fireAll() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func newClient(t *testing.T, server *httptest.Server, opts Options) *Client {
	t.Helper()
	opts.BaseURL = server.URL
	if opts.ClientID == "" {
		opts.ClientID = "client-1"
	}
	if opts.Tokens == nil {
		opts.Tokens = &MemoryTokens{}
		require.NoError(t, opts.Tokens.SetToken("initial"))
	}
	client, err := New(opts)
	require.NoError(t, err)
	return client
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{ClientID: "x"})
	require.Error(t, err)
	_, err = New(Options{BaseURL: "relative/path", ClientID: "x"})
	require.Error(t, err)
	_, err = New(Options{BaseURL: "http://localhost"})
	require.Error(t, err)
}

func TestDoAttachesCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer initial", r.Header.Get("Authorization"))
		require.Equal(t, "client-1", r.Header.Get(HeaderClientID))
		require.Empty(t, r.Header.Get(HeaderRetry))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := newClient(t, server, Options{})
	resp, err := client.Get(context.Background(), "/api/MapsetsData?mapsetsIds=1")
	require.NoError(t, err)
	var body map[string]bool
	require.NoError(t, resp.Decode(&body))
	require.True(t, body["ok"])
	require.Empty(t, client.Snapshot().InFlight)
}

func TestSkipAuthSendsNoCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		require.Empty(t, r.Header.Get(HeaderClientID))
		w.Write([]byte("osu file format v14"))
	}))
	defer server.Close()

	client := newClient(t, server, Options{})
	resp, err := client.Do(context.Background(), Request{URL: server.URL + "/osu/42", SkipAuth: true})
	require.NoError(t, err)
	require.Equal(t, "osu file format v14", string(resp.Body))
}

func TestDuplicateRequestIsRejected(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(entered)
		}
		<-release
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newClient(t, server, Options{})
	done := make(chan error, 1)
	go func() {
		_, err := client.Get(context.Background(), "/api/BeatmapPP/7")
		done <- err
	}()
	<-entered

	_, err := client.Get(context.Background(), "/api/BeatmapPP/7")
	require.ErrorIs(t, err, ErrDuplicate)
	require.True(t, IsRetryable(err))
	require.Equal(t, []string{server.URL + "/api/BeatmapPP/7"}, client.Snapshot().InFlight)

	close(release)
	require.NoError(t, <-done)
	require.Equal(t, int32(1), hits.Load())
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"duplicate", fmt.Errorf("osuapi: calculate 7: %w", ErrDuplicate), true},
		{"banned", ErrBanned, false},
		{"stopped", ErrStopped, false},
		{"token refresh", fmt.Errorf("%w: boom", ErrTokenRefresh), false},
		{"canceled", fmt.Errorf("httpclient: GET x: %w", context.Canceled), false},
		{"rate limited", &StatusError{Status: http.StatusTooManyRequests}, true},
		{"server error", &StatusError{Status: http.StatusBadGateway}, true},
		{"not found", &StatusError{Status: http.StatusNotFound}, false},
		{"transport", fmt.Errorf("httpclient: GET x: %w", &url.Error{Op: "Get", URL: "x", Err: errors.New("connection refused")}), true},
		{"short body", io.ErrUnexpectedEOF, true},
		{"decode", errors.New("httpclient: decode response: invalid character"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestRepeatedFailuresBanUntilCooldown(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	clock := &manualClock{}
	client := newClient(t, server, Options{AfterFunc: clock.AfterFunc, Cooldown: 3 * time.Second})
	ctx := context.Background()

	_, err := client.Get(ctx, "/api/MapsetsData?mapsetsIds=1")
	require.Equal(t, http.StatusInternalServerError, StatusOf(err))
	require.True(t, IsRetryable(err))
	_, err = client.Get(ctx, "/api/MapsetsData?mapsetsIds=1")
	require.Equal(t, http.StatusInternalServerError, StatusOf(err))

	_, err = client.Get(ctx, "/api/MapsetsData?mapsetsIds=1")
	require.ErrorIs(t, err, ErrBanned)
	require.False(t, IsRetryable(err))
	require.Equal(t, int32(2), hits.Load())
	require.Equal(t, []time.Duration{3 * time.Second}, clock.delays)

	// other keys are unaffected
	_, err = client.Get(ctx, "/api/MapsetsData?mapsetsIds=2")
	require.Equal(t, http.StatusInternalServerError, StatusOf(err))

	clock.fireAll()
	_, err = client.Get(ctx, "/api/MapsetsData?mapsetsIds=1")
	require.Equal(t, http.StatusInternalServerError, StatusOf(err))
	require.Equal(t, int32(4), hits.Load())
}

func TestSuccessClearsFailureLadder(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1)%2 == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newClient(t, server, Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := client.Get(ctx, "/api/x")
		require.Error(t, err)
		_, err = client.Get(ctx, "/api/x")
		require.NoError(t, err)
	}
	require.Empty(t, client.Snapshot().Banned)
}

func TestTooManyRequestsNotifies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	notifier := &fakeNotifier{}
	client := newClient(t, server, Options{Notifier: notifier})
	_, err := client.Get(context.Background(), "/api/x")
	require.Equal(t, http.StatusTooManyRequests, StatusOf(err))
	require.Equal(t, int32(1), notifier.tooMany.Load())
}

func TestForbiddenRefreshesOnceForConcurrentRequests(t *testing.T) {
	const callers = 5
	var refreshes, forbidden atomic.Int32
	allForbidden := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == DefaultTokenPath:
			refreshes.Add(1)
			select {
			case <-allForbidden:
			case <-time.After(5 * time.Second):
			}
			json.NewEncoder(w).Encode(map[string]string{"token": "fresh"})
		case r.Header.Get("Authorization") == "Bearer fresh":
			require.Equal(t, "true", r.Header.Get(HeaderRetry))
			w.Write([]byte(`{}`))
		default:
			if forbidden.Add(1) == callers {
				close(allForbidden)
			}
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer server.Close()

	client := newClient(t, server, Options{})
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.Get(context.Background(), "/api/cachedBeatmapData/"+string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), refreshes.Load())
	token, ok := client.tokens.Token()
	require.True(t, ok)
	require.Equal(t, "fresh", token)
}

func TestRefreshFailureStopsEverything(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == DefaultTokenPath {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	notifier := &fakeNotifier{}
	client := newClient(t, server, Options{Notifier: notifier})
	ctx := context.Background()

	_, err := client.Get(ctx, "/api/x")
	require.ErrorIs(t, err, ErrTokenRefresh)
	require.Equal(t, http.StatusInternalServerError, StatusOf(err))
	require.True(t, client.Snapshot().Stopped)
	require.Equal(t, int32(1), notifier.reload.Load())

	_, err = client.Get(ctx, "/api/y")
	require.ErrorIs(t, err, ErrStopped)

	client.Reset()
	snap := client.Snapshot()
	require.False(t, snap.Stopped)
	require.Empty(t, snap.InFlight)
	require.Empty(t, snap.Banned)
}

func TestRateLimitedRefreshResumesAfterCooldown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == DefaultTokenPath {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	clock := &manualClock{}
	notifier := &fakeNotifier{}
	client := newClient(t, server, Options{Tokens: &MemoryTokens{}, AfterFunc: clock.AfterFunc, Notifier: notifier})

	_, err := client.Get(context.Background(), "/api/x")
	require.Equal(t, http.StatusTooManyRequests, StatusOf(err))
	require.True(t, client.Snapshot().Stopped)
	require.Equal(t, int32(1), notifier.tooMany.Load())

	require.Equal(t, []time.Duration{DefaultCooldown}, clock.delays)

	clock.fireAll()
	require.False(t, client.Snapshot().Stopped)
}

func TestResetCancelsPendingResume(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	clock := &manualClock{}
	client := newClient(t, server, Options{Tokens: &MemoryTokens{}, AfterFunc: clock.AfterFunc, Cooldown: 2 * time.Second})

	_, err := client.RefreshToken(context.Background())
	require.ErrorIs(t, err, ErrTokenRefresh)
	require.True(t, client.Snapshot().Stopped)
	require.Equal(t, []time.Duration{2 * time.Second}, clock.delays)

	client.Reset()
	require.True(t, clock.timers[0].stopped)

	const key = "https://example.test/api/MapsetsData?mapsetsIds=9"
	require.NoError(t, client.state.admit(key))
	// the stale resume firing late leaves work admitted after the reset alone
	clock.fireAll()
	snap := client.Snapshot()
	require.Equal(t, []string{key}, snap.InFlight)
	require.False(t, snap.Stopped)
}

func TestExpiredJWTIsRefreshedBeforeSending(t *testing.T) {
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	var refreshes atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == DefaultTokenPath {
			refreshes.Add(1)
			w.Write([]byte(`{"access_token":"renewed"}`))
			return
		}
		require.Equal(t, "Bearer renewed", r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	tokens := &MemoryTokens{}
	require.NoError(t, tokens.SetToken(expired))
	client := newClient(t, server, Options{Tokens: tokens})
	_, err = client.Get(context.Background(), "/api/x")
	require.NoError(t, err)
	require.Equal(t, int32(1), refreshes.Load())
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	valid, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	require.False(t, tokenExpired(valid, now))
	require.True(t, tokenExpired(valid, now.Add(2*time.Hour)))
	require.False(t, tokenExpired("opaque-token", now))
}

func TestFileTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "token.json")
	tokens := NewFileTokens(path, time.Hour)
	_, ok := tokens.Token()
	require.False(t, ok)

	require.NoError(t, tokens.SetToken("abc"))
	token, ok := NewFileTokens(path, time.Hour).Token()
	require.True(t, ok)
	require.Equal(t, "abc", token)

	tokens.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, ok = tokens.Token()
	require.False(t, ok)

	require.NoError(t, tokens.SetToken(""))
	require.NoError(t, tokens.SetToken(""))
}

func TestEndpointLabel(t *testing.T) {
	require.Equal(t, "/api/BeatmapPP/:id", endpointLabel("http://x/api/BeatmapPP/123"))
	require.Equal(t, "/api/MapsetsData", endpointLabel("http://x/api/MapsetsData?mapsetsIds=1,2"))
	require.Equal(t, "/a/:id/:id", endpointLabel("http://x/a/1/2"))
	require.Equal(t, "/", endpointLabel("http://x"))
}
