// ABOUTME: Tests for the interception RoundTripper policies
// ABOUTME: Covers outbox capture, cache fallback, 401 refresh replay, and pass-through behavior

package intercept

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborpos/outpost/internal/outbox"
	"github.com/harborpos/outpost/internal/refresh"
	"github.com/harborpos/outpost/internal/store"
	"github.com/harborpos/outpost/internal/version"
)

// roundTripperFunc adapts a function to http.RoundTripper.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

var errConnRefused = errors.New("dial tcp: connection refused")

func okJSON(req *http.Request, body string, header http.Header) *http.Response {
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Request:    req,
	}
}

func newTestInterceptor(t *testing.T, base http.RoundTripper, coordinator *refresh.Coordinator) (*Interceptor, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	queue := outbox.NewQueue(s, nil, nil)
	return New(base, s, queue, coordinator, []string{"/auth", "/token", "/profile", "/me"}, nil), s
}

func TestMutate_NetworkFailureQueues(t *testing.T) {
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errConnRefused
	})
	ic, s := newTestInterceptor(t, base, nil)

	req, err := http.NewRequest("POST", "https://x.test/api/v1/invoices",
		bytes.NewReader([]byte(`{"total":9.99}`)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(version.HeaderOfflineQueued))

	items, err := s.ListItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "POST", items[0].Method)
	assert.Equal(t, "https://x.test/api/v1/invoices", items[0].URL)
	assert.Equal(t, []byte(`{"total":9.99}`), items[0].Body)
	assert.Equal(t, "application/json", items[0].Headers["Content-Type"])
}

func TestMutate_HTTPErrorPassesThrough(t *testing.T) {
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusUnprocessableEntity,
			Body:       io.NopCloser(bytes.NewReader([]byte("bad payload"))),
			Header:     make(http.Header),
			Request:    req,
		}, nil
	})
	ic, s := newTestInterceptor(t, base, nil)

	req, _ := http.NewRequest("POST", "https://x.test/api/v1/invoices", bytes.NewReader([]byte(`{}`)))
	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// An HTTP error is a delivered response, not a connectivity failure:
	// nothing is queued and the status reaches the caller unchanged.
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	count, _ := s.CountItems(context.Background())
	assert.Equal(t, 0, count)
}

func TestMutate_StampsBuildHeaders(t *testing.T) {
	var gotBuild, gotVersion string
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		gotBuild = req.Header.Get(version.HeaderClientBuild)
		gotVersion = req.Header.Get(version.HeaderClientVersion)
		return okJSON(req, `{}`, nil), nil
	})
	ic, _ := newTestInterceptor(t, base, nil)

	req, _ := http.NewRequest("POST", "https://x.test/api/v1/sales", bytes.NewReader([]byte(`{}`)))
	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, version.Build, gotBuild)
	assert.Equal(t, version.Version, gotVersion)
}

func TestMutate_ManagedRequestPropagatesFailure(t *testing.T) {
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errConnRefused
	})
	ic, s := newTestInterceptor(t, base, nil)

	req, _ := http.NewRequest("POST", "https://x.test/api/v1/sales", bytes.NewReader([]byte(`{}`)))
	req.Header.Set(version.HeaderOutboxManaged, "1")

	_, err := ic.RoundTrip(req)
	assert.ErrorIs(t, err, errConnRefused)

	count, _ := s.CountItems(context.Background())
	assert.Equal(t, 0, count, "managed requests must not be double-queued")
}

func TestRead_CachesPublicResponses(t *testing.T) {
	header := make(http.Header)
	header.Set("Cache-Control", "public, max-age=60")
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return okJSON(req, `[{"id":1}]`, header.Clone()), nil
	})
	ic, s := newTestInterceptor(t, base, nil)

	req, _ := http.NewRequest("GET", "https://x.test/api/v1/products", nil)
	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)

	// Caller can still read the body after caching
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, `[{"id":1}]`, string(body))

	cached, err := s.GetCachedResponse(context.Background(), "/api/v1/products")
	require.NoError(t, err)
	assert.Equal(t, []byte(`[{"id":1}]`), cached.Body)
	assert.Equal(t, http.StatusOK, cached.Status)
}

func TestRead_SkipsPrivateAndSensitive(t *testing.T) {
	cases := []struct {
		name string
		path string
		cc   string
	}{
		{"no directive", "/api/v1/products", ""},
		{"private", "/api/v1/products", "private, no-store"},
		{"sensitive auth", "/api/v1/auth/session", "public"},
		{"sensitive profile", "/api/v1/profile", "public"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
				header := make(http.Header)
				if tc.cc != "" {
					header.Set("Cache-Control", tc.cc)
				}
				return okJSON(req, `{}`, header), nil
			})
			ic, s := newTestInterceptor(t, base, nil)

			req, _ := http.NewRequest("GET", "https://x.test"+tc.path, nil)
			resp, err := ic.RoundTrip(req)
			require.NoError(t, err)
			resp.Body.Close()

			_, err = s.GetCachedResponse(context.Background(), tc.path)
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestRead_FallsBackToCache(t *testing.T) {
	online := true
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if !online {
			return nil, errConnRefused
		}
		header := make(http.Header)
		header.Set("Cache-Control", "public")
		return okJSON(req, `[{"id":1}]`, header), nil
	})
	ic, _ := newTestInterceptor(t, base, nil)

	// Warm the cache while online
	req, _ := http.NewRequest("GET", "https://x.test/api/v1/products", nil)
	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	// Offline: the cached copy is served with a marker header
	online = false
	req2, _ := http.NewRequest("GET", "https://x.test/api/v1/products", nil)
	resp2, err := ic.RoundTrip(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()

	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, "1", resp2.Header.Get("X-Served-From-Cache"))
	body, _ := io.ReadAll(resp2.Body)
	assert.Equal(t, `[{"id":1}]`, string(body))
}

func TestRead_NoCacheFailsWithNetworkError(t *testing.T) {
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errConnRefused
	})
	ic, _ := newTestInterceptor(t, base, nil)

	req, _ := http.NewRequest("GET", "https://x.test/api/v1/products", nil)
	_, err := ic.RoundTrip(req)
	assert.ErrorIs(t, err, errConnRefused)
}

func TestNavigation_OfflinePageFallback(t *testing.T) {
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		return nil, errConnRefused
	})
	ic, _ := newTestInterceptor(t, base, nil)

	req, _ := http.NewRequest("GET", "https://x.test/dashboard", nil)
	req.Header.Set("Accept", "text/html")

	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "offline")
}

func TestNavigation_CachedShellFallback(t *testing.T) {
	online := true
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if !online {
			return nil, errConnRefused
		}
		header := make(http.Header)
		header.Set("Content-Type", "text/html")
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     header,
			Body:       io.NopCloser(bytes.NewReader([]byte("<html>shell</html>"))),
			Request:    req,
		}, nil
	})
	ic, _ := newTestInterceptor(t, base, nil)

	req, _ := http.NewRequest("GET", "https://x.test/dashboard", nil)
	req.Header.Set("Accept", "text/html")
	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	online = false
	req2, _ := http.NewRequest("GET", "https://x.test/dashboard", nil)
	req2.Header.Set("Accept", "text/html")
	resp2, err := ic.RoundTrip(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()

	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	body, _ := io.ReadAll(resp2.Body)
	assert.Equal(t, "<html>shell</html>", string(body))
}

func TestAsset_CacheFirst(t *testing.T) {
	var hits atomic.Int32
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		hits.Add(1)
		header := make(http.Header)
		header.Set("Content-Type", "application/javascript")
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     header,
			Body:       io.NopCloser(bytes.NewReader([]byte("console.log(1)"))),
			Request:    req,
		}, nil
	})
	ic, _ := newTestInterceptor(t, base, nil)

	// First fetch goes to the network and populates the cache
	req, _ := http.NewRequest("GET", "https://x.test/assets/app.js", nil)
	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(1), hits.Load())

	// Second fetch is served from cache without touching the network
	req2, _ := http.NewRequest("GET", "https://x.test/assets/app.js", nil)
	resp2, err := ic.RoundTrip(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()

	assert.Equal(t, int32(1), hits.Load())
	body, _ := io.ReadAll(resp2.Body)
	assert.Equal(t, "console.log(1)", string(body))
}

func TestUnauthorized_RefreshAndReplayOnce(t *testing.T) {
	var mu sync.Mutex
	var seenAuth []string
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		seenAuth = append(seenAuth, req.Header.Get("Authorization"))
		mu.Unlock()
		if req.Header.Get(version.HeaderAuthRetried) == "" {
			return &http.Response{
				StatusCode: http.StatusUnauthorized,
				Header:     make(http.Header),
				Body:       io.NopCloser(bytes.NewReader(nil)),
				Request:    req,
			}, nil
		}
		return okJSON(req, `{"ok":true}`, nil), nil
	})

	tokens := &memTokens{token: "stale"}
	tokens.refreshFn = func(ctx context.Context) (string, error) { return "fresh", nil }
	coordinator := refresh.NewCoordinator(tokens, nil, nil)
	ic, _ := newTestInterceptor(t, base, coordinator)

	req, _ := http.NewRequest("POST", "https://x.test/api/v1/sales", bytes.NewReader([]byte(`{"n":1}`)))
	req.Header.Set("Authorization", "Bearer stale")

	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, seenAuth, 2)
	assert.Equal(t, "Bearer stale", seenAuth[0])
	assert.Equal(t, "Bearer fresh", seenAuth[1])
	assert.Equal(t, "fresh", tokens.Token())
}

func TestUnauthorized_SecondRejectionPropagates(t *testing.T) {
	var rounds atomic.Int32
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		rounds.Add(1)
		return &http.Response{
			StatusCode: http.StatusUnauthorized,
			Header:     make(http.Header),
			Body:       io.NopCloser(bytes.NewReader(nil)),
			Request:    req,
		}, nil
	})

	tokens := &memTokens{token: "stale"}
	tokens.refreshFn = func(ctx context.Context) (string, error) { return "still-bad", nil }
	coordinator := refresh.NewCoordinator(tokens, nil, nil)
	ic, _ := newTestInterceptor(t, base, coordinator)

	req, _ := http.NewRequest("GET", "https://x.test/api/v1/products", nil)
	resp, err := ic.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// Exactly one replay: original + retried, never a third round
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(2), rounds.Load())
}

func TestUnauthorized_ConcurrentRequestsShareOneRefresh(t *testing.T) {
	// Three requests hit 401 while a refresh is pending; only one
	// refresh call is made, and all three are reissued with the new token.
	var refreshCalls atomic.Int32
	release := make(chan struct{})

	var mu sync.Mutex
	retried := 0
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if req.Header.Get(version.HeaderAuthRetried) != "" {
			mu.Lock()
			retried++
			mu.Unlock()
			return okJSON(req, `{}`, nil), nil
		}
		return &http.Response{
			StatusCode: http.StatusUnauthorized,
			Header:     make(http.Header),
			Body:       io.NopCloser(bytes.NewReader(nil)),
			Request:    req,
		}, nil
	})

	tokens := &memTokens{token: "stale"}
	tokens.refreshFn = func(ctx context.Context) (string, error) {
		refreshCalls.Add(1)
		<-release
		return "fresh", nil
	}
	coordinator := refresh.NewCoordinator(tokens, nil, nil)
	ic, _ := newTestInterceptor(t, base, coordinator)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest("GET", "https://x.test/api/v1/products", nil)
			resp, err := ic.RoundTrip(req)
			if err == nil {
				resp.Body.Close()
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), refreshCalls.Load(), "expected a single refresh call")
	assert.Equal(t, 3, retried, "every waiter replays with the refreshed credential")
}

// memTokens is a minimal TokenStore for interception tests.
type memTokens struct {
	mu        sync.Mutex
	token     string
	refreshFn func(ctx context.Context) (string, error)
}

func (m *memTokens) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

func (m *memTokens) SetToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

func (m *memTokens) Refresh(ctx context.Context) (string, error) {
	return m.refreshFn(ctx)
}
