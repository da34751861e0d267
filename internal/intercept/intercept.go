// ABOUTME: http.RoundTripper that applies offline resilience policy to every outgoing request
// ABOUTME: Forwards, serves from cache, or hands mutations to the outbox depending on class

package intercept

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harborpos/outpost/internal/outbox"
	"github.com/harborpos/outpost/internal/refresh"
	"github.com/harborpos/outpost/internal/store"
	"github.com/harborpos/outpost/internal/version"
)

// Interceptor classifies every outgoing request and applies one of four
// policies, independent of which foreground view issued it. It implements
// http.RoundTripper so it can sit inside any http.Client.
type Interceptor struct {
	base        http.RoundTripper
	store       store.Store
	queue       *outbox.Queue
	coordinator *refresh.Coordinator
	sensitive   []string
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an Interceptor over base. Pass nil base for
// http.DefaultTransport, nil coordinator to disable the 401 refresh path,
// and nil logger for the default logger.
func New(base http.RoundTripper, s store.Store, queue *outbox.Queue, coordinator *refresh.Coordinator, sensitive []string, logger *slog.Logger) *Interceptor {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{
		base:        base,
		store:       s,
		queue:       queue,
		coordinator: coordinator,
		sensitive:   sensitive,
		logger:      logger.With("component", "intercept"),
		now:         time.Now,
	}
}

// RoundTrip applies the policy for the request's class.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	switch Classify(req) {
	case ClassMutateAPI:
		return i.roundTripMutate(req)
	case ClassReadAPI:
		return i.roundTripRead(req)
	case ClassNavigation:
		return i.roundTripNavigation(req)
	case ClassAsset:
		return i.roundTripAsset(req)
	default:
		return i.base.RoundTrip(req)
	}
}

// roundTripMutate forwards a mutating request, queuing it on network failure.
// HTTP error statuses pass through unchanged; only the absence of a response
// diverts to the outbox.
func (i *Interceptor) roundTripMutate(req *http.Request) (*http.Response, error) {
	body, err := captureBody(req)
	if err != nil {
		return nil, err
	}

	req.Header.Set(version.HeaderClientBuild, version.Build)
	req.Header.Set(version.HeaderClientVersion, version.Version)

	resp, err := i.send(req, body)
	if err == nil {
		return resp, nil
	}

	// Externally managed retries keep their own failure semantics.
	if req.Header.Get(version.HeaderOutboxManaged) != "" {
		return nil, err
	}

	if !errors.Is(err, context.Canceled) {
		item, qerr := i.queue.Enqueue(req.Context(), req, body)
		if qerr != nil {
			i.logger.Error("enqueuing failed mutation", "url", req.URL.String(), "error", qerr)
			return nil, err
		}
		i.logger.Info("mutation captured offline",
			"method", req.Method, "url", req.URL.String(), "id", item.ID)
		return queuedResponse(req, item.ID), nil
	}

	return nil, err
}

// roundTripRead is network-first with a cache fallback, caching only
// responses explicitly marked publicly cacheable on non-sensitive paths.
func (i *Interceptor) roundTripRead(req *http.Request) (*http.Response, error) {
	resp, err := i.send(req, nil)
	if err == nil {
		if i.shouldCache(req, resp) {
			resp = i.cacheResponse(req, resp)
		}
		return resp, nil
	}

	cached, cerr := i.store.GetCachedResponse(req.Context(), req.URL.Path)
	if cerr == nil {
		i.logger.Debug("serving read from cache", "path", req.URL.Path)
		return cachedResponse(req, cached), nil
	}

	return nil, err
}

// roundTripNavigation is network-first, then cached shell, then offline page.
func (i *Interceptor) roundTripNavigation(req *http.Request) (*http.Response, error) {
	resp, err := i.base.RoundTrip(req)
	if err == nil {
		if resp.StatusCode == http.StatusOK {
			resp = i.cacheResponse(req, resp)
		}
		return resp, nil
	}

	cached, cerr := i.store.GetCachedResponse(req.Context(), req.URL.Path)
	if cerr == nil {
		return cachedResponse(req, cached), nil
	}

	return offlineResponse(req), nil
}

// roundTripAsset is cache-first, populating the cache on miss.
func (i *Interceptor) roundTripAsset(req *http.Request) (*http.Response, error) {
	cached, cerr := i.store.GetCachedResponse(req.Context(), req.URL.Path)
	if cerr == nil {
		return cachedResponse(req, cached), nil
	}

	resp, err := i.base.RoundTrip(req)
	if err == nil {
		if resp.StatusCode == http.StatusOK {
			resp = i.cacheResponse(req, resp)
		}
		return resp, nil
	}

	return offlineResponse(req), nil
}

// send forwards the request and transparently handles one unauthorized
// round: refresh through the single-flight coordinator, then replay the
// original request once with the fresh credential.
func (i *Interceptor) send(req *http.Request, body []byte) (*http.Response, error) {
	resp, err := i.base.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || i.coordinator == nil {
		return resp, err
	}

	// A request replayed once already propagates its 401 rather than looping.
	if req.Header.Get(version.HeaderAuthRetried) != "" {
		return resp, nil
	}

	token, rerr := i.coordinator.Refresh(req.Context())
	if rerr != nil {
		// Refresh failed: the original unauthorized response stands.
		return resp, nil
	}

	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	retry := req.Clone(req.Context())
	if body != nil {
		retry.Body = io.NopCloser(bytes.NewReader(body))
		retry.ContentLength = int64(len(body))
	}
	retry.Header.Set("Authorization", "Bearer "+token)
	retry.Header.Set(version.HeaderAuthRetried, "1")

	return i.base.RoundTrip(retry)
}

// shouldCache applies the read-caching policy: explicit public directive,
// success status, GET only, and never on sensitive paths.
func (i *Interceptor) shouldCache(req *http.Request, resp *http.Response) bool {
	if req.Method != http.MethodGet || resp.StatusCode != http.StatusOK {
		return false
	}
	if !strings.Contains(strings.ToLower(resp.Header.Get("Cache-Control")), "public") {
		return false
	}
	lower := strings.ToLower(req.URL.Path)
	for _, p := range i.sensitive {
		if strings.Contains(lower, p) {
			return false
		}
	}
	return true
}

// cacheResponse stores the response body and returns an equivalent response
// whose body is still readable by the caller.
func (i *Interceptor) cacheResponse(req *http.Request, resp *http.Response) *http.Response {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		i.logger.Warn("reading response for cache", "path", req.URL.Path, "error", err)
		resp.Body = io.NopCloser(bytes.NewReader(nil))
		return resp
	}

	err = i.store.PutCachedResponse(req.Context(), &store.CachedResponse{
		Path:        req.URL.Path,
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		StoredAt:    i.now().UTC(),
	})
	if err != nil {
		i.logger.Warn("caching response", "path", req.URL.Path, "error", err)
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp
}

// captureBody reads and restores the request body so it can be replayed or
// queued. Returns nil for bodiless requests.
func captureBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}

	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}

	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return body, nil
}
