// ABOUTME: Synthetic response construction for the interception layer
// ABOUTME: Builds queued-202, cache-hit, and offline fallback responses

package intercept

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/harborpos/outpost/internal/store"
	"github.com/harborpos/outpost/internal/version"
)

// offlinePage is the last-resort body for navigation and asset requests when
// both the network and the cache come up empty.
const offlinePage = `<!doctype html>
<html>
<head><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>This page is not available without a connection. Changes you save will be
synced automatically when the connection returns.</p>
</body>
</html>
`

// newResponse builds an in-memory response attributed to req.
func newResponse(req *http.Request, status int, header http.Header, body []byte) *http.Response {
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// queuedResponse is the synthetic 202 returned when a mutation is captured
// into the outbox. The marker header lets the caller distinguish it from an
// upstream accept and show optimistic UI.
func queuedResponse(req *http.Request, itemID string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set(version.HeaderOfflineQueued, "1")

	body := []byte(fmt.Sprintf(`{"queued":true,"id":%q}`+"\n", itemID))
	return newResponse(req, http.StatusAccepted, header, body)
}

// cachedResponse materializes a stored response.
func cachedResponse(req *http.Request, cached *store.CachedResponse) *http.Response {
	header := make(http.Header)
	if cached.ContentType != "" {
		header.Set("Content-Type", cached.ContentType)
	}
	header.Set("X-Served-From-Cache", "1")
	return newResponse(req, cached.Status, header, cached.Body)
}

// offlineResponse is the static offline page.
func offlineResponse(req *http.Request) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	return newResponse(req, http.StatusServiceUnavailable, header, []byte(offlinePage))
}
