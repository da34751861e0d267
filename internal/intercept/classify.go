// ABOUTME: Request classification for the interception layer
// ABOUTME: Buckets outgoing requests into navigation, asset, read API, mutate API, or pass-through

package intercept

import (
	"net/http"
	"path"
	"strings"
)

// Class is the policy bucket applied to an outgoing request.
type Class int

const (
	// ClassOther is forwarded untouched.
	ClassOther Class = iota
	// ClassNavigation loads a full view: network-first, cached shell fallback.
	ClassNavigation
	// ClassAsset is a static file: cache-first.
	ClassAsset
	// ClassReadAPI is a read-only API call: network-first, cache fallback.
	ClassReadAPI
	// ClassMutateAPI is a mutating API call: network-first, outbox on failure.
	ClassMutateAPI
)

func (c Class) String() string {
	switch c {
	case ClassNavigation:
		return "navigation"
	case ClassAsset:
		return "asset"
	case ClassReadAPI:
		return "read_api"
	case ClassMutateAPI:
		return "mutate_api"
	default:
		return "other"
	}
}

// assetExtensions are file suffixes treated as static assets.
var assetExtensions = map[string]bool{
	".js":    true,
	".css":   true,
	".png":   true,
	".jpg":   true,
	".jpeg":  true,
	".gif":   true,
	".svg":   true,
	".ico":   true,
	".woff":  true,
	".woff2": true,
	".ttf":   true,
	".map":   true,
}

// Classify buckets a request. Mutating methods always win; read-only
// classification then splits on path and Accept header.
func Classify(req *http.Request) Class {
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		if isAPIPath(req.URL.Path) {
			return ClassMutateAPI
		}
		return ClassOther
	case http.MethodGet, http.MethodHead:
	default:
		return ClassOther
	}

	if isAPIPath(req.URL.Path) {
		return ClassReadAPI
	}

	if strings.Contains(req.Header.Get("Accept"), "text/html") {
		return ClassNavigation
	}

	if strings.HasPrefix(req.URL.Path, "/assets/") || assetExtensions[path.Ext(req.URL.Path)] {
		return ClassAsset
	}

	return ClassOther
}

func isAPIPath(p string) bool {
	return strings.HasPrefix(p, "/api/")
}
