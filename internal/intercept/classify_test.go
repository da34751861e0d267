// ABOUTME: Tests for request classification
// ABOUTME: Covers the policy table across methods, paths, and Accept headers

package intercept

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		method string
		url    string
		accept string
		want   Class
	}{
		{"post api", "POST", "https://x.test/api/v1/invoices", "", ClassMutateAPI},
		{"put api", "PUT", "https://x.test/api/v1/products/3", "", ClassMutateAPI},
		{"patch api", "PATCH", "https://x.test/api/v1/roles/2", "", ClassMutateAPI},
		{"delete api", "DELETE", "https://x.test/api/v1/sales/9", "", ClassMutateAPI},
		{"get api", "GET", "https://x.test/api/v1/products", "application/json", ClassReadAPI},
		{"head api", "HEAD", "https://x.test/api/v1/products", "", ClassReadAPI},
		{"navigation", "GET", "https://x.test/dashboard", "text/html,application/xhtml+xml", ClassNavigation},
		{"asset by prefix", "GET", "https://x.test/assets/app.bundle", "*/*", ClassAsset},
		{"asset by extension", "GET", "https://x.test/static/app.js", "*/*", ClassAsset},
		{"asset stylesheet", "GET", "https://x.test/theme.css", "text/css,*/*", ClassAsset},
		{"plain get", "GET", "https://x.test/ping", "*/*", ClassOther},
		{"post outside api", "POST", "https://x.test/webhook", "", ClassOther},
		{"options", "OPTIONS", "https://x.test/api/v1/products", "", ClassOther},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, tc.url, nil)
			require.NoError(t, err)
			if tc.accept != "" {
				req.Header.Set("Accept", tc.accept)
			}
			assert.Equal(t, tc.want, Classify(req))
		})
	}
}

func TestClass_String(t *testing.T) {
	assert.Equal(t, "mutate_api", ClassMutateAPI.String())
	assert.Equal(t, "read_api", ClassReadAPI.String())
	assert.Equal(t, "navigation", ClassNavigation.String())
	assert.Equal(t, "asset", ClassAsset.String())
	assert.Equal(t, "other", ClassOther.String())
}
