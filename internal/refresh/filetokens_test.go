// ABOUTME: Tests for the file-backed credential store
// ABOUTME: Covers persistence across reloads and the HTTP refresh exchange

package refresh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTokens_PersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")

	ft, err := NewFileTokens(path, "http://auth.local/refresh", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, ft.Token())

	ft.SetRefreshToken("refresh-abc")
	ft.SetToken("access-xyz")

	reloaded, err := NewFileTokens(path, "http://auth.local/refresh", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "access-xyz", reloaded.Token())

	// File must not be world-readable.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileTokens_RefreshExchangesToken(t *testing.T) {
	var gotRefreshToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotRefreshToken = body["refresh_token"]

		json.NewEncoder(w).Encode(map[string]string{
			"token":         "fresh-access",
			"refresh_token": "rotated-refresh",
		})
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "token")
	ft, err := NewFileTokens(path, srv.URL, srv.Client(), nil)
	require.NoError(t, err)
	ft.SetRefreshToken("refresh-abc")

	token, err := ft.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", token)
	assert.Equal(t, "refresh-abc", gotRefreshToken)

	// The rotated refresh token is kept for the next exchange.
	ft.SetToken(token)
	reloaded, err := NewFileTokens(path, srv.URL, srv.Client(), nil)
	require.NoError(t, err)

	assert.Equal(t, "fresh-access", reloaded.Token())
	_, err = reloaded.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rotated-refresh", gotRefreshToken)
}

func TestFileTokens_RefreshRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ft, err := NewFileTokens(filepath.Join(t.TempDir(), "token"), srv.URL, srv.Client(), nil)
	require.NoError(t, err)
	ft.SetRefreshToken("stale")

	_, err = ft.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestFileTokens_RefreshWithoutStoredToken(t *testing.T) {
	ft, err := NewFileTokens(filepath.Join(t.TempDir(), "token"), "http://auth.local/refresh", nil, nil)
	require.NoError(t, err)

	_, err = ft.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no refresh token")
}
