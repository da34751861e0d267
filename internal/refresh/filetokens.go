// ABOUTME: File-backed credential store with an HTTP refresh exchange
// ABOUTME: Persists the access/refresh token pair and trades the refresh token for a new session

package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// tokenFile is the persisted credential pair.
type tokenFile struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
}

// FileTokens stores the credential pair in a file and refreshes it against
// the upstream auth endpoint. The refresh call uses its own plain client so
// it never passes through the interception layer.
type FileTokens struct {
	path       string
	refreshURL string
	client     *http.Client
	logger     *slog.Logger

	mu           sync.Mutex
	token        string
	refreshToken string
}

// NewFileTokens loads the credential pair from path, which may not exist yet.
// Pass nil client for http.DefaultClient.
func NewFileTokens(path, refreshURL string, client *http.Client, logger *slog.Logger) (*FileTokens, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}

	ft := &FileTokens{
		path:       path,
		refreshURL: refreshURL,
		client:     client,
		logger:     logger.With("component", "tokens"),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ft, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}

	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing token file %s: %w", path, err)
	}
	ft.token = tf.Token
	ft.refreshToken = tf.RefreshToken

	return ft, nil
}

// Token returns the current access token, or "" if none is stored.
func (f *FileTokens) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

// SetToken stores an access token and persists the pair. "" clears it.
func (f *FileTokens) SetToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()

	if err := f.persist(); err != nil {
		f.logger.Error("failed to persist token file", "error", err)
	}
}

// SetRefreshToken stores a refresh token and persists the pair. Used when
// the user signs in through the foreground.
func (f *FileTokens) SetRefreshToken(token string) {
	f.mu.Lock()
	f.refreshToken = token
	f.mu.Unlock()

	if err := f.persist(); err != nil {
		f.logger.Error("failed to persist token file", "error", err)
	}
}

// Refresh exchanges the stored refresh token for a new access token. When
// the server rotates the refresh token the new one is persisted too.
func (f *FileTokens) Refresh(ctx context.Context) (string, error) {
	f.mu.Lock()
	refreshToken := f.refreshToken
	f.mu.Unlock()

	if refreshToken == "" {
		return "", fmt.Errorf("no refresh token stored")
	}

	body := fmt.Sprintf(`{"refresh_token":%q}`, refreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.refreshURL, strings.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refresh rejected: status %d", resp.StatusCode)
	}

	var result tokenFile
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("parsing refresh response: %w", err)
	}
	if result.Token == "" {
		return "", fmt.Errorf("refresh response missing token")
	}

	if result.RefreshToken != "" {
		f.mu.Lock()
		f.refreshToken = result.RefreshToken
		f.mu.Unlock()
	}

	// SetToken on the coordinator path persists; nothing else to do here.
	return result.Token, nil
}

// persist writes the pair to disk with owner-only permissions.
func (f *FileTokens) persist() error {
	f.mu.Lock()
	tf := tokenFile{Token: f.token, RefreshToken: f.refreshToken}
	f.mu.Unlock()

	data, err := json.Marshal(tf)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0600)
}
