// ABOUTME: Single-flight credential refresh coordinator
// ABOUTME: Deduplicates concurrent refresh attempts so N simultaneous 401s trigger exactly one refresh

package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/harborpos/outpost/internal/bus"
)

// ErrRefreshFailed is returned when the host's refresh call yields no usable credential.
var ErrRefreshFailed = errors.New("credential refresh failed")

// refreshTimeout bounds the detached exchange so an unreachable authority
// cannot leave a refresh pending forever.
const refreshTimeout = 30 * time.Second

// TokenStore is the credential contract supplied by the host application.
// The coordinator only orchestrates calling it.
type TokenStore interface {
	// Token returns the current credential, or "" if none is stored.
	Token() string
	// SetToken stores a credential; "" clears it.
	SetToken(token string)
	// Refresh obtains a new credential from the authority. It must not go
	// through the interception layer, or a 401 on the refresh call itself
	// would recurse.
	Refresh(ctx context.Context) (string, error)
}

// refreshCall is the one shared in-flight refresh. Waiters block on done and
// then read token/err, so every concurrent observer settles with the same
// outcome.
type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// Coordinator keeps at most one credential refresh in flight. Mutual
// exclusion comes from sharing the pending call, not from holding a lock
// across the network operation.
type Coordinator struct {
	tokens TokenStore
	bus    *bus.Bus
	logger *slog.Logger

	mu       sync.Mutex
	inflight *refreshCall
}

// NewCoordinator creates a Coordinator. Pass nil bus to skip foreground
// signals and nil logger for the default logger.
func NewCoordinator(tokens TokenStore, b *bus.Bus, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		tokens: tokens,
		bus:    b,
		logger: logger.With("component", "refresh"),
	}
}

// Token returns the currently stored credential.
func (c *Coordinator) Token() string {
	return c.tokens.Token()
}

// Refresh returns a fresh credential. If a refresh is already in flight the
// caller parks as a waiter and receives that refresh's outcome; otherwise it
// starts the one refresh itself. On failure the stored credential is cleared
// and a SessionExpired signal is published.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	call := c.inflight
	if call == nil {
		call = &refreshCall{done: make(chan struct{})}
		c.inflight = call
		// The exchange runs detached from the initiating request so that one
		// cancelled caller cannot fail the refresh for everyone parked on it
		// and wipe the stored credential. Every caller, initiator included,
		// waits below and can still abandon its own wait.
		go c.exchange(context.WithoutCancel(ctx), call)
	}
	c.mu.Unlock()

	select {
	case <-call.done:
		return call.token, call.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// exchange performs the one shared refresh and settles every parked caller.
// Only failure of the exchange itself clears the stored credential.
func (c *Coordinator) exchange(ctx context.Context, call *refreshCall) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	token, err := c.tokens.Refresh(ctx)
	if err == nil && token == "" {
		err = ErrRefreshFailed
	}

	if err == nil {
		c.tokens.SetToken(token)
		c.logger.Info("credential refreshed")
	} else {
		c.tokens.SetToken("")
		c.logger.Warn("credential refresh failed", "error", err)
		if c.bus != nil {
			c.bus.Publish(bus.SessionExpired{})
		}
	}

	call.token, call.err = token, err

	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
	close(call.done)
}

// Refreshing reports whether a refresh is currently in flight.
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil
}

// ExpiresWithin reports whether the stored credential is a JWT whose exp
// claim falls within d from now. Tokens that are absent or do not parse as
// JWTs are treated as non-expiring; signature verification is not this
// component's job.
func (c *Coordinator) ExpiresWithin(d time.Duration) bool {
	tok := c.tokens.Token()
	if tok == "" {
		return false
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tok, claims); err != nil {
		return false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}

	return time.Until(exp.Time) <= d
}
