// ABOUTME: Package documentation for the local HTTP surface
// ABOUTME: Control endpoints for the foreground plus the upstream reverse proxy

// Package api serves the agent's local HTTP surface.
//
// Control endpoints under /api/v1 give the foreground its status view:
// pending outbox counts, the conflict list with resolve actions, a
// sync-now command, and a Server-Sent Events stream of bus messages.
// All other paths reverse-proxy to the upstream through the intercepting
// transport, which is what gives proxied traffic the queue-and-cache
// offline behavior.
package api
