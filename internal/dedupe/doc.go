// ABOUTME: Package documentation for the idempotency cache
// ABOUTME: One-line scope note

// Package dedupe tracks recently captured idempotency keys so a client
// retrying its own failed mutation does not get it queued twice.
package dedupe
