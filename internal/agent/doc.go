// ABOUTME: Package documentation for the top-level agent
// ABOUTME: Describes component ownership and lifecycle

// Package agent assembles the offline layer: durable store, message bus,
// intercepting transport, outbox flusher, sync trigger, credential
// coordinator, and the local HTTP surface. It owns their lifecycles;
// everything starts in Run and stops when the context is cancelled.
package agent
