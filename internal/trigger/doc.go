// ABOUTME: Package documentation for the sync trigger
// ABOUTME: Explains the wake sources and how they converge on the flusher

// Package trigger decides when the outbox flush runs.
//
// Four independent sources all converge on the same flush entry point:
// a connectivity probe that fires when the upstream becomes reachable
// again, a periodic cron wake as a safety net, SyncNow commands from the
// foreground, and follow-up wakes requested by the flusher when items
// remain queued after a pass. The flusher coalesces concurrent calls, so
// the trigger never has to serialize its sources itself.
package trigger
