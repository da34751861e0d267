// Package outbox persists failed mutating requests and replays them with
// capped exponential backoff.
//
// # Lifecycle
//
// A QueueItem is created when the interception layer hands over a mutating
// request that failed for network reasons. Each flush pass replays every
// item whose next_attempt_at has arrived:
//
//   - 2xx response: the item is deleted (ok counter)
//   - network error, 5xx, 408, 429: attempts is incremented and the item is
//     rescheduled at now + min(max, base * 2^(attempts-1)) (fail counter)
//   - any other 4xx: the item is deleted immediately (discarded counter) —
//     a validation error will not succeed on retry
//   - attempts budget exhausted: deleted (discarded counter)
//
// Items not yet eligible are skipped (deferred counter). After each pass a
// bus.Synced message carries all four counters to the foreground, and a
// follow-up wake is requested if items remain, so a single Flush call
// eventually drains the queue.
//
// # Concurrency
//
// Flush coalesces concurrent invocations: a second caller marks a rerun and
// returns, and the running pass loops again when it finishes. At most one
// pass touches the store at a time, which closes the double-send window
// between reading an eligible item and deleting it on success.
package outbox
