// Package conflict detects divergence between local pending changes and the
// authoritative remote state, and applies the user's resolution.
//
// Detection runs during a sync pass: equal versions mean no conflict, a
// strictly newer remote that already contains the local change is resolved
// silently in the remote's favor, and anything else is persisted as a
// pending conflict for the foreground to surface. Resolution re-submits the
// local snapshot, accepts the remote value, or applies an explicit merged
// payload; the pending record is removed only once the resolution sticks.
package conflict
