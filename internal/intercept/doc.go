// Package intercept applies the offline resilience policy to every outgoing
// request, regardless of which foreground view issued it.
//
// # Policies
//
// Each request is classified into one of four buckets:
//
//   - Navigation (GET, Accept: text/html): network-first, then the cached
//     shell for that path, then a static offline page.
//   - Asset (static file paths): cache-first, populated on miss, offline
//     page on total failure.
//   - Read API (GET/HEAD under /api/): network-first; responses marked
//     Cache-Control: public on non-sensitive paths are cached; on network
//     failure the last cached copy is served, else the error propagates.
//   - Mutate API (POST/PUT/PATCH/DELETE under /api/): forwarded with client
//     build/version headers. A network failure (no response at all) hands
//     the request to the outbox and returns a synthetic 202 with the
//     X-Offline-Queued marker; HTTP error statuses pass through unchanged.
//
// Requests carrying X-Outbox-Managed are replays owned by the outbox's own
// retry loop; their failures propagate so nothing is queued twice.
//
// The 401 path composes the refresh coordinator: a single-flight credential
// refresh followed by at most one replay of the original request.
package intercept
