// ABOUTME: Build and version identifiers stamped on outgoing requests
// ABOUTME: Defines the wire header names used by the interception layer

package version

// Version is the semantic version of the agent. Set by goreleaser at build time.
var Version = "dev"

// Build is the build identifier (commit short hash). Set by goreleaser at build time.
var Build = "unknown"

// Header names added or recognized by the interception layer.
const (
	// HeaderClientBuild carries the client build identifier on outgoing requests.
	HeaderClientBuild = "X-Client-Build"

	// HeaderClientVersion carries the client semantic version on outgoing requests.
	HeaderClientVersion = "X-Client-Version"

	// HeaderOfflineQueued marks a synthetic 202 response for a request that was
	// captured into the outbox instead of reaching the upstream.
	HeaderOfflineQueued = "X-Offline-Queued"

	// HeaderOutboxManaged marks a request whose retries are handled by an
	// external loop; the interception layer must let its failures propagate.
	HeaderOutboxManaged = "X-Outbox-Managed"

	// HeaderAuthRetried marks a request that has already been replayed once
	// after a credential refresh, to stop refresh loops.
	HeaderAuthRetried = "X-Auth-Retried"
)
