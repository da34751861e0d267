// Package refresh deduplicates concurrent credential refresh attempts.
//
// When many requests observe an unauthorized response at once, exactly one
// refresh call reaches the credential authority; every other observer parks
// on the shared in-flight call and settles with the same token or error.
// The interception layer composes this with a once-per-request replay
// marker, so a rejected refreshed credential cannot loop.
package refresh
