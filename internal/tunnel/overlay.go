// Package tunnel maintains a bootstrapped handle to the overlay transport
// and vends per-destination isolated sub-clients from a bounded TTL cache.
//
// The overlay transport itself - the thing that actually builds circuits
// and carries bytes anonymized through relays - is an external
// collaborator this package only ever talks to through the interfaces
// below, the same way the teacher's internal/adapter/unifier package talks
// to discovery through the DiscoveryClient interface rather than importing
// a concrete backend. internal/overlay supplies one concrete adapter.
package tunnel

import (
	"context"
	"io"
	"net"
	"regexp"
	"strings"
)

// Stream is an opaque, bidirectional byte pipe to the destination,
// carried over a circuit through the overlay.
type Stream = io.ReadWriteCloser

// IsolatedClient is a derived handle that shares the overlay's bootstrap
// state but keeps its own stream-isolation identity, so its streams are
// not linkable to another sub-client's by the relays it shares a
// bootstrap with.
type IsolatedClient interface {
	// Connect opens a Stream to addr ("host:port"). Connect failures
	// invalidate the sub-client in the caller's cache - see Client.Connect.
	Connect(ctx context.Context, addr string) (Stream, error)
	// CircuitPath reports hop identifiers for debug tracing. Callers must
	// redact it before logging (see redactCircuitPath); it is never safe
	// to print raw. An adapter whose underlying transport can't produce a
	// circuit/control handle (ctrl unavailable) returns ErrStreamIntrospect;
	// per spec.md §4.2 this is downgraded to a debug log, never surfaced to
	// the caller of Connect.
	CircuitPath() ([]string, error)
}

// OverlayClient is the single bootstrapped overlay-network handle,
// created once at startup, from which isolated sub-clients are derived.
type OverlayClient interface {
	NewIsolatedClient(destinationKey string) (IsolatedClient, error)
}

// Bootstrapper performs the overlay transport's initial, possibly
// slow (tens of seconds) bootstrap, warming circuits pre-emptively up to
// circuits before returning a ready OverlayClient.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, circuits int) (OverlayClient, error)
}

var hostLabel = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// validateHost applies a light syntactic check - no DNS lookups, no
// network I/O - to reject hosts that can't possibly be valid before they
// reach the overlay. IP literals (v4 or v6) are always accepted.
func validateHost(host string) bool {
	if host == "" || len(host) > 255 || strings.ContainsAny(host, " \t\r\n/\\") {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	for _, label := range strings.Split(host, ".") {
		if !hostLabel.MatchString(label) {
			return false
		}
	}
	return true
}

// DestinationKey derives the cache key used to coalesce sub-clients per
// registrable domain, per spec.md §3: an IP literal is its own key;
// otherwise the key is the trailing two DNS labels of the hostname.
func DestinationKey(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}

	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}
