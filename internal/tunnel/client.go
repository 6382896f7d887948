package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// Client is the bootstrapped TunnelClient of spec.md §3: one overlay
// handle shared read-only across handler goroutines, plus a bounded TTL
// cache of per-destination isolated sub-clients. Its cache has its own
// synchronization, so Client itself needs none.
type Client struct {
	overlay OverlayClient
	cache   *cache
	debug   bool
	logger  *slog.Logger
}

// Bootstrap builds a Client: it asks b to bootstrap the overlay transport
// (pre-warming at least circuits circuits before preemption is disabled,
// per spec.md §4.2), then wires up the bounded sub-client cache. It may
// block for tens of seconds on first run, mirroring a real overlay's
// bootstrap cost.
func Bootstrap(ctx context.Context, b Bootstrapper, circuits int, maxEntries uint64, ttl time.Duration, logger *slog.Logger, debug bool) (*Client, error) {
	overlay, err := b.Bootstrap(ctx, circuits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBootstrap, err)
	}

	return &Client{
		overlay: overlay,
		cache:   newCache(int(maxEntries), ttl),
		debug:   debug,
		logger:  logger,
	}, nil
}

// Connect opens an anonymized Stream to host:443, per spec.md §4.2's
// five-step algorithm: validate, derive key, single-flight get-or-create
// the sub-client, connect, and fail-evict on error.
func (c *Client) Connect(ctx context.Context, host string) (Stream, error) {
	if !validateHost(host) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, host)
	}
	addr := net.JoinHostPort(host, "443")

	key := DestinationKey(host)

	sub, err := c.cache.getOrCreate(key, func() (IsolatedClient, error) {
		return c.overlay.NewIsolatedClient(key)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	stream, err := sub.Connect(ctx, addr)
	if err != nil {
		c.cache.invalidate(key)
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	if c.debug && c.logger != nil {
		path, pathErr := sub.CircuitPath()
		if pathErr != nil {
			c.logger.Debug("circuit introspection unavailable",
				"destination_key", key,
				"error", fmt.Errorf("%w: %v", ErrStreamIntrospect, pathErr))
		} else {
			c.logger.Debug("opened overlay stream",
				"destination_key", key,
				"circuit", redactCircuitPath(path))
		}
	}

	return stream, nil
}

// CacheSize reports the current sub-client cache occupancy, used by the
// periodic sweep (internal/sweep) to log cache pressure.
func (c *Client) CacheSize() int {
	return c.cache.len()
}

// Close stops the cache's background expirer. It does not close any
// in-flight streams: per spec.md §4.3, relays run to natural completion.
func (c *Client) Close() {
	c.cache.stop()
}

// redactCircuitPath never prints a raw relay identity: each hop is
// reduced to its length-stable fingerprint, which is enough to tell
// circuits apart in a debug log without leaking which relays were used.
func redactCircuitPath(hops []string) []string {
	redacted := make([]string, len(hops))
	for i, hop := range hops {
		redacted[i] = fingerprint(hop)
	}
	return redacted
}

func fingerprint(s string) string {
	if len(s) <= 4 {
		return "••••"
	}
	return s[:2] + "••••" + s[len(s)-2:]
}
