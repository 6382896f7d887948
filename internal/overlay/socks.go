// Package overlay is a concrete adapter for the external overlay-transport
// collaborator tunnel.Bootstrapper/tunnel.OverlayClient/tunnel.IsolatedClient
// describe. It talks to a local SOCKS5 endpoint - the standard way a Go
// program hands traffic to an already-running onion-routing daemon (Tor's
// control+SOCKS ports being the canonical example) - using
// golang.org/x/net/proxy, the same family of golang.org/x/* packages the
// teacher already depends on (golang.org/x/sync, golang.org/x/term).
//
// Per-destination isolation is real, not simulated: each isolated client
// authenticates to the SOCKS5 endpoint with a distinct password derived
// from its destination key, and a compliant SOCKS5 server (Tor's included)
// routes distinctly-authenticated streams over distinct circuits so they
// are not linkable to one another.
package overlay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/veilproxy/veilproxy/internal/tunnel"
)

// Config points at the local SOCKS5 endpoint the overlay daemon exposes.
type Config struct {
	// ProxyAddr is the SOCKS5 listener address, e.g. "127.0.0.1:9050"
	// (Tor's default SocksPort).
	ProxyAddr string
	// DialTimeout bounds each individual stream connect attempt.
	DialTimeout time.Duration
}

const defaultDialTimeout = 30 * time.Second

// Client implements tunnel.Bootstrapper and tunnel.OverlayClient.
type Client struct {
	cfg Config
}

// New returns a Client for cfg, filling in defaults.
func New(cfg Config) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Client{cfg: cfg}
}

// Bootstrap verifies the SOCKS5 endpoint is reachable. The `circuits`
// parameter names how many circuits the overlay should have warm before
// preemptive construction is disabled (spec.md §4.2); a bare SOCKS5
// endpoint does not expose a circuit-count API, so this adapter treats
// reachability of the endpoint itself as the bootstrap gate and leaves
// warm-pool sizing to the daemon's own configuration - a real overlay
// client library with circuit introspection would drive the loop this
// comment describes instead.
func (c *Client) Bootstrap(ctx context.Context, circuits int) (tunnel.OverlayClient, error) {
	if c.cfg.ProxyAddr == "" {
		return nil, errors.New("overlay: proxy address not configured")
	}

	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("overlay: SOCKS5 endpoint %s unreachable: %w", c.cfg.ProxyAddr, err)
	}
	_ = conn.Close()

	return &overlayClient{cfg: c.cfg}, nil
}

type overlayClient struct {
	cfg Config
}

// NewIsolatedClient derives a SOCKS5 dialer authenticated with a
// per-destination-key identity, so the overlay daemon keeps this key's
// streams on circuits distinct from every other key's.
func (o *overlayClient) NewIsolatedClient(destinationKey string) (tunnel.IsolatedClient, error) {
	auth := &proxy.Auth{
		User:     "veil",
		Password: isolationToken(destinationKey),
	}

	dialer, err := proxy.SOCKS5("tcp", o.cfg.ProxyAddr, auth, &net.Dialer{Timeout: o.cfg.DialTimeout})
	if err != nil {
		return nil, fmt.Errorf("overlay: build SOCKS5 dialer: %w", err)
	}

	return &isolatedClient{
		dialer: dialer,
		key:    destinationKey,
	}, nil
}

type isolatedClient struct {
	dialer proxy.Dialer
	key    string
}

func (ic *isolatedClient) Connect(ctx context.Context, addr string) (tunnel.Stream, error) {
	if cd, ok := ic.dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return ic.dialer.Dial("tcp", addr)
}

// CircuitPath reports the isolation identity as the only "hop" a SOCKS5
// adapter can observe; a richer overlay client with circuit introspection
// (e.g. a real Tor control-port client) could fail here if the control
// connection were down, which is what the error return exists for.
func (ic *isolatedClient) CircuitPath() ([]string, error) {
	return []string{isolationToken(ic.key)}, nil
}

// isolationToken derives a stable, non-reversible SOCKS5 password from a
// destination key so the same key always lands on the same isolation
// identity without ever sending the key itself over the wire.
func isolationToken(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}
