// Package proxy implements the spec's data plane: a loopback-only TCP
// listener that terminates HTTP/1.1 for a single CONNECT request, opens
// an overlay stream via TunnelClient, and relays bytes bidirectionally.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/veilproxy/veilproxy/internal/barrier"
	"github.com/veilproxy/veilproxy/internal/config"
	"github.com/veilproxy/veilproxy/internal/metrics"
	"github.com/veilproxy/veilproxy/internal/tunnel"
)

// Proxy owns the Barrier, the TunnelClient, the configured buffer sizes,
// and the loopback port, per spec.md §3. It is built once and Run
// consumes it until shutdown or a fatal listener error.
type Proxy struct {
	port    uint16
	barrier *barrier.Barrier
	client  *tunnel.Client
	buffers config.BufferConfig
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New validates port and wires the given Barrier/TunnelClient/BufferConfig
// into a Proxy. rec may be nil (metrics disabled); every Recorder method
// tolerates a nil receiver.
func New(port uint16, b *barrier.Barrier, client *tunnel.Client, buffers config.BufferConfig, logger *slog.Logger, rec *metrics.Recorder) (*Proxy, error) {
	if port == 0 {
		return nil, ErrInvalidPort
	}
	if b == nil {
		return nil, errors.New("proxy: barrier must not be nil")
	}
	if client == nil {
		return nil, errors.New("proxy: tunnel client must not be nil")
	}

	return &Proxy{
		port:    port,
		barrier: b,
		client:  client,
		buffers: buffers,
		logger:  logger,
		metrics: rec,
	}, nil
}

// Run binds 127.0.0.1:<port> - loopback only, per spec.md §4.3 - and
// accepts connections until ctx is cancelled or the listener errors.
// Handler goroutines are spawned per connection and are not waited on:
// Run returning does not imply any in-flight relay has finished, matching
// spec.md §4.3's "in-flight relay tasks are not cancelled" shutdown policy.
func (p *Proxy) Run(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", p.port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: bind %s: %w", addr, err)
	}

	p.logger.Info("listening", "addr", addr)

	eg, egCtx := errgroup.WithContext(ctx)

	// The shutdown side of the listener's race(accept, shutdown): closing
	// the listener is what unblocks a pending Accept() with an error once
	// ctx is cancelled, since net.Listener has no native context support.
	eg.Go(func() error {
		<-egCtx.Done()
		return listener.Close()
	})

	eg.Go(func() error {
		return p.acceptLoop(ctx, listener)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (p *Proxy) acceptLoop(ctx context.Context, listener net.Listener) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("listener accept failed, stopping", "error", err)
			return fmt.Errorf("proxy: accept: %w", err)
		}

		p.metrics.AcceptedConnection()

		if wait, ok := p.barrier.Probe(); !ok {
			p.logger.Warn("admission barrier jammed, dropping connection",
				"remote", conn.RemoteAddr(), "wait", wait)
			p.metrics.BarrierDrop()
			_ = conn.Close()
			continue
		}

		go serveConnection(ctx, conn, p.client, p.buffers, p.logger, p.metrics)
	}
}
