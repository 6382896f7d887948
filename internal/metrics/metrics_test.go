package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestNilRecorderMethodsAreNoOps(t *testing.T) {
	var r *Recorder
	// None of these must panic on a nil receiver.
	r.AcceptedConnection()
	r.BarrierDrop()
	r.TunnelConnect(true)
	r.TunnelConnect(false)
	r.RelayStarted()
	r.RelayFinished()
	r.BytesRelayed("client_to_overlay", 128)
	r.SetCacheOccupancy(3)
}

func TestCountersExposedOverHandler(t *testing.T) {
	r := New()
	r.AcceptedConnection()
	r.AcceptedConnection()
	r.BarrierDrop()
	r.TunnelConnect(true)
	r.TunnelConnect(false)
	r.BytesRelayed("client_to_overlay", 100)
	r.SetCacheOccupancy(5)

	handler := promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw := httptest.NewRecorder()
	handler.ServeHTTP(rw, req)

	body, err := io.ReadAll(rw.Result().Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	out := string(body)

	for _, want := range []string{
		"veilproxy_accepts_total 2",
		"veilproxy_barrier_drops_total 1",
		"veilproxy_tunnel_connects_total 1",
		"veilproxy_tunnel_connect_failures_total 1",
		`veilproxy_bytes_relayed_total{direction="client_to_overlay"} 100`,
		"veilproxy_tunnel_cache_entries 5",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q\n---\n%s", want, out)
		}
	}
}

func TestServerServeStopsOnContextCancel(t *testing.T) {
	r := New()
	s := NewServer("127.0.0.1:0", r)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil on clean shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after context cancellation")
	}
}
