// Package metrics exposes the proxy's operational counters on an optional,
// separate loopback listener. It never touches the data plane directly:
// the Proxy and TunnelClient call the recorder methods below from the
// handler/relay goroutines that already own the event, the same way the
// pack's pkg/telemetry/metrics.Collector is called from request-handling
// code rather than owning any of it itself.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder records the counters/gauges spec.md §8's "metrics counters
// monotonically increase" property talks about. A nil *Recorder is valid
// and every method is a no-op, so callers never need a conditional when
// metrics are disabled (--metrics-addr empty).
type Recorder struct {
	registry *prometheus.Registry

	acceptsTotal    prometheus.Counter
	barrierDrops    prometheus.Counter
	tunnelConnects  prometheus.Counter
	tunnelFailures  prometheus.Counter
	activeRelays    prometheus.Gauge
	bytesRelayed    *prometheus.CounterVec
	cacheOccupancy  prometheus.Gauge
}

// New builds a Recorder backed by its own registry (never the global
// default registry: a forward proxy embedded in another process should
// not pollute it), mirroring the pack's Collector(cfg, registry) pattern
// of accepting/constructing a private *prometheus.Registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		acceptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veilproxy",
			Name:      "accepts_total",
			Help:      "Total TCP connections accepted by the listener.",
		}),
		barrierDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veilproxy",
			Name:      "barrier_drops_total",
			Help:      "Total connections dropped because the admission barrier was jammed.",
		}),
		tunnelConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veilproxy",
			Name:      "tunnel_connects_total",
			Help:      "Total successful TunnelClient.Connect calls.",
		}),
		tunnelFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veilproxy",
			Name:      "tunnel_connect_failures_total",
			Help:      "Total failed TunnelClient.Connect calls.",
		}),
		activeRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "veilproxy",
			Name:      "active_relays",
			Help:      "Number of relay goroutines currently copying bytes.",
		}),
		bytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veilproxy",
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed, labeled by direction.",
		}, []string{"direction"}),
		cacheOccupancy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "veilproxy",
			Name:      "tunnel_cache_entries",
			Help:      "Current occupancy of the sub-client cache.",
		}),
	}

	registry.MustRegister(
		r.acceptsTotal,
		r.barrierDrops,
		r.tunnelConnects,
		r.tunnelFailures,
		r.activeRelays,
		r.bytesRelayed,
		r.cacheOccupancy,
	)

	return r
}

func (r *Recorder) AcceptedConnection() {
	if r == nil {
		return
	}
	r.acceptsTotal.Inc()
}

func (r *Recorder) BarrierDrop() {
	if r == nil {
		return
	}
	r.barrierDrops.Inc()
}

func (r *Recorder) TunnelConnect(ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.tunnelConnects.Inc()
		return
	}
	r.tunnelFailures.Inc()
}

func (r *Recorder) RelayStarted() {
	if r == nil {
		return
	}
	r.activeRelays.Inc()
}

func (r *Recorder) RelayFinished() {
	if r == nil {
		return
	}
	r.activeRelays.Dec()
}

func (r *Recorder) BytesRelayed(direction string, n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.bytesRelayed.WithLabelValues(direction).Add(float64(n))
}

func (r *Recorder) SetCacheOccupancy(n int) {
	if r == nil {
		return
	}
	r.cacheOccupancy.Set(float64(n))
}

// Server is the optional loopback HTTP listener serving the recorder's
// registry in Prometheus exposition format, following the pack's
// Collector.Handler()/promhttp.HandlerFor wiring.
type Server struct {
	httpServer *http.Server
}

// NewServer configures a server for addr (expected to be a 127.0.0.1
// host:port) and wires its handler to r's registry. It does not bind or
// start serving until Serve is called.
func NewServer(addr string, r *Recorder) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Serve runs until ctx is done or the listener fails. It always returns
// a non-nil error on exit except when shutdown was clean (http.ErrServerClosed
// is swallowed), matching net/http.Server's own Shutdown contract.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
