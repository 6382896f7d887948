package config

import "time"

// Config is the fully resolved configuration for one run of the proxy:
// flag defaults, overridden by CLI flags, overridden by VEIL_* environment
// variables, in that precedence order (see Load).
type Config struct {
	Logging LoggingConfig
	Server  ServerConfig
	Tunnel  TunnelConfig
	Buffers BufferConfig
	Metrics MetricsConfig
	Overlay OverlayConfig
	Sweep   SweepConfig
}

// ServerConfig controls the loopback listener and admission barrier.
type ServerConfig struct {
	Port      uint16
	Replenish time.Duration
	MaxBurst  uint32
}

// TunnelConfig controls overlay bootstrap and the per-destination
// sub-client cache.
type TunnelConfig struct {
	Circuits   int
	MaxEntries uint64
	TTL        time.Duration
}

// BufferConfig sizes the two directions of the relay copy.
type BufferConfig struct {
	IncomingBuf int
	OutgoingBuf int
}

// LoggingConfig controls the structured logging sink.
type LoggingConfig struct {
	Level      string
	Format     string
	Dir        string
	FileOutput bool
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Debug      bool
}

// MetricsConfig controls the optional Prometheus exposition listener.
type MetricsConfig struct {
	Addr string // empty disables the listener
}

// OverlayConfig points the internal/overlay SOCKS5 adapter at the
// already-running overlay daemon (e.g. Tor's SocksPort).
type OverlayConfig struct {
	ProxyAddr   string
	DialTimeout time.Duration
}

// SweepConfig controls the optional periodic cache-occupancy log line.
type SweepConfig struct {
	Schedule string // standard 5-field cron expression; empty disables sweeping
}

// MaxBufferSize bounds the configurable copy buffers so a misconfigured
// operator can't pin unbounded memory per connection.
const MaxBufferSize = 1 << 20 // 1 MiB
