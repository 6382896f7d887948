package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	DefaultPort        = 8080
	DefaultReplenish   = 4 * time.Second
	DefaultMaxBurst    = 100
	DefaultCircuits    = 12
	DefaultMaxEntries  = 100
	DefaultTTL         = time.Hour
	DefaultIncomingBuf = 512
	DefaultOutgoingBuf = 512

	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	// DefaultOverlayAddr is Tor's default SocksPort; operators pointing at
	// a different overlay daemon override it with --overlay-addr.
	DefaultOverlayAddr   = "127.0.0.1:9050"
	DefaultOverlayDial   = 30 * time.Second
	DefaultSweepSchedule = "" // disabled by default

	envPrefix = "VEIL_"
)

// DefaultConfig returns the configuration spec.md §6 lists as each flag's
// default.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      DefaultPort,
			Replenish: DefaultReplenish,
			MaxBurst:  DefaultMaxBurst,
		},
		Tunnel: TunnelConfig{
			Circuits:   DefaultCircuits,
			MaxEntries: DefaultMaxEntries,
			TTL:        DefaultTTL,
		},
		Buffers: BufferConfig{
			IncomingBuf: DefaultIncomingBuf,
			OutgoingBuf: DefaultOutgoingBuf,
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Overlay: OverlayConfig{
			ProxyAddr:   DefaultOverlayAddr,
			DialTimeout: DefaultOverlayDial,
		},
		Sweep: SweepConfig{
			Schedule: DefaultSweepSchedule,
		},
	}
}

// Load parses CLI flags (primary, per spec.md §6), applies VEIL_*
// environment overrides using the same prefixing idiom the teacher's
// viper.SetEnvPrefix/AutomaticEnv setup uses, then validates. Environment
// wins over flags when both are set.
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	fs := flag.NewFlagSet("veilproxy", flag.ContinueOnError)

	var (
		port        = fs.Uint("port", uint(cfg.Server.Port), "loopback TCP port")
		replenish   = fs.Int("replenish", int(cfg.Server.Replenish/time.Second), "GCRA cell replenish interval, seconds")
		maxBurst    = fs.Uint("max-burst", uint(cfg.Server.MaxBurst), "GCRA burst capacity")
		circuits    = fs.Int("circuits", cfg.Tunnel.Circuits, "min preemptive circuits before disabling preemption")
		maxEntries  = fs.Uint64("max-entries", cfg.Tunnel.MaxEntries, "sub-client cache capacity")
		ttl         = fs.Int("ttl", int(cfg.Tunnel.TTL/time.Second), "sub-client cache per-entry TTL, seconds")
		incomingBuf = fs.Int("incoming-buf", cfg.Buffers.IncomingBuf, "proxy->overlay copy buffer, bytes")
		outgoingBuf = fs.Int("outgoing-buf", cfg.Buffers.OutgoingBuf, "overlay->proxy copy buffer, bytes")
		debug       = fs.Bool("debug", false, "enable debug tracing")
		logLevel    = fs.String("log-level", cfg.Logging.Level, "debug|info|warn|error")
		logFormat   = fs.String("log-format", cfg.Logging.Format, "text|json")
		logDir      = fs.String("log-dir", "", "directory for rotating log file output (disabled if empty)")
		metricsAddr = fs.String("metrics-addr", "", "loopback host:port to serve Prometheus metrics on (disabled if empty)")
		overlayAddr = fs.String("overlay-addr", cfg.Overlay.ProxyAddr, "SOCKS5 address of the running overlay daemon")
		sweepCron   = fs.String("sweep-schedule", cfg.Sweep.Schedule, "cron expression for periodic cache-occupancy logging (disabled if empty)")
	)
	fs.UintVar(port, "p", *port, "loopback TCP port (shorthand)")
	fs.IntVar(replenish, "r", *replenish, "GCRA cell replenish interval, seconds (shorthand)")
	fs.IntVar(circuits, "c", *circuits, "min preemptive circuits (shorthand)")
	fs.IntVar(ttl, "t", *ttl, "sub-client cache TTL, seconds (shorthand)")
	fs.IntVar(incomingBuf, "i", *incomingBuf, "proxy->overlay copy buffer (shorthand)")
	fs.IntVar(outgoingBuf, "o", *outgoingBuf, "overlay->proxy copy buffer (shorthand)")
	fs.BoolVar(debug, "d", *debug, "enable debug tracing (shorthand)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.Server.Port = uint16(*port)
	cfg.Server.Replenish = time.Duration(*replenish) * time.Second
	cfg.Server.MaxBurst = uint32(*maxBurst)
	cfg.Tunnel.Circuits = *circuits
	cfg.Tunnel.MaxEntries = *maxEntries
	cfg.Tunnel.TTL = time.Duration(*ttl) * time.Second
	cfg.Buffers.IncomingBuf = *incomingBuf
	cfg.Buffers.OutgoingBuf = *outgoingBuf
	cfg.Logging.Debug = *debug
	cfg.Logging.Level = *logLevel
	cfg.Logging.Format = *logFormat
	cfg.Logging.Dir = *logDir
	cfg.Logging.FileOutput = *logDir != ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30
	cfg.Metrics.Addr = *metricsAddr
	cfg.Overlay.ProxyAddr = *overlayAddr
	cfg.Sweep.Schedule = *sweepCron

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides mirrors the teacher's strings.NewReplacer-based
// VEIL_<FIELD> prefixing, applied after flags so environment can still win
// in a supervised deployment that doesn't control the invoking command
// line.
func applyEnvOverrides(cfg *Config) {
	if v, ok := envUint(envPrefix + "PORT"); ok {
		cfg.Server.Port = uint16(v)
	}
	if v, ok := envInt(envPrefix + "REPLENISH"); ok {
		cfg.Server.Replenish = time.Duration(v) * time.Second
	}
	if v, ok := envUint(envPrefix + "MAX_BURST"); ok {
		cfg.Server.MaxBurst = uint32(v)
	}
	if v, ok := envInt(envPrefix + "CIRCUITS"); ok {
		cfg.Tunnel.Circuits = v
	}
	if v, ok := envUint64(envPrefix + "MAX_ENTRIES"); ok {
		cfg.Tunnel.MaxEntries = v
	}
	if v, ok := envInt(envPrefix + "TTL"); ok {
		cfg.Tunnel.TTL = time.Duration(v) * time.Second
	}
	if v, ok := envInt(envPrefix + "INCOMING_BUF"); ok {
		cfg.Buffers.IncomingBuf = v
	}
	if v, ok := envInt(envPrefix + "OUTGOING_BUF"); ok {
		cfg.Buffers.OutgoingBuf = v
	}
	if v, ok := os.LookupEnv(envPrefix + "DEBUG"); ok {
		cfg.Logging.Debug = v == "1" || v == "true"
	}
	if v, ok := os.LookupEnv(envPrefix + "LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := os.LookupEnv(envPrefix + "LOG_FORMAT"); ok {
		cfg.Logging.Format = v
	}
	if v, ok := os.LookupEnv(envPrefix + "LOG_DIR"); ok {
		cfg.Logging.Dir = v
		cfg.Logging.FileOutput = v != ""
	}
	if v, ok := os.LookupEnv(envPrefix + "METRICS_ADDR"); ok {
		cfg.Metrics.Addr = v
	}
	if v, ok := os.LookupEnv(envPrefix + "OVERLAY_ADDR"); ok {
		cfg.Overlay.ProxyAddr = v
	}
	if v, ok := os.LookupEnv(envPrefix + "SWEEP_SCHEDULE"); ok {
		cfg.Sweep.Schedule = v
	}
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envUint(key string) (uint64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envUint64(key string) (uint64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks the invariants spec.md §4.1's "Construction errors" and
// the buffer maxima require before any component is built from this
// config.
func (c *Config) Validate() error {
	if c.Server.Replenish <= 0 {
		return fmt.Errorf("replenish must be > 0")
	}
	if c.Server.MaxBurst == 0 {
		return fmt.Errorf("max-burst must be >= 1")
	}
	if c.Buffers.IncomingBuf <= 0 || c.Buffers.IncomingBuf > MaxBufferSize {
		return fmt.Errorf("incoming-buf must be between 1 and %d bytes", MaxBufferSize)
	}
	if c.Buffers.OutgoingBuf <= 0 || c.Buffers.OutgoingBuf > MaxBufferSize {
		return fmt.Errorf("outgoing-buf must be between 1 and %d bytes", MaxBufferSize)
	}
	if c.Tunnel.TTL <= 0 {
		return fmt.Errorf("ttl must be > 0")
	}
	if c.Tunnel.MaxEntries == 0 {
		return fmt.Errorf("max-entries must be >= 1")
	}
	if c.Overlay.ProxyAddr == "" {
		return fmt.Errorf("overlay-addr must not be empty")
	}
	return nil
}
