package proxy

import "errors"

// Per-request error kinds. Each maps to exactly one HTTP response in
// writeErrorResponse; none of them ever propagate past serveConnection.
var (
	ErrUnsupportedMethod = errors.New("proxy: unsupported method")
	ErrInvalidAddress    = errors.New("proxy: invalid address")
	ErrUnsupportedPort   = errors.New("proxy: unsupported port")
)

// Build-time error kinds, surfaced to main and fatal there.
var (
	ErrInvalidPort = errors.New("proxy: port must be nonzero")
)
