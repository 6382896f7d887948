package tunnel

import "errors"

// Error kinds per spec.md §4.2/§7.
var (
	ErrInvalidAddress   = errors.New("tunnel: invalid address")
	ErrBootstrap        = errors.New("tunnel: overlay bootstrap failed")
	ErrConnectFailed    = errors.New("tunnel: upstream connect failed")
	ErrStreamIntrospect = errors.New("tunnel: circuit introspection unavailable")
)
