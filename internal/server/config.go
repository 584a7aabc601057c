package server

import "time"

// Config defines the runtime configuration of the explorer API server.
type Config struct {
	// ServeMetrics mounts /metrics on the API mux. Disabled when metrics
	// have their own listener.
	ServeMetrics bool
	// KeepAlive is the idle interval after which state streams send an SSE
	// comment.
	KeepAlive time.Duration
}

// DefaultConfig returns the config used when no flags override it.
func DefaultConfig() Config {
	return Config{
		ServeMetrics: true,
		KeepAlive:    30 * time.Second,
	}
}
