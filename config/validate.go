package config

import (
	"fmt"
	"strings"
)

// ValidateConfig rejects values the daemon cannot run with. Fallbacks have
// already been applied by Load, so zero values here mean a bad explicit
// setting.
func ValidateConfig(c *Config) error {
	if strings.TrimSpace(c.SocketPath) == "" {
		return fmt.Errorf("socket: SocketPath must be set")
	}
	switch c.SocketNetwork {
	case "unix", "tcp":
	default:
		return fmt.Errorf("socket: SocketNetwork %q not supported, use unix or tcp", c.SocketNetwork)
	}
	if strings.TrimSpace(c.BridgeAddress) == "" {
		return fmt.Errorf("bridge: BridgeAddress must be set")
	}
	if c.ConnectTimeoutMillis <= 0 || c.RequestTimeoutMillis <= 0 || c.WriteTimeoutMillis <= 0 {
		return fmt.Errorf("timeouts: millisecond values must be positive")
	}
	if c.ReconnectTimeoutMillis < c.ConnectTimeoutMillis {
		return fmt.Errorf("timeouts: ReconnectTimeoutMillis < ConnectTimeoutMillis")
	}
	if c.MaxFrameBytes <= 0 {
		return fmt.Errorf("framing: MaxFrameBytes <= 0")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("bridge: MaxSessions <= 0")
	}
	if c.RateLimitPerSecond < 0 {
		return fmt.Errorf("ratelimit: RateLimitPerSecond < 0")
	}
	if c.RateLimitPerSecond > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("ratelimit: RateLimitBurst <= 0")
	}
	return nil
}
