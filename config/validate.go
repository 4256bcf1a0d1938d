package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("RPCAddress must be set")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir must be set")
	}
	switch strings.ToLower(strings.TrimSpace(c.StorageBackend)) {
	case "", BackendLevelDB, BackendBolt:
	default:
		return fmt.Errorf("StorageBackend must be %q or %q", BackendLevelDB, BackendBolt)
	}
	if _, err := c.FeePolicy(); err != nil {
		return fmt.Errorf("escrow: %w", err)
	}
	if c.Escrow.MaxDescriptionLength < 0 {
		return fmt.Errorf("escrow: MaxDescriptionLength must not be negative")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst == 0 {
		return fmt.Errorf("rate_limit: Burst must be positive when RequestsPerSecond is set")
	}
	if c.Auth.MaxTTLSeconds < 0 {
		return fmt.Errorf("auth: MaxTTLSeconds must not be negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: SampleRatio must be within [0,1]")
	}
	if c.Telemetry.MetricIntervalSeconds < 0 {
		return fmt.Errorf("telemetry: MetricIntervalSeconds must not be negative")
	}
	if c.Stream.Buffer < 0 {
		return fmt.Errorf("stream: Buffer must not be negative")
	}
	for _, v := range []int{c.RPCReadHeaderTimeout, c.RPCReadTimeout, c.RPCWriteTimeout, c.RPCIdleTimeout} {
		if v < 0 {
			return fmt.Errorf("rpc timeouts must not be negative")
		}
	}
	return nil
}
