package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"escrowledger/crypto"
	"escrowledger/native/escrow"
	"escrowledger/native/fees"
)

// Config is the daemon configuration loaded from TOML.
type Config struct {
	RPCAddress           string `toml:"RPCAddress"`
	DataDir              string `toml:"DataDir"`
	StorageBackend       string `toml:"StorageBackend"`
	GenesisFile          string `toml:"GenesisFile"`
	Environment          string `toml:"Environment"`
	RPCReadHeaderTimeout int    `toml:"RPCReadHeaderTimeout"`
	RPCReadTimeout       int    `toml:"RPCReadTimeout"`
	RPCWriteTimeout      int    `toml:"RPCWriteTimeout"`
	RPCIdleTimeout       int    `toml:"RPCIdleTimeout"`

	Escrow    EscrowConfig    `toml:"escrow"`
	Auth      AuthConfig      `toml:"auth"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	AuditLog  AuditLogConfig  `toml:"audit_log"`
	Stream    StreamConfig    `toml:"stream"`
}

// EscrowConfig holds the ledger policy knobs.
type EscrowConfig struct {
	FeeBps               uint32 `toml:"FeeBps"`
	Treasury             string `toml:"Treasury"`
	StrictArbiter        bool   `toml:"StrictArbiter"`
	MaxDescriptionLength int    `toml:"MaxDescriptionLength"`
}

// AuthConfig configures the HMAC JWT verifier guarding mutating RPCs.
type AuthConfig struct {
	HMACSecret    string `toml:"HMACSecret"`
	HMACSecretEnv string `toml:"HMACSecretEnv"`
	Issuer        string `toml:"Issuer"`
	Audience      string `toml:"Audience"`
	MaxTTLSeconds int    `toml:"MaxTTLSeconds"`
}

// RateLimitConfig bounds per-client request rates.
type RateLimitConfig struct {
	RequestsPerSecond float64 `toml:"RequestsPerSecond"`
	Burst             int     `toml:"Burst"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// TelemetryConfig mirrors the OpenTelemetry exporter options.
type TelemetryConfig struct {
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Headers     string  `toml:"Headers"`
	Metrics     bool    `toml:"Metrics"`
	Traces      bool    `toml:"Traces"`
	SampleRatio float64 `toml:"SampleRatio"`
	// MetricIntervalSeconds is the OTLP metric export period. Zero means 15s.
	MetricIntervalSeconds int `toml:"MetricIntervalSeconds"`
}

// AuditLogConfig locates the sqlite event log.
type AuditLogConfig struct {
	Disabled bool   `toml:"Disabled"`
	Path     string `toml:"Path"`
}

// Supported StorageBackend values.
const (
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// StreamConfig controls the websocket event stream served at /ws.
type StreamConfig struct {
	Disabled       bool     `toml:"Disabled"`
	Buffer         int      `toml:"Buffer"`
	AllowedOrigins []string `toml:"AllowedOrigins"`
}

// Default returns the configuration written when no file exists.
func Default() *Config {
	return &Config{
		RPCAddress:           "127.0.0.1:8545",
		DataDir:              "./escrow-data",
		StorageBackend:       BackendLevelDB,
		Environment:          "local",
		RPCReadHeaderTimeout: 5,
		RPCReadTimeout:       15,
		RPCWriteTimeout:      15,
		RPCIdleTimeout:       60,
		Escrow: EscrowConfig{
			FeeBps:               fees.DefaultPlatformFeeBps,
			Treasury:             crypto.FromRaw(crypto.DeriveAddress("escrow/treasury")).String(),
			MaxDescriptionLength: escrow.DefaultMaxDescriptionLength,
		},
		Auth: AuthConfig{
			HMACSecretEnv: "ESCROW_JWT_SECRET",
			Issuer:        "escrowledger",
			Audience:      "escrowd",
			MaxTTLSeconds: 3600,
		},
		RateLimit: RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
		Logging:   LoggingConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
		Telemetry: TelemetryConfig{Endpoint: "localhost:4318", Insecure: true, SampleRatio: 1},
		Stream:    StreamConfig{Buffer: 64},
	}
}

// Load loads the configuration from the given path, writing the defaults when
// the file does not exist yet. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := persist(path, cfg); err != nil {
			return nil, err
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv overlays ESCROW_* environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("ESCROW_RPC_ADDRESS", &c.RPCAddress)
	str("ESCROW_DATA_DIR", &c.DataDir)
	str("ESCROW_STORAGE_BACKEND", &c.StorageBackend)
	str("ESCROW_GENESIS_FILE", &c.GenesisFile)
	str("ESCROW_ENV", &c.Environment)
	str("ESCROW_LOG_LEVEL", &c.Logging.Level)
	str("ESCROW_TREASURY", &c.Escrow.Treasury)
	if v, ok := lookup("ESCROW_FEE_BPS"); ok && strings.TrimSpace(v) != "" {
		bps, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return fmt.Errorf("ESCROW_FEE_BPS: %w", err)
		}
		c.Escrow.FeeBps = uint32(bps)
	}
	if v, ok := lookup("ESCROW_STRICT_ARBITER"); ok && strings.TrimSpace(v) != "" {
		strict, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("ESCROW_STRICT_ARBITER: %w", err)
		}
		c.Escrow.StrictArbiter = strict
	}
	if env := strings.TrimSpace(c.Auth.HMACSecretEnv); env != "" {
		str(env, &c.Auth.HMACSecret)
	}
	return nil
}

// FeePolicy converts the escrow section to a fee policy.
func (c *Config) FeePolicy() (fees.Policy, error) {
	policy := fees.Policy{FeeBps: c.Escrow.FeeBps}
	if strings.TrimSpace(c.Escrow.Treasury) != "" {
		treasury, err := crypto.ParsePrincipal(c.Escrow.Treasury)
		if err != nil {
			return fees.Policy{}, fmt.Errorf("escrow.Treasury: %w", err)
		}
		policy.Treasury = treasury
	}
	if err := policy.Validate(); err != nil {
		return fees.Policy{}, err
	}
	return policy, nil
}

// Timeouts returns the HTTP server timeouts.
func (c *Config) Timeouts() (readHeader, read, write, idle time.Duration) {
	sec := func(v int) time.Duration { return time.Duration(v) * time.Second }
	return sec(c.RPCReadHeaderTimeout), sec(c.RPCReadTimeout), sec(c.RPCWriteTimeout), sec(c.RPCIdleTimeout)
}

// AuditLogPath returns the sqlite file path, defaulting into DataDir.
func (c *Config) AuditLogPath() string {
	if p := strings.TrimSpace(c.AuditLog.Path); p != "" {
		return p
	}
	return filepath.Join(c.DataDir, "audit.db")
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
