package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowledger/crypto"
	"escrowledger/native/fees"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, "127.0.0.1:8545", cfg.RPCAddress)
	require.Equal(t, fees.DefaultPlatformFeeBps, cfg.Escrow.FeeBps)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.Escrow, reloaded.Escrow)
	require.Equal(t, cfg.RateLimit, reloaded.RateLimit)
}

func TestLoadParsesSections(t *testing.T) {
	treasury := crypto.FromRaw([20]byte{0x42}).String()
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `RPCAddress = "0.0.0.0:9000"
DataDir = "/var/lib/escrow"
RPCReadTimeout = 30

[escrow]
FeeBps = 25
Treasury = "` + treasury + `"
StrictArbiter = true

[rate_limit]
RequestsPerSecond = 5.5
Burst = 10

[audit_log]
Path = "/tmp/audit.db"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.RPCAddress)
	require.True(t, cfg.Escrow.StrictArbiter)
	require.Equal(t, 5.5, cfg.RateLimit.RequestsPerSecond)
	require.Equal(t, "/tmp/audit.db", cfg.AuditLogPath())

	policy, err := cfg.FeePolicy()
	require.NoError(t, err)
	require.Equal(t, fees.Policy{FeeBps: 25, Treasury: [20]byte{0x42}}, policy)

	_, read, _, _ := cfg.Timeouts()
	require.Equal(t, 30*time.Second, read)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("MempoolSize = 10\n"), 0o600))
	_, err := Load(path)
	require.ErrorContains(t, err, "MempoolSize")
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	cfg := Default()
	cfg.Escrow.Treasury = ""
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Escrow.FeeBps = fees.BpsDenominator + 1
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Escrow.FeeBps = 0
	cfg.Escrow.Treasury = ""
	require.NoError(t, cfg.Validate())

	cfg = Default()
	cfg.RateLimit.Burst = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.StorageBackend = "rocksdb"
	require.ErrorContains(t, cfg.Validate(), "StorageBackend")

	cfg = Default()
	cfg.Stream.Buffer = -1
	require.ErrorContains(t, cfg.Validate(), "stream")

	cfg = Default()
	cfg.Telemetry.MetricIntervalSeconds = -5
	require.ErrorContains(t, cfg.Validate(), "MetricIntervalSeconds")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"ESCROW_RPC_ADDRESS":    ":7000",
		"ESCROW_FEE_BPS":        "10",
		"ESCROW_STRICT_ARBITER": "true",
		"ESCROW_JWT_SECRET":     "s3cret",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	require.Equal(t, ":7000", cfg.RPCAddress)
	require.Equal(t, uint32(10), cfg.Escrow.FeeBps)
	require.True(t, cfg.Escrow.StrictArbiter)
	require.Equal(t, "s3cret", cfg.Auth.HMACSecret)

	env["ESCROW_FEE_BPS"] = "lots"
	require.Error(t, Default().applyEnv(lookup))
}
