package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowledger/config"
	"escrowledger/crypto"
)

func TestResolveGenesisPathPrecedence(t *testing.T) {
	require.Equal(t, "cli", resolveGenesisPath("  cli ", "cfg"))
	require.Equal(t, "cfg", resolveGenesisPath("", " cfg "))
	require.Equal(t, "", resolveGenesisPath(" ", ""))
}

func TestLoadGenesis(t *testing.T) {
	spec, err := loadGenesis("", false)
	require.NoError(t, err)
	require.Nil(t, spec)

	spec, err = loadGenesis("", true)
	require.NoError(t, err)
	balances := spec.Balances()
	require.Len(t, balances, len(devPrincipals))
	require.Contains(t, balances, crypto.DeriveAddress("dev/alice"))

	path := filepath.Join(t.TempDir(), "genesis.yaml")
	alice := crypto.FromRaw(crypto.DeriveAddress("dev/alice")).String()
	require.NoError(t, os.WriteFile(path, []byte("genesisTime: \"2024-05-01T00:00:00Z\"\nalloc:\n  "+alice+": \"42\"\n"), 0o644))
	spec, err = loadGenesis(path, true)
	require.NoError(t, err)
	require.Equal(t, uint64(42), spec.Balances()[crypto.DeriveAddress("dev/alice")])
}

func TestRunStartsAndStops(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.RPCAddress = "127.0.0.1:0"
	cfg.Auth.HMACSecret = "secret"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, "", true, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	require.FileExists(t, cfg.AuditLogPath())
}

func TestOpenDatabaseSelectsBackend(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.StorageBackend = config.BackendBolt
	db, err := openDatabase(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	db.Close()
	require.FileExists(t, filepath.Join(cfg.DataDir, "ledger.db"))

	cfg.DataDir = t.TempDir()
	cfg.StorageBackend = config.BackendLevelDB
	db, err = openDatabase(cfg)
	require.NoError(t, err)
	db.Close()
}

func TestExportAudit(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	out := filepath.Join(dir, "events.parquet")

	require.NoError(t, exportAudit(context.Background(), cfg, out, logger))
	info, err := os.Stat(out)
	require.NoError(t, err)
	require.Positive(t, info.Size())

	cfg.AuditLog.Disabled = true
	require.ErrorContains(t, exportAudit(context.Background(), cfg, out, logger), "disabled")
}
