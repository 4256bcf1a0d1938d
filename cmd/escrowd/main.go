package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"escrowledger/config"
	"escrowledger/core"
	"escrowledger/core/events"
	"escrowledger/core/genesis"
	"escrowledger/crypto"
	"escrowledger/observability"
	"escrowledger/observability/logging"
	telemetry "escrowledger/observability/otel"
	"escrowledger/rpc"
	"escrowledger/storage"
	"escrowledger/storage/auditlog"
)

const (
	serviceName     = "escrowd"
	shutdownTimeout = 10 * time.Second
	// devAllocation is credited to each development principal, in micro-units.
	devAllocation = "1000000000000"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var devPrincipals = []string{"dev/alice", "dev/bob", "dev/carol"}

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis allocation file, JSON or YAML (overrides config GenesisFile)")
	devFlag := flag.Bool("dev", false, "DEV ONLY: fund deterministic development principals when no genesis file is given")
	exportFlag := flag.String("export-audit", "", "Write the audit log to this parquet file and exit")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.SetupWithOptions(logging.Options{
		Service:    serviceName,
		Env:        cfg.Environment,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if path := strings.TrimSpace(*exportFlag); path != "" {
		if err := exportAudit(ctx, cfg, path, logger); err != nil {
			logger.Error("audit export failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	if err := run(ctx, cfg, resolveGenesisPath(*genesisFlag, cfg.GenesisFile), *devFlag, logger); err != nil {
		logger.Error("escrowd exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, genesisPath string, dev bool, logger *slog.Logger) error {
	telemetryCfg := telemetry.Config{
		ServiceName: serviceName,
		Version:     version,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,

		MetricInterval: time.Duration(cfg.Telemetry.MetricIntervalSeconds) * time.Second,
	}
	if telemetryCfg.Enabled() {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetryCfg)
		if err != nil {
			return fmt.Errorf("initialise telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownTelemetry(flushCtx)
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	emitter := events.Multi{}
	var audit *auditlog.Store
	if !cfg.AuditLog.Disabled {
		audit, err = auditlog.Open(cfg.AuditLogPath())
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer audit.Close()
		audit.SetLogger(logger)
		if err := audit.Verify(ctx); err != nil {
			return fmt.Errorf("verify audit log: %w", err)
		}
		head := audit.Head()
		logger.Info("audit log opened", "path", cfg.AuditLogPath(), "audit_head", hex.EncodeToString(head[:]))
		emitter = append(emitter, audit)
	}

	var hub *events.Hub
	if !cfg.Stream.Disabled {
		hub = events.NewHub(cfg.Stream.Buffer)
		emitter = append(emitter, hub)
	}

	policy, err := cfg.FeePolicy()
	if err != nil {
		return err
	}
	node, err := core.NewNode(db,
		core.WithEmitter(emitter),
		core.WithFeePolicy(policy),
		core.WithClock(core.NewMonotonicClock(time.Now)),
		core.WithStrictArbiter(cfg.Escrow.StrictArbiter),
		core.WithMaxDescriptionLength(cfg.Escrow.MaxDescriptionLength),
		core.WithLogger(logger),
		core.WithMetrics(observability.Escrow()),
	)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	spec, err := loadGenesis(genesisPath, dev)
	if err != nil {
		return err
	}
	if spec != nil {
		if _, err := node.ApplyGenesis(ctx, spec); err != nil {
			return fmt.Errorf("apply genesis: %w", err)
		}
	}

	server := rpc.NewServer(node, rpc.ServerConfig{
		Auth: rpc.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			MaxTTL:     time.Duration(cfg.Auth.MaxTTLSeconds) * time.Second,
		},
		RateLimit: rpc.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		AuditLog:  audit,
		Events:    hub,
		WSOrigins: cfg.Stream.AllowedOrigins,
		Logger:    logger,
	})
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		logger.Warn("no JWT secret configured; mutating RPC methods will reject every caller")
	}

	readHeader, read, write, idle := cfg.Timeouts()
	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: readHeader,
		ReadTimeout:       read,
		WriteTimeout:      write,
		IdleTimeout:       idle,
	}
	listener, err := net.Listen("tcp", cfg.RPCAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("json-rpc server listening",
			slog.String("addr", listener.Addr().String()),
			slog.String("vault", crypto.FromRaw(node.VaultAddress()).String()),
			slog.String("storage", cfg.StorageBackend),
			logging.MaskField("hmac_secret", cfg.Auth.HMACSecret))
		serveErr <- httpServer.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	logger.Info("escrowd stopped")
	return nil
}

// exportAudit verifies the audit log digest chain and writes every event to
// a parquet file at path.
func exportAudit(ctx context.Context, cfg *config.Config, path string, logger *slog.Logger) error {
	if cfg.AuditLog.Disabled {
		return errors.New("audit log is disabled in config")
	}
	audit, err := auditlog.Open(cfg.AuditLogPath())
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()
	if err := audit.Verify(ctx); err != nil {
		return fmt.Errorf("verify audit log: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := audit.ExportParquet(ctx, file, auditlog.Filter{})
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	logger.Info("audit log exported", "path", path, "events", n)
	return nil
}

// openDatabase opens the ledger store selected by StorageBackend.
func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case config.BackendBolt:
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "ledger.db"), nil)
	default:
		return storage.NewLevelDB(cfg.DataDir)
	}
}

func resolveGenesisPath(cliPath, cfgPath string) string {
	if trimmed := strings.TrimSpace(cliPath); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(cfgPath)
}

func loadGenesis(path string, dev bool) (*genesis.GenesisSpec, error) {
	if path != "" {
		spec, err := genesis.LoadGenesisSpec(path)
		if err != nil {
			return nil, err
		}
		return spec, nil
	}
	if !dev {
		return nil, nil
	}
	return devGenesis()
}

func devGenesis() (*genesis.GenesisSpec, error) {
	alloc := make(map[string]string, len(devPrincipals))
	for _, label := range devPrincipals {
		alloc[crypto.FromRaw(crypto.DeriveAddress(label)).String()] = devAllocation
	}
	return genesis.NewGenesisSpec(time.Unix(0, 0).UTC().Format(time.RFC3339), alloc)
}
