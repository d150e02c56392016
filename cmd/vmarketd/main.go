package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"vmarket/cmd/internal/passphrase"
	"vmarket/config"
	"vmarket/core"
	"vmarket/crypto"
	"vmarket/observability/logging"
	otelinit "vmarket/observability/otel"
	"vmarket/rpc"
	"vmarket/storage"
)

const (
	ownerPassEnv    = "VMARKET_OWNER_PASS"
	otlpEndpointEnv = "VMARKET_OTLP_ENDPOINT"
	shutdownTimeout = 10 * time.Second
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("VMARKET_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.Setup("vmarketd", env, logging.Options{
		Level: logging.ParseLevel(cfg.LogLevel),
		File:  cfg.LogFile,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if endpoint := strings.TrimSpace(os.Getenv(otlpEndpointEnv)); endpoint != "" {
		shutdown, err := otelinit.Init(ctx, otelinit.Config{
			ServiceName: "vmarketd",
			Environment: env,
			Endpoint:    endpoint,
			Insecure:    true,
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			logger.Error("telemetry init failed", "error", err)
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = shutdown(flushCtx)
			}()
		}
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ownerKey, err := loadOwnerKey(cfg)
	if err != nil {
		logger.Error("failed to load owner key", "error", err)
		os.Exit(1)
	}

	allocations, err := cfg.GenesisAllocations()
	if err != nil {
		logger.Error("invalid genesis accounts", "error", err)
		os.Exit(1)
	}

	node, err := core.NewNode(db, ownerKey, core.Genesis{
		FeeBps:   cfg.FeeBps,
		Accounts: allocations,
	}, logger)
	if err != nil {
		logger.Error("failed to create node", "error", err)
		os.Exit(1)
	}

	rpcServer := rpc.NewServer(node)
	httpServer := &http.Server{
		Addr:              cfg.RPCAddress,
		Handler:           rpcServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("rpc server failed", "error", err)
			stop()
		}
	}()
	logger.Info("ledger node running",
		slog.String("network", cfg.NetworkName),
		slog.String("rpc", cfg.RPCAddress),
		slog.String("owner", node.OwnerAddress().String()),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func loadOwnerKey(cfg *config.Config) (*crypto.PrivateKey, error) {
	if strings.TrimSpace(cfg.OwnerKeystorePath) == "" {
		return nil, errors.New("owner keystore path not configured")
	}
	source := passphrase.NewSource(ownerPassEnv, "Enter owner keystore passphrase: ")
	pass, err := source.Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(cfg.OwnerKeystorePath, pass)
}
