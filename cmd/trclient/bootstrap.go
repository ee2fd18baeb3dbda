package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/client"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/logger"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/store"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/trace"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/types"
)

// initializeSystem initializes env, logger, and tracer
func initializeSystem() error {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := trace.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}

	return nil
}

// loadConfig loads and returns the configuration
func loadConfig(ctx context.Context) (*store.Config, error) {
	path := os.Getenv("TRCLIENT_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := store.LoadConfig(path)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err)
		return nil, err
	}
	return cfg, nil
}

// loadCredentials reads phone and PIN from the environment. They are
// required; the two-factor code is supplied interactively later.
func loadCredentials() (types.Credentials, error) {
	creds := types.Credentials{
		PhoneNumber: os.Getenv("TR_PHONE_NUMBER"),
		PIN:         os.Getenv("TR_PIN"),
	}
	if creds.PhoneNumber == "" || creds.PIN == "" {
		return types.Credentials{}, fmt.Errorf("TR_PHONE_NUMBER and TR_PIN must be set")
	}
	return creds, nil
}

// initializeClient builds the protocol client from config and credentials
func initializeClient(ctx context.Context, cfg *store.Config) (*client.Client, error) {
	creds, err := loadCredentials()
	if err != nil {
		return nil, err
	}

	c, err := client.New(cfg, creds)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to build client", err)
		return nil, err
	}
	return c, nil
}

// startMetrics serves Prometheus metrics if an address is configured
func startMetrics(ctx context.Context, cfg *store.Config) {
	if cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Info(ctx, "Serving metrics", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn(ctx, "Metrics server stopped", "error", err)
		}
	}()
}
