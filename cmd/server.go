package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/webforge/internal/agent"
	"github.com/nextlevelbuilder/webforge/internal/auth"
	"github.com/nextlevelbuilder/webforge/internal/bus"
	"github.com/nextlevelbuilder/webforge/internal/config"
	"github.com/nextlevelbuilder/webforge/internal/httpapi"
	"github.com/nextlevelbuilder/webforge/internal/providers"
	"github.com/nextlevelbuilder/webforge/internal/sandbox"
	"github.com/nextlevelbuilder/webforge/internal/store"
	"github.com/nextlevelbuilder/webforge/internal/store/pg"
	"github.com/nextlevelbuilder/webforge/internal/store/sqlite"
	"github.com/nextlevelbuilder/webforge/internal/telemetry"
)

func runServer() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Auth.SecretKey == "" {
		slog.Error("WEBFORGE_SECRET_KEY is not set")
		os.Exit(1)
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	var db *sql.DB
	switch cfg.Database.Driver {
	case "postgres":
		db, err = pg.Open(cfg.Database.URL)
	default:
		db, err = sqlite.Open(cfg.Database.URL)
	}
	if err != nil {
		slog.Error("failed to open database", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var stores *store.Stores
	if cfg.Database.Driver == "postgres" {
		stores = pg.NewStores(db)
	} else {
		stores = sqlite.NewStores(db)
	}

	fs := sandbox.New(
		config.ExpandHome(cfg.Sandbox.BaseDir),
		int64(cfg.Sandbox.MaxFileSizeMB)<<20,
		int64(cfg.Sandbox.MaxSandboxSizeMB)<<20,
	)
	hub := bus.NewHub(cfg.Events.QueueSize)
	tokens := auth.New(cfg.Auth.SecretKey, time.Duration(cfg.Auth.TokenTTLMin)*time.Minute)

	provider := providers.NewDeepSeekProvider(
		cfg.Provider.APIKey,
		cfg.Provider.BaseURL,
		cfg.Provider.Model,
		cfg.Provider.ReasonerModel,
	)
	assembler := &agent.Assembler{
		Messages:   stores.Messages,
		Todos:      stores.Todos,
		Sandbox:    fs,
		MaxHistory: cfg.Agent.MaxHistoryMessages,
		Truncation: cfg.Agent.TruncationEnabled,
	}
	loop := agent.New(provider, stores, fs, hub, assembler, agent.Config{
		MaxIterations:   cfg.Agent.MaxIterations,
		EnableReasoning: true,
		Streaming:       cfg.Agent.StreamingReasoning,
		ToolTimeout:     time.Duration(cfg.Agent.ToolTimeoutSeconds) * time.Second,
		BashTimeout:     time.Duration(cfg.Agent.BashTimeoutSeconds) * time.Second,
		MaxToolCalls:    cfg.Agent.MaxToolCallsPerMessage,
	})

	if !cfg.Agent.Enabled {
		slog.Warn("agent loop disabled by config; create-message will not run turns")
	}

	api := httpapi.New(cfg, stores, fs, tokens, hub, loop)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: api.Handler(),
	}

	go func() {
		slog.Info("webforge listening", "addr", addr, "driver", cfg.Database.Driver, "version", Version)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Warn("shutdown incomplete", "error", err)
	}
}
