package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"focusgate/config"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: <data dir>/config.toml)")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Logging)

	app, err := NewApp(cfg)
	if err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer app.Shutdown()

	// the policy section hot-reloads; everything else needs a restart
	loader.OnChange(func(c *config.Config) {
		app.ApplyPolicy(c)
		slog.Info("policy settings reloaded")
	})
	if err := loader.Watch(); err != nil {
		slog.Warn("config watch disabled", "error", err)
	}
	defer loader.Close()
	go func() {
		for err := range loader.Errors() {
			slog.Warn("config reload failed", "error", err)
		}
	}()

	if cfg.MCPAddr != "" {
		mcpServer := NewPolicyToolServer(app)
		url, err := mcpServer.Start(cfg.MCPAddr)
		if err != nil {
			slog.Error("failed to start MCP server", "error", err)
		} else {
			slog.Info("MCP server listening", "url", url)
			defer mcpServer.Stop()
		}
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: NewServer(app).Handler(),
	}
	go func() {
		slog.Info("API listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("API server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("API shutdown failed", "error", err)
	}
}

func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
