package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"lumibot-session/internal/cloud"
	"lumibot-session/internal/localcache"
	"lumibot-session/internal/session"
	"lumibot-session/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Broker struct {
		Host         string `yaml:"host"`
		Port         string `yaml:"port"`
		Path         string `yaml:"path"`
		TLS          bool   `yaml:"tls"`
		Username     string `yaml:"username"`
		Password     string `yaml:"password"`
		ClientPrefix string `yaml:"client_prefix"`
	} `yaml:"broker"`
	Cloud struct {
		Table        string `yaml:"table"`
		UserID       string `yaml:"user_id"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"cloud"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Cache struct {
		Path string `yaml:"path"`
	} `yaml:"cache"`
	Session struct {
		StaleAfter  string `yaml:"stale_after"`
		BufferLimit int    `yaml:"buffer_limit"`
	} `yaml:"session"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host is required")
	}
	if c.Cloud.Table == "" {
		return fmt.Errorf("cloud.table is required")
	}
	if c.Cloud.UserID == "" {
		return fmt.Errorf("cloud.user_id is required")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("lumibot-session starting", "version", version)

	// Open the local cache.
	cache, err := localcache.Open(cfg.Cache.Path, logger)
	if err != nil {
		logger.Error("open local cache", "err", err)
		os.Exit(1)
	}
	defer cache.Close()

	// Persisted broker overrides win over the config file.
	broker := session.BrokerOptions{
		Host:         cfg.Broker.Host,
		Port:         cfg.Broker.Port,
		Path:         cfg.Broker.Path,
		UseTLS:       cfg.Broker.TLS,
		Username:     cfg.Broker.Username,
		Password:     cfg.Broker.Password,
		ClientPrefix: cfg.Broker.ClientPrefix,
	}
	if host, port, path := cache.BrokerOverrides(); host != "" || port != "" || path != "" {
		if host != "" {
			broker.Host = host
		}
		if port != "" {
			broker.Port = port
		}
		if path != "" {
			broker.Path = path
		}
		logger.Info("broker overrides applied", "endpoint", broker.URL())
	}

	svcCfg := session.ServiceConfig{
		Broker:      broker,
		Factory:     session.NewPahoTransport(logger),
		BufferLimit: cfg.Session.BufferLimit,
	}
	if cfg.Session.StaleAfter != "" {
		d, err := time.ParseDuration(cfg.Session.StaleAfter)
		if err != nil {
			logger.Warn("invalid session.stale_after, using default", "value", cfg.Session.StaleAfter)
		} else {
			svcCfg.StaleAfter = d
		}
	}
	svc := session.NewService(svcCfg, logger)

	// Cloud roster store.
	var cloudOpts []cloud.DynamoOption
	if cfg.Cloud.PollInterval != "" {
		if d, err := time.ParseDuration(cfg.Cloud.PollInterval); err == nil {
			cloudOpts = append(cloudOpts, cloud.WithPollInterval(d))
		} else {
			logger.Warn("invalid cloud.poll_interval, using default", "value", cfg.Cloud.PollInterval)
		}
	}
	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := cloud.NewDynamoStore(startCtx, cfg.Cloud.Table, logger, cloudOpts...)
	startCancel()
	if err != nil {
		logger.Error("create cloud store", "err", err)
		os.Exit(1)
	}

	// Roster sync keeps the session roster and per-device reconcilers
	// aligned with the cloud documents.
	roster := newRosterSync(svc, store, cache, cfg.Cloud.UserID, logger)
	roster.Start()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(svc, cfg, logger)

	// Start web server.
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(svc, store, cache, cfg.Cloud.UserID, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Bring the session up. Failures land in backoff, the supervisor
	// keeps retrying on its own.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := svc.Connect(ctx); err != nil {
			logger.Warn("initial connect failed, retrying in background", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	roster.Stop()
	svc.Close()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Broker.Port == "" {
		cfg.Broker.Port = "9001"
	}
	if cfg.Broker.Path == "" {
		cfg.Broker.Path = "/mqtt"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8088"
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "lumibot-session.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
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
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
