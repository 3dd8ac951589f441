// Command invokerpm manages invoker script packages: GitHub-backed sources,
// a merged package registry, installs, and updates.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/invokerpm/invokerpm/cache"
	"github.com/invokerpm/invokerpm/install"
	"github.com/invokerpm/invokerpm/registry"
	"github.com/invokerpm/invokerpm/repository"
	"github.com/invokerpm/invokerpm/telemetry"
	"github.com/invokerpm/invokerpm/update"
)

var version = "dev"

type cli struct {
	ConfigDir  string `help:"Config directory (default: OS config dir)." type:"path"`
	ScriptsDir string `help:"Directory for installed scripts (default: <config-dir>/scripts)." type:"path"`
	CacheDir   string `help:"Cache directory (default: OS cache dir)." type:"path"`
	LogLevel   string `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat  string `help:"Log format." enum:"text,json" default:"text"`
	OTLP       string `help:"OTLP gRPC endpoint for metrics export (disabled when empty)."`
	Metrics    string `help:"Address to serve Prometheus /metrics on, e.g. :9464 (disabled when empty)."`

	Source    sourceCmd    `cmd:"" help:"Manage package sources."`
	Update    updateCmd    `cmd:"" help:"Refresh registries from all enabled sources."`
	Search    searchCmd    `cmd:"" help:"Search packages."`
	Info      infoCmd      `cmd:"" help:"Show package details."`
	Install   installCmd   `cmd:"" help:"Install a package."`
	Uninstall uninstallCmd `cmd:"" help:"Uninstall a package."`
	Upgrade   upgradeCmd   `cmd:"" help:"Upgrade installed packages."`
	List      listCmd      `cmd:"" help:"List installed packages."`
	Cache     cacheCmd     `cmd:"" help:"Inspect and maintain the cache."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// app holds the wired components shared by all commands.
type app struct {
	ctx        context.Context
	logger     *slog.Logger
	sources    *repository.Manager
	registry   *registry.Registry
	installer  *install.Installer
	updater    *update.Updater
	cache      *cache.Manager
	metricsSrv *http.Server
	shutdown   func(context.Context) error
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("invokerpm"),
		kong.Description("Package manager for invoker scripts."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	a, err := c.build()
	kctx.FatalIfErrorf(err)
	defer a.close()

	kctx.FatalIfErrorf(kctx.Run(a))
}

func (c *cli) build() (*app, error) {
	logger, err := buildLogger(c.LogLevel, c.LogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	ctx := context.Background()

	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "invokerpm",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLP,
		EnablePrometheus: c.Metrics != "",
	})
	if err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	var metricsSrv *http.Server
	if c.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		metricsSrv = &http.Server{Addr: c.Metrics, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	sources, err := repository.NewManager(c.ConfigDir, repository.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	reg := registry.New(sources, registry.WithLogger(logger))
	reg.Refresh()

	scriptsDir := c.ScriptsDir
	if scriptsDir == "" {
		scriptsDir = filepath.Join(sources.Dir(), "scripts")
	}

	installer, err := install.New(sources.Dir(), scriptsDir, sources, install.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	cm, err := cache.New(c.CacheDir, cache.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	return &app{
		ctx:        ctx,
		logger:     logger,
		sources:    sources,
		registry:   reg,
		installer:  installer,
		updater:    update.New(sources, reg, installer, update.WithLogger(logger)),
		cache:      cm,
		metricsSrv: metricsSrv,
		shutdown:   shutdown,
	}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.cache.Close(ctx); err != nil {
		a.logger.Warn("closing cache", "error", err)
	}
	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.logger.Warn("shutting down metrics server", "error", err)
		}
	}
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil {
			a.logger.Warn("shutting down metrics", "error", err)
		}
	}
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
