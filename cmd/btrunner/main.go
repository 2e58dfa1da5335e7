// Command btrunner hosts behavior trees and ticks them, taking commands and
// reporting status over MQTT.
//
// Usage:
//
//	btrunner --config /etc/btrunner/config.yaml
//	btrunner validate trees/patrol.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"example.com/treefleet/internal/asset"
	"example.com/treefleet/internal/logger"
	"example.com/treefleet/internal/runner"
)

type CLI struct {
	Run      RunCmd      `cmd:"" default:"1" help:"Host the configured trees."`
	Validate ValidateCmd `cmd:"" help:"Check tree assets without running them."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path" env:"RUNNER_CONFIG" default:"/etc/btrunner/config.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error). Overrides the config file." env:"LOG_LEVEL"`
	LogFormat string `help:"Log format (text or json)." default:"text" enum:"text,json"`
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	fmt.Printf("btrunner version %s\n", version)
	return nil
}

type ValidateCmd struct {
	Assets []string `arg:"" help:"Tree asset files."`
}

func (c *ValidateCmd) Run() error {
	var errs []error
	for _, path := range c.Assets {
		spec, err := asset.Load(path)
		if err == nil {
			_, err = asset.Build(spec, nil)
		}
		if err != nil {
			errs = append(errs, err)
			fmt.Printf("FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Printf("ok   %s (%s, %d nodes)\n", path, spec.Name, len(spec.Nodes))
	}
	return errors.Join(errs...)
}

type RunCmd struct{}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := runner.LoadConfig(cli.Config)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	log, err := logger.Init(level, os.Stderr, cli.LogFormat)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := runner.NewMetrics(reg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", runner.MetricsHandler(reg))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	engine := runner.NewEngine(cfg, runner.WithMetrics(metrics), runner.WithLogger(log))
	client := engine.ConnectMQTT()
	defer client.Disconnect()

	if err := engine.LoadTrees(); err != nil {
		return err
	}
	log.Info("runner starting", "runner", cfg.RunnerID, "trees", len(cfg.Trees), "tick", cfg.TickInterval)
	if err := engine.Start(ctx); err != nil {
		return err
	}
	log.Info("runner stopped")
	return nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("btrunner"),
		kong.Description("Behavior tree runner."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(&cli); err != nil {
		slog.Error("btrunner failed", "error", err)
		os.Exit(1)
	}
}
