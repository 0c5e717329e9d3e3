package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vireolabs/janus/internal/config"
	"github.com/vireolabs/janus/internal/gateway"
	"github.com/vireolabs/janus/internal/logging"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "janus.yaml", "path to the configuration file")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("janus", version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "janus:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		return err
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return err
	}
	logging.SetGlobal(logger)
	defer logging.Sync()

	logging.Info("starting janus",
		zap.String("version", version),
		zap.String("config", configPath))

	g, err := gateway.New(cfg, gateway.Options{})
	if err != nil {
		return err
	}

	watcher.OnChange(func(next *config.Config) {
		if err := g.Reload(next); err != nil {
			logging.Error("reload failed, keeping running configuration", zap.Error(err))
		}
	})
	if err := watcher.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return g.Run(ctx)
}
