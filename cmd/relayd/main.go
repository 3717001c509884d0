package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vjranagit/promrelay/internal/config"
	"github.com/vjranagit/promrelay/pkg/api"
	"github.com/vjranagit/promrelay/pkg/storage"
)

const (
	version = "0.3.0"
)

func main() {
	var configPath, logLevel string

	root := &cobra.Command{
		Use:          "relayd",
		Short:        "Serve stored metrics to relay clients",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to YAML config")
	root.Flags().StringVar(&logLevel, "log-level", "", "override log level")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"version":     version,
		"listen_addr": cfg.Server.ListenAddr,
		"proxy_id":    cfg.Server.ProxyID,
		"storage":     cfg.Storage.Path,
		"retention":   cfg.Storage.RetentionDays,
		"compression": cfg.Storage.CompressionLevel,
		"sources":     len(cfg.DataSources),
	}).Info("starting relayd")

	base, err := storage.NewStorage(cfg.ToStorageConfig(logger))
	if err != nil {
		logger.WithError(err).Error("failed to initialize storage")
		return err
	}
	store := storage.NewCachedStorage(base, cfg.Storage.CacheCapacity, cfg.Storage.CacheTTL)
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Error("failed to close storage")
		}
	}()

	server := api.NewServer(cfg.ToServerConfig(logger), store)

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.ListenAddr).Info("API server listening")
		errCh <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("shutdown signal received, stopping server")
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("server error")
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		logger.WithError(err).Error("server shutdown error")
		return err
	}

	logger.Info("server stopped")
	return nil
}
