// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command emqx-edge runs the edge MQTT broker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/emqx-edge/pkg/config"
	"github.com/turtacn/emqx-edge/pkg/log"
	"github.com/turtacn/emqx-edge/pkg/metrics"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "emqx-edge",
	Short:         "Edge MQTT broker with protocol adapters and bridges",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, configPath)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML or JSON configuration file")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	logger, err := log.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("node_id", cfg.Broker.NodeID))
	// callback panics inside futures are reported through the global logger
	defer zap.ReplaceGlobals(logger)()

	n, err := newNode(cfg, logger)
	if err != nil {
		return err
	}
	if err := n.start(ctx); err != nil {
		shutdownCtx, cancel := shutdownContext(cfg)
		defer cancel()
		_ = n.stop(shutdownCtx)
		return err
	}
	logger.Info("emqx-edge started", zap.String("config", path))

	reloader := config.NewReloader(path, cfg, n.events, logger.Named("config"))
	for _, hook := range n.reloadHooks() {
		reloader.OnReload(hook)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Broker.TLS.Enabled {
		tlsConfig, err := cfg.Broker.TLS.ServerConfig()
		if err == nil {
			err = n.broker.StartTLS(gctx, cfg.Broker.TLS.Port, tlsConfig)
		}
		if err != nil {
			shutdownCtx, cancel := shutdownContext(cfg)
			defer cancel()
			_ = n.stop(shutdownCtx)
			return err
		}
		logger.Info("MQTT broker listening for TLS", zap.String("addr", cfg.Broker.TLS.Port))
	}
	g.Go(func() error {
		return n.broker.StartServer(gctx, cfg.Broker.MQTTPort)
	})
	if cfg.Broker.MetricsPort != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Broker.MetricsPort, logger.Named("metrics"), n.health.RegisterRoutes, n.admin.RegisterRoutes)
		})
	}
	if path != "" {
		g.Go(func() error {
			watchReload(gctx, reloader, logger)
			return nil
		})
	}
	runErr := g.Wait()

	logger.Info("shutting down")
	shutdownCtx, cancel := shutdownContext(cfg)
	defer cancel()
	if err := n.stop(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
	}
	return runErr
}

// watchReload reloads the configuration on every SIGHUP until ctx is done.
func watchReload(ctx context.Context, reloader *config.Reloader, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := reloader.Reload(ctx); err != nil {
				logger.Warn("configuration reload incomplete", zap.Error(err))
			}
		}
	}
}
