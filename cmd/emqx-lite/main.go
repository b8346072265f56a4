// Copyright 2023 The emqx-lite Authors
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

// Package main is the entrypoint for the emqx-lite broker.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/emqx-lite/pkg/broker"
	"github.com/turtacn/emqx-lite/pkg/config"
	"github.com/turtacn/emqx-lite/pkg/logger"
	"github.com/turtacn/emqx-lite/pkg/metrics"
	"github.com/turtacn/emqx-lite/pkg/monitor"
	"github.com/turtacn/emqx-lite/pkg/sink"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "emqx-lite",
		Short: "emqx-lite - a minimal MQTT 3.1.1 broker",
		Long: `emqx-lite is a QoS 0 MQTT broker with exact-match topic routing.

Examples:
  emqx-lite                              # Start with defaults on :1883
  emqx-lite --config /etc/emqx-lite.yaml # Start from a config file
  emqx-lite --listen 127.0.0.1:1884      # Override the listen address
  emqx-lite config print                 # Show the effective configuration`,
		RunE:         runServe,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (.yaml, .yml or .json)")
	rootCmd.PersistentFlags().String("listen", "", "MQTT listen address (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(&cobra.Command{
		Use:          "serve",
		Short:        "Run the broker (default)",
		RunE:         runServe,
		SilenceUsage: true,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "emqx-lite %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	})

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration after file and environment overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")
			return printConfig(cmd.OutOrStdout(), cfg, format)
		},
	}
	printCmd.Flags().String("format", "yaml", "output format: yaml or json")
	configCmd.AddCommand(printCmd)
	rootCmd.AddCommand(configCmd)

	return rootCmd
}

// loadConfig loads the configuration and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Broker.ListenAddr = listen
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func printConfig(w io.Writer, cfg *config.Config, format string) error {
	data, err := config.Marshal(cfg, format)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting emqx-lite",
		zap.String("version", version),
		zap.String("listen", cfg.Broker.ListenAddr),
		zap.Bool("metrics", cfg.Metrics.Enabled),
		zap.String("sink", string(cfg.Sink.Type)))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, log)
}

// run wires the broker, the metrics endpoint and the sink together and
// blocks until ctx is done or one of them fails.
func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	opts := []broker.Option{broker.WithLogger(log)}

	rec, err := openSink(ctx, cfg.Sink, log)
	if err != nil {
		// The broker runs without recording when the backend is unreachable.
		log.Error("message sink unavailable, recording disabled", zap.Error(err))
	} else if rec != nil {
		defer func() {
			if err := rec.Close(); err != nil {
				log.Warn("failed to close message sink", zap.Error(err))
			}
		}()
		opts = append(opts, broker.WithSink(rec))
	}

	if cfg.Metrics.Enabled {
		opts = append(opts, broker.WithRateSampler(
			metrics.NewRateSampler(cfg.Metrics.RateWindow, cfg.Metrics.RateHistory)))
	}

	b := broker.New(cfg.Broker, opts...)

	health := monitor.NewHealthChecker(version)
	health.RegisterCheck("broker", b.Ready, true)
	if rec != nil {
		health.RegisterCheck("sink", func() error {
			if st := rec.State(); st != sink.StateEnabled {
				return errors.Errorf("sink %s", st)
			}
			return nil
		}, false)
	}
	mux := metrics.Handler()
	health.RegisterRoutes(mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.ListenAndServe(gctx)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			log.Info("Metrics server listening", zap.String("addr", cfg.Metrics.Listen))
			return metrics.ListenAndServe(gctx, cfg.Metrics.Listen, mux)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("emqx-lite stopped with error", zap.Error(err))
		return err
	}
	log.Info("Shutdown complete")
	return nil
}

func openSink(ctx context.Context, cfg sink.Config, log *zap.Logger) (*sink.Recorder, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	backend, err := sink.OpenBackend(connectCtx, cfg, log)
	if err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, nil
	}
	log.Info("message sink enabled", zap.String("type", backend.Name()))
	return sink.NewRecorder(backend, cfg, log), nil
}
