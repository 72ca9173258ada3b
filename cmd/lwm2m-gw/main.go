// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command lwm2m-gw runs the LwM2M gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	lwm2mgw "github.com/absmach/lwm2m-gw"
	"github.com/absmach/lwm2m-gw/pkg/bootstrap"
	"github.com/absmach/lwm2m-gw/pkg/gateway"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var envFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lwm2m-gw",
		Short:         "LwM2M device management gateway",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional .env file loaded before the environment is parsed")
	root.AddCommand(serveCmd(), checkConfigCmd(), versionCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
			slog.SetDefault(logger)
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the environment and the bootstrap config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.BootstrapConfigFile != "" {
				if _, err := bootstrap.NewFileStore(cfg.BootstrapConfigFile, nil); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: coap %s, admin %s\n", cfg.CoAPAddress(), cfg.AdminAddress())
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), gateway.Version)
		},
	}
}

func loadConfig() (lwm2mgw.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return lwm2mgw.Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	cfg, err := lwm2mgw.NewConfig(env.Options{Prefix: lwm2mgw.DefaultPrefix})
	if err != nil {
		return lwm2mgw.Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg lwm2mgw.Config, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	engine, err := gateway.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create gateway", slog.String("error", err.Error()))
		return err
	}
	logger.Info("starting LwM2M gateway",
		slog.String("version", gateway.Version),
		slog.String("coap", cfg.CoAPAddress()),
		slog.String("dtls", cfg.DTLSAddress()),
		slog.String("admin", cfg.AdminAddress()))

	g.Go(func() error {
		return engine.Run(ctx)
	})
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	err = g.Wait()
	switch {
	case errors.Is(err, gateway.ErrReboot):
		logger.Info("LwM2M gateway stopped for reboot")
		return nil
	case err != nil:
		logger.Error(fmt.Sprintf("LwM2M gateway terminated with error: %s", err))
		return err
	default:
		logger.Info("LwM2M gateway stopped")
		return nil
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
