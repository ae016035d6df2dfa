package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/servo"
	"github.com/loykin/servo/internal/env"
)

const (
	defaultListen    = ":8080"
	shutdownDeadline = 30 * time.Second
)

func newServeCmd() *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.ConfigPath, "config", "c", "servo.toml", "registry TOML file")
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "", "API base path (overrides config)")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&flags.LogFile, "log-file", "", "also write logs to this file (rotated)")
	return cmd
}

func runServe(cmd *cobra.Command, flags *ServeFlags) error {
	defs, fc, err := servo.LoadRegistryFile(flags.ConfigPath)
	if err != nil {
		return err
	}

	listen := firstNonEmpty(flags.Listen, fc.Server.Listen, defaultListen)
	basePath := firstNonEmpty(flags.BasePath, fc.Server.BasePath)
	logLevel := firstNonEmpty(flags.LogLevel, fc.Server.LogLevel, "info")
	logFile := firstNonEmpty(flags.LogFile, fc.Server.LogFile)

	log := servo.NewLogger(logLevel, logFile)
	slog.SetDefault(log)
	if err := servo.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	globalEnv, err := fc.GlobalEnv()
	if err != nil {
		return err
	}
	envs := env.New()
	for _, kv := range globalEnv {
		if i := strings.IndexByte(kv, '='); i > 0 {
			envs.Set(kv[:i], kv[i+1:])
		}
	}

	opts := servo.Options{Version: version, Logger: log, GlobalEnv: envs}

	if fc.Store.Enabled {
		st, err := servo.NewStore(fc.Store.DSN)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		err = st.EnsureSchema(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("store schema: %w", err)
		}
		opts.Store = st
	}
	if fc.History.Enabled {
		if fc.History.Type != "clickhouse" {
			return fmt.Errorf("unsupported history type %q", fc.History.Type)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		sink, err := servo.NewClickHouseSink(ctx, fc.History.DSN, fc.History.Table)
		cancel()
		if err != nil {
			return fmt.Errorf("open history sink: %w", err)
		}
		opts.Sinks = append(opts.Sinks, sink)
	}

	orch, err := servo.New(defs, opts)
	if err != nil {
		return err
	}

	log.Info("starting services", "registry", flags.ConfigPath, "services", len(defs))
	if err := orch.StartAll(cmd.Context()); err != nil {
		// partial bring-up is survivable; the failed services report through
		// their status and can be started by an operator
		log.Warn("initial start", "error", err)
	}

	srv, err := servo.NewHTTPServer(listen, basePath, orch)
	if err != nil {
		return err
	}
	log.Info("servo listening", "addr", listen, "base_path", basePath, "version", version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	return orch.Shutdown(ctx)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
