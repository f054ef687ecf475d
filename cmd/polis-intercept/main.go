// Package main is the entry point for the polis-intercept binary.
// It serves the admin surface of an interception coordinator and offers offline checks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	itls "github.com/polisai/polis-intercept/internal/tls"
	"github.com/polisai/polis-intercept/pkg/config"
	"github.com/polisai/polis-intercept/pkg/logging"
	"github.com/polisai/polis-intercept/pkg/telemetry"
	"github.com/spf13/cobra"
)

const defaultConfigPath = ""

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-intercept
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-intercept",
		Short: "Runtime behavior interception for Go services",
		Long: `polis-intercept loads behavior definitions keyed by owner, member and parameter types,
and runs them in place of the host logic at registered call sites.

Example:
  polis-intercept serve --config intercept.yaml
  polis-intercept simulate --config intercept.yaml --owner Account --member Withdraw --param int:amount=5`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newCheckCmd(), newSimulateCmd())
	return rootCmd
}

// loadConfig loads the configuration named by --config and applies --log-level.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
		if err := cfg.Logging.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)
	return logger
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Load behaviors, watch the source and serve the admin API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("Failed to flush traces", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("Failed to close service", "error", err)
		}
	}()

	logger.Info("Starting polis-intercept",
		"source", cfg.Source.Kind,
		"default_engine", cfg.Executor.DefaultEngine,
		"enabled", cfg.Source.IsEnabled(),
		"reload_interval", cfg.Source.ReloadInterval)

	if err := a.reload(ctx); err != nil {
		logger.Warn("Initial behavior load failed, serving an empty registry", "error", err)
	}
	if err := a.watch(ctx); err != nil {
		return err
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)
	go func() {
		for {
			select {
			case <-sighup:
				logger.Info("Received SIGHUP, reloading behaviors")
				if err := a.reload(ctx); err != nil {
					logger.Warn("Reload failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	server, closeTLS, err := startAdminServer(cfg.Admin, a.adminHandler(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeTLS() }()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	return nil
}

func startAdminServer(cfg config.AdminConfig, handler http.Handler, logger *slog.Logger) (*http.Server, func() error, error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	closeTLS := func() error { return nil }

	useTLS := cfg.TLS != nil && cfg.TLS.Enabled
	if useTLS {
		tlsConfig, err := cfg.TLS.ServerTLS()
		if err != nil {
			return nil, nil, err
		}
		keyPair, err := itls.LoadKeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := keyPair.Watch(nil); err != nil {
			logger.Warn("Certificate rotation disabled", "error", err)
		}
		tlsConfig.GetCertificate = keyPair.GetCertificate
		server.TLSConfig = tlsConfig
		closeTLS = keyPair.Close
	}

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		_ = closeTLS()
		return nil, nil, fmt.Errorf("bind admin listener %s: %w", cfg.Address, err)
	}

	// Log the actual resolved address (useful when addr is :0)
	logger.Info("Admin server listening", "addr", listener.Addr().String(), "tls", useTLS)

	go func() {
		var err error
		if useTLS {
			err = server.ServeTLS(listener, "", "")
		} else {
			err = server.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin server failed", "error", err)
		}
	}()
	return server, closeTLS, nil
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Compile every behavior body with its engine and report failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, newLogger(cmd, cfg))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			failures, total, err := a.check(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			keys := make([]string, 0, len(failures))
			for key := range failures {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Fprintf(out, "FAIL %s: %v\n", key, failures[key])
			}
			fmt.Fprintf(out, "%d behaviors, %d failed\n", total, len(failures))
			if len(failures) > 0 {
				return fmt.Errorf("%d of %d behaviors failed to compile", len(failures), total)
			}
			return nil
		},
	}
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Resolve one call site against the loaded behaviors and print the outcome",
		Args:  cobra.NoArgs,
		RunE:  runSimulate,
	}
	cmd.Flags().String("owner", "", "Owner type name")
	cmd.Flags().String("member", "", "Member name")
	cmd.Flags().StringArray("param", nil, "Parameter as type:name=value (repeatable, in declared order)")
	cmd.Flags().String("instance", "", "Receiver value as JSON")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	req := simulateRequest{Refresh: true}
	if req.Owner, err = cmd.Flags().GetString("owner"); err != nil {
		return err
	}
	if req.Member, err = cmd.Flags().GetString("member"); err != nil {
		return err
	}
	rawParams, err := cmd.Flags().GetStringArray("param")
	if err != nil {
		return err
	}
	for _, raw := range rawParams {
		p, err := parseParam(raw)
		if err != nil {
			return err
		}
		req.Params = append(req.Params, p)
	}
	instance, err := cmd.Flags().GetString("instance")
	if err != nil {
		return err
	}
	if instance != "" {
		req.Instance = parseValue(instance)
	}

	a, err := newApp(cmd.Context(), cfg, newLogger(cmd, cfg))
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	result, err := a.simulate(cmd.Context(), req)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
