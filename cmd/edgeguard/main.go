package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"edgeguard/edge-service/internal/config"
	"edgeguard/edge-service/internal/metrics"
	"edgeguard/edge-service/internal/rate"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const version = "0.3.0"

var startTime = time.Now()

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("edgeguard failed")
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "edgeguard",
		Short:         "Edge request pipeline: agent blocklist, rate limit, auth gate and security headers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file (overrides EDGEGUARD_CONFIG)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newValidateCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "edgeguard", version)
		},
	})
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the edge service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			setupLogging(cfg.Logging.Level, os.Stdout)
			logSummary(cfg, path)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if path == "" {
				path = "(defaults + environment)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config %s is valid: backend=%s limit=%d/%ds origins=%d upstream=%q\n",
				path, cfg.RateStore.Backend, cfg.RateLimit.MaxRequests, cfg.RateLimit.WindowSeconds,
				len(cfg.CORS.AllowedOrigins), cfg.Upstream.Origin)
			return nil
		},
	}
}

// loadConfig resolves the config path from --config, then EDGEGUARD_CONFIG,
// then ./edgeguard.yaml if it exists. No file at all means defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("EDGEGUARD_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat("./edgeguard.yaml"); err == nil {
			path = "./edgeguard.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config: %w", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, path, nil
}

func setupLogging(level string, out io.Writer) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	logger := zerolog.New(out).With().Timestamp().Str("service", "edgeguard").Logger()
	if lvl == zerolog.DebugLevel {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out})
	}
	log.Logger = logger
}

func logSummary(cfg *config.Config, path string) {
	log.Info().
		Str("config_path", path).
		Str("listen", cfg.Server.Listen).
		Int("trusted_proxy_nets", len(cfg.Server.TrustedProxies)).
		Bool("development", cfg.Modes.Development).
		Msg("server configuration")
	log.Info().
		Int("max_requests", cfg.RateLimit.MaxRequests).
		Int("window_seconds", cfg.RateLimit.WindowSeconds).
		Str("backend", cfg.RateStore.Backend).
		Str("fail_mode", cfg.RateStore.FailMode).
		Str("page_response", cfg.RateLimit.PageResponse).
		Msg("rate limit configuration")
	if cfg.RateLimit.MaxRequests == 0 {
		log.Warn().Msg("rate_limit.max_requests is 0; every rate-limited request will be rejected")
	}
	log.Info().
		Strs("allowed_origins", cfg.CORS.AllowedOrigins).
		Strs("protected_prefixes", cfg.Routes.ProtectedPrefixes).
		Str("nonce_channel", cfg.CSP.NonceChannel).
		Int("blocked_agents", len(cfg.Agents.Blocked)).
		Msg("policy configuration")
	if cfg.Upstream.Origin == "" && len(cfg.Upstream.Routes) == 0 {
		log.Warn().Msg("no upstream configured; requests that pass the pipeline will get 404")
	} else {
		log.Info().
			Str("origin", cfg.Upstream.Origin).
			Int("route_count", len(cfg.Upstream.Routes)).
			Int("timeout_ms", cfg.Upstream.TimeoutMs).
			Msg("upstream configuration")
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	metrics.MustRegister(version)

	limiter, err := rate.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if fw, ok := limiter.(*rate.FixedWindow); ok {
		go fw.Run(ctx)
	}

	a := newApp(cfg, limiter)
	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("edgeguard listening")
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.proxy.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("proxy shutdown error")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
		srv.Close()
	}
	if c, ok := limiter.(io.Closer); ok {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("rate store close failed")
		}
	}
	log.Info().Msg("shutdown complete")
	return nil
}
