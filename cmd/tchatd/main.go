// Package main is the entry point for tchatd, a self-hosted message service
// that speaks the toolchat REST API. It backs local development and the
// end-to-end tests of the tchat client.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tOgg1/toolchat/internal/clock"
	"github.com/tOgg1/toolchat/internal/config"
	"github.com/tOgg1/toolchat/internal/db"
	"github.com/tOgg1/toolchat/internal/devserver"
	"github.com/tOgg1/toolchat/internal/logging"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configFile string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "tchatd",
		Short:         "Development message service for toolchat",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file (default is $HOME/.config/toolchat/config.yaml)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override logging level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "override logging format (json, console)")

	cmd.AddCommand(
		newServeCmd(flags),
		newTokenCmd(flags),
		newSeedCmd(flags),
	)
	return cmd
}

func (f *globalFlags) load() (*config.Config, zerolog.Logger, error) {
	loader := config.NewLoader()
	if f.configFile != "" {
		loader.SetConfigFile(f.configFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}

	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}
	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		EnableCaller: cfg.Logging.EnableCaller,
	})
	logger := logging.Component("tchatd")

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Warn().Err(err).Msg("failed to create directories")
	}
	if cfgUsed := loader.ConfigFileUsed(); cfgUsed != "" {
		logger.Debug().Str("config_file", cfgUsed).Msg("loaded config file")
	}
	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	return db.Open(ctx, db.Config{
		Path:        cfg.DatabasePath(),
		BusyTimeout: time.Duration(cfg.Server.BusyTimeoutMs) * time.Millisecond,
	})
}

func secretOf(cfg *config.Config) ([]byte, error) {
	if cfg.Server.JWTSecret == "" {
		return nil, errors.New("server.jwt_secret is required (set TOOLCHAT_SERVER_JWT_SECRET)")
	}
	return []byte(cfg.Server.JWTSecret), nil
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the message API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			addr, _ := cmd.Flags().GetString("addr")
			if addr == "" {
				addr = cfg.Server.Addr
			}
			seedFile, _ := cmd.Flags().GetString("seed")
			secret, err := secretOf(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			registry := prometheus.NewRegistry()
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			srv, err := devserver.New(devserver.Config{
				DB:       store,
				Secret:   secret,
				RPS:      cfg.Server.RateLimitRPS,
				Burst:    cfg.Server.RateLimitBurst,
				Registry: registry,
			})
			if err != nil {
				return err
			}

			if seedFile != "" {
				seed, err := devserver.LoadSeed(seedFile)
				if err != nil {
					return err
				}
				if err := seed.Apply(ctx, srv.Directory()); err != nil {
					return err
				}
				logger.Info().Str("file", seedFile).Int("users", len(seed.Users)).Int("communities", len(seed.Communities)).Msg("seed applied")
			}

			logger.Info().
				Str("version", version).
				Str("commit", commit).
				Str("built", date).
				Str("addr", addr).
				Str("database", store.Path()).
				Msg("tchatd starting")
			if err := srv.Serve(ctx, addr); err != nil {
				return err
			}
			logger.Info().Msg("tchatd stopped")
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (default server.addr)")
	cmd.Flags().String("seed", "", "YAML file of users and communities to load before serving")
	return cmd
}

func newTokenCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := flags.load()
			if err != nil {
				return err
			}
			secret, err := secretOf(cfg)
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("name")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			token, err := devserver.MintToken(secret, args[0], name, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String("name", "", "display name recorded when the token is first used")
	cmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime (0 never expires)")
	return cmd
}

func newSeedCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Load users and communities from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			seed, err := devserver.LoadSeed(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := seed.Apply(cmd.Context(), db.NewDirectoryRepository(store, clock.Real{})); err != nil {
				return err
			}
			logger.Info().Str("database", store.Path()).Int("users", len(seed.Users)).Int("communities", len(seed.Communities)).Msg("seed applied")
			return nil
		},
	}
}
