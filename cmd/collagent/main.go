// Package main provides the collagent command line: run collaborator searches
// from the terminal, serve the HTTP API, and inspect configured providers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/collagent/internal/config"
	"github.com/jonathan/collagent/internal/job"
	"github.com/jonathan/collagent/internal/llm"
	"github.com/jonathan/collagent/internal/logging"
	"github.com/jonathan/collagent/internal/registry"
	"github.com/jonathan/collagent/internal/session"
	"github.com/jonathan/collagent/internal/store"
)

const probeTimeout = 3 * time.Second

var (
	cfgFile  string
	logLevel string

	appConfig *config.Config
	logger    = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "collagent",
	Short: "Find research collaborators with search-capable language models",
	Long: `collagent searches for potential research collaborators that match a research profile.

In broad mode it first discovers promising institutions, then researches each one;
in targeted mode it researches a single named institution. Providers are configured
in a registry file; run "collagent models" to see which are available.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./collagent.yaml or ~/.config/collagent/collagent.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides log_level)")
}

// initConfig reads the config file and environment, then builds the logger.
func initConfig(cmd *cobra.Command, _ []string) error {
	v := config.NewViper(cfgFile)
	if err := config.Read(v); err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		v.Set("log_level", logLevel)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	appConfig = cfg

	l, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logger = l
	if used := v.ConfigFileUsed(); used != "" {
		logger.Debug("using config file", zap.String("path", used))
	}
	return nil
}

// loadRegistry builds the provider registry described by cfg.
func loadRegistry(ctx context.Context, cfg *config.Config) (*registry.Registry, error) {
	opts := registry.Options{SecretsDir: cfg.SecretsDir, Logger: logger}
	if cfg.ProbeEndpoints {
		opts.Probe = registry.HTTPProbe(&http.Client{}, probeTimeout)
	}
	reg, err := registry.Load(ctx, cfg.ProvidersFile, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider registry: %w", err)
	}
	return reg, nil
}

// newManager wires a session manager to the real provider adapters.
func newManager(reg *registry.Registry, opts session.Options) *session.Manager {
	return session.NewManager(reg, &llm.Factory{Logger: logger}, opts)
}

func sessionOptions(cfg *config.Config, st store.Store) session.Options {
	return session.Options{
		MaxConcurrent: cfg.MaxConcurrentJobs,
		JobTimeout:    cfg.JobTimeout,
		EventBuffer:   cfg.EventBuffer,
		Retention:     cfg.Retention,
		Logger:        logger,
		Store:         st,
		Machine:       job.Options{MaxInFlight: cfg.MaxInFlight, CallTimeout: cfg.CallTimeout},
	}
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
