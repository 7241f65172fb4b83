package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jonathan/collagent/internal/server"
	"github.com/jonathan/collagent/internal/store"
)

// memoryRetention keeps finished reports addressable when no database is configured.
const memoryRetention = 24 * time.Hour

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start an HTTP server for submitting searches and following their progress as
Server-Sent Events. Finished reports are kept in PostgreSQL when database_url is set,
in memory otherwise.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 5000, "Port to listen on (overrides port)")
	rootCmd.AddCommand(serveCmd)
}

func openStore(ctx context.Context, databaseURL string) (store.Store, error) {
	if databaseURL == "" {
		logger.Info("using in-memory report store")
		return store.NewMemory(memoryRetention), nil
	}
	pg, err := store.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("using PostgreSQL report store")
	return pg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := *appConfig
	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := loadRegistry(ctx, &cfg)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	mgr := newManager(reg, sessionOptions(&cfg, st))
	srv := server.New(server.Config{
		Port:      cfg.Port,
		RateLimit: cfg.RateLimit,
		Defaults: server.Defaults{
			TotalTurns:      cfg.MaxTurns,
			MaxInstitutions: cfg.MaxInstitutions,
			TopN:            cfg.Top,
		},
		Logger: logger,
	}, mgr, reg)

	serveErr := srv.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout+10*time.Second)
	defer cancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("jobs did not stop in time", zap.Error(err))
	}
	return serveErr
}
