package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agendo/execcore/internal/config"
	"github.com/agendo/execcore/internal/queue"
	"github.com/agendo/execcore/internal/runner"
	"github.com/agendo/execcore/internal/store"
	"github.com/agendo/execcore/internal/worker"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agendo-worker: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agendo-worker",
	Short: "Claims and runs capability executions and agent sessions from the durable queue",
	RunE:  runWorker,
}

func init() {
	rootCmd.Flags().Bool("log-json", false, "Emit structured JSON logs instead of console output")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	jsonLogs, _ := cmd.Flags().GetBool("log-json")
	log := newLogger(jsonLogs)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	st := store.New(pool)
	gw := queue.New(pool, log.With().Str("component", "queue").Logger())
	rn := runner.New(runner.Deps{
		Store:              st,
		LogDir:             cfg.LogDir,
		AllowedWorkingDirs: cfg.AllowedWorkingDirs,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		Log:                log.With().Str("component", "runner").Logger(),
	})

	w := worker.New(cfg, st, gw, rn, log.With().Str("component", "worker").Logger())

	log.Info().Str("worker_id", cfg.WorkerID).Msg("agendo-worker starting")
	return w.Run(ctx)
}

// newLogger builds the process-wide zerolog.Logger, JSON or console
// output depending on --log-json.
func newLogger(jsonOutput bool) zerolog.Logger {
	if jsonOutput {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}
