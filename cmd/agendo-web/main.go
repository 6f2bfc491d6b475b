// Command agendo-web serves the one core HTTP surface in scope: the
// log-stream endpoint (C12). The rest of the web process (request
// validation, record writes, job enqueue, the Kanban/REST/CRUD layer)
// is out of scope per spec.md §1 and is not implemented here.
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
	"github.com/agendo/execcore/internal/httpapi"
	"github.com/agendo/execcore/internal/logstream"
	"github.com/agendo/execcore/internal/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agendo-web: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agendo-web",
	Short: "Serves the execution/session log-stream endpoint",
	RunE:  runWeb,
}

func init() {
	rootCmd.Flags().String("addr", ":8080", "Listen address")
	rootCmd.Flags().Bool("log-json", false, "Emit structured JSON logs instead of console output")
}

func runWeb(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
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
	srv := httpapi.New(
		logstream.ExecutionRows{Store: st},
		logstream.SessionRows{Store: st},
		log.With().Str("component", "httpapi").Logger(),
	)

	log.Info().Str("addr", addr).Msg("agendo-web starting")
	return srv.ListenAndServe(addr)
}

func newLogger(jsonOutput bool) zerolog.Logger {
	if jsonOutput {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}
