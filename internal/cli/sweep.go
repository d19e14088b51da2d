package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/signalworks/nudge/internal/config"
	"github.com/signalworks/nudge/internal/engine"
	"github.com/signalworks/nudge/internal/logging"
	"github.com/signalworks/nudge/internal/sink"
	"github.com/signalworks/nudge/internal/store"
	"github.com/spf13/cobra"
)

var sweepBatch int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one scoring and decision sweep, then exit",
	RunE:  runSweep,
}

func init() {
	sweepCmd.Flags().IntVar(&sweepBatch, "batch", 200, "maximum rows per sweep")
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(cfg.LogLevel, cfg.Environment)
	log := logging.Log

	dbPath := cfg.Store.Path
	if dbPath == "" {
		if dbPath, err = store.DefaultDBPath(); err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	eng := engine.New(db, cfg.Engine, log)
	eng.SetSinks(sink.NewRegistry(&sink.LogSink{Log: log}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	updated, err := eng.RunScoringSweep(ctx, sweepBatch)
	if err != nil {
		return fmt.Errorf("scoring sweep: %w", err)
	}
	resolved, err := eng.ProcessDueCandidates(ctx, sweepBatch)
	if err != nil {
		return fmt.Errorf("decision sweep: %w", err)
	}

	fmt.Printf("scoring: %d profiles updated, decision: %d candidates resolved\n", updated, resolved)
	return nil
}
