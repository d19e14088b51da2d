package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalworks/nudge/internal/config"
	"github.com/signalworks/nudge/internal/engine"
	"github.com/signalworks/nudge/internal/logging"
	"github.com/signalworks/nudge/internal/scheduler"
	"github.com/signalworks/nudge/internal/server"
	"github.com/signalworks/nudge/internal/sink"
	"github.com/signalworks/nudge/internal/store"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and sweep scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
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

	sched := scheduler.New(eng, cfg.Sweeps, log)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: server.New(db, eng, VersionString()),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr()).Info("nudge listening")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
