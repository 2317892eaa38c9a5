// vvx-worker drains the shared synthesis task queue for one engine slot.
// Each process owns exactly one engine; run one process per engine.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ts-klassen/vvx-worker/internal/config"
	"github.com/ts-klassen/vvx-worker/internal/dispatch"
	"github.com/ts-klassen/vvx-worker/internal/engine"
	"github.com/ts-klassen/vvx-worker/internal/ops"
	"github.com/ts-klassen/vvx-worker/internal/queue"
	"github.com/ts-klassen/vvx-worker/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("vvx-worker: starting",
		"engine_id", cfg.EngineID,
		"task_queue", cfg.TaskQueue,
		"result_exchange", cfg.ResultExchange,
		"api_base", cfg.APIBase,
		"listen_addr", cfg.ListenAddr,
	)

	journal, err := store.NewSQLiteJournal(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open outcome journal: %v", err)
	}
	defer journal.Close()

	q, err := queue.DialAMQP(cfg.AMQPAddr, cfg.TaskQueue, cfg.ResultExchange, cfg.EngineID, logger)
	if err != nil {
		log.Fatalf("failed to connect to broker: %v", err)
	}
	defer q.Close()

	svc := engine.NewHTTPService(cfg.APIBase)
	slot := engine.NewSlot(cfg.EngineID, svc)
	tap := dispatch.NewEventTap()

	d := dispatch.New(q, slot, q, journal, tap, logger, dispatch.Options{
		MaxRetries:   cfg.MaxRetries,
		IdleTimeout:  cfg.IdleTimeout,
		SpeakerCount: cfg.SpeakerCount,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	opsSrv := ops.NewServer(cfg.ListenAddr, journal, d, tap, logger)
	opsErr := make(chan error, 1)
	go func() { opsErr <- opsSrv.Run(ctx) }()

	runErr := d.Run(ctx)
	cancel()
	if err := <-opsErr; err != nil {
		logger.Error("ops server", "error", err)
	}

	if runErr != nil {
		if errors.Is(runErr, dispatch.ErrEngineUnusable) {
			logger.Error("engine unusable, exiting for supervisor restart", "error", runErr)
		} else {
			logger.Error("dispatcher failed", "error", runErr)
		}
		os.Exit(1)
	}

	logger.Info("vvx-worker: stopped")
}
