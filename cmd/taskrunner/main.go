package main

import (
	"context"
	"log"
	"os"

	"github.com/newms87/gpt-manager-sub003/internal/api"
	"github.com/newms87/gpt-manager-sub003/internal/catalog"
	"github.com/newms87/gpt-manager-sub003/internal/config"
	"github.com/newms87/gpt-manager-sub003/internal/engine"
	"github.com/newms87/gpt-manager-sub003/internal/locker"
	"github.com/newms87/gpt-manager-sub003/internal/runner"
	"github.com/newms87/gpt-manager-sub003/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("taskrunner: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"worker_id", cfg.WorkerID,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := runner.NewRegistry()
	reg.Register("passthrough", &runner.Passthrough{})

	if cfg.CatalogPath != "" {
		cat, err := catalog.LoadFile(cfg.CatalogPath)
		if err != nil {
			log.Fatalf("failed to load catalog: %v", err)
		}
		if err := cat.Seed(context.Background(), db); err != nil {
			log.Fatalf("failed to seed catalog: %v", err)
		}
		logger.Info("catalog seeded",
			"task_definitions", len(cat.TaskDefinitions),
			"workflows", len(cat.Workflows),
		)
	}

	eng := engine.New(db, locker.New(), reg, nil, cfg.WorkerID, logger)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go eng.RunSweeper(sweepCtx, cfg.SweepInterval)

	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, logger)
	if err := srv.Run(); err != nil {
		stopSweeper()
		log.Fatalf("server error: %v", err)
	}

	stopSweeper()
	eng.Wait()
}
