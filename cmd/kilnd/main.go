package main

import (
	"log"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/kilnvm/kiln/internal/api"
	"github.com/kilnvm/kiln/internal/backend"
	"github.com/kilnvm/kiln/internal/backend/baseline"
	"github.com/kilnvm/kiln/internal/code"
	"github.com/kilnvm/kiln/internal/config"
	"github.com/kilnvm/kiln/internal/manager"
	"github.com/kilnvm/kiln/internal/model"
	"github.com/kilnvm/kiln/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kilnd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"background", cfg.Background,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	compilerLog := logrus.New()
	compilerLog.SetFormatter(&logrus.JSONFormatter{})

	compilers := backend.NewRegistry()
	compilers.Register(model.TierBaseline,
		baseline.NewCompiler(baseline.Config{Tier: model.TierBaseline}, compilerLog))
	compilers.Register(model.TierOptimizing,
		baseline.NewCompiler(baseline.Config{Tier: model.TierOptimizing}, compilerLog))

	mgr := manager.NewManager(manager.Config{
		Background:    cfg.Background,
		Workers:       cfg.Workers,
		QueueSize:     cfg.QueueSize,
		CallThreshold: cfg.CallThreshold,
		LoopThreshold: cfg.LoopThreshold,
	}, db, compilers, code.NewRegistry(cfg.CodeCacheLimit), logger)

	srv := api.NewServer(cfg.ListenAddr, db, compilers, mgr, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
