// testserver starts a kiln API server with an in-memory store and slowed-down
// compilers for E2E testing. Usage: go run ./cmd/testserver
package main

import (
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kilnvm/kiln/internal/api"
	"github.com/kilnvm/kiln/internal/backend"
	"github.com/kilnvm/kiln/internal/backend/baseline"
	"github.com/kilnvm/kiln/internal/code"
	"github.com/kilnvm/kiln/internal/manager"
	"github.com/kilnvm/kiln/internal/model"
	"github.com/kilnvm/kiln/internal/store"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("KILN_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	// Per-phase delay keeps compilations observable over SSE.
	compilerLog := logrus.New()
	compilerLog.SetLevel(logrus.WarnLevel)

	compilers := backend.NewRegistry()
	compilers.Register(model.TierBaseline,
		baseline.NewCompiler(baseline.Config{
			Tier:       model.TierBaseline,
			PhaseDelay: 100 * time.Millisecond,
		}, compilerLog))
	compilers.Register(model.TierOptimizing,
		baseline.NewCompiler(baseline.Config{
			Tier:       model.TierOptimizing,
			PhaseDelay: 250 * time.Millisecond,
		}, compilerLog))

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	mgr := manager.NewManager(manager.Config{
		Background:    true,
		CallThreshold: 5,
		LoopThreshold: 3,
	}, db, compilers, code.NewRegistry(0), logger)
	srv := api.NewServer(addr, db, compilers, mgr, logger)

	logger.Info("testserver: starting", "addr", addr)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
