// Command fairsim runs the temple fair simulation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/talgya/temple-fair/internal/agents"
	"github.com/talgya/temple-fair/internal/api"
	"github.com/talgya/temple-fair/internal/catalog"
	"github.com/talgya/temple-fair/internal/config"
	"github.com/talgya/temple-fair/internal/engine"
	"github.com/talgya/temple-fair/internal/llm"
	"github.com/talgya/temple-fair/internal/persistence"
	"github.com/talgya/temple-fair/internal/world"
)

func main() {
	cfg, err := config.Load(os.Getenv("FAIRSIM_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Sim.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("Temple Fair marketplace simulation", "config", cfg.Path, "seed", cfg.Sim.Seed)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Fairground ────────────────────────────────────────────────────
	var grid *world.Grid
	if cfg.World.MapPath != "" {
		grid, err = config.LoadMap(cfg.World.MapPath)
	} else {
		grid, err = world.Generate(cfg.GenConfig())
	}
	if err != nil {
		slog.Error("failed to build fairground", "error", err)
		os.Exit(1)
	}
	slog.Info("fairground ready",
		"size", fmt.Sprintf("%dx%d", grid.Width(), grid.Height()),
		"walkable", grid.WalkableCount(),
		"openness", fmt.Sprintf("%.2f", world.Openness(grid)),
	)

	cat := catalog.Default()
	if cfg.Catalog.Path != "" {
		if cat, err = catalog.Load(cfg.Catalog.Path); err != nil {
			slog.Error("failed to load catalog", "error", err)
			os.Exit(1)
		}
	}

	homes := cfg.HomeTiles()
	if len(homes) == 0 {
		homes = agents.NewSpawner(cfg.Sim.Seed, cat).HomeTiles(grid, cfg.Sim.Tourists)
	}

	// ── Gateway ───────────────────────────────────────────────────────
	transport := llm.NewHTTPTransport(cfg.Gateway.Endpoint, cfg.Gateway.Token)
	gateway := llm.NewGateway(transport, cfg.GatewaySettings(), cfg.Sim.Seed)
	gateway.Start(ctx)
	defer gateway.Close()
	if gateway.Enabled() {
		slog.Info("language service enabled", "endpoint", cfg.Gateway.Endpoint)
		if cfg.Gateway.Prefill {
			go gateway.Prefill(ctx, llm.DefaultPrefills())
		}
	} else {
		slog.Warn(config.EnvEndpoint + " not set; dialogue falls back to canned lines")
	}

	stalls := make([]engine.StallSpec, len(cfg.Stalls))
	for i, s := range cfg.Stalls {
		stalls[i] = engine.StallSpec{Name: s.Name, X: s.X, Y: s.Y}
	}
	sim, err := engine.Build(engine.WorldSpec{
		Grid:         grid,
		Stalls:       stalls,
		Homes:        homes,
		Money:        cfg.Sim.Money,
		Catalog:      cat,
		Tuning:       cfg.Tuning(),
		Seed:         cfg.Sim.Seed,
		HawkEvery:    cfg.Sim.HawkEvery,
		NameTourists: cfg.Sim.NameTourists,
		EventBuffer:  cfg.Sim.EventBuffer,
	}, gateway)
	if err != nil {
		slog.Error("failed to build fair", "error", err)
		os.Exit(1)
	}

	// ── Archive ───────────────────────────────────────────────────────
	var db *persistence.DB
	var runID string
	if cfg.Persistence.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Persistence.DBPath), 0o755); err != nil {
			slog.Error("failed to create data directory", "error", err)
			os.Exit(1)
		}
		db, err = persistence.Open(cfg.Persistence.DBPath)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if runID, err = db.BeginRun(cfg.Sim.Seed, cfg.Path); err != nil {
			slog.Error("failed to record run", "error", err)
			os.Exit(1)
		}
		slog.Info("database opened", "path", cfg.Persistence.DBPath, "run", runID)
	}

	var journal *persistence.Journal
	if cfg.Persistence.JournalPath != "" {
		journal, err = persistence.OpenJournal(cfg.Persistence.JournalPath)
		if err != nil {
			slog.Error("failed to open snapshot journal", "error", err)
			os.Exit(1)
		}
		defer journal.Close()
	}

	// ── Engine ────────────────────────────────────────────────────────
	eng := engine.NewEngine()
	eng.Interval = cfg.TickInterval()
	if err := eng.SetSpeed(cfg.Sim.Speed); err != nil {
		slog.Error("bad speed", "error", err)
		os.Exit(1)
	}
	eng.OnTick = sim.Step
	eng.OnBeat = sim.Beat
	eng.OnCheckpoint = func(tick uint64) {
		if journal != nil {
			if err := journal.Checkpoint(runID, sim, engine.FairClock(tick, eng.Interval)); err != nil {
				slog.Error("journal checkpoint failed", "tick", tick, "error", err)
			}
		}
		if db != nil {
			if err := db.SaveEvents(runID, sim.RecentEvents(0)); err != nil {
				slog.Error("event checkpoint failed", "tick", tick, "error", err)
			}
		}
	}
	eng.Until = func() bool {
		return sim.Done() || (cfg.Sim.MaxTicks > 0 && eng.Tick() >= cfg.Sim.MaxTicks)
	}

	// ── HTTP API ──────────────────────────────────────────────────────
	var apiServer *api.Server
	if cfg.API.Port > 0 {
		if cfg.API.AdminKey == "" {
			slog.Warn(config.EnvAdminKey + " not set; admin POST endpoints will be disabled")
		}
		apiServer = &api.Server{
			Sim:      sim,
			Eng:      eng,
			Gateway:  gateway,
			DB:       db,
			RunID:    runID,
			Port:     cfg.API.Port,
			AdminKey: cfg.API.AdminKey,
		}
		apiServer.Start()
	}

	// ── Start ─────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		eng.Stop()
	}()

	fmt.Printf("\nThe fair is open: %d tourists, %d stalls on a %dx%d ground.\n",
		sim.Stats().Tourists, sim.Vendors.Len(), grid.Width(), grid.Height())
	if apiServer != nil {
		fmt.Printf("API: http://localhost:%d/api/v1/status\n", cfg.API.Port)
	}
	fmt.Println("Starting simulation... (Ctrl+C to stop)")

	eng.Run(ctx)

	if !sim.Done() {
		sim.Cancel()
	}
	stats := sim.Stats()
	slog.Info("fair over",
		"tick", eng.Tick(),
		"clock", engine.FairClock(eng.Tick(), eng.Interval),
		"completed", sim.Done(),
		"purchases", stats.Purchases,
		"revenue", stats.Revenue,
		"unreachable", stats.Unreachable,
	)

	if journal != nil {
		if err := journal.Checkpoint(runID, sim, engine.FairClock(eng.Tick(), eng.Interval)); err != nil {
			slog.Error("final journal checkpoint failed", "error", err)
		}
	}
	if db != nil {
		if err := db.SaveRun(runID, sim); err != nil {
			slog.Error("final save failed", "error", err)
		}
	}
	if apiServer != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown", "error", err)
		}
	}

	fmt.Println("Fair closed. Run archived.")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
