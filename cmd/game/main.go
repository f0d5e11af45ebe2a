package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"

	"github.com/tatianab/nearfield/internal/config"
	"github.com/tatianab/nearfield/internal/content"
	"github.com/tatianab/nearfield/internal/engine"
	"github.com/tatianab/nearfield/internal/events"
	"github.com/tatianab/nearfield/internal/interaction"
	"github.com/tatianab/nearfield/internal/orchestrator"
	"github.com/tatianab/nearfield/internal/repository"
	"github.com/tatianab/nearfield/internal/tracker"
	"github.com/tatianab/nearfield/internal/tui"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	store, err := loadContent(cfg)
	if err != nil {
		return err
	}
	library := content.NewLibrary(store)
	if cfg.WatchContent && cfg.ContentDir != "" {
		if err := content.Watch(ctx, cfg.ContentDir, library, logger); err != nil {
			logger.Warn("content hot reload disabled", "error", err)
		}
	}

	snapshots, closeStore, err := openSnapshots(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	repo := repository.New(
		repository.WithStore(snapshots, cfg.Snapshot.Compress),
		repository.WithLogger(logger),
	)
	if err := repo.Restore(ctx); err != nil {
		logger.Error("restore failed, starting fresh", "error", err)
	}

	var provider interaction.DialogueProvider = content.Scripted{Source: library}
	if cfg.Dialogue.Provider == "gemini" {
		eng, err := engine.NewEngine(ctx, cfg.Dialogue.GeminiAPIKey, cfg.Dialogue.GeminiModel)
		if err != nil {
			return fmt.Errorf("create engine: %w", err)
		}
		defer eng.Close()
		provider = interaction.Fallback(eng, provider, logger)
	}

	clues := tracker.New(repo, library, logger)
	bus := events.NewBus()
	orch := orchestrator.New(orchestrator.Options{
		PlayerID:   cfg.PlayerID,
		Repo:       repo,
		Content:    library,
		Tracker:    clues,
		Turns:      interaction.New(provider, repo, logger),
		Bus:        bus,
		UnitDelay:  cfg.Pacing.UnitDelay,
		GraceDelay: cfg.Pacing.GraceDelay,
		Logger:     logger,
	})

	// Every clue in the loaded packs reaches the player's inbox.
	for _, c := range library.Clues() {
		if _, err := clues.ReceiveClue(cfg.PlayerID, c.ID); err != nil {
			logger.Warn("receive clue", "clue", c.ID, "error", err)
		}
	}

	err = tui.Run(ctx, tui.Deps{
		PlayerID:     cfg.PlayerID,
		Orchestrator: orch,
		Tracker:      clues,
		Repo:         repo,
		Bus:          bus,
	})
	orch.ExitStory()
	if err != nil {
		return fmt.Errorf("run TUI: %w", err)
	}
	return nil
}

func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Log.File == "" {
		return slog.New(slog.DiscardHandler), func() {}, nil
	}
	f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	return logger, func() { f.Close() }, nil
}

func loadContent(cfg *config.Config) (*content.Store, error) {
	if cfg.ContentDir == "" {
		store, err := content.Default()
		if err != nil {
			return nil, fmt.Errorf("load built-in content: %w", err)
		}
		return store, nil
	}
	store, err := content.LoadDir(cfg.ContentDir)
	if err != nil {
		return nil, fmt.Errorf("load content from %s: %w", cfg.ContentDir, err)
	}
	return store, nil
}

func openSnapshots(cfg *config.Config, logger *slog.Logger) (repository.SnapshotStore, func(), error) {
	switch cfg.Snapshot.Backend {
	case "sqlite":
		if err := os.MkdirAll(cfg.SaveDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create save dir: %w", err)
		}
		db, err := repository.OpenSQLite(cfg.SQLitePath())
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	case "memory":
		return &repository.MemoryStore{}, func() {}, nil
	default:
		if saves, err := repository.ListSaves(cfg.SaveDir); err == nil {
			logger.Info("file snapshots", "dir", cfg.SaveDir, "players", saves, "current", cfg.PlayerID)
		}
		return repository.NewFileStore(cfg.SaveDir, cfg.PlayerID), func() {}, nil
	}
}
