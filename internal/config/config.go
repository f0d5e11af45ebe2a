package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config holds the application configuration. Values come from defaults,
// then the TOML config file, then the environment.
type Config struct {
	PlayerID     string `toml:"player_id" env:"NEARFIELD_PLAYER_ID"`
	ContentDir   string `toml:"content_dir" env:"NEARFIELD_CONTENT_DIR"`
	WatchContent bool   `toml:"watch_content" env:"NEARFIELD_WATCH_CONTENT"`
	SaveDir      string `toml:"save_dir" env:"NEARFIELD_SAVE_DIR"`

	Snapshot SnapshotConfig `toml:"snapshot"`
	Pacing   PacingConfig   `toml:"pacing"`
	Dialogue DialogueConfig `toml:"dialogue"`
	Log      LogConfig      `toml:"log"`
}

type SnapshotConfig struct {
	Backend  string `toml:"backend" env:"NEARFIELD_SNAPSHOT_BACKEND"` // file, sqlite or memory
	Compress bool   `toml:"compress" env:"NEARFIELD_SNAPSHOT_COMPRESS"`
}

type PacingConfig struct {
	UnitDelay  time.Duration `toml:"unit_delay" env:"NEARFIELD_UNIT_DELAY"`
	GraceDelay time.Duration `toml:"grace_delay" env:"NEARFIELD_GRACE_DELAY"`
}

type DialogueConfig struct {
	Provider     string `toml:"provider" env:"NEARFIELD_DIALOGUE"` // scripted or gemini
	GeminiModel  string `toml:"gemini_model" env:"GEMINI_MODEL"`
	GeminiAPIKey string `toml:"-" env:"GEMINI_API_KEY"`            // environment only
}

type LogConfig struct {
	Level string `toml:"level" env:"NEARFIELD_LOG_LEVEL"`
	File  string `toml:"file" env:"NEARFIELD_LOG_FILE"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PlayerID: "player",
		SaveDir:  ".saves",
		Snapshot: SnapshotConfig{
			Backend:  "file",
			Compress: false,
		},
		Pacing: PacingConfig{
			UnitDelay:  1200 * time.Millisecond,
			GraceDelay: 2 * time.Second,
		},
		Dialogue: DialogueConfig{
			Provider:    "scripted",
			GeminiModel: "gemini-2.5-flash",
		},
		Log: LogConfig{
			Level: "info",
			File:  "nearfield.log",
		},
	}
}

// LoadConfig reads the first config file found on the standard paths, then
// applies environment overrides.
func LoadConfig() (*Config, error) {
	for _, p := range configPaths() {
		if _, err := os.Stat(p); err == nil {
			return LoadFile(p)
		}
	}
	return LoadFile("")
}

// LoadFile is LoadConfig with an explicit file; an empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.ContentDir = expandHome(cfg.ContentDir)
	cfg.SaveDir = expandHome(cfg.SaveDir)
	cfg.Log.File = expandHome(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.PlayerID == "" {
		return fmt.Errorf("player_id must not be empty")
	}
	switch c.Snapshot.Backend {
	case "file", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown snapshot backend %q", c.Snapshot.Backend)
	}
	switch c.Dialogue.Provider {
	case "scripted":
	case "gemini":
		if c.Dialogue.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY environment variable is not set")
		}
	default:
		return fmt.Errorf("unknown dialogue provider %q", c.Dialogue.Provider)
	}
	if c.Pacing.UnitDelay < 0 || c.Pacing.GraceDelay < 0 {
		return fmt.Errorf("pacing delays must not be negative")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses Log.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

// SQLitePath is where the sqlite snapshot backend keeps its database.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.SaveDir, "nearfield.db")
}

func configPaths() []string {
	var paths []string

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "nearfield", "config.toml"))
	}

	home, _ := os.UserHomeDir()
	if home != "" {
		paths = append(paths, filepath.Join(home, ".config", "nearfield", "config.toml"))
	}

	return paths
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
