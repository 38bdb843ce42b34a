package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/deltaview-lab/deltaview/internal/core/stream"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config represents the top-level application config plus resolved stream
// table definitions.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Engine   EngineConfig   `koanf:"engine"`

	// Definitions is populated by Load after parsing definition files.
	Definitions DefinitionsConfig `koanf:"-"`
}

type ServerConfig struct {
	Port int    `koanf:"port"`
	Host string `koanf:"host"`
	Mode string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	Type         string `koanf:"type"` // postgres | memory
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

type EngineConfig struct {
	DefinitionsDir       string `koanf:"definitions_dir"`
	RequireDefinitions   bool   `koanf:"require_definitions"`
	TickInterval         string `koanf:"tick_interval"`
	ReconcileInterval    string `koanf:"reconcile_interval"`
	BatchSize            int    `koanf:"batch_size"`
	WorkerCount          int    `koanf:"worker_count"`
	CardinalityThreshold int    `koanf:"cardinality_threshold"`
	BackoffThreshold     int    `koanf:"backoff_threshold"`
	BackoffMax           string `koanf:"backoff_max"`
}

type DefinitionsConfig struct {
	Dir  string
	Defs []stream.StreamTableDefinition
}

func (c EngineConfig) TickDuration() (time.Duration, error) {
	return parsePositiveDuration("engine.tick_interval", c.TickInterval)
}

func (c EngineConfig) ReconcileDuration() (time.Duration, error) {
	return parsePositiveDuration("engine.reconcile_interval", c.ReconcileInterval)
}

func (c EngineConfig) BackoffMaxDuration() (time.Duration, error) {
	return parsePositiveDuration("engine.backoff_max", c.BackoffMax)
}

func parsePositiveDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be > 0", key)
	}
	return d, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if c.Database.Type != "postgres" && c.Database.Type != "memory" {
		return fmt.Errorf("unsupported database.type %q", c.Database.Type)
	}
	if c.Database.Type == "postgres" {
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required")
		}
		if c.Database.MaxOpenConns <= 0 {
			return fmt.Errorf("database.max_open_conns must be > 0")
		}
		if c.Database.MaxIdleConns <= 0 {
			return fmt.Errorf("database.max_idle_conns must be > 0")
		}
	}

	if strings.TrimSpace(c.Engine.DefinitionsDir) == "" {
		return fmt.Errorf("engine.definitions_dir is required")
	}
	if _, err := c.Engine.TickDuration(); err != nil {
		return err
	}
	if _, err := c.Engine.ReconcileDuration(); err != nil {
		return err
	}
	if _, err := c.Engine.BackoffMaxDuration(); err != nil {
		return err
	}
	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("engine.batch_size must be > 0")
	}
	if c.Engine.WorkerCount <= 0 {
		return fmt.Errorf("engine.worker_count must be > 0")
	}
	if c.Engine.CardinalityThreshold <= 0 {
		return fmt.Errorf("engine.cardinality_threshold must be > 0")
	}
	if c.Engine.BackoffThreshold <= 0 {
		return fmt.Errorf("engine.backoff_threshold must be > 0")
	}

	return nil
}

// Load parses config from file + env, validates it, then loads and validates
// stream table definitions.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                  8080,
		"server.host":                  "0.0.0.0",
		"server.mode":                  "release",
		"database.type":                "postgres",
		"database.dsn":                 "postgres://localhost:5432/deltaview?sslmode=disable",
		"database.max_open_conns":      25,
		"database.max_idle_conns":      25,
		"database.auto_migrate":        true,
		"engine.definitions_dir":       "./config/streams",
		"engine.require_definitions":   true,
		"engine.tick_interval":         "1s",
		"engine.reconcile_interval":    "10m",
		"engine.batch_size":            10000,
		"engine.worker_count":          4,
		"engine.cardinality_threshold": 100000,
		"engine.backoff_threshold":     3,
		"engine.backoff_max":           "5m",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("DELTAVIEW_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "DELTAVIEW_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	repo, err := stream.NewFileSystemDefinitionRepository(cfg.Engine.DefinitionsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load stream definitions: %w", err)
	}
	defs := repo.GetDefinitions()
	if cfg.Engine.RequireDefinitions && len(defs) == 0 {
		return nil, fmt.Errorf("no stream definitions found in %q", cfg.Engine.DefinitionsDir)
	}

	cfg.Definitions = DefinitionsConfig{
		Dir:  cfg.Engine.DefinitionsDir,
		Defs: defs,
	}

	return &cfg, nil
}
