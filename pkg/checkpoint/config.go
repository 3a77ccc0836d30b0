package checkpoint

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Config selects and configures a checkpoint backend.
type Config struct {
	// Backend is one of "memory", "file", "redis" or "sql".
	Backend string `yaml:"backend"`
	// Dir is the base directory for the file backend.
	Dir string `yaml:"dir,omitempty"`
	// Driver and DSN configure the sql backend.
	Driver string      `yaml:"driver,omitempty"`
	DSN    string      `yaml:"dsn,omitempty"`
	Redis  RedisConfig `yaml:"redis,omitempty"`
}

// New builds the backend named by cfg.Backend.
func New(cfg Config, log zerolog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "file":
		return NewFileBackend(cfg.Dir, log)
	case "redis":
		return NewRedisBackend(cfg.Redis, log)
	case "sql":
		db, err := OpenSQL(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewSQLBackend(db, log)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s", cfg.Backend)
	}
}
