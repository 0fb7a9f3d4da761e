package database

import (
	"fmt"

	"panoptes-go/internal/config"
	"panoptes-go/internal/panoptes"
)

// NewStoreFromConfig creates a Store implementation based on the database config type.
func NewStoreFromConfig(cfg config.DatabaseConfig, clock panoptes.Clock, idgen panoptes.IDGenerator) (*SQLiteStore, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.Path == "" {
			return nil, panoptes.E(panoptes.KindConfig, "create store", fmt.Errorf("path required for sqlite database"))
		}
		return NewSQLiteStore(cfg.Path, clock, idgen)
	case "memory":
		return NewSQLiteStore(MemoryPath, clock, idgen)
	default:
		return nil, panoptes.E(panoptes.KindConfig, "create store", fmt.Errorf("unknown database type: %s", cfg.Type))
	}
}
