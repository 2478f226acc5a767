package store

import (
	"context"
	"fmt"

	"github.com/btouchard/teamsphere/internal/config"
)

// Open returns the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLiteStore(cfg.Path)
	case "mongo":
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
