package storage

import (
	"context"
	"fmt"
)

// Backend selects a store. Postgres wins over Mongo; with neither set the
// process keeps everything in memory.
type Backend struct {
	PGDSN    string
	MongoURI string
	MongoDB  string
	Migrate  bool
}

func (b Backend) Name() string {
	switch {
	case b.PGDSN != "":
		return "postgres"
	case b.MongoURI != "":
		return "mongo"
	default:
		return "memory"
	}
}

// Open connects to the selected backend and applies its schema when asked.
func Open(ctx context.Context, b Backend) (Store, error) {
	switch b.Name() {
	case "postgres":
		s, err := NewPostgresStore(ctx, b.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if b.Migrate {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		return s, nil
	case "mongo":
		s, err := NewMongoStore(ctx, b.MongoURI, b.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		if b.Migrate {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("migrate mongo: %w", err)
			}
		}
		return s, nil
	default:
		return NewMemoryStore(), nil
	}
}
