package session

import (
	"context"
	"fmt"
	"strings"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a Store backend.
type Options struct {
	Backend     string
	MaxTurns    int
	SQLitePath  string
	DatabaseURL string
}

// NewStore creates the configured backend. An empty backend means in-memory.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendMemory:
		return NewMemoryStore(opts.MaxTurns), nil
	case BackendSQLite:
		path := opts.SQLitePath
		if strings.TrimSpace(path) == "" {
			path = "relaychat.db"
		}
		return NewSQLiteStore(path, opts.MaxTurns)
	case BackendPostgres:
		if strings.TrimSpace(opts.DatabaseURL) == "" {
			return nil, fmt.Errorf("postgres session backend requires a database url")
		}
		return NewPostgresStore(ctx, opts.DatabaseURL, opts.MaxTurns)
	default:
		return nil, fmt.Errorf("unknown session backend: %s", opts.Backend)
	}
}
