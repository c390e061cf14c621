package store

import (
	"context"
	"fmt"
	"strings"
)

// Backend kinds accepted by Open.
const (
	KindJSON   = "json"
	KindSQLite = "sqlite"
)

// Open returns the backend of the given kind for path (without extension).
// JSON stores get ".json", SQLite stores get ".db".
func Open(ctx context.Context, kind, path string) (Backend, error) {
	switch strings.ToLower(kind) {
	case KindJSON, "":
		return NewJSONFile(path + ".json"), nil
	case KindSQLite:
		return OpenSQLite(ctx, path+".db")
	default:
		return nil, fmt.Errorf("unknown store backend: %s", kind)
	}
}

// Count returns the number of entries persisted at path without creating,
// repairing or moving anything.
func Count(ctx context.Context, kind, path string) (int, error) {
	switch strings.ToLower(kind) {
	case KindJSON, "":
		return NewJSONFile(path + ".json").Count(ctx)
	case KindSQLite:
		return CountSQLite(ctx, path+".db")
	default:
		return 0, fmt.Errorf("unknown store backend: %s", kind)
	}
}
