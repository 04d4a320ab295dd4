package calls

import (
	"context"
	"strings"
)

// NewStore picks the backend from databaseURL: postgres:// or postgresql://
// uses Postgres, sqlite: or file: uses SQLite, and empty keeps sessions in
// memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	switch {
	case databaseURL == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(databaseURL, "sqlite:"), strings.HasPrefix(databaseURL, "file:"):
		return NewSQLiteStore(ctx, strings.TrimPrefix(databaseURL, "sqlite:"))
	default:
		return NewPostgresStore(ctx, databaseURL)
	}
}
