package calls

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("call session not found in store")
	ErrVersionConflict = errors.New("call session was modified concurrently")
)

// Store persists call sessions. Save succeeds only when the stored version
// equals s.Version and returns the session with its new version.
type Store interface {
	Create(ctx context.Context, s Session) error
	FindByID(ctx context.Context, id string) (Session, error)
	Save(ctx context.Context, s Session) (Session, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Session, error)
	ListMissed(ctx context.Context, recipientID string, limit int) ([]Session, error)
	Statistics(ctx context.Context, userID string) (Statistics, error)
	Mode() string
	Close() error
}

const defaultListLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}
