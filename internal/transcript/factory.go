package transcript

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed store when databaseURL is set, otherwise
// a bounded in-memory one.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(DefaultPerClientLimit), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
