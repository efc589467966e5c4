// Package store persists subscription records and digest artifacts.
//
// Two task store drivers exist:
//   - "file": one JSON document mapping app id to its record
//   - "sqlite": a digest_subscriptions table managed by migrations
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/megatera/review-feed/internal/core"
	"github.com/megatera/review-feed/internal/features/digest/models"
)

// TaskStore is the durable subscription registry
type TaskStore interface {
	// Load returns every persisted subscription keyed by app id
	Load(ctx context.Context) (map[string]models.Subscription, error)
	// Save upserts one subscription, leaving other app ids untouched
	Save(ctx context.Context, sub models.Subscription) error
	Close() error
}

// Open initializes the configured task store
func Open(ctx context.Context, driver, path string, logger *core.Logger) (TaskStore, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "file":
		return NewFileStore(path), nil
	case "sqlite", "sqlite3":
		db, err := core.OpenSQLite(path, logger)
		if err != nil {
			return nil, err
		}
		st, err := NewSQLStore(ctx, db, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		st.ownsDB = true
		return st, nil
	default:
		return nil, fmt.Errorf("unknown task store driver: %s", driver)
	}
}
