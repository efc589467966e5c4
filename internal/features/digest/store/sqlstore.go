package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/megatera/review-feed/internal/core"
	"github.com/megatera/review-feed/internal/features/digest/migrations"
	"github.com/megatera/review-feed/internal/features/digest/models"
)

const subscriptionsTable = "digest_subscriptions"

// SQLStore keeps subscriptions in SQLite, one row per app id
type SQLStore struct {
	db     *core.Database
	logger *core.Logger
	ownsDB bool
}

// NewSQLStore applies pending migrations and returns the store
func NewSQLStore(ctx context.Context, db *core.Database, logger *core.Logger) (*SQLStore, error) {
	if err := migrations.NewManager(db, logger).Migrate(ctx); err != nil {
		return nil, fmt.Errorf("taskstore: migrate: %w", err)
	}
	return &SQLStore{db: db, logger: logger}, nil
}

func (s *SQLStore) Load(ctx context.Context) (map[string]models.Subscription, error) {
	query, args, err := sq.Select("app_id", "minute", "hour", "scheduled", "limit_count").
		From(subscriptionsTable).
		OrderBy("app_id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskstore: query subscriptions: %w", err)
	}
	defer rows.Close()

	subs := make(map[string]models.Subscription)
	for rows.Next() {
		var sub models.Subscription
		if err := rows.Scan(&sub.AppID, &sub.Minute, &sub.Hour, &sub.Scheduled, &sub.Limit); err != nil {
			return nil, fmt.Errorf("taskstore: scan subscription: %w", err)
		}
		subs[sub.AppID] = sub
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskstore: iterate subscriptions: %w", err)
	}
	return subs, nil
}

func (s *SQLStore) Save(ctx context.Context, sub models.Subscription) error {
	query, args, err := sq.Insert(subscriptionsTable).
		Columns("app_id", "minute", "hour", "scheduled", "limit_count").
		Values(sub.AppID, sub.Minute, sub.Hour, sub.Scheduled, sub.Limit).
		Suffix(`ON CONFLICT(app_id) DO UPDATE SET
			minute = excluded.minute,
			hour = excluded.hour,
			scheduled = excluded.scheduled,
			limit_count = excluded.limit_count,
			updated_at = CURRENT_TIMESTAMP`).
		ToSql()
	if err != nil {
		return err
	}

	if _, err := s.db.ExecWithTimeout(ctx, query, args...); err != nil {
		return fmt.Errorf("taskstore: upsert %s: %w", sub.AppID, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
