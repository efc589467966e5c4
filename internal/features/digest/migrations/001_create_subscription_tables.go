package migrations

import (
	"github.com/megatera/review-feed/internal/core"
)

// Migration001CreateSubscriptionTables creates the subscription registry table
var Migration001CreateSubscriptionTables = core.Migration{
	Version:     1,
	Name:        "create_subscription_tables",
	Description: "Create digest subscription registry",
	UpSQL: `
		CREATE TABLE IF NOT EXISTS digest_subscriptions (
			app_id TEXT PRIMARY KEY CHECK (length(app_id) = 9),
			minute INTEGER NOT NULL CHECK (minute BETWEEN 0 AND 59),
			hour INTEGER NOT NULL CHECK (hour BETWEEN 0 AND 23),
			scheduled BOOLEAN NOT NULL DEFAULT 0,
			limit_count INTEGER NOT NULL CHECK (limit_count > 0),
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_digest_subscriptions_scheduled ON digest_subscriptions(scheduled);
	`,
	DownSQL: `
		DROP INDEX IF EXISTS idx_digest_subscriptions_scheduled;
		DROP TABLE IF EXISTS digest_subscriptions;
	`,
}
