package digest

import (
	"fmt"
	"strings"

	"github.com/megatera/review-feed/internal/core"
	"github.com/megatera/review-feed/internal/features/digest/models"
)

// Config represents digest feature configuration
type Config struct {
	Enabled       bool
	StoreDriver   string
	TaskStorePath string
	DatabasePath  string
	CacheDir      string
	DigestDir     string
	Fetcher       models.FetcherConfig
	Scheduler     models.SchedulerConfig

	SMTP2GOAPIKey   string
	SMTP2GOSender   string
	DigestRecipient string
}

// NewConfig creates digest config from core config
func NewConfig(coreConfig *core.Config) *Config {
	d := coreConfig.Features.Digest
	return &Config{
		Enabled:       d.Enabled,
		StoreDriver:   strings.ToLower(d.StoreDriver),
		TaskStorePath: d.TaskStorePath,
		DatabasePath:  coreConfig.Database.Path,
		CacheDir:      d.CacheDir,
		DigestDir:     d.DigestDir,
		Fetcher: models.FetcherConfig{
			URLTemplate: d.FeedURLTemplate,
			Country:     d.Country,
			Format:      d.FeedFormat,
			UserAgent:   d.UserAgent,
			Timeout:     d.FetchTimeout,
			Rate:        d.FetchRate,
		},
		Scheduler: models.SchedulerConfig{
			Location:   d.Location(),
			RunTimeout: d.RunTimeout,
		},
		SMTP2GOAPIKey:   d.SMTP2GOAPIKey,
		SMTP2GOSender:   d.SMTP2GOSender,
		DigestRecipient: d.DigestRecipient,
	}
}

// StorePath returns the location the configured task store driver uses
func (c *Config) StorePath() string {
	if c.StoreDriver == "sqlite" || c.StoreDriver == "sqlite3" {
		return c.DatabasePath
	}
	return c.TaskStorePath
}

// MailEnabled reports whether digests are also sent by e-mail
func (c *Config) MailEnabled() bool {
	return c.SMTP2GOAPIKey != "" && c.DigestRecipient != ""
}

// Validate validates the digest configuration
func (c *Config) Validate() error {
	if c.StorePath() == "" {
		return fmt.Errorf("task store path is required")
	}
	if c.CacheDir == "" || c.DigestDir == "" {
		return fmt.Errorf("cache and digest directories are required")
	}
	if strings.Count(c.Fetcher.URLTemplate, "%s") != 3 {
		return fmt.Errorf("feed url template needs three %%s placeholders (country, app id, format)")
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetch timeout must be positive")
	}
	return nil
}
