package models

import (
	"time"
)

// FetcherConfig holds configuration for the review fetcher
type FetcherConfig struct {
	URLTemplate string        `json:"url_template"`
	Country     string        `json:"country"`
	Format      string        `json:"format"` // "json" or "xml"
	UserAgent   string        `json:"user_agent"`
	Timeout     time.Duration `json:"timeout"`
	Rate        float64       `json:"rate"` // requests per second
}

// SchedulerConfig holds configuration for the job trigger
type SchedulerConfig struct {
	Location   *time.Location `json:"-"`
	RunTimeout time.Duration  `json:"run_timeout"`
}

// DefaultSchedulerConfig returns default scheduler configuration
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Location:   time.Local,
		RunTimeout: time.Minute,
	}
}
