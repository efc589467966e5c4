package models

import "time"

// NoNewReviews is the digest body written when nothing passed the watermark
const NoNewReviews = "No new reviews today"

// DigestResult describes one completed digest run
type DigestResult struct {
	RunID        string     `json:"run_id"`
	AppID        string     `json:"app_id"`
	GeneratedAt  time.Time  `json:"generated_at"`
	Reviews      []Review   `json:"reviews"` // oldest first
	Body         string     `json:"-"`
	DigestPath   string     `json:"digest_path"`
	Watermark    *time.Time `json:"watermark,omitempty"`
	CacheUpdated bool       `json:"cache_updated"`
}

// Empty reports whether the run found nothing new
func (r *DigestResult) Empty() bool {
	return len(r.Reviews) == 0
}
