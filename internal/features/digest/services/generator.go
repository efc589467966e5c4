package services

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/megatera/review-feed/internal/core"
	"github.com/megatera/review-feed/internal/features/digest/models"
)

// ReviewSource returns the remote reviews for an app, newest first
type ReviewSource interface {
	FetchReviews(ctx context.Context, appID string) ([]models.Review, error)
}

// ArtifactRepository stores cache and digest documents
type ArtifactRepository interface {
	ReadCache(ctx context.Context, appID string) (string, error)
	WriteCache(ctx context.Context, appID, doc string) error
	WriteDigest(ctx context.Context, appID string, at time.Time, body string) (string, error)
}

// Notifier delivers a finished, non-empty digest somewhere outside the
// digest directory
type Notifier interface {
	SendDigest(ctx context.Context, result *models.DigestResult) error
}

// GeneratorService produces digests of reviews newer than each app's watermark
type GeneratorService struct {
	source    ReviewSource
	artifacts ArtifactRepository
	notifier  Notifier
	logger    *core.Logger
	runLocks  *KeyedMutex
	now       func() time.Time
}

// NewGeneratorService creates a new generator. notifier may be nil.
func NewGeneratorService(source ReviewSource, artifacts ArtifactRepository, notifier Notifier, logger *core.Logger) *GeneratorService {
	return &GeneratorService{
		source:    source,
		artifacts: artifacts,
		notifier:  notifier,
		logger:    logger,
		runLocks:  NewKeyedMutex(),
		now:       time.Now,
	}
}

// Generate runs one digest for appID keeping at most limit new reviews.
//
// The feed is fetched first. Reading the cache, choosing the new reviews and
// writing the digest and cache documents then happen under a per-app lock, so
// two runs for the same app never interleave their cache reads and writes.
// A fetch failure or an unreadable cache leaves every document untouched.
func (g *GeneratorService) Generate(ctx context.Context, appID string, limit int) (*models.DigestResult, error) {
	if !models.IsAppID(appID) {
		return nil, core.NewValidationError("Invalid app id", nil)
	}
	if limit <= 0 {
		return nil, core.NewValidationError("Invalid limit parameter", nil)
	}

	runID := uuid.NewString()
	logger := g.logger.WithApp(appID).With("run_id", runID)
	logger.Info("Starting digest run", "limit", limit)

	reviews, err := g.source.FetchReviews(ctx, appID)
	if err != nil {
		logger.Error("Feed fetch failed", "error", err)
		var appErr *core.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, core.NewFetchError("failed to fetch reviews", err)
	}

	unlock, err := g.runLocks.Lock(ctx, appID)
	if err != nil {
		return nil, core.NewInternalError("digest run cancelled while waiting for lock", err)
	}
	result, err := g.generateLocked(ctx, appID, limit, reviews)
	unlock()
	if err != nil {
		logger.Error("Digest run failed", "error", err)
		return nil, err
	}
	result.RunID = runID

	logger.Info("Digest run completed",
		"new_reviews", len(result.Reviews),
		"digest", result.DigestPath,
		"cache_updated", result.CacheUpdated)

	if g.notifier != nil && !result.Empty() {
		if err := g.notifier.SendDigest(ctx, result); err != nil {
			logger.Error("Failed to deliver digest", "error", err)
		}
	}

	return result, nil
}

func (g *GeneratorService) generateLocked(ctx context.Context, appID string, limit int, reviews []models.Review) (*models.DigestResult, error) {
	doc, err := g.artifacts.ReadCache(ctx, appID)
	if err != nil {
		return nil, core.NewPersistenceError("failed to read cache artifact", err)
	}

	artifact, err := DecodeArtifact(doc)
	if err != nil {
		return nil, err
	}

	watermark, hasWatermark := artifact.Watermark()
	fresh := SelectNew(reviews, watermark, hasWatermark, limit)

	result := &models.DigestResult{
		AppID:       appID,
		GeneratedAt: g.now(),
		Reviews:     oldestFirst(fresh),
	}
	if hasWatermark {
		result.Watermark = &watermark
	}

	if len(fresh) == 0 {
		result.Body = models.NoNewReviews
		path, err := g.artifacts.WriteDigest(ctx, appID, result.GeneratedAt, result.Body)
		if err != nil {
			return nil, core.NewPersistenceError("failed to write digest document", err)
		}
		result.DigestPath = path
		return result, nil
	}

	result.Body = EncodeBlocks(result.Reviews)
	updated := artifact.Prepend(fresh)

	// digest before cache; a failed cache write means the next run repeats these reviews
	path, err := g.artifacts.WriteDigest(ctx, appID, result.GeneratedAt, result.Body)
	if err != nil {
		return nil, core.NewPersistenceError("failed to write digest document", err)
	}
	result.DigestPath = path

	if err := g.artifacts.WriteCache(ctx, appID, updated.String()); err != nil {
		return nil, core.NewPersistenceError("failed to write cache artifact", err)
	}
	result.CacheUpdated = true
	newest := fresh[0].UpdatedAt
	result.Watermark = &newest

	return result, nil
}

// SelectNew returns the limit newest reviews strictly newer than the
// watermark, newest first. Without a watermark every review qualifies.
func SelectNew(reviews []models.Review, watermark time.Time, hasWatermark bool, limit int) []models.Review {
	sorted := make([]models.Review, len(reviews))
	copy(sorted, reviews)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})

	fresh := make([]models.Review, 0, len(sorted))
	for _, r := range sorted {
		if hasWatermark && !r.UpdatedAt.After(watermark) {
			continue
		}
		fresh = append(fresh, r)
	}
	if limit > 0 && len(fresh) > limit {
		fresh = fresh[:limit]
	}
	return fresh
}

func oldestFirst(newestFirst []models.Review) []models.Review {
	out := make([]models.Review, len(newestFirst))
	for i, r := range newestFirst {
		out[len(out)-1-i] = r
	}
	return out
}
