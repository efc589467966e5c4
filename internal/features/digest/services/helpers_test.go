package services

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/megatera/review-feed/internal/features/digest/models"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// day returns a review dated baseTime + n days
func day(n int) models.Review {
	return models.Review{
		ID:         fmt.Sprintf("r%d", n),
		Title:      fmt.Sprintf("Review D%d", n),
		AuthorName: fmt.Sprintf("author%d", n),
		Rating:     1 + n%5,
		Content:    fmt.Sprintf("Body of review %d", n),
		UpdatedAt:  baseTime.AddDate(0, 0, n),
	}
}

// days returns reviews for the given days, newest first
func days(ns ...int) []models.Review {
	out := make([]models.Review, 0, len(ns))
	for i := len(ns) - 1; i >= 0; i-- {
		out = append(out, day(ns[i]))
	}
	return out
}

type fakeSource struct {
	mu      sync.Mutex
	reviews []models.Review
	err     error
	calls   int
}

func (f *fakeSource) set(reviews []models.Review, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews, f.err = reviews, err
}

func (f *fakeSource) FetchReviews(ctx context.Context, appID string) ([]models.Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.Review, len(f.reviews))
	copy(out, f.reviews)
	return out, nil
}

type memArtifacts struct {
	mu       sync.Mutex
	caches   map[string]string
	digests  map[string]string
	writeErr error
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{caches: map[string]string{}, digests: map[string]string{}}
}

func (m *memArtifacts) ReadCache(ctx context.Context, appID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caches[appID], nil
}

func (m *memArtifacts) WriteCache(ctx context.Context, appID, doc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.caches[appID] = doc
	return nil
}

func (m *memArtifacts) WriteDigest(ctx context.Context, appID string, at time.Time, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return "", m.writeErr
	}
	name := fmt.Sprintf("Daily_Digest_%s_%d.md", appID, len(m.digests))
	m.digests[name] = body
	return name, nil
}

func (m *memArtifacts) digestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.digests)
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}
