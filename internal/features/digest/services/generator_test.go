package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/megatera/review-feed/internal/core"
	"github.com/megatera/review-feed/internal/features/digest/models"
	"github.com/megatera/review-feed/internal/features/digest/store"
)

const testApp = "123456789"

func newTestGenerator(source ReviewSource, artifacts ArtifactRepository) *GeneratorService {
	g := NewGeneratorService(source, artifacts, nil, core.NopLogger())
	clock := baseTime
	g.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return g
}

func TestGenerateFirstAndSecondRun(t *testing.T) {
	source := &fakeSource{}
	artifacts := store.NewArtifactStore(t.TempDir(), t.TempDir())
	g := newTestGenerator(source, artifacts)
	ctx := context.Background()

	// first ever run: D1..D5, limit 2
	source.set(days(1, 2, 3, 4, 5), nil)
	result, err := g.Generate(ctx, testApp, 2)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if len(result.Reviews) != 2 || result.Reviews[0].ID != "r4" || result.Reviews[1].ID != "r5" {
		t.Fatalf("Expected D4 then D5, got %+v", result.Reviews)
	}
	if strings.Index(result.Body, "Review D4") > strings.Index(result.Body, "Review D5") {
		t.Error("Expected digest body ordered oldest first")
	}
	if result.Watermark == nil || !result.Watermark.Equal(day(5).UpdatedAt) {
		t.Errorf("Expected watermark D5, got %v", result.Watermark)
	}
	if !result.CacheUpdated {
		t.Error("Expected cache to be updated")
	}

	doc, _ := artifacts.ReadCache(ctx, testApp)
	if !strings.HasPrefix(doc, "# Review D5\n### Date: "+day(5).UpdatedAt.Format(time.RFC3339)) {
		t.Errorf("Expected cache to start with D5, got:\n%s", doc)
	}

	// second run: D6 appears
	source.set(days(1, 2, 3, 4, 5, 6), nil)
	result, err = g.Generate(ctx, testApp, 2)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(result.Reviews) != 1 || result.Reviews[0].ID != "r6" {
		t.Fatalf("Expected only D6, got %+v", result.Reviews)
	}
	if !result.Watermark.Equal(day(6).UpdatedAt) {
		t.Errorf("Expected watermark D6, got %v", result.Watermark)
	}

	digest, err := readFile(result.DigestPath)
	if err != nil {
		t.Fatalf("read digest: %v", err)
	}
	if strings.Contains(digest, "Review D5") || !strings.Contains(digest, "Review D6") {
		t.Errorf("Digest should contain only D6:\n%s", digest)
	}
}

func TestGenerateIdempotentWithoutNewReviews(t *testing.T) {
	source := &fakeSource{}
	artifacts := newMemArtifacts()
	g := newTestGenerator(source, artifacts)
	ctx := context.Background()

	source.set(days(1, 2, 3), nil)
	if _, err := g.Generate(ctx, testApp, 5); err != nil {
		t.Fatalf("seed run: %v", err)
	}
	before := artifacts.caches[testApp]

	for i := 0; i < 2; i++ {
		result, err := g.Generate(ctx, testApp, 5)
		if err != nil {
			t.Fatalf("repeat run %d: %v", i, err)
		}
		if result.Body != models.NoNewReviews {
			t.Errorf("Expected %q, got %q", models.NoNewReviews, result.Body)
		}
		if result.CacheUpdated {
			t.Error("Expected cache untouched")
		}
		if artifacts.caches[testApp] != before {
			t.Error("Cache changed on a run without new reviews")
		}
	}
	if artifacts.digestCount() != 3 {
		t.Errorf("Expected a digest document for every run, got %d", artifacts.digestCount())
	}
}

func TestGenerateLimitTakesNewest(t *testing.T) {
	source := &fakeSource{}
	g := newTestGenerator(source, newMemArtifacts())

	source.set(days(1, 2, 3, 4, 5, 6, 7, 8, 9, 10), nil)
	result, err := g.Generate(context.Background(), testApp, 3)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var ids []string
	for _, r := range result.Reviews {
		ids = append(ids, r.ID)
	}
	if strings.Join(ids, ",") != "r8,r9,r10" {
		t.Errorf("Expected r8,r9,r10, got %v", ids)
	}
}

func TestGenerateLimitAboveAvailable(t *testing.T) {
	source := &fakeSource{}
	g := newTestGenerator(source, newMemArtifacts())

	source.set(days(1, 2), nil)
	result, err := g.Generate(context.Background(), testApp, 50)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(result.Reviews) != 2 {
		t.Errorf("Expected all 2 reviews, got %d", len(result.Reviews))
	}
}

func TestGenerateFetchFailureWritesNothing(t *testing.T) {
	source := &fakeSource{}
	artifacts := newMemArtifacts()
	g := newTestGenerator(source, artifacts)

	source.set(nil, errors.New("connection refused"))
	_, err := g.Generate(context.Background(), testApp, 2)
	if !core.HasCode(err, core.ErrCodeFetch) {
		t.Fatalf("Expected fetch error, got %v", err)
	}
	if artifacts.digestCount() != 0 || len(artifacts.caches) != 0 {
		t.Error("Expected no documents written after a fetch failure")
	}
}

func TestGenerateCorruptCacheWritesNothing(t *testing.T) {
	source := &fakeSource{}
	artifacts := newMemArtifacts()
	artifacts.caches[testApp] = "not a digest cache"
	g := newTestGenerator(source, artifacts)

	source.set(days(1, 2), nil)
	_, err := g.Generate(context.Background(), testApp, 2)
	if !core.HasCode(err, core.ErrCodeCacheCorruption) {
		t.Fatalf("Expected cache corruption error, got %v", err)
	}
	if artifacts.digestCount() != 0 {
		t.Error("Expected no digest written")
	}
	if artifacts.caches[testApp] != "not a digest cache" {
		t.Error("Expected corrupt cache left untouched")
	}
}

func TestGenerateWriteFailure(t *testing.T) {
	source := &fakeSource{}
	artifacts := newMemArtifacts()
	artifacts.writeErr = errors.New("disk full")
	g := newTestGenerator(source, artifacts)

	source.set(days(1), nil)
	_, err := g.Generate(context.Background(), testApp, 1)
	if !core.HasCode(err, core.ErrCodePersistence) {
		t.Fatalf("Expected persistence error, got %v", err)
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	g := newTestGenerator(&fakeSource{}, newMemArtifacts())

	if _, err := g.Generate(context.Background(), "12345678", 1); !core.HasCode(err, core.ErrCodeValidation) {
		t.Errorf("Expected validation error for bad app id, got %v", err)
	}
	if _, err := g.Generate(context.Background(), testApp, 0); !core.HasCode(err, core.ErrCodeValidation) {
		t.Errorf("Expected validation error for zero limit, got %v", err)
	}
}

type recordingNotifier struct {
	sent []*models.DigestResult
	err  error
}

func (n *recordingNotifier) SendDigest(ctx context.Context, result *models.DigestResult) error {
	n.sent = append(n.sent, result)
	return n.err
}

func TestGenerateNotifiesNonEmptyOnly(t *testing.T) {
	source := &fakeSource{}
	notifier := &recordingNotifier{err: errors.New("smtp down")}
	g := NewGeneratorService(source, newMemArtifacts(), notifier, core.NopLogger())

	source.set(days(1), nil)
	if _, err := g.Generate(context.Background(), testApp, 1); err != nil {
		t.Fatalf("notifier failure must not fail the run: %v", err)
	}
	if _, err := g.Generate(context.Background(), testApp, 1); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(notifier.sent) != 1 {
		t.Errorf("Expected 1 notification, got %d", len(notifier.sent))
	}
}

func TestSelectNew(t *testing.T) {
	reviews := days(1, 2, 3, 4)
	got := SelectNew(reviews, day(2).UpdatedAt, true, 10)
	if len(got) != 2 || got[0].ID != "r4" || got[1].ID != "r3" {
		t.Errorf("Expected r4,r3 newest first, got %+v", got)
	}

	// an entry dated exactly at the watermark was already digested
	got = SelectNew(reviews, day(4).UpdatedAt, true, 10)
	if len(got) != 0 {
		t.Errorf("Expected nothing newer than watermark, got %d", len(got))
	}
}

func TestGenerateSameAppRunsSerialize(t *testing.T) {
	source := &fakeSource{}
	source.set(days(1, 2, 3), nil)
	artifacts := newMemArtifacts()
	g := NewGeneratorService(source, artifacts, nil, core.NopLogger())

	const runs = 4
	results := make(chan *models.DigestResult, runs)
	errs := make(chan error, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := g.Generate(context.Background(), testApp, 10)
			if err != nil {
				errs <- err
				return
			}
			results <- result
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("Generate: %v", err)
	}

	withReviews := 0
	for result := range results {
		switch {
		case len(result.Reviews) == 3:
			withReviews++
		case result.Body == models.NoNewReviews:
		default:
			t.Errorf("Unexpected partial digest with %d reviews", len(result.Reviews))
		}
	}
	if withReviews != 1 {
		t.Errorf("Expected exactly one run to digest the reviews, got %d", withReviews)
	}

	doc, _ := artifacts.ReadCache(context.Background(), testApp)
	for _, n := range []int{1, 2, 3} {
		title := day(n).Title
		if c := strings.Count(doc, "# "+title+"\n"); c != 1 {
			t.Errorf("Expected %s cached once, got %d", title, c)
		}
	}
}

// gatedArtifacts blocks cache reads for one app id until released
type gatedArtifacts struct {
	*memArtifacts
	appID   string
	entered chan struct{}
	release chan struct{}
}

func (g *gatedArtifacts) ReadCache(ctx context.Context, appID string) (string, error) {
	if appID == g.appID {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.memArtifacts.ReadCache(ctx, appID)
}

func TestGenerateOtherAppProceedsWhileLocked(t *testing.T) {
	const otherApp = "987654321"
	source := &fakeSource{}
	source.set(days(1, 2), nil)
	artifacts := &gatedArtifacts{
		memArtifacts: newMemArtifacts(),
		appID:        testApp,
		entered:      make(chan struct{}, 1),
		release:      make(chan struct{}),
	}
	g := NewGeneratorService(source, artifacts, nil, core.NopLogger())

	held := make(chan error, 1)
	go func() {
		_, err := g.Generate(context.Background(), testApp, 10)
		held <- err
	}()
	<-artifacts.entered

	done := make(chan error, 1)
	go func() {
		result, err := g.Generate(context.Background(), otherApp, 10)
		if err == nil && len(result.Reviews) != 2 {
			err = errors.New("expected both reviews for the other app")
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Other app run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Other app run blocked behind a held run lock")
	}

	// the same app waits for the held lock
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := g.Generate(ctx, testApp, 10); err == nil {
		t.Error("Expected a second run for the locked app to wait until its context ended")
	}

	close(artifacts.release)
	if err := <-held; err != nil {
		t.Errorf("Held run: %v", err)
	}
}
