package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/megatera/review-feed/internal/core"
	"github.com/megatera/review-feed/internal/features/digest/models"
)

const maxFeedBytes = 8 << 20

// label is the iTunes JSON wrapper around every scalar value
type label struct {
	Label string `json:"label"`
}

// jsonContent carries the content label plus its declared type
type jsonContent struct {
	Label      string `json:"label"`
	Attributes struct {
		Type string `json:"type"`
	} `json:"attributes"`
}

// jsonEntry represents one entry of the iTunes customer review JSON feed
type jsonEntry struct {
	ID      label       `json:"id"`
	Title   label       `json:"title"`
	Updated label       `json:"updated"`
	Rating  *label      `json:"im:rating"`
	Content jsonContent `json:"content"`
	Author  struct {
		Name label `json:"name"`
	} `json:"author"`
}

// entryList accepts both an array and the lone object the feed returns
// when there is exactly one entry
type entryList []jsonEntry

func (l *entryList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*l = nil
		return nil
	case data[0] == '{':
		var one jsonEntry
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*l = entryList{one}
		return nil
	default:
		var many []jsonEntry
		if err := json.Unmarshal(data, &many); err != nil {
			return err
		}
		*l = many
		return nil
	}
}

// jsonEnvelope represents the iTunes customer review JSON feed
type jsonEnvelope struct {
	Feed *struct {
		Entry entryList `json:"entry"`
	} `json:"feed"`
}

// FetcherService retrieves customer review feeds
type FetcherService struct {
	client   *http.Client
	logger   *core.Logger
	config   *models.FetcherConfig
	limiter  *rate.Limiter
	group    singleflight.Group
	renderer *ContentRenderer
}

// NewFetcherService creates a new fetcher service
func NewFetcherService(logger *core.Logger, config *models.FetcherConfig, renderer *ContentRenderer) *FetcherService {
	client := &http.Client{
		Timeout: config.Timeout,
	}

	limit := rate.Limit(config.Rate)
	if config.Rate <= 0 {
		limit = rate.Inf
	}

	return &FetcherService{
		client:   client,
		logger:   logger,
		config:   config,
		limiter:  rate.NewLimiter(limit, 1),
		renderer: renderer,
	}
}

// FeedURL returns the feed location for appID
func (f *FetcherService) FeedURL(appID string) string {
	return fmt.Sprintf(f.config.URLTemplate, f.config.Country, appID, f.config.Format)
}

// FetchReviews fetches the review feed for appID, newest first. Concurrent
// calls for the same app id share one request. The shared request is bounded
// by the fetch timeout only; a caller whose ctx ends stops waiting for it
// without failing the others.
func (f *FetcherService) FetchReviews(ctx context.Context, appID string) ([]models.Review, error) {
	ch := f.group.DoChan(appID, func() (interface{}, error) {
		return f.fetch(context.WithoutCancel(ctx), appID)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, core.NewFetchError("feed fetch abandoned", ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		f.logger.Debug("Shared in-flight feed fetch", "app_id", appID)
	}

	reviews := res.Val.([]models.Review)
	out := make([]models.Review, len(reviews))
	copy(out, reviews)
	return out, nil
}

func (f *FetcherService) fetch(ctx context.Context, appID string) ([]models.Review, error) {
	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, core.NewFetchError("rate limiter wait aborted", err)
	}

	feedURL := f.FeedURL(appID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, core.NewFetchError("failed to create request", err)
	}

	req.Header.Set("User-Agent", f.config.UserAgent)
	if f.config.Format == "xml" {
		req.Header.Set("Accept", "application/atom+xml, application/xml, text/xml")
	} else {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, core.NewFetchError("failed to fetch feed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, core.NewFetchError(fmt.Sprintf("feed returned status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, core.NewFetchError("failed to read response body", err)
	}

	var reviews []models.Review
	if f.config.Format == "xml" {
		reviews, err = f.parseAtom(body)
	} else {
		reviews, err = f.parseJSON(body)
	}
	if err != nil {
		return nil, core.NewFetchError("failed to parse feed", err)
	}

	// newest first, index 0 = most recent
	sort.SliceStable(reviews, func(i, j int) bool {
		return reviews[i].UpdatedAt.After(reviews[j].UpdatedAt)
	})

	f.logger.Info("Fetched review feed", "app_id", appID, "reviews", len(reviews))
	return reviews, nil
}

func (f *FetcherService) parseJSON(body []byte) ([]models.Review, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if env.Feed == nil {
		return nil, fmt.Errorf("feed envelope missing")
	}

	reviews := make([]models.Review, 0, len(env.Feed.Entry))
	for _, e := range env.Feed.Entry {
		// the app itself shows up as an entry without a rating
		if e.Rating == nil {
			continue
		}
		r, err := f.buildReview(e.ID.Label, e.Title.Label, e.Author.Name.Label, e.Rating.Label, e.Updated.Label, e.Content.Label, e.Content.Attributes.Type)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, r)
	}
	return reviews, nil
}

func (f *FetcherService) parseAtom(body []byte) ([]models.Review, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	reviews := make([]models.Review, 0, len(feed.Items))
	for _, item := range feed.Items {
		rating := extensionValue(item, "im", "rating")
		if rating == "" {
			continue
		}
		author := ""
		if len(item.Authors) > 0 && item.Authors[0] != nil {
			author = item.Authors[0].Name
		}
		updated := item.Updated
		if item.UpdatedParsed != nil {
			updated = item.UpdatedParsed.Format(time.RFC3339Nano)
		}
		r, err := f.buildReview(item.GUID, item.Title, author, rating, updated, item.Content, "html")
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, r)
	}
	return reviews, nil
}

func extensionValue(item *gofeed.Item, prefix, name string) string {
	if item.Extensions == nil {
		return ""
	}
	exts := item.Extensions[prefix][name]
	if len(exts) == 0 {
		return ""
	}
	return strings.TrimSpace(exts[0].Value)
}

func (f *FetcherService) buildReview(id, title, author, rating, updated, content, contentType string) (models.Review, error) {
	stars, err := strconv.Atoi(strings.TrimSpace(rating))
	if err != nil || stars < 1 || stars > 5 {
		return models.Review{}, fmt.Errorf("review %s: invalid rating %q", id, rating)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(updated))
	if err != nil {
		return models.Review{}, fmt.Errorf("review %s: invalid updated time %q: %w", id, updated, err)
	}

	md, err := f.renderer.Markdown(content, contentType)
	if err != nil {
		return models.Review{}, fmt.Errorf("review %s: %w", id, err)
	}

	return models.Review{
		ID:         id,
		Title:      title,
		AuthorName: author,
		Rating:     stars,
		Content:    md,
		UpdatedAt:  updatedAt,
	}, nil
}
