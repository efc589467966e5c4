package services

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/megatera/review-feed/internal/core"
	"github.com/megatera/review-feed/internal/features/digest/models"
)

// Block layout of the cache artifact and digest documents:
//
//	# <title>
//	### Date: <RFC3339, fractional seconds kept>
//	### Author: <name>
//	### Rating: <1-5>
//	<markdown content>
//
//	***
//
// The date line of the first block is the watermark.
const (
	titlePrefix  = "# "
	datePrefix   = "### Date: "
	authorPrefix = "### Author: "
	ratingPrefix = "### Rating: "
	ruleLine     = "***"
)

var errNoHeader = errors.New("document does not start with an entry header")

// Artifact is the decoded per-app cache: every review already digested,
// newest first.
type Artifact struct {
	Entries []models.Review
	raw     string
}

// DecodeArtifact parses a cache document. An empty document is a valid empty
// artifact; a non-empty one whose first block has no readable date is a
// cache corruption error.
func DecodeArtifact(doc string) (*Artifact, error) {
	if strings.TrimSpace(doc) == "" {
		return &Artifact{}, nil
	}

	lines := strings.Split(doc, "\n")
	var entries []models.Review
	i := 0
	for {
		for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
			i++
		}
		if i >= len(lines) {
			break
		}
		if !isHeader(lines, i) {
			if len(entries) == 0 {
				return nil, core.NewCacheCorruptionError("watermark not found", errNoHeader)
			}
			// stray text between blocks belongs to nobody
			i++
			continue
		}

		entry, next, err := decodeBlock(lines, i)
		if err != nil {
			if len(entries) == 0 {
				return nil, core.NewCacheCorruptionError("watermark unreadable", err)
			}
			i = next
			continue
		}
		entries = append(entries, entry)
		i = next
	}

	return &Artifact{Entries: entries, raw: doc}, nil
}

func isHeader(lines []string, i int) bool {
	return strings.HasPrefix(lines[i], titlePrefix) &&
		i+1 < len(lines) && strings.HasPrefix(lines[i+1], datePrefix)
}

// decodeBlock reads the block starting at lines[i] and returns the index of
// the first line after it.
func decodeBlock(lines []string, i int) (models.Review, int, error) {
	var r models.Review
	r.Title = strings.TrimPrefix(lines[i], titlePrefix)

	rawDate := strings.TrimSpace(strings.TrimPrefix(lines[i+1], datePrefix))
	i += 2

	// content runs to the rule that precedes the next header (or EOF)
	var content []string
	for ; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, authorPrefix) && content == nil && r.AuthorName == "":
			r.AuthorName = strings.TrimPrefix(line, authorPrefix)
			continue
		case strings.HasPrefix(line, ratingPrefix) && content == nil && r.Rating == 0:
			r.Rating, _ = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, ratingPrefix)))
			continue
		}
		if line == ruleLine && blockEnds(lines, i+1) {
			i++
			break
		}
		content = append(content, line)
	}
	r.Content = strings.TrimRight(strings.Join(content, "\n"), "\n")

	updated, err := time.Parse(time.RFC3339Nano, rawDate)
	if err != nil {
		return r, i, fmt.Errorf("invalid date %q: %w", rawDate, err)
	}
	r.UpdatedAt = updated
	return r, i, nil
}

func blockEnds(lines []string, i int) bool {
	for ; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		return isHeader(lines, i)
	}
	return true
}

// Watermark returns the timestamp of the newest digested review.
func (a *Artifact) Watermark() (time.Time, bool) {
	if a == nil || len(a.Entries) == 0 {
		return time.Time{}, false
	}
	return a.Entries[0].UpdatedAt, true
}

// Prepend returns a new artifact with newestFirst placed ahead of the
// existing history. The existing text is kept byte for byte.
func (a *Artifact) Prepend(newestFirst []models.Review) *Artifact {
	entries := make([]models.Review, 0, len(newestFirst)+len(a.Entries))
	entries = append(entries, newestFirst...)
	entries = append(entries, a.Entries...)
	return &Artifact{
		Entries: entries,
		raw:     EncodeBlocks(newestFirst) + a.raw,
	}
}

// String returns the storage form of the artifact
func (a *Artifact) String() string {
	return a.raw
}

// EncodeBlocks renders reviews in the given order
func EncodeBlocks(reviews []models.Review) string {
	var b strings.Builder
	for _, r := range reviews {
		b.WriteString(titlePrefix)
		b.WriteString(oneLine(r.Title))
		b.WriteString("\n")
		b.WriteString(datePrefix)
		b.WriteString(r.UpdatedAt.Format(time.RFC3339Nano))
		b.WriteString("\n")
		b.WriteString(authorPrefix)
		b.WriteString(oneLine(r.AuthorName))
		b.WriteString("\n")
		b.WriteString(ratingPrefix)
		b.WriteString(strconv.Itoa(r.Rating))
		b.WriteString("\n")
		b.WriteString(strings.TrimRight(r.Content, "\n"))
		b.WriteString("\n\n")
		b.WriteString(ruleLine)
		b.WriteString("\n\n")
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
