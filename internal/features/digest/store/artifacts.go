package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DigestTimeLayout names digest documents; it avoids characters that are
// awkward in file names.
const DigestTimeLayout = "2006-01-02T15-04-05"

// ArtifactStore keeps per-app cache documents and writes digest documents
// as markdown files.
type ArtifactStore struct {
	cacheDir  string
	digestDir string
}

// NewArtifactStore creates a store rooted at the given directories.
// Directories are created on first write.
func NewArtifactStore(cacheDir, digestDir string) *ArtifactStore {
	return &ArtifactStore{
		cacheDir:  cacheDir,
		digestDir: digestDir,
	}
}

// CachePath returns the cache document location for appID
func (s *ArtifactStore) CachePath(appID string) string {
	return filepath.Join(s.cacheDir, "cache_"+appID+".md")
}

// ReadCache returns the cache document for appID, or "" if none exists yet.
func (s *ArtifactStore) ReadCache(ctx context.Context, appID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.CachePath(appID))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("artifacts: read cache %s: %w", appID, err)
	}
	return string(data), nil
}

// WriteCache replaces the cache document for appID
func (s *ArtifactStore) WriteCache(ctx context.Context, appID, doc string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomic(s.CachePath(appID), []byte(doc))
}

// WriteDigest writes a digest document named by app id and generation time.
// Returns the path of the written file.
func (s *ArtifactStore) WriteDigest(ctx context.Context, appID string, at time.Time, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := fmt.Sprintf("Daily_Digest_%s_%s.md", appID, at.Format(DigestTimeLayout))
	target := filepath.Join(s.digestDir, name)
	if err := writeAtomic(target, []byte(body)); err != nil {
		return "", err
	}
	return target, nil
}

// writeAtomic writes data to a temp file next to path and renames it into
// place so readers never observe a partial document.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifacts: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("artifacts: create tmp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("artifacts: write tmp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("artifacts: close tmp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("artifacts: rename: %w", err)
	}
	return nil
}
