package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/megatera/review-feed/internal/features/digest/models"
)

// record is the on-disk shape of one subscription
type record struct {
	Minute    flexInt `json:"minute"`
	Hour      flexInt `json:"hour"`
	Scheduled bool    `json:"scheduled"`
	Limit     flexInt `json:"limit"`
}

// flexInt decodes both 5 and "5". Older task files stored the minute and
// hour exactly as they arrived in the request query.
type flexInt int

func (n *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("not an integer: %q", s)
		}
		*n = flexInt(v)
		return nil
	}
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*n = flexInt(v)
	return nil
}

// FileStore keeps all subscriptions in a single JSON document.
// Every Save rewrites the whole document under one process-wide lock,
// merging the changed record into what is on disk.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a file store at path. The file is created on first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the document location
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(ctx context.Context) (map[string]models.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readLocked()
	if err != nil {
		return nil, err
	}

	subs := make(map[string]models.Subscription, len(records))
	for appID, r := range records {
		subs[appID] = models.Subscription{
			AppID:     appID,
			Minute:    int(r.Minute),
			Hour:      int(r.Hour),
			Scheduled: r.Scheduled,
			Limit:     int(r.Limit),
		}
	}
	return subs, nil
}

func (s *FileStore) Save(ctx context.Context, sub models.Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readLocked()
	if err != nil {
		return err
	}
	records[sub.AppID] = record{
		Minute:    flexInt(sub.Minute),
		Hour:      flexInt(sub.Hour),
		Scheduled: sub.Scheduled,
		Limit:     flexInt(sub.Limit),
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("taskstore: encode: %w", err)
	}
	return writeAtomic(s.path, data)
}

func (s *FileStore) Close() error {
	return nil
}

// readLocked reads the document; a missing file is an empty store.
func (s *FileStore) readLocked() (map[string]record, error) {
	records := map[string]record{}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskstore: read %s: %w", s.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("taskstore: malformed %s: %w", s.path, err)
	}
	return records, nil
}
