package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfigEnv(t *testing.T) {
	t.Setenv("DIGEST_PORT", "8081")
	t.Setenv("DIGEST_STORE_DRIVER", "sqlite")
	t.Setenv("DIGEST_FETCH_TIMEOUT", "3s")
	t.Setenv("DIGEST_ENABLED", "yes")
	t.Setenv("DIGEST_TIMEZONE", "UTC")
	t.Setenv(ConfigPathEnv, "")

	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if config.Server.Port != 8081 {
		t.Errorf("Expected port 8081, got %d", config.Server.Port)
	}
	if config.Features.Digest.StoreDriver != "sqlite" {
		t.Errorf("Expected sqlite driver, got %s", config.Features.Digest.StoreDriver)
	}
	if config.Features.Digest.FetchTimeout != 3*time.Second {
		t.Errorf("Expected 3s, got %v", config.Features.Digest.FetchTimeout)
	}
	if loc := config.Features.Digest.Location(); loc != time.UTC {
		t.Errorf("Unexpected location %v", loc)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digest.yaml")
	doc := `
server:
  port: 9000
features:
  digest:
    enabled: true
    store_driver: file
    country: gb
    run_timeout: 2m
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DIGEST_COUNTRY", "de")
	t.Setenv("DIGEST_PORT", "")

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if config.Server.Port != 9000 {
		t.Errorf("Expected port from file, got %d", config.Server.Port)
	}
	if config.Features.Digest.RunTimeout != 2*time.Minute {
		t.Errorf("Expected run timeout from file, got %v", config.Features.Digest.RunTimeout)
	}
	if config.Features.Digest.Country != "de" {
		t.Errorf("Expected env to override file, got %s", config.Features.Digest.Country)
	}
	if config.Features.Digest.FeedFormat != "json" {
		t.Errorf("Expected default feed format kept, got %s", config.Features.Digest.FeedFormat)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown driver", func(c *Config) { c.Features.Digest.StoreDriver = "redis" }},
		{"no task path", func(c *Config) { c.Features.Digest.TaskStorePath = "" }},
		{"no db path", func(c *Config) { c.Features.Digest.StoreDriver = "sqlite"; c.Database.Path = "" }},
		{"bad format", func(c *Config) { c.Features.Digest.FeedFormat = "csv" }},
		{"zero timeout", func(c *Config) { c.Features.Digest.FetchTimeout = 0 }},
		{"zero rate", func(c *Config) { c.Features.Digest.FetchRate = 0 }},
		{"bad timezone", func(c *Config) { c.Features.Digest.Timezone = "Mars/Olympus" }},
		{"mail without recipient", func(c *Config) { c.Features.Digest.SMTP2GOAPIKey = "k" }},
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Expected default config valid, got %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			err := c.Validate()
			if !HasCode(err, ErrCodeConfiguration) {
				t.Errorf("Expected configuration error, got %v", err)
			}
		})
	}

	disabled := DefaultConfig()
	disabled.Features.Digest.Enabled = false
	disabled.Features.Digest.StoreDriver = "redis"
	if err := disabled.Validate(); err != nil {
		t.Errorf("Expected disabled feature to skip digest checks, got %v", err)
	}
}

func TestHasCode(t *testing.T) {
	inner := NewCacheCorruptionError("watermark unreadable", nil)
	outer := NewPersistenceError("run failed", inner)
	wrapped := fmt.Errorf("generate: %w", outer)

	if !HasCode(wrapped, ErrCodePersistence) {
		t.Error("Expected persistence code")
	}
	if !HasCode(wrapped, ErrCodeCacheCorruption) {
		t.Error("Expected nested corruption code")
	}
	if HasCode(wrapped, ErrCodeFetch) {
		t.Error("Did not expect fetch code")
	}
	if HasCode(errors.New("plain"), ErrCodeInternal) {
		t.Error("Plain errors carry no code")
	}
	if HasCode(nil, ErrCodeInternal) {
		t.Error("nil carries no code")
	}
}

func TestHandleError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"validation", NewValidationError("Invalid hour parameter", nil), http.StatusBadRequest, "Invalid hour parameter"},
		{"not found", NewNotFoundError("no subscription", nil), http.StatusNotFound, "no subscription"},
		{"unauthorized", NewUnauthorizedError("bad token", nil), http.StatusUnauthorized, "bad token"},
		{"fetch", NewFetchError("feed returned status 500", nil), http.StatusBadGateway, "feed returned status 500"},
		{"persistence masked", NewPersistenceError("/var/lib/x: permission denied", nil), http.StatusInternalServerError, "An error occurred"},
		{"corruption masked", NewCacheCorruptionError("watermark", nil), http.StatusInternalServerError, "An error occurred"},
		{"plain masked", errors.New("boom"), http.StatusInternalServerError, "An error occurred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleError(rec, tt.err)

			if rec.Code != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, rec.Code)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Success || resp.Error == nil || resp.Error.Message != tt.message {
				t.Errorf("Unexpected response %+v", resp.Error)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn")

	logger.Info("hidden")
	logger.ForFeature("digest").WithApp("123456789").Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("Expected info suppressed at warn level")
	}
	if !strings.Contains(out, "feature=digest") || !strings.Contains(out, "app_id=123456789") {
		t.Errorf("Expected feature and app attributes, got %q", out)
	}

	if logger.WithContext(context.Background()) == nil {
		t.Error("Expected logger for plain context")
	}
}

type stubFeature struct {
	*BaseFeature
	healthErr error
}

func (s *stubFeature) Healthy() error { return s.healthErr }

func TestRegistryStatus(t *testing.T) {
	r := NewRegistry(NopLogger())
	f := &stubFeature{BaseFeature: NewBaseFeature("digest", "test", true, NopLogger(), nil)}
	if err := r.Register(f); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(f); err == nil {
		t.Error("Expected duplicate registration error")
	}

	if st := r.GetFeatureStatus()["digest"]; !st.Healthy {
		t.Errorf("Expected healthy, got %+v", st)
	}

	f.healthErr = NewRegistryInconsistencyError("scheduled without handle", nil)
	if st := r.GetFeatureStatus()["digest"]; st.Healthy {
		t.Error("Expected unhealthy")
	}
}
