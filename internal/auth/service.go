package auth

import (
	"errors"

	"github.com/megatera/review-feed/internal/core"
)

// Service checks control tokens presented on mutating routes
type Service struct {
	hash   *TokenHash
	logger *core.Logger
}

// NewService creates a new authentication service. An empty hash disables
// the check.
func NewService(config *core.Config, logger *core.Logger) (*Service, error) {
	s := &Service{logger: logger}
	if config.Auth.ControlTokenHash == "" {
		logger.Warn("No control token configured, mutating routes are open")
		return s, nil
	}

	hash, err := ParseTokenHash(config.Auth.ControlTokenHash)
	if err != nil {
		return nil, core.NewConfigurationError("control token hash is not a bcrypt hash", err)
	}
	s.hash = &hash
	return s, nil
}

// Enabled reports whether a control token is required
func (s *Service) Enabled() bool {
	return s.hash != nil
}

// ValidateToken checks a plaintext control token
func (s *Service) ValidateToken(tokenPlaintext string) error {
	if s.hash == nil {
		return nil
	}

	match, err := s.hash.Matches(tokenPlaintext)
	if err != nil {
		return err
	}
	if !match {
		return ErrInvalidToken
	}
	return nil
}

// Common authentication errors
var (
	ErrInvalidToken = errors.New("invalid control token")
	ErrEmptyToken   = errors.New("empty control token")
)
