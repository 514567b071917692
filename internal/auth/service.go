// Package auth authenticates chat users. Support agents sign in through a
// configured bypass pair that never touches the database; customers are
// verified against the commerce records.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/commerce"
	"github.com/harborline/supportd/internal/config"
)

// Service handles login requests.
type Service struct {
	cfg    config.AuthConfig
	store  *commerce.Store
	logger *zap.Logger
}

// NewService creates a login service. store may be nil when no customer
// database is configured; agent bypass logins still work then.
func NewService(cfg config.AuthConfig, store *commerce.Store, logger *zap.Logger) *Service {
	return &Service{cfg: cfg, store: store, logger: logger}
}

// Login authenticates an email/passcode pair. The agent bypass is checked
// first: a trimmed, case-insensitive email match plus an exact passcode match
// yields the synthetic agent profile without any database access. Everything
// else goes through customer verification, which requires a database.
func (s *Service) Login(ctx context.Context, email, passcode string) (*Profile, error) {
	if email == "" || passcode == "" {
		return nil, ErrInvalidCredentials
	}

	if profile := s.bypassLogin(email, passcode); profile != nil {
		s.logger.Info("Agent bypass login", zap.String("email", profile.Email))
		return profile, nil
	}

	if s.store == nil {
		return nil, ErrNoDatabase
	}

	customer, ok, err := s.store.VerifyCredentials(ctx, email, passcode)
	if err != nil {
		return nil, fmt.Errorf("verify credentials: %w", err)
	}
	if !ok {
		s.logger.Debug("Login rejected", zap.String("email", email))
		return nil, ErrInvalidCredentials
	}

	s.logger.Info("Customer login", zap.String("email", customer.Email))
	return &Profile{
		Email:     customer.Email,
		FirstName: customer.FirstName,
		LastName:  customer.LastName,
		Role:      RoleCustomer,
	}, nil
}

func (s *Service) bypassLogin(email, passcode string) *Profile {
	adminEmail := strings.TrimSpace(s.cfg.AdminEmail)
	adminPasscode := strings.TrimSpace(s.cfg.AdminPasscode)
	if adminEmail == "" || adminPasscode == "" {
		return nil
	}
	if !strings.EqualFold(strings.TrimSpace(email), adminEmail) {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(passcode), []byte(adminPasscode)) != 1 {
		return nil
	}
	return &Profile{
		Email:     adminEmail,
		FirstName: "Support",
		LastName:  "Agent",
		Role:      RoleAgent,
	}
}
