package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Repository is the persistence contract for service tokens.
type Repository interface {
	Insert(ctx context.Context, token ServiceToken) error
	Get(ctx context.Context, id string) (ServiceToken, error)
	List(ctx context.Context, organizationID int64) ([]ServiceToken, error)
	SetActive(ctx context.Context, id string, active bool) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// Service issues and verifies service tokens.
type Service struct {
	repo   Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the gateway service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Issue mints a token acting for the given user in the given organization.
// The plaintext credential is returned once and never stored.
func (s *Service) Issue(ctx context.Context, name string, userID, organizationID int64) (IssuedToken, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return IssuedToken{}, fmt.Errorf("%w: token name required", ErrInvalidToken)
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return IssuedToken{}, fmt.Errorf("gateway: generate secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("gateway: hash secret: %w", err)
	}
	token := ServiceToken{
		ID:             uuid.NewString(),
		Name:           name,
		SecretHash:     string(hash),
		UserID:         userID,
		OrganizationID: organizationID,
		IsActive:       true,
		CreatedAt:      s.now(),
	}
	if err := s.repo.Insert(ctx, token); err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{
		Token:     token,
		Plaintext: TokenPrefix + token.ID + "." + secret,
	}, nil
}

// Authenticate verifies a bearer credential and returns the stored token.
// Last-use tracking is best effort and never fails the request.
func (s *Service) Authenticate(ctx context.Context, credential string) (ServiceToken, error) {
	id, secret, err := splitCredential(credential)
	if err != nil {
		return ServiceToken{}, err
	}
	token, err := s.repo.Get(ctx, id)
	if err != nil {
		return ServiceToken{}, err
	}
	if !token.IsActive {
		return ServiceToken{}, ErrRevoked
	}
	if err := bcrypt.CompareHashAndPassword([]byte(token.SecretHash), []byte(secret)); err != nil {
		return ServiceToken{}, ErrInvalidToken
	}
	if err := s.repo.TouchLastUsed(ctx, token.ID, s.now()); err != nil {
		s.logger.Warn("gateway: touch last used", slog.String("token_id", token.ID), slog.Any("error", err))
	}
	return token, nil
}

// Revoke deactivates a token. Revoked tokens stay on record.
func (s *Service) Revoke(ctx context.Context, id string) error {
	return s.repo.SetActive(ctx, id, false)
}

// List returns the tokens of one organization.
func (s *Service) List(ctx context.Context, organizationID int64) ([]ServiceToken, error) {
	return s.repo.List(ctx, organizationID)
}

func splitCredential(credential string) (id, secret string, err error) {
	credential = strings.TrimSpace(credential)
	if !strings.HasPrefix(credential, TokenPrefix) {
		return "", "", ErrInvalidToken
	}
	rest := strings.TrimPrefix(credential, TokenPrefix)
	idx := strings.IndexByte(rest, '.')
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", ErrInvalidToken
	}
	return rest[:idx], rest[idx+1:], nil
}
