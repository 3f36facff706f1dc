// Package gateway authenticates machine clients of the management API with
// bearer service tokens. Tokens carry the user and organization they act for;
// user identity itself is managed elsewhere and arrives here as data.
package gateway

import (
	"errors"
	"time"
)

// Sentinel errors.
var (
	ErrNotFound     = errors.New("gateway: token not found")
	ErrInvalidToken = errors.New("gateway: invalid token")
	ErrRevoked      = errors.New("gateway: token revoked")
)

// TokenPrefix marks Meridian service tokens on the wire.
const TokenPrefix = "mrd_"

// ServiceToken is the stored side of a credential. The secret itself is
// shown once at issue time; only its bcrypt hash persists.
type ServiceToken struct {
	ID             string
	Name           string
	SecretHash     string
	UserID         int64
	OrganizationID int64
	IsActive       bool
	LastUsedAt     time.Time
	CreatedAt      time.Time
}

// IssuedToken pairs a stored token with the plaintext credential, returned
// exactly once from Issue.
type IssuedToken struct {
	Token     ServiceToken
	Plaintext string
}
