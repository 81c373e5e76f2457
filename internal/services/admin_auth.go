package services

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminAuth guards the researcher export endpoints with a shared secret.
// The secret is kept only as a bcrypt hash.
type AdminAuth struct {
	hash []byte
}

// NewAdminAuth hashes secret. An empty secret disables admin access.
func NewAdminAuth(secret string) (*AdminAuth, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return &AdminAuth{}, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &AdminAuth{hash: hash}, nil
}

// Enabled reports whether a secret is configured.
func (a *AdminAuth) Enabled() bool { return len(a.hash) > 0 }

// Verify checks a presented secret.
func (a *AdminAuth) Verify(secret string) error {
	if !a.Enabled() {
		return NewForbiddenError("admin access disabled")
	}
	if strings.TrimSpace(secret) == "" {
		return NewUnauthorizedError("admin secret required")
	}
	if bcrypt.CompareHashAndPassword(a.hash, []byte(secret)) != nil {
		return NewForbiddenError("invalid admin secret")
	}
	return nil
}
