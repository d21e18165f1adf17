// Package auth authenticates UI requests. Two token kinds are accepted:
// the gateway's own RS256 access tokens, and ID tokens from the configured
// OIDC provider (verified against the provider's published keys, with
// just-in-time user provisioning). Both sit behind TokenVerifier so the
// HTTP middleware does not care which kind it was handed.
package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Identity is the authenticated caller as the rest of the gateway sees it.
type Identity struct {
	UserID uuid.UUID
	Email  string
	Role   string
}

// TokenVerifier turns a bearer token into an Identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// ChainVerifier tries each verifier in order and returns the first
// success. The gateway chains the JWT manager (cheap, local) before the
// OIDC verifier (remote key set).
type ChainVerifier []TokenVerifier

// Verify implements TokenVerifier.
func (c ChainVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	var lastErr error = ErrTokenInvalid
	for _, v := range c {
		id, err := v.Verify(ctx, token)
		if err == nil {
			return id, nil
		}
		// Expiry is the most actionable failure; keep it if any verifier
		// reported it.
		if errors.Is(err, ErrTokenExpired) || !errors.Is(lastErr, ErrTokenExpired) {
			lastErr = err
		}
	}
	return nil, lastErr
}
