package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/db"
	"github.com/custard-io/custard/internal/repositories"
)

// defaultRole is assigned to users provisioned on first login.
const defaultRole = "user"

// OIDCVerifier validates ID tokens issued by the configured OIDC provider
// and maps them to gateway users, provisioning a user record on first
// login (JIT provisioning).
type OIDCVerifier struct {
	verifier *gooidc.IDTokenVerifier
	users    repositories.UserRepository
	logger   *zap.Logger
}

// NewOIDCVerifier performs provider discovery and returns a verifier bound
// to the provider's published signing keys. Discovery doubles as the
// startup reachability check: if the issuer is down, server startup fails
// here.
func NewOIDCVerifier(ctx context.Context, issuer, clientID string, users repositories.UserRepository, logger *zap.Logger) (*OIDCVerifier, error) {
	if issuer == "" || clientID == "" {
		return nil, errors.New("auth: OIDC issuer and client ID are required")
	}

	provider, err := gooidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: OIDC provider discovery for %s: %w", issuer, err)
	}

	return &OIDCVerifier{
		verifier: provider.Verifier(&gooidc.Config{ClientID: clientID}),
		users:    users,
		logger:   logger.Named("oidc"),
	}, nil
}

// Verify implements TokenVerifier for provider-issued ID tokens.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		var expired *gooidc.TokenExpiredError
		if errors.As(err, &expired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil || claims.Email == "" {
		return nil, ErrTokenInvalid
	}

	user, err := v.resolveUser(ctx, idToken.Subject, claims.Email, claims.Name)
	if err != nil {
		return nil, err
	}

	return &Identity{UserID: user.ID, Email: user.Email, Role: user.Role}, nil
}

// resolveUser finds the user by OIDC subject, provisioning one on first
// login. The subject, not the email, is the stable identity key.
func (v *OIDCVerifier) resolveUser(ctx context.Context, subject, email, name string) (*db.User, error) {
	user, err := v.users.GetBySubject(ctx, subject)
	if err == nil {
		now := time.Now().UTC()
		user.LastLoginAt = &now
		if uerr := v.users.Update(ctx, user); uerr != nil {
			v.logger.Warn("failed to record login time", zap.Error(uerr))
		}
		return user, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("auth: user lookup: %w", err)
	}

	if name == "" {
		name = email
	}
	now := time.Now().UTC()
	user = &db.User{
		Email:       email,
		DisplayName: name,
		Subject:     subject,
		Role:        defaultRole,
		LastLoginAt: &now,
	}
	if err := v.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("auth: provisioning user: %w", err)
	}

	v.logger.Info("provisioned user from OIDC login",
		zap.String("user_id", user.ID.String()),
		zap.String("email", email),
	)
	return user, nil
}
