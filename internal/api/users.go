package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/custard-io/custard/internal/auth"
	"github.com/custard-io/custard/internal/csvpool"
	"github.com/custard-io/custard/internal/db"
	"github.com/custard-io/custard/internal/repositories"
)

// UserHandler groups the identity endpoints: token exchange, profile, and
// logout.
type UserHandler struct {
	users      repositories.UserRepository
	oidc       *auth.OIDCVerifier
	jwtManager *auth.JWTManager
	pool       *csvpool.Pool
	logger     *zap.Logger
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(users repositories.UserRepository, oidc *auth.OIDCVerifier, jwtManager *auth.JWTManager, pool *csvpool.Pool, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		users:      users,
		oidc:       oidc,
		jwtManager: jwtManager,
		pool:       pool,
		logger:     logger.Named("user_handler"),
	}
}

type exchangeRequest struct {
	IDToken string `json:"id_token"`
}

// Exchange handles POST /api/v1/auth/exchange. The UI obtains an ID token
// from the identity provider and trades it for a gateway access token,
// provisioning the user record on first login.
func (h *UserHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IDToken == "" {
		ErrBadRequest(w, "id_token is required")
		return
	}

	identity, err := h.oidc.Verify(r.Context(), req.IDToken)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	accessToken, err := h.jwtManager.GenerateAccessToken(identity.UserID, identity.Email, identity.Role)
	if err != nil {
		h.logger.Error("failed to sign access token", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
	})
}

// userResponse is the JSON representation of the current user.
type userResponse struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	Role        string  `json:"role"`
	LastLoginAt *string `json:"last_login_at"`
}

func userToResponse(u *db.User) userResponse {
	resp := userResponse{
		ID:          u.ID.String(),
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        u.Role,
	}
	if u.LastLoginAt != nil {
		s := u.LastLoginAt.UTC().Format(time.RFC3339)
		resp.LastLoginAt = &s
	}
	return resp
}

// GetMe handles GET /api/v1/users/me.
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())

	user, err := h.users.GetByID(r.Context(), identity.UserID)
	if errors.Is(err, repositories.ErrNotFound) {
		ErrNotFound(w)
		return
	}
	if err != nil {
		h.logger.Error("failed to load user", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, userToResponse(user))
}

// Logout handles POST /api/v1/auth/logout. Access tokens are stateless so
// there is nothing to revoke server-side, but the user's in-memory CSV
// sessions are released immediately rather than waiting for the idle
// sweep.
func (h *UserHandler) Logout(w http.ResponseWriter, r *http.Request) {
	identity := identityFromCtx(r.Context())
	h.pool.ReleaseOwner(identity.UserID)
	NoContent(w)
}
