package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/auth"
)

// TokenHandler exchanges the deployment's admin secret for short-lived
// bearer tokens.
type TokenHandler struct {
	auth   *auth.Manager
	logger *zap.Logger
}

// NewTokenHandler creates a new TokenHandler.
func NewTokenHandler(mgr *auth.Manager, logger *zap.Logger) *TokenHandler {
	return &TokenHandler{
		auth:   mgr,
		logger: logger.Named("token_handler"),
	}
}

// tokenRequest is the body for POST /api/v1/auth/token.
type tokenRequest struct {
	Secret string `json:"secret"`
}

// tokenResponse carries the issued bearer token.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// Exchange handles POST /api/v1/auth/token. The same 401 covers a missing
// and a wrong secret.
func (h *TokenHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	token, err := h.auth.Exchange(req.Secret)
	if err != nil {
		ErrUnauthorized(w)
		return
	}
	Ok(w, tokenResponse{AccessToken: token})
}
