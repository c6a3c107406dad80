package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/store"
)

// KeyHandler manages robot channel credentials. Minting returns the cleartext
// secret exactly once; afterwards only metadata is visible.
type KeyHandler struct {
	stores *store.Stores
	logger *zap.Logger
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(stores *store.Stores, logger *zap.Logger) *KeyHandler {
	return &KeyHandler{
		stores: stores,
		logger: logger.Named("key_handler"),
	}
}

// createKeyRequest is the body for POST /api/v1/keys.
type createKeyRequest struct {
	RobotID      string `json:"robot_id"`
	ExpiresHours int    `json:"expires_hours,omitempty"` // 0 = never expires
}

// mintedKeyResponse is returned once at mint time. Secret never appears in
// any other response.
type mintedKeyResponse struct {
	KeyID     string     `json:"key_id"`
	RobotID   string     `json:"robot_id"`
	Secret    string     `json:"secret"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// keyResponse is the metadata view of a key.
type keyResponse struct {
	KeyID      string     `json:"key_id"`
	RobotID    string     `json:"robot_id"`
	Status     string     `json:"status"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	LastUsedIP string     `json:"last_used_ip,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func keyToResponse(k *db.APIKey) keyResponse {
	return keyResponse{
		KeyID:      k.KeyID,
		RobotID:    k.RobotID,
		Status:     k.Status,
		ExpiresAt:  k.ExpiresAt,
		LastUsedAt: k.LastUsedAt,
		LastUsedIP: k.LastUsedIP,
		CreatedAt:  k.CreatedAt.UTC(),
	}
}

type listKeysResponse struct {
	Items []keyResponse `json:"items"`
	Total int64         `json:"total"`
}

// Create handles POST /api/v1/keys.
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RobotID == "" {
		ErrUnprocessable(w, "robot_id is required")
		return
	}
	if req.ExpiresHours < 0 {
		ErrUnprocessable(w, "expires_hours must be non-negative")
		return
	}

	var expiresAt *time.Time
	if req.ExpiresHours > 0 {
		t := time.Now().UTC().Add(time.Duration(req.ExpiresHours) * time.Hour)
		expiresAt = &t
	}

	minted, err := h.stores.Keys.Create(r.Context(), req.RobotID, expiresAt)
	if err != nil {
		h.logger.Error("mint key", zap.String("robot_id", req.RobotID), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit(r, "key.minted", minted.Key.KeyID, fmt.Sprintf("for robot %s", req.RobotID))
	Created(w, mintedKeyResponse{
		KeyID:     minted.Key.KeyID,
		RobotID:   minted.Key.RobotID,
		Secret:    minted.Secret,
		ExpiresAt: minted.Key.ExpiresAt,
	})
}

// List handles GET /api/v1/keys. An optional robot_id query narrows the list
// to one robot's keys.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	if robotID := r.URL.Query().Get("robot_id"); robotID != "" {
		keys, err := h.stores.Keys.ListByRobot(r.Context(), robotID)
		if err != nil {
			h.logger.Error("list keys by robot", zap.String("robot_id", robotID), zap.Error(err))
			ErrInternal(w)
			return
		}
		items := make([]keyResponse, len(keys))
		for i := range keys {
			items[i] = keyToResponse(&keys[i])
		}
		Ok(w, listKeysResponse{Items: items, Total: int64(len(items))})
		return
	}

	keys, total, err := h.stores.Keys.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("list keys", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]keyResponse, len(keys))
	for i := range keys {
		items[i] = keyToResponse(&keys[i])
	}
	Ok(w, listKeysResponse{Items: items, Total: total})
}

// Revoke handles DELETE /api/v1/keys/{key_id}. Revocation takes effect on
// the robot's next reconnect; a live channel is not severed.
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "key_id")

	if err := h.stores.Keys.Revoke(r.Context(), keyID); err != nil {
		if errors.Is(err, store.ErrMissing) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("revoke key", zap.String("key_id", keyID), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.audit(r, "key.revoked", keyID, "")
	NoContent(w)
}

func (h *KeyHandler) audit(r *http.Request, action, entityID, detail string) {
	if err := h.stores.Audit.Append(r.Context(), actorFromCtx(r.Context()), action, entityID, detail); err != nil {
		h.logger.Warn("audit append", zap.String("action", action), zap.Error(err))
	}
}
