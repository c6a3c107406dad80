package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/omerlefaruk/CasareRPA-sub014/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub014/internal/types"
)

// Presented secrets have the form "<key_id>.<random>". The key_id prefix
// lets Verify look up a single row instead of scanning every hash; the
// random part is what actually gets hashed.
const secretSeparator = "."

// gormKeyStore is the GORM implementation of KeyStore.
type gormKeyStore struct {
	db *gorm.DB
}

// Create mints a new API key for a robot. The cleartext secret is returned
// exactly once in MintedKey and is never stored — only its bcrypt hash.
func (r *gormKeyStore) Create(ctx context.Context, robotID string, expiresAt *time.Time) (*MintedKey, error) {
	keyID, err := randomHex(8)
	if err != nil {
		return nil, fmt.Errorf("apikeys: generate key id: %w", err)
	}
	random, err := randomHex(32)
	if err != nil {
		return nil, fmt.Errorf("apikeys: generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(random), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("apikeys: hash secret: %w", err)
	}

	key := &db.APIKey{
		KeyID:      keyID,
		RobotID:    robotID,
		SecretHash: string(hash),
		Status:     string(types.KeyStatusValid),
		ExpiresAt:  expiresAt,
	}

	if err := r.db.WithContext(ctx).Create(key).Error; err != nil {
		return nil, fmt.Errorf("apikeys: create: %w", classify(err))
	}

	return &MintedKey{
		Key:    key,
		Secret: keyID + secretSeparator + random,
	}, nil
}

// Verify checks a presented secret against the stored hash. The bcrypt
// comparison is constant-time. Unknown, malformed, revoked and expired keys
// all fail with ErrMissing so a caller cannot probe key state. Expired keys
// are flipped to "expired" as a side effect; last_used_at and last_used_ip
// are stamped on success.
func (r *gormKeyStore) Verify(ctx context.Context, secret, remoteIP string) (*db.APIKey, error) {
	keyID, random, found := strings.Cut(secret, secretSeparator)
	if !found || keyID == "" || random == "" {
		return nil, ErrMissing
	}

	var key db.APIKey
	err := r.db.WithContext(ctx).First(&key, "key_id = ?", keyID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("apikeys: verify lookup: %w", classify(err))
	}

	if key.Status != string(types.KeyStatusValid) {
		return nil, ErrMissing
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		// Best-effort flip; verification fails regardless.
		_ = r.db.WithContext(ctx).Model(&db.APIKey{}).
			Where("key_id = ?", keyID).
			Update("status", string(types.KeyStatusExpired)).Error
		return nil, ErrMissing
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(random)); err != nil {
		return nil, ErrMissing
	}

	now := time.Now().UTC()
	if err := r.db.WithContext(ctx).Model(&db.APIKey{}).
		Where("key_id = ?", keyID).
		Updates(map[string]interface{}{
			"last_used_at": now,
			"last_used_ip": remoteIP,
		}).Error; err != nil {
		// Usage stamping is advisory; the key already verified.
		return &key, nil
	}
	key.LastUsedAt = &now
	key.LastUsedIP = remoteIP

	return &key, nil
}

// Revoke marks a key revoked. Live connections authenticated with this key
// are not severed — revocation takes effect on the next reconnect.
func (r *gormKeyStore) Revoke(ctx context.Context, keyID string) error {
	result := r.db.WithContext(ctx).Model(&db.APIKey{}).
		Where("key_id = ? AND status = ?", keyID, string(types.KeyStatusValid)).
		Update("status", string(types.KeyStatusRevoked))
	if result.Error != nil {
		return fmt.Errorf("apikeys: revoke: %w", classify(result.Error))
	}
	if result.RowsAffected == 0 {
		return ErrMissing
	}
	return nil
}

// ListByRobot returns all keys minted for a robot, newest first.
func (r *gormKeyStore) ListByRobot(ctx context.Context, robotID string) ([]db.APIKey, error) {
	var keys []db.APIKey
	if err := r.db.WithContext(ctx).
		Where("robot_id = ?", robotID).
		Order("created_at DESC").
		Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("apikeys: list by robot: %w", classify(err))
	}
	return keys, nil
}

// List returns a paginated list of all keys and the total count.
func (r *gormKeyStore) List(ctx context.Context, opts ListOptions) ([]db.APIKey, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.APIKey{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("apikeys: list count: %w", classify(err))
	}

	var keys []db.APIKey
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&keys).Error; err != nil {
		return nil, 0, fmt.Errorf("apikeys: list: %w", classify(err))
	}

	return keys, total, nil
}

// randomHex returns n cryptographically random bytes hex-encoded.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
