package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"servimatch/internal/domain"
	"servimatch/internal/repo"
)

// IssuedKey carries the plaintext key, which is never stored.
type IssuedKey struct {
	domain.APIKey
	Key string `json:"key"`
}

// CreateAPIKey issues a key for userID, creating the user row on first sight
// like every other user-facing operation.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (IssuedKey, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return IssuedKey{}, domain.Invalid("user_id", "is required")
	}
	secret := "sk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:      newID("key"),
		UserID:  userID,
		Name:    strings.TrimSpace(name),
		KeyHash: repo.HashAPIKey(secret),
	}
	err := e.withTx(ctx, "create_api_key", func(tx *sql.Tx) error {
		key.CreatedAt = e.stamp()
		if err := e.Repo.EnsureUser(ctx, tx, userID, key.CreatedAt); err != nil {
			return err
		}
		return e.Repo.InsertAPIKey(ctx, tx, key)
	})
	if err != nil {
		return IssuedKey{}, err
	}
	return IssuedKey{APIKey: key, Key: secret}, nil
}
