// User persistence: account lookup and provider-settings updates. Key
// material arrives here already encrypted; this layer never sees plaintext.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/doctalk-ai/go-rag-backend/internal/domain"
)

// GetUser fetches a user by ID, or ErrNotFound if missing.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&u).Error
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertUser inserts u, or replaces the existing row with the same ID.
func UpsertUser(ctx context.Context, db *gorm.DB, u *domain.User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(u).Error
}

// KeyUpdates carries the provider-settings fields the settings endpoint may
// change. Nil pointers leave the stored value untouched; key strings are
// already encrypted. An empty non-nil key clears the stored key.
type KeyUpdates struct {
	GeminiKey         *string
	GroqKey           *string
	OllamaEndpoint    *string
	PreferredProvider *string
	UseOwnKeys        *bool
}

// UpdateKeys applies u's non-nil fields to the user row. It returns
// ErrNotFound when the user does not exist.
func UpdateKeys(ctx context.Context, db *gorm.DB, userID string, u KeyUpdates) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if u.GeminiKey != nil {
		updates["gemini_key"] = *u.GeminiKey
	}
	if u.GroqKey != nil {
		updates["groq_key"] = *u.GroqKey
	}
	if u.OllamaEndpoint != nil {
		updates["ollama_endpoint"] = *u.OllamaEndpoint
	}
	if u.PreferredProvider != nil {
		updates["preferred_provider"] = *u.PreferredProvider
	}
	if u.UseOwnKeys != nil {
		updates["use_own_keys"] = *u.UseOwnKeys
	}

	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", userID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAdminAccessState moves a user between admin-access states.
func UpdateAdminAccessState(ctx context.Context, db *gorm.DB, userID, state string) error {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{"admin_access_state": state, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
