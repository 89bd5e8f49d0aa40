package services

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/doctalk-ai/go-rag-backend/internal/credentials"
	"github.com/doctalk-ai/go-rag-backend/internal/domain"
	"github.com/doctalk-ai/go-rag-backend/internal/repo"
)

// KeySettings carries the fields a user may change through the settings
// endpoint. Nil means "leave as is"; an empty string clears the stored
// value. Key material arrives in plaintext and is encrypted here before
// it reaches the store.
type KeySettings struct {
	GeminiKey         *string
	GroqKey           *string
	OllamaEndpoint    *string
	PreferredProvider *string
	UseOwnKeys        *bool
}

// CredentialInvalidator drops cached credentials for a user so the next
// request re-resolves against the updated settings.
type CredentialInvalidator interface {
	InvalidateUser(userID string)
}

// SettingsService persists provider-settings changes. API keys are
// encrypted at rest; endpoints and preferences are stored as given.
type SettingsService struct {
	DB       *gorm.DB
	Crypt    *credentials.Crypter
	Resolver CredentialInvalidator
}

// UpdateKeys applies the changes for userID, creating the user row on
// first contact. Returns repo.ErrNotFound only if the row vanishes
// between the ensure step and the update.
func (s *SettingsService) UpdateKeys(ctx context.Context, userID string, ks KeySettings) error {
	upd := repo.KeyUpdates{
		OllamaEndpoint:    ks.OllamaEndpoint,
		PreferredProvider: ks.PreferredProvider,
		UseOwnKeys:        ks.UseOwnKeys,
	}
	var err error
	if upd.GeminiKey, err = s.sealed(ks.GeminiKey); err != nil {
		return fmt.Errorf("encrypt gemini key: %w", err)
	}
	if upd.GroqKey, err = s.sealed(ks.GroqKey); err != nil {
		return fmt.Errorf("encrypt groq key: %w", err)
	}

	if err := s.ensureUser(ctx, userID); err != nil {
		return err
	}
	if err := repo.UpdateKeys(ctx, s.DB, userID, upd); err != nil {
		return err
	}
	if s.Resolver != nil {
		s.Resolver.InvalidateUser(userID)
	}
	return nil
}

// ensureUser creates the user row on first contact. UpsertUser replaces
// whole rows, so it is only safe to call when the row is absent.
func (s *SettingsService) ensureUser(ctx context.Context, userID string) error {
	_, err := repo.GetUser(ctx, s.DB, userID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return repo.UpsertUser(ctx, s.DB, &domain.User{ID: userID})
}

// sealed encrypts a non-empty plaintext key. Nil and empty values pass
// through untouched so "keep" and "clear" semantics survive encryption.
func (s *SettingsService) sealed(plain *string) (*string, error) {
	if plain == nil || *plain == "" {
		return plain, nil
	}
	enc, err := s.Crypt.Encrypt(*plain)
	if err != nil {
		return nil, err
	}
	return &enc, nil
}
