// Package services hosts the application services between the HTTP
// handlers and the persistence layer. Handlers depend on these through
// small interfaces; business rules that do not belong in a repository
// (encryption, cache invalidation, pagination shaping) live here.
package services

import (
	"context"

	"gorm.io/gorm"

	"github.com/doctalk-ai/go-rag-backend/internal/domain"
	"github.com/doctalk-ai/go-rag-backend/internal/repo"
)

// SessionService exposes session persistence to the HTTP layer. All
// operations are scoped to the calling user.
type SessionService struct {
	DB *gorm.DB
}

// Load returns a session and its ordered messages, or repo.ErrNotFound.
func (s *SessionService) Load(ctx context.Context, userID, sessionID string) (*domain.Session, []domain.Message, error) {
	return repo.LoadSession(ctx, s.DB, userID, sessionID)
}

// Save upserts a session and replaces its message list wholesale.
func (s *SessionService) Save(ctx context.Context, userID, sessionID, title, systemPrompt string, messages []domain.Message) error {
	return repo.AppendAndUpsert(ctx, s.DB, userID, sessionID, title, systemPrompt, messages)
}

// ListPage returns one page of the user's sessions, newest first, along
// with the total count for pagination headers.
func (s *SessionService) ListPage(ctx context.Context, userID string, offset, limit int) ([]domain.Session, int64, error) {
	total, err := repo.CountSessions(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	sessions, err := repo.ListSessionsPage(ctx, s.DB, userID, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// Delete removes the user's session; repo.ErrNotFound when absent or
// owned by someone else.
func (s *SessionService) Delete(ctx context.Context, userID, sessionID string) error {
	return repo.DeleteSession(ctx, s.DB, userID, sessionID)
}
