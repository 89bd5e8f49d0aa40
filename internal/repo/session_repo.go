// Session and message persistence. The write path is a single transactional
// upsert that replaces a session's message array wholesale, so a crashed or
// repeated request can never leave a half-written conversation behind.
//
// Functions:
//
//   - LoadSession(ctx, db, userID, sessionID) -> *domain.Session, []domain.Message, error
//     Returns a session and its ordered messages, or ErrNotFound.
//
//   - AppendAndUpsert(ctx, db, userID, sessionID, title, systemPrompt, messages) -> error
//     Idempotent transactional upsert of a session and its full message list.
//
//   - ListSessions(ctx, db, userID) / ListSessionsPage / CountSessions
//     Session listings ordered by last update, newest first.
//
//   - DeleteSession(ctx, db, userID, sessionID) -> error
//     Removes a session and (via FK cascade) its messages; ErrNotFound when
//     no matching (userID, sessionID) existed.
//
// Every function filters by userID: a caller holding someone else's session
// ID gets ErrNotFound, never partial data.
package repo

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/doctalk-ai/go-rag-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the orchestrator and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

const maxTitleLen = 50

// LoadSession fetches a session owned by userID together with its messages
// ordered by sequence number. It returns ErrNotFound when no matching
// session exists.
func LoadSession(ctx context.Context, db *gorm.DB, userID, sessionID string) (*domain.Session, []domain.Message, error) {
	var s domain.Session
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", sessionID, userID).
		First(&s).Error
	if err != nil {
		return nil, nil, err
	}

	var msgs []domain.Message
	err = db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq asc").
		Find(&msgs).Error
	if err != nil {
		return nil, nil, err
	}
	return &s, msgs, nil
}

// AppendAndUpsert writes a session and its complete message list in one
// transaction. If the session is absent it is inserted; otherwise the
// stored messages are replaced wholesale. UpdatedAt is always bumped, so
// replaying the same write is observable only through the timestamp.
//
// An empty title defaults to the first user message, truncated to 50
// characters. Message IDs and sequence numbers are assigned here; callers
// pass messages in conversation order.
func AppendAndUpsert(ctx context.Context, db *gorm.DB, userID, sessionID, title, systemPrompt string, messages []domain.Message) error {
	now := time.Now().UTC()
	explicitTitle := title != ""
	if title == "" {
		title = defaultTitle(messages)
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.Session
		err := tx.Where("id = ?", sessionID).First(&existing).Error
		switch {
		case err == nil:
			// Ownership check inside the transaction: a foreign session ID
			// must look exactly like a missing one.
			if existing.UserID != userID {
				return ErrNotFound
			}
			updates := map[string]any{"updated_at": now}
			if explicitTitle {
				updates["title"] = title
			} else if existing.Title == "New chat" && title != "" {
				updates["title"] = title
			}
			if systemPrompt != "" {
				updates["system_prompt"] = systemPrompt
			}
			if err := tx.Model(&domain.Session{}).Where("id = ?", sessionID).Updates(updates).Error; err != nil {
				return err
			}
		case err == gorm.ErrRecordNotFound:
			s := domain.Session{
				ID:           sessionID,
				UserID:       userID,
				Title:        title,
				SystemPrompt: systemPrompt,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if s.Title == "" {
				s.Title = "New chat"
			}
			if err := tx.Create(&s).Error; err != nil {
				return err
			}
		default:
			return err
		}

		if err := tx.Where("session_id = ?", sessionID).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		var prev time.Time
		for i := range messages {
			m := messages[i]
			m.SessionID = sessionID
			m.Seq = i
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			if m.Timestamp.IsZero() {
				m.Timestamp = now
			}
			// Timestamps are strictly increasing along the conversation, so
			// back-to-back assistant turns stay distinguishable even when the
			// client stamped (or omitted) identical times.
			if !m.Timestamp.After(prev) {
				m.Timestamp = prev.Add(time.Nanosecond)
			}
			prev = m.Timestamp
			m.Session = domain.Session{}
			if err := tx.Create(&m).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ListSessions returns all sessions belonging to userID, most recently
// updated first. It returns an empty slice if the user has none.
func ListSessions(ctx context.Context, db *gorm.DB, userID string) ([]domain.Session, error) {
	var out []domain.Session
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at desc").
		Find(&out).Error
	return out, err
}

// CountSessions returns the total number of sessions owned by userID.
func CountSessions(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListSessionsPage returns a paginated slice of sessions for userID,
// ordered by last update descending. Use CountSessions for pagination
// metadata; the caller computes offset and limit.
func ListSessionsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Session, error) {
	var out []domain.Session
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// DeleteSession removes a session owned by userID along with its messages.
// It returns ErrNotFound when no matching (userID, sessionID) row existed;
// deleting an already-deleted session reports the same.
func DeleteSession(ctx context.Context, db *gorm.DB, userID, sessionID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", sessionID, userID).Delete(&domain.Session{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		// SQLite enforces the FK cascade only with foreign_keys=ON; the
		// explicit delete keeps message cleanup independent of PRAGMAs.
		return tx.Where("session_id = ?", sessionID).Delete(&domain.Message{}).Error
	})
}

// defaultTitle derives a session title from the first user message.
func defaultTitle(messages []domain.Message) string {
	for _, m := range messages {
		if m.Role != domain.RoleUser {
			continue
		}
		t := strings.TrimSpace(m.Parts.Text())
		if t == "" {
			continue
		}
		if len(t) > maxTitleLen {
			t = t[:maxTitleLen]
		}
		return t
	}
	return ""
}
