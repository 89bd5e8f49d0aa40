// Session HTTP handlers.
//
//   - POST   /chat/history       (idempotent save of a conversation)
//   - GET    /chat/sessions      (listing, paginated)
//   - GET    /chat/session/:id   (full session with messages)
//   - DELETE /chat/session/:id
//
// Every operation is scoped to the authenticated user; a foreign session ID
// is indistinguishable from a missing one.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/doctalk-ai/go-rag-backend/internal/domain"
	"github.com/doctalk-ai/go-rag-backend/internal/utils"
)

// SessionStore is the persistence surface the session endpoints consume.
type SessionStore interface {
	Load(ctx context.Context, userID, sessionID string) (*domain.Session, []domain.Message, error)
	Save(ctx context.Context, userID, sessionID, title, systemPrompt string, messages []domain.Message) error
	ListPage(ctx context.Context, userID string, offset, limit int) ([]domain.Session, int64, error)
	Delete(ctx context.Context, userID, sessionID string) error
}

// SaveHistoryRequest is the JSON payload for POST /chat/history.
type SaveHistoryRequest struct {
	SessionID    string        `json:"sessionId"`
	Messages     []WireMessage `json:"messages"`
	SystemPrompt string        `json:"systemPrompt"`
	Title        string        `json:"title"`
}

// SaveHistory godoc
// @ID          saveHistory
// @Summary     Save a conversation
// @Description Upserts the session and replaces its message list wholesale; replaying the same payload is a no-op apart from the updatedAt bump.
// @Tags        Sessions
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       body  body  handlers.SaveHistoryRequest  true  "Conversation to store"
//
// @Success     200  {object}  map[string]bool
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing token"
// @Router      /chat/history [post]
func (h *Handlers) SaveHistory(c *gin.Context) {
	var body SaveHistoryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.SessionID) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "sessionId is required")
		return
	}
	if len(body.Messages) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "messages must not be empty")
		return
	}
	for _, m := range body.Messages {
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown message role")
			return
		}
	}
	// A conversation always opens with the user's turn.
	if body.Messages[0].Role != domain.RoleUser {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "first message must have role user")
		return
	}

	err := h.sessions.Save(c.Request.Context(), userID(c), body.SessionID, body.Title, body.SystemPrompt, toDomainMessages(body.Messages))
	if err != nil {
		failFrom(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true})
}

// SessionSummary is one row of GET /chat/sessions.
type SessionSummary struct {
	SessionID string    `json:"sessionId"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ListSessions godoc
// @ID          listSessions
// @Summary     List the caller's sessions
// @Description Returns session summaries, most recently updated first. Total count is exposed via X-Total-Count.
// @Tags        Sessions
// @Produce     json
// @Security    BearerAuth
//
// @Param       page      query  int  false  "Page (1-based)"          example(1)
// @Param       pageSize  query  int  false  "Page size (max 200)"     example(50)
//
// @Success     200  {array}   handlers.SessionSummary
// @Failure     401  {object}  handlers.ErrorResponse  "Missing token"
// @Router      /chat/sessions [get]
func (h *Handlers) ListSessions(c *gin.Context) {
	page := utils.AtoiDefault(c.Query("page"), 1)
	pageSize := utils.AtoiDefault(c.Query("pageSize"), 50)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	sessions, total, err := h.sessions.ListPage(c.Request.Context(), userID(c), (page-1)*pageSize, pageSize)
	if err != nil {
		failFrom(c, err)
		return
	}

	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionSummary{SessionID: s.ID, Title: s.Title, UpdatedAt: s.UpdatedAt})
	}
	c.Header("X-Total-Count", utils.Itoa(total))
	ok(c, http.StatusOK, out)
}

// SessionDetail is the body of GET /chat/session/:id.
type SessionDetail struct {
	SessionID    string           `json:"sessionId"`
	Title        string           `json:"title"`
	SystemPrompt string           `json:"systemPrompt,omitempty"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	Messages     []domain.Message `json:"messages"`
}

// GetSession godoc
// @ID          getSession
// @Summary     Fetch one session with messages
// @Description A session owned by another user is indistinguishable from a missing one.
// @Tags        Sessions
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Session ID"
//
// @Success     200  {object}  handlers.SessionDetail
// @Failure     401  {object}  handlers.ErrorResponse  "Missing token"
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown or foreign session"
// @Router      /chat/session/{id} [get]
func (h *Handlers) GetSession(c *gin.Context) {
	id := c.Param("id")
	s, msgs, err := h.sessions.Load(c.Request.Context(), userID(c), id)
	if err != nil {
		failFrom(c, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	ok(c, http.StatusOK, SessionDetail{
		SessionID:    s.ID,
		Title:        s.Title,
		SystemPrompt: s.SystemPrompt,
		UpdatedAt:    s.UpdatedAt,
		Messages:     msgs,
	})
}

// DeleteSession godoc
// @ID          deleteSession
// @Summary     Delete a session and its messages
// @Tags        Sessions
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Session ID"
//
// @Success     200  {object}  map[string]bool
// @Failure     401  {object}  handlers.ErrorResponse  "Missing token"
// @Failure     404  {object}  handlers.ErrorResponse  "Unknown or foreign session"
// @Router      /chat/session/{id} [delete]
func (h *Handlers) DeleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		failFrom(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true})
}
