// Chat HTTP handlers.
//
// This file exposes the generation endpoints:
//   - POST /chat/message      (plain completion)
//   - POST /chat/rag          (grounded on the user's documents)
//   - POST /chat/deep-search  (decompose / web search / synthesize)
//
// Handlers are transport-thin: they validate input, call the orchestrator,
// and translate results into HTTP responses.
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/doctalk-ai/go-rag-backend/internal/deepsearch"
	"github.com/doctalk-ai/go-rag-backend/internal/domain"
	"github.com/doctalk-ai/go-rag-backend/internal/http/middleware"
	"github.com/doctalk-ai/go-rag-backend/internal/orchestrator"
)

// ChatService is the orchestrator surface the chat endpoints consume.
// Implementations must be safe for concurrent use and honor the provided
// context for cancellation and timeouts.
type ChatService interface {
	Chat(ctx context.Context, req orchestrator.ChatRequest) (*orchestrator.Reply, error)
	RAGChat(ctx context.Context, req orchestrator.ChatRequest) (*orchestrator.Reply, error)
	DeepSearch(ctx context.Context, req orchestrator.DeepSearchRequest) (*orchestrator.DeepReply, error)
}

// Handlers groups the HTTP endpoints for chat, sessions, and user settings.
type Handlers struct {
	chatSvc  ChatService
	sessions SessionStore
	settings SettingsService
}

// New constructs a Handlers instance bound to the given services.
func New(chatSvc ChatService, sessions SessionStore, settings SettingsService) *Handlers {
	return &Handlers{chatSvc: chatSvc, sessions: sessions, settings: settings}
}

// userID extracts the authenticated user id set by the auth middleware.
func userID(c *gin.Context) string {
	return middleware.UserIDFrom(c)
}

//
// DTOs
//

// WireMessage is one conversation turn as clients send it. Either parts or
// content may carry the text; content is a single-fragment shorthand.
type WireMessage struct {
	Role    string   `json:"role"`
	Parts   []string `json:"parts,omitempty"`
	Content string   `json:"content,omitempty"`
}

func (m WireMessage) toDomain() domain.Message {
	parts := m.Parts
	if len(parts) == 0 && m.Content != "" {
		parts = []string{m.Content}
	}
	return domain.Message{Role: m.Role, Parts: parts}
}

func toDomainMessages(ms []WireMessage) []domain.Message {
	out := make([]domain.Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.toDomain())
	}
	return out
}

// ChatRequest is the JSON payload for /chat/message and /chat/rag.
type ChatRequest struct {
	SessionID    string        `json:"sessionId"`
	History      []WireMessage `json:"history"`
	SystemPrompt string        `json:"systemPrompt"`
	Model        string        `json:"model"`
}

// UsageBody mirrors provider token accounting in responses.
type UsageBody struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// ChatResponse is the reply body for /chat/message and /chat/rag.
type ChatResponse struct {
	Text       string            `json:"text"`
	References domain.References `json:"references,omitempty"`
	Usage      UsageBody         `json:"usage"`
	Provider   string            `json:"provider"`
	Cached     bool              `json:"cached,omitempty"`
	Degraded   bool              `json:"degraded,omitempty"`
}

// PostMessage godoc
// @ID          chatMessage
// @Summary     Generate a chat completion
// @Description Runs one plain completion over the supplied history and persists the exchange.
// @Tags        Chat
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       body  body  handlers.ChatRequest  true  "Conversation payload"
//
// @Success     200  {object}  handlers.ChatResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request / no usable credential"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing token or rejected credential"
// @Failure     429  {object}  handlers.ErrorResponse  "Provider rate limit"
// @Failure     502  {object}  handlers.ErrorResponse  "Upstream failure"
// @Failure     504  {object}  handlers.ErrorResponse  "Deadline exceeded"
// @Router      /chat/message [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	h.generate(c, h.chatSvc.Chat)
}

// PostRAG godoc
// @ID          chatRAG
// @Summary     Generate a completion grounded on the user's documents
// @Description Retrieves the top document chunks for the final user message and grounds the completion on them.
// @Tags        Chat
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       body  body  handlers.ChatRequest  true  "Conversation payload"
//
// @Success     200  {object}  handlers.ChatResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request / no usable credential"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing token or rejected credential"
// @Failure     429  {object}  handlers.ErrorResponse  "Provider rate limit"
// @Router      /chat/rag [post]
func (h *Handlers) PostRAG(c *gin.Context) {
	h.generate(c, h.chatSvc.RAGChat)
}

func (h *Handlers) generate(c *gin.Context, op func(context.Context, orchestrator.ChatRequest) (*orchestrator.Reply, error)) {
	var body ChatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.SessionID) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "sessionId is required")
		return
	}

	reply, err := op(c.Request.Context(), orchestrator.ChatRequest{
		UserID:       userID(c),
		SessionID:    body.SessionID,
		History:      toDomainMessages(body.History),
		SystemPrompt: body.SystemPrompt,
		Model:        body.Model,
	})
	if err != nil {
		failFrom(c, err)
		return
	}

	middleware.ObserveProviderCall(string(reply.Provider), "ok")
	middleware.ObserveCacheLookup(reply.Cached)

	ok(c, http.StatusOK, ChatResponse{
		Text:       reply.Message.Parts.Text(),
		References: reply.Message.References,
		Usage: UsageBody{
			PromptTokens:     reply.Usage.PromptTokens,
			CompletionTokens: reply.Usage.CompletionTokens,
			TotalTokens:      reply.Usage.TotalTokens,
		},
		Provider: string(reply.Provider),
		Cached:   reply.Cached,
		Degraded: reply.Degraded,
	})
}

// DeepSearchRequest is the JSON payload for /chat/deep-search.
type DeepSearchRequest struct {
	Query     string        `json:"query"`
	History   []WireMessage `json:"history"`
	SessionID string        `json:"sessionId"`
}

// DeepSearchResponse is the reply body for /chat/deep-search.
type DeepSearchResponse struct {
	Answer     string                 `json:"answer"`
	Sources    []deepsearch.WebResult `json:"sources"`
	Confidence float64                `json:"confidence"`
	Metadata   DeepSearchMetadata     `json:"metadata"`
}

// DeepSearchMetadata carries per-sub-query outcomes and the provider used.
type DeepSearchMetadata struct {
	Provider      string                    `json:"provider"`
	SearchResults []deepsearch.QueryOutcome `json:"searchResults"`
	Degraded      bool                      `json:"degraded,omitempty"`
}

// PostDeepSearch godoc
// @ID          chatDeepSearch
// @Summary     Answer a query through web research
// @Description Decomposes the query, searches the web sequentially, and synthesizes a cited answer.
// @Tags        Chat
// @Accept      json
// @Produce     json
// @Security    BearerAuth
//
// @Param       body  body  handlers.DeepSearchRequest  true  "Research query"
//
// @Success     200  {object}  handlers.DeepSearchResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing token"
// @Failure     504  {object}  handlers.ErrorResponse  "Deadline exceeded"
// @Router      /chat/deep-search [post]
func (h *Handlers) PostDeepSearch(c *gin.Context) {
	var body DeepSearchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.Query) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "query is required")
		return
	}

	reply, err := h.chatSvc.DeepSearch(c.Request.Context(), orchestrator.DeepSearchRequest{
		UserID:    userID(c),
		SessionID: body.SessionID,
		Query:     body.Query,
		History:   toDomainMessages(body.History),
	})
	if err != nil {
		failFrom(c, err)
		return
	}

	middleware.ObserveProviderCall(string(reply.Provider), "ok")

	sources := reply.Sources
	if sources == nil {
		sources = []deepsearch.WebResult{}
	}
	ok(c, http.StatusOK, DeepSearchResponse{
		Answer:     reply.Answer,
		Sources:    sources,
		Confidence: reply.Confidence,
		Metadata: DeepSearchMetadata{
			Provider:      string(reply.Provider),
			SearchResults: reply.Outcomes,
			Degraded:      reply.Degraded,
		},
	})
}
