package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/doctalk-ai/go-rag-backend/internal/deepsearch"
	"github.com/doctalk-ai/go-rag-backend/internal/domain"
	"github.com/doctalk-ai/go-rag-backend/internal/provider"
	"github.com/doctalk-ai/go-rag-backend/internal/repo"
	"github.com/doctalk-ai/go-rag-backend/internal/retrieval"
)

// Input limits. Oversize prompts are rejected rather than truncated so the
// caller knows what was actually sent to the model.
const (
	maxHistoryMessages = 200
	maxMessageBytes    = 32 << 10
	maxSystemPromptLen = 8 << 10
)

// ErrBadRequest marks malformed orchestrator input; handlers map it to 400.
var ErrBadRequest = errors.New("invalid chat request")

func validateChat(req *ChatRequest) error {
	switch {
	case req.UserID == "" || req.SessionID == "":
		return fmt.Errorf("%w: missing user or session id", ErrBadRequest)
	case len(req.History) == 0:
		return fmt.Errorf("%w: empty history", ErrBadRequest)
	case len(req.History) > maxHistoryMessages:
		return fmt.Errorf("%w: history too long", ErrBadRequest)
	case len(req.SystemPrompt) > maxSystemPromptLen:
		return fmt.Errorf("%w: system prompt too long", ErrBadRequest)
	}
	for i := range req.History {
		m := &req.History[i]
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			return fmt.Errorf("%w: unknown role %q", ErrBadRequest, m.Role)
		}
		if len(m.Parts.Text()) > maxMessageBytes {
			return fmt.Errorf("%w: message too large", ErrBadRequest)
		}
	}
	if lastUserText(req.History) == "" {
		return fmt.Errorf("%w: history must end with a user message", ErrBadRequest)
	}
	return nil
}

// persist writes the conversation plus the assistant reply in one
// transactional upsert.
func (c *Core) persist(ctx context.Context, req ChatRequest, assistant domain.Message) error {
	messages := append(append([]domain.Message(nil), req.History...), assistant)
	return repo.AppendAndUpsert(ctx, c.db, req.UserID, req.SessionID, "", req.SystemPrompt, messages)
}

func toChatMessages(history []domain.Message) []provider.ChatMessage {
	out := make([]provider.ChatMessage, 0, len(history))
	for _, m := range history {
		out = append(out, provider.ChatMessage{Role: m.Role, Parts: []string(m.Parts)})
	}
	return out
}

// lastUserText returns the trailing user message's text, or "" when the
// history does not end with one.
func lastUserText(history []domain.Message) string {
	if len(history) == 0 {
		return ""
	}
	last := history[len(history)-1]
	if last.Role != domain.RoleUser {
		return ""
	}
	return strings.TrimSpace(last.Parts.Text())
}

func toReferences(chunks []retrieval.ScoredChunk) domain.References {
	if len(chunks) == 0 {
		return nil
	}
	refs := make(domain.References, 0, len(chunks))
	for _, sc := range chunks {
		snippet := sc.Chunk.Text
		if len(snippet) > 240 {
			snippet = snippet[:240]
		}
		refs = append(refs, domain.Reference{
			ChunkID:    sc.Chunk.ID,
			DocumentID: sc.Chunk.DocumentID,
			Snippet:    snippet,
			Score:      sc.Score,
		})
	}
	return refs
}

func webReferences(sources []deepsearch.WebResult) domain.References {
	if len(sources) == 0 {
		return nil
	}
	refs := make(domain.References, 0, len(sources))
	for _, s := range sources {
		refs = append(refs, domain.Reference{Title: s.Title, URL: s.URL, Snippet: s.Snippet})
	}
	return refs
}

// groundHistory injects the retrieved context ahead of the final user
// message so the model answers from the user's documents.
func groundHistory(history []provider.ChatMessage, chunks []retrieval.ScoredChunk) []provider.ChatMessage {
	var b strings.Builder
	b.WriteString("Use the following context from the user's documents when relevant:\n")
	for i, sc := range chunks {
		fmt.Fprintf(&b, "\n[%d] %s\n", i+1, sc.Chunk.Text)
	}

	out := append([]provider.ChatMessage(nil), history...)
	last := &out[len(out)-1]
	parts := append([]string{b.String()}, last.Parts...)
	last.Parts = parts
	return out
}
