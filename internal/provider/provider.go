// Package provider implements uniform clients for the LLM providers the
// platform can speak to: Gemini, Groq, user-operated Ollama servers, and any
// generic OpenAI-compatible HTTP endpoint.
//
// Every client satisfies the same Client contract and maps the internal
// message shape onto its wire format. Failures are classified into a small
// error taxonomy (see errors.go) which is the only contract the orchestrator
// relies on for its retry and fallback policy.
package provider

import (
	"context"

	"github.com/doctalk-ai/go-rag-backend/internal/domain"
)

// Name identifies a provider family.
type Name string

// Supported provider families. "admin" is a user preference, not a family:
// it resolves to one of these at credential-resolution time.
const (
	Gemini           Name = "gemini"
	Groq             Name = "groq"
	Ollama           Name = "ollama"
	OpenAICompatible Name = "openai"
)

// Valid reports whether n is a known provider family.
func (n Name) Valid() bool {
	switch n {
	case Gemini, Groq, Ollama, OpenAICompatible:
		return true
	}
	return false
}

// ChatMessage is the provider-independent message shape. Clients convert it
// to their wire format: "assistant" becomes "model" for Gemini and stays
// "assistant" for OpenAI-compatible formats; "system" is emitted once at the
// head of the conversation.
type ChatMessage struct {
	Role  string
	Parts []string
}

// Params are generation parameters normalized by each client: temperature is
// clamped to [0,1] and MaxTokens to the model's own ceiling.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Usage reports token accounting when the provider exposes it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Generation is the uniform result of a chat completion. Clients never return
// a Generation with empty Text: an empty content field from the provider is
// reported as a BadResponse error instead.
type Generation struct {
	Text  string
	Usage Usage
	Refs  domain.References
}

// Client is the polymorphic contract implemented by all provider variants.
//
// Implementations must honor the context for cancellation and classify every
// failure with a Kind (see errors.go). They are safe for concurrent use.
type Client interface {
	// Name returns the provider family of this client.
	Name() Name

	// Generate runs one chat completion over the given history. The system
	// prompt, when non-empty, is emitted once at the head of the conversation.
	Generate(ctx context.Context, history []ChatMessage, systemPrompt string, p Params) (*Generation, error)

	// Probe performs a single cheap call that validates the credential or
	// endpoint (model-list call where the provider has one).
	Probe(ctx context.Context) error
}

// Embedder is implemented by clients that can produce embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// clampTemperature bounds t to [0,1].
func clampTemperature(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// clampTokens bounds n to (0, max]; non-positive n falls back to def.
func clampTokens(n, def, max int) int {
	if n <= 0 {
		n = def
	}
	if max > 0 && n > max {
		n = max
	}
	return n
}
