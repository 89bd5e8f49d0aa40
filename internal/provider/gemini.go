// Gemini client built on the official generative-ai-go SDK.
package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	geminiDefaultMaxTokens = 2048
	geminiMaxTokensCap     = 8192

	// Wire role for assistant turns on the Gemini API.
	geminiRoleModel = "model"
)

// GeminiClient wraps the genai SDK behind the uniform Client contract.
type GeminiClient struct {
	client *genai.Client
}

// NewGemini builds a Gemini client for the given API key.
func NewGemini(ctx context.Context, apiKey string) (*GeminiClient, error) {
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, transportError(Gemini, err)
	}
	return &GeminiClient{client: cl}, nil
}

// Name returns the provider family of this client.
func (c *GeminiClient) Name() Name { return Gemini }

// Close releases the underlying gRPC connection.
func (c *GeminiClient) Close() error { return c.client.Close() }

// Generate runs one chat completion. All turns but the last become session
// history; the final user turn is sent as the message. Assistant turns are
// mapped to the "model" wire role.
func (c *GeminiClient) Generate(ctx context.Context, history []ChatMessage, systemPrompt string, p Params) (*Generation, error) {
	if len(history) == 0 {
		return nil, badResponse(Gemini, "empty conversation")
	}

	model := c.client.GenerativeModel(p.Model)
	if s := strings.TrimSpace(systemPrompt); s != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(s)}}
	}
	temp := float32(clampTemperature(p.Temperature))
	maxTok := int32(clampTokens(p.MaxTokens, geminiDefaultMaxTokens, geminiMaxTokensCap))
	model.GenerationConfig = genai.GenerationConfig{
		Temperature:     &temp,
		MaxOutputTokens: &maxTok,
	}

	session := model.StartChat()
	for _, m := range history[:len(history)-1] {
		session.History = append(session.History, toGeminiContent(m))
	}

	last := history[len(history)-1]
	parts := make([]genai.Part, 0, len(last.Parts))
	for _, p := range last.Parts {
		parts = append(parts, genai.Text(p))
	}
	if len(parts) == 0 {
		parts = append(parts, genai.Text(""))
	}

	resp, err := session.SendMessage(ctx, parts...)
	if err != nil {
		return nil, classifyGeminiErr(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, badResponse(Gemini, "no candidates in response")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return nil, badResponse(Gemini, "completion had no text parts")
	}

	out := &Generation{Text: sb.String()}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// Embed returns an embedding vector for text.
func (c *GeminiClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	em := c.client.EmbeddingModel(model)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, classifyGeminiErr(err)
	}
	if res == nil || res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, badResponse(Gemini, "no embedding returned")
	}
	return res.Embedding.Values, nil
}

// Probe validates the credential with a single model-list page.
func (c *GeminiClient) Probe(ctx context.Context) error {
	it := c.client.ListModels(ctx)
	if _, err := it.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return classifyGeminiErr(err)
	}
	return nil
}

func toGeminiContent(m ChatMessage) *genai.Content {
	role := m.Role
	if role == "assistant" {
		role = geminiRoleModel
	}
	parts := make([]genai.Part, 0, len(m.Parts))
	for _, p := range m.Parts {
		parts = append(parts, genai.Text(p))
	}
	return &genai.Content{Role: role, Parts: parts}
}

// classifyGeminiErr maps SDK errors onto the taxonomy. The SDK surfaces HTTP
// failures as *googleapi.Error; anything else is treated as transport.
func classifyGeminiErr(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return httpError(Gemini, gerr.Code, gerr.Header, gerr.Message)
	}
	return transportError(Gemini, err)
}
