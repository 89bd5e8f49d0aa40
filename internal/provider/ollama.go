// Client for user-operated Ollama servers using the native /api/chat and
// /api/tags endpoints. No credential is involved; reachability of the
// endpoint is the credential.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

const ollamaDefaultMaxTokens = 2048

// OllamaClient speaks the native Ollama wire format.
type OllamaClient struct {
	endpoint string
	http     *http.Client
}

// NewOllama returns a client for the Ollama server at endpoint
// (e.g. "http://localhost:11434").
func NewOllama(endpoint string) *OllamaClient {
	return &OllamaClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: 120 * time.Second},
	}
}

// Name returns the provider family of this client.
func (c *OllamaClient) Name() Name { return Ollama }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// Generate runs one non-streaming chat call against /api/chat.
func (c *OllamaClient) Generate(ctx context.Context, history []ChatMessage, systemPrompt string, p Params) (*Generation, error) {
	msgs := make([]ollamaMessage, 0, len(history)+1)
	if s := strings.TrimSpace(systemPrompt); s != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: s})
	}
	for _, m := range history {
		role := m.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		msgs = append(msgs, ollamaMessage{Role: role, Content: strings.Join(m.Parts, "\n")})
	}
	if len(msgs) == 0 {
		return nil, badResponse(Ollama, "empty conversation")
	}

	body := ollamaChatRequest{
		Model:    p.Model,
		Messages: msgs,
		Options: map[string]any{
			"temperature": clampTemperature(p.Temperature),
			// The server clamps num_predict to the model context itself.
			"num_predict": clampTokens(p.MaxTokens, ollamaDefaultMaxTokens, 0),
		},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, badResponse(Ollama, "encode request: "+err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, transportError(Ollama, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(Ollama, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return nil, httpError(Ollama, resp.StatusCode, resp.Header, "chat returned "+resp.Status)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(Ollama, err)
	}
	var out ollamaChatResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, badResponse(Ollama, "decode response: "+err.Error())
	}
	if strings.TrimSpace(out.Message.Content) == "" {
		return nil, badResponse(Ollama, "completion had no content")
	}

	return &Generation{
		Text: out.Message.Content,
		Usage: Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
			TotalTokens:      out.PromptEvalCount + out.EvalCount,
		},
	}, nil
}

// Embed returns an embedding vector via the native /api/embeddings endpoint.
func (c *OllamaClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	data, err := json.Marshal(map[string]string{"model": model, "prompt": text})
	if err != nil {
		return nil, badResponse(Ollama, "encode request: "+err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, transportError(Ollama, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(Ollama, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, httpError(Ollama, resp.StatusCode, resp.Header, "embeddings returned "+resp.Status)
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return nil, badResponse(Ollama, "decode response: "+err.Error())
	}
	if len(out.Embedding) == 0 {
		return nil, badResponse(Ollama, "no embedding returned")
	}
	return out.Embedding, nil
}

// Probe checks the endpoint is a reachable Ollama server by listing its
// models. Used by the credential resolver to validate user endpoints.
func (c *OllamaClient) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/api/tags", nil)
	if err != nil {
		return transportError(Ollama, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(Ollama, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return httpError(Ollama, resp.StatusCode, resp.Header, "model list probe failed")
	}
	var out struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return badResponse(Ollama, "decode model list: "+err.Error())
	}
	return nil
}
