// OpenAI-compatible chat-completions client. Groq exposes the same wire
// format, so the Groq variant is this client pinned to the Groq base URL.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	groqBaseURL = "https://api.groq.com/openai/v1"

	// Completion ceiling applied when the model does not advertise one.
	openAIDefaultMaxTokens = 1024
	openAIMaxTokensCap     = 32768

	// Response bodies larger than this are cut off before decoding.
	maxResponseBytes = 4 << 20
)

// OpenAIClient speaks the OpenAI chat-completions and embeddings wire format
// against any compatible endpoint.
type OpenAIClient struct {
	name    Name
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewOpenAI returns a client for a generic OpenAI-compatible endpoint.
func NewOpenAI(baseURL, apiKey string) *OpenAIClient {
	return newOpenAI(OpenAICompatible, baseURL, apiKey)
}

// NewGroq returns an OpenAI-compatible client pinned to the Groq API.
func NewGroq(apiKey string) *OpenAIClient {
	return newOpenAI(Groq, groqBaseURL, apiKey)
}

func newOpenAI(name Name, baseURL, apiKey string) *OpenAIClient {
	return &OpenAIClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Name returns the provider family of this client.
func (c *OpenAIClient) Name() Name { return c.name }

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaChatRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Temperature float64     `json:"temperature"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Stream      bool        `json:"stream"`
}

type oaChatResponse struct {
	Choices []struct {
		Message oaMessage `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Generate runs one chat completion. The system prompt is emitted once at the
// head; assistant turns keep the "assistant" role on this wire format.
func (c *OpenAIClient) Generate(ctx context.Context, history []ChatMessage, systemPrompt string, p Params) (*Generation, error) {
	msgs := make([]oaMessage, 0, len(history)+1)
	if s := strings.TrimSpace(systemPrompt); s != "" {
		msgs = append(msgs, oaMessage{Role: "system", Content: s})
	}
	for _, m := range history {
		role := m.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		msgs = append(msgs, oaMessage{Role: role, Content: strings.Join(m.Parts, "\n")})
	}
	if len(msgs) == 0 {
		return nil, badResponse(c.name, "empty conversation")
	}

	body := oaChatRequest{
		Model:       p.Model,
		Messages:    msgs,
		Temperature: clampTemperature(p.Temperature),
		MaxTokens:   clampTokens(p.MaxTokens, openAIDefaultMaxTokens, openAIMaxTokensCap),
	}

	var out oaChatResponse
	if err := c.postJSON(ctx, "/chat/completions", body, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return nil, badResponse(c.name, "completion had no content")
	}
	return &Generation{Text: out.Choices[0].Message.Content, Usage: out.Usage}, nil
}

// Embed returns an embedding vector for text via the /embeddings endpoint.
func (c *OpenAIClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	body := map[string]any{"model": model, "input": text}
	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := c.postJSON(ctx, "/embeddings", body, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, badResponse(c.name, "no embedding returned")
	}
	return out.Data[0].Embedding, nil
}

// Probe validates the credential with a model-list call.
func (c *OpenAIClient) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return transportError(c.name, err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(c.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return httpError(c.name, resp.StatusCode, resp.Header, "model list probe failed")
	}
	return nil
}

func (c *OpenAIClient) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return badResponse(c.name, "encode request: "+err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return transportError(c.name, err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		// Drain a little for connection reuse; the body itself is not surfaced.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return httpError(c.name, resp.StatusCode, resp.Header, fmt.Sprintf("%s returned %s", path, resp.Status))
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportError(c.name, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return badResponse(c.name, "decode response: "+err.Error())
	}
	return nil
}

func (c *OpenAIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
