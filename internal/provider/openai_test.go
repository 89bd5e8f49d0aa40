package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newChatServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *OpenAIClient) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, NewOpenAI(srv.URL, "test-key")
}

func TestOpenAIGenerate_WireFormat(t *testing.T) {
	var got oaChatRequest
	_, c := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(oaChatResponse{
			Choices: []struct {
				Message oaMessage `json:"message"`
			}{{Message: oaMessage{Role: "assistant", Content: "hello back"}}},
			Usage: Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
		})
	})

	history := []ChatMessage{
		{Role: "user", Parts: []string{"hi", "there"}},
		{Role: "assistant", Parts: []string{"yes?"}},
		{Role: "user", Parts: []string{"hello"}},
	}
	gen, err := c.Generate(context.Background(), history, "be nice", Params{Model: "m1", Temperature: 2.5, MaxTokens: 99999})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gen.Text != "hello back" || gen.Usage.TotalTokens != 8 {
		t.Fatalf("unexpected generation: %+v", gen)
	}

	// System prompt is emitted once at the head.
	if len(got.Messages) != 4 || got.Messages[0].Role != "system" || got.Messages[0].Content != "be nice" {
		t.Fatalf("unexpected messages: %+v", got.Messages)
	}
	// Assistant keeps the "assistant" wire role; multi-part user turns join.
	if got.Messages[1].Content != "hi\nthere" || got.Messages[2].Role != "assistant" {
		t.Fatalf("unexpected conversion: %+v", got.Messages)
	}
	// Params are normalized.
	if got.Temperature != 1 {
		t.Fatalf("temperature = %v; want clamped to 1", got.Temperature)
	}
	if got.MaxTokens != openAIMaxTokensCap {
		t.Fatalf("max_tokens = %d; want cap %d", got.MaxTokens, openAIMaxTokensCap)
	}
}

func TestOpenAIGenerate_EmptyContentIsBadResponse(t *testing.T) {
	_, c := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  "}}]}`))
	})
	_, err := c.Generate(context.Background(), []ChatMessage{{Role: "user", Parts: []string{"q"}}}, "", Params{Model: "m"})
	if KindOf(err) != KindBadResponse {
		t.Fatalf("kind = %v; want bad_response", KindOf(err))
	}
}

func TestOpenAIGenerate_ErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{401, KindAuth},
		{429, KindRateLimited},
		{500, KindTransient},
		{400, KindBadRequest},
	}
	for _, tc := range cases {
		_, c := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
			if tc.status == 429 {
				w.Header().Set("Retry-After", "2")
			}
			w.WriteHeader(tc.status)
		})
		_, err := c.Generate(context.Background(), []ChatMessage{{Role: "user", Parts: []string{"q"}}}, "", Params{Model: "m"})
		if KindOf(err) != tc.want {
			t.Errorf("status %d: kind = %v; want %v", tc.status, KindOf(err), tc.want)
		}
		if tc.status == 429 {
			if ra, ok := RetryAfterOf(err); !ok || ra.Seconds() != 2 {
				t.Errorf("status 429: RetryAfter = (%v, %v)", ra, ok)
			}
		}
	}
}

func TestOpenAIGenerate_ConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := NewOpenAI(url, "k")
	_, err := c.Generate(context.Background(), []ChatMessage{{Role: "user", Parts: []string{"q"}}}, "", Params{Model: "m"})
	if KindOf(err) != KindTransient {
		t.Fatalf("kind = %v; want transient", KindOf(err))
	}
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *provider.Error, got %T", err)
	}
}

func TestOpenAIEmbed(t *testing.T) {
	_, c := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":[{"embedding":[0.25,0.5]}]}`))
	})
	v, err := c.Embed(context.Background(), "emb-model", "some text")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(v) != 2 || v[0] != 0.25 {
		t.Fatalf("unexpected vector: %v", v)
	}
}

func TestOpenAIEmbed_EmptyIsBadResponse(t *testing.T) {
	_, c := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	if _, err := c.Embed(context.Background(), "m", "t"); KindOf(err) != KindBadResponse {
		t.Fatalf("kind = %v; want bad_response", KindOf(err))
	}
}

func TestOpenAIProbe(t *testing.T) {
	_, c := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" || r.Method != http.MethodGet {
			t.Errorf("unexpected probe request %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	if err := c.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
}

func TestGroqPinnedBaseURL(t *testing.T) {
	c := NewGroq("k")
	if c.Name() != Groq {
		t.Fatalf("name = %v", c.Name())
	}
	if c.baseURL != groqBaseURL {
		t.Fatalf("baseURL = %s", c.baseURL)
	}
}
