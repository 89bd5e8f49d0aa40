// Package vectorstore is a minimal REST client for the external vector
// service that owns document chunks and their embeddings. The core never
// writes chunks; ingestion is a separate collaborator. Every search carries
// a mandatory user filter so the service never returns another tenant's
// chunks, and the retrieval engine re-checks ownership anyway.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Chunk is one stored passage of a user document, as returned by the service.
type Chunk struct {
	ID         string    `json:"chunk_id"`
	UserID     string    `json:"user_id"`
	DocumentID string    `json:"document_id"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"embedding,omitempty"`
	Position   int       `json:"position"`   // chunk index within its document
	CreatedAt  time.Time `json:"created_at"` // ingestion time, used for tie-breaks
	Score      float64   `json:"score"`      // service-side similarity, advisory only
}

// Client talks to the vector service over HTTP.
type Client struct {
	baseURL    string
	collection string
	http       *http.Client
}

// Config configures the vector service client.
type Config struct {
	URL        string
	Collection string
	Timeout    time.Duration
}

// New builds a Client with sane defaults.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "documents"
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		collection: collection,
		http:       &http.Client{Timeout: timeout},
	}
}

type searchRequest struct {
	Vector      []float32 `json:"vector"`
	Limit       int       `json:"limit"`
	WithPayload bool      `json:"with_payload"`
	WithVector  bool      `json:"with_vector"`
	Filter      filter    `json:"filter"`
}

type filter struct {
	Must []match `json:"must"`
}

type match struct {
	Key   string     `json:"key"`
	Match matchValue `json:"match"`
}

type matchValue struct {
	Value string `json:"value"`
}

type searchResponse struct {
	Result []struct {
		ID      string         `json:"id"`
		Score   float64        `json:"score"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
}

// Search returns up to limit chunks owned by userID, nearest to vector.
func (c *Client) Search(ctx context.Context, userID string, vector []float32, limit int) ([]Chunk, error) {
	if len(vector) == 0 {
		return nil, errors.New("vectorstore: empty query vector")
	}
	if limit <= 0 {
		limit = 10
	}
	body := searchRequest{
		Vector:      vector,
		Limit:       limit,
		WithPayload: true,
		WithVector:  true,
		Filter:      filter{Must: []match{{Key: "user_id", Match: matchValue{Value: userID}}}},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, c.collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.CopyN(io.Discard, resp.Body, 1024)
		return nil, fmt.Errorf("vectorstore: search returned %s", resp.Status)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("vectorstore: decode search response: %w", err)
	}

	chunks := make([]Chunk, 0, len(out.Result))
	for _, r := range out.Result {
		ch := Chunk{ID: r.ID, Score: r.Score, Embedding: r.Vector}
		ch.UserID, _ = r.Payload["user_id"].(string)
		ch.DocumentID, _ = r.Payload["document_id"].(string)
		ch.Text, _ = r.Payload["text"].(string)
		if pos, ok := r.Payload["position"].(float64); ok {
			ch.Position = int(pos)
		}
		if ts, ok := r.Payload["created_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				ch.CreatedAt = t
			}
		}
		chunks = append(chunks, ch)
	}
	return chunks, nil
}

// Healthy reports whether the service answers its readiness endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/readyz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}
