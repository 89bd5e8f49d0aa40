// Package deepsearch runs the decompose / search / synthesize pipeline for
// open-web answers: an LLM splits the query into sub-queries, a metasearch
// service answers them sequentially, and a second LLM call (or a
// deterministic fallback) writes the final answer.
package deepsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebResult is one search hit.
type WebResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher answers one query against a web search backend.
type Searcher interface {
	Search(ctx context.Context, query string) ([]WebResult, error)
}

// SearchClient talks to a SearxNG-compatible metasearch endpoint.
type SearchClient struct {
	baseURL string
	httpc   *http.Client
}

// NewSearchClient builds a client for the metasearch service at baseURL.
func NewSearchClient(baseURL string, timeout time.Duration) *SearchClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SearchClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search runs one query and returns its hits in backend order.
func (c *SearchClient) Search(ctx context.Context, query string) ([]WebResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepsearch: search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("deepsearch: search backend returned %d", resp.StatusCode)
	}

	var body searxResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("deepsearch: decode search response: %w", err)
	}

	out := make([]WebResult, 0, len(body.Results))
	for _, r := range body.Results {
		if r.URL == "" {
			continue
		}
		out = append(out, WebResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return out, nil
}
