package deepsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/doctalk-ai/go-rag-backend/internal/provider"
)

// Generator is the slice of a provider client the pipeline needs for its
// decompose and synthesize calls.
type Generator interface {
	Generate(ctx context.Context, history []provider.ChatMessage, systemPrompt string, p provider.Params) (*provider.Generation, error)
}

// Plan is the structured output of the decompose stage.
type Plan struct {
	CoreQuestion        string   `json:"coreQuestion"`
	SearchQueries       []string `json:"searchQueries"`
	Context             string   `json:"context"`
	ExpectedResultTypes []string `json:"expectedResultTypes"`
}

// QueryOutcome records whether one sub-query succeeded and how many hits
// it produced, for response metadata.
type QueryOutcome struct {
	Query   string `json:"query"`
	Success bool   `json:"success"`
	Count   int    `json:"count"`
}

// Result is the pipeline's final output.
type Result struct {
	Answer     string         `json:"answer"`
	Sources    []WebResult    `json:"sources"`
	Confidence float64        `json:"confidence"`
	Outcomes   []QueryOutcome `json:"searchResults"`
	Degraded   bool           `json:"degraded,omitempty"`
}

const (
	maxQueries       = 3
	earlyExitResults = 3
	maxSources       = 5

	decomposePrompt = `Decompose the user's question for web research. Respond with only a JSON object:
{"coreQuestion": string, "searchQueries": [up to 3 strings], "context": string, "expectedResultTypes": [strings]}`

	synthesizePrompt = `Write a grounded answer from the search results provided. Respond with only a JSON object:
{"answer": markdown string, "sources": [up to 5 {"title","url","snippet"}], "confidence": number in [0,1]}`
)

// Pipeline wires the three deep-search stages. Construct with NewPipeline.
type Pipeline struct {
	searcher Searcher

	decomposeTimeout  time.Duration
	searchTimeout     time.Duration
	synthesizeTimeout time.Duration
	interQueryDelay   time.Duration

	sleep func(ctx context.Context, d time.Duration)
}

// NewPipeline builds a Pipeline over the given search backend with the
// default stage timeouts.
func NewPipeline(searcher Searcher) *Pipeline {
	return &Pipeline{
		searcher:          searcher,
		decomposeTimeout:  5 * time.Second,
		searchTimeout:     10 * time.Second,
		synthesizeTimeout: 15 * time.Second,
		interQueryDelay:   2 * time.Second,
		sleep:             sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run executes decompose, search, and synthesize for query using llm for
// both LLM stages. It never fails outright on stage errors: decompose and
// synthesize both have deterministic fallbacks, and per-query search
// failures are recorded in the outcome metadata instead of aborting.
func (p *Pipeline) Run(ctx context.Context, llm Generator, query string, history []provider.ChatMessage) (*Result, error) {
	plan := p.Decompose(ctx, llm, query)
	results, outcomes := p.Search(ctx, plan)
	res := p.Synthesize(ctx, llm, plan.CoreQuestion, history, results)
	res.Outcomes = outcomes
	return res, ctx.Err()
}

// Decompose asks the LLM to split query into sub-queries. Malformed or
// failed output degrades to a single-query plan around the raw query.
func (p *Pipeline) Decompose(ctx context.Context, llm Generator, query string) *Plan {
	cctx, cancel := context.WithTimeout(ctx, p.decomposeTimeout)
	defer cancel()

	fallback := &Plan{CoreQuestion: query, SearchQueries: []string{query}}

	gen, err := llm.Generate(cctx, []provider.ChatMessage{
		{Role: "user", Parts: []string{query}},
	}, decomposePrompt, provider.Params{Temperature: 0.2, MaxTokens: 512})
	if err != nil {
		log.Warn().Err(err).Msg("deepsearch: decompose call failed, using single-query plan")
		return fallback
	}

	var plan Plan
	if err := json.Unmarshal([]byte(extractJSON(gen.Text)), &plan); err != nil || plan.CoreQuestion == "" || len(plan.SearchQueries) == 0 {
		log.Warn().Err(err).Msg("deepsearch: malformed decompose output, using single-query plan")
		return fallback
	}
	if len(plan.SearchQueries) > maxQueries {
		plan.SearchQueries = plan.SearchQueries[:maxQueries]
	}
	return &plan
}

// Search runs the plan's queries strictly in sequence against the web
// backend, deduplicating hits by URL across the batch. It exits early once
// a single query yields enough results.
func (p *Pipeline) Search(ctx context.Context, plan *Plan) ([]WebResult, []QueryOutcome) {
	queries := plan.SearchQueries
	if len(queries) > maxQueries {
		queries = queries[:maxQueries]
	}

	seen := make(map[string]struct{})
	var combined []WebResult
	outcomes := make([]QueryOutcome, 0, len(queries))

	for i, q := range queries {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			p.sleep(ctx, p.interQueryDelay)
		}

		qctx, cancel := context.WithTimeout(ctx, p.searchTimeout)
		hits, err := p.searcher.Search(qctx, q)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("query", q).Msg("deepsearch: sub-query failed")
			outcomes = append(outcomes, QueryOutcome{Query: q, Success: false})
			continue
		}

		fresh := 0
		for _, h := range hits {
			if _, dup := seen[h.URL]; dup {
				continue
			}
			seen[h.URL] = struct{}{}
			combined = append(combined, h)
			fresh++
		}
		outcomes = append(outcomes, QueryOutcome{Query: q, Success: true, Count: len(hits)})

		if len(hits) >= earlyExitResults {
			break
		}
	}
	return combined, outcomes
}

// Synthesize asks the LLM for a grounded answer over results. On any
// failure it falls back to a deterministic concatenation of the top
// snippets: confidence 0.7 when there were results to cite, 0 otherwise.
func (p *Pipeline) Synthesize(ctx context.Context, llm Generator, question string, history []provider.ChatMessage, results []WebResult) *Result {
	cctx, cancel := context.WithTimeout(ctx, p.synthesizeTimeout)
	defer cancel()

	msgs := append([]provider.ChatMessage(nil), history...)
	msgs = append(msgs, provider.ChatMessage{
		Role:  "user",
		Parts: []string{question + "\n\nSearch results:\n" + formatResults(results)},
	})

	gen, err := llm.Generate(cctx, msgs, synthesizePrompt, provider.Params{Temperature: 0.4, MaxTokens: 2048})
	if err == nil {
		var out struct {
			Answer     string      `json:"answer"`
			Sources    []WebResult `json:"sources"`
			Confidence float64     `json:"confidence"`
		}
		if jerr := json.Unmarshal([]byte(extractJSON(gen.Text)), &out); jerr == nil && out.Answer != "" {
			if len(out.Sources) > maxSources {
				out.Sources = out.Sources[:maxSources]
			}
			if out.Confidence < 0 {
				out.Confidence = 0
			} else if out.Confidence > 1 {
				out.Confidence = 1
			}
			return &Result{Answer: out.Answer, Sources: out.Sources, Confidence: out.Confidence}
		}
		log.Warn().Msg("deepsearch: malformed synthesize output, using deterministic fallback")
	} else {
		log.Warn().Err(err).Msg("deepsearch: synthesize call failed, using deterministic fallback")
	}

	return fallbackSynthesis(question, results)
}

// fallbackSynthesis builds an answer without an LLM: the top snippets with
// their source links, in search order.
func fallbackSynthesis(question string, results []WebResult) *Result {
	if len(results) == 0 {
		return &Result{
			Answer:   fmt.Sprintf("No search results were found for: %s", question),
			Degraded: true,
		}
	}

	top := results
	if len(top) > maxSources {
		top = top[:maxSources]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Summary of search results for: %s\n", question)
	for _, r := range top {
		fmt.Fprintf(&b, "\n- **%s** ([source](%s))", r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, ": %s", r.Snippet)
		}
	}
	return &Result{Answer: b.String(), Sources: top, Confidence: 0.7, Degraded: true}
}

func formatResults(results []WebResult) string {
	if len(results) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s - %s\n%s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return b.String()
}

// extractJSON strips markdown code fences and surrounding prose so model
// output that wraps its JSON survives decoding.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	end := strings.LastIndexAny(s, "}]")
	if end < start {
		return s
	}
	return s[start : end+1]
}
