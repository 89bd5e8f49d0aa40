// Package orchestrator coordinates one chat request end to end: credential
// resolution, optional retrieval or deep-search, generation with retry and
// fallback, and the transactional session write. All process-wide state it
// touches (quota counters, response cache, credential validity) is passed in
// explicitly; nothing here is a package-level singleton.
package orchestrator

import (
	"context"
	"io"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/doctalk-ai/go-rag-backend/internal/credentials"
	"github.com/doctalk-ai/go-rag-backend/internal/deepsearch"
	"github.com/doctalk-ai/go-rag-backend/internal/domain"
	"github.com/doctalk-ai/go-rag-backend/internal/provider"
	"github.com/doctalk-ai/go-rag-backend/internal/respcache"
	"github.com/doctalk-ai/go-rag-backend/internal/retrieval"
)

// Retry policy for provider calls.
const (
	maxRetries    = 2
	backoffBase   = 500 * time.Millisecond
	backoffFactor = 2
	maxRetryAfter = 30 * time.Second

	defaultTemperature = 0.7
	defaultTopK        = 5
)

// CredentialSource is the resolver surface the orchestrator needs.
type CredentialSource interface {
	Resolve(ctx context.Context, userID string, requested provider.Name, model string) (*credentials.Bundle, provider.Client, error)
	FallbackOrder(ctx context.Context, userID string, used provider.Name) []provider.Name
	MarkInvalid(b *credentials.Bundle)
}

// Retriever is the slice of the retrieval engine used for RAG requests.
type Retriever interface {
	Search(ctx context.Context, userID, query string, k int) ([]retrieval.ScoredChunk, bool, error)
}

// DeepRunner runs the decompose/search/synthesize pipeline.
type DeepRunner interface {
	Run(ctx context.Context, llm deepsearch.Generator, query string, history []provider.ChatMessage) (*deepsearch.Result, error)
}

// QuotaRecorder counts attempts against provider windows. Failed calls are
// recorded too: they consumed upstream quota.
type QuotaRecorder interface {
	Record(p provider.Name)
}

// Config carries the orchestrator's tunables.
type Config struct {
	ChatDeadline       time.Duration
	DeepSearchDeadline time.Duration
	TopK               int
}

// Core wires every collaborator one request needs. Construct with New and
// share a single instance across handlers; it is safe for concurrent use.
type Core struct {
	db    *gorm.DB
	creds CredentialSource
	rag   Retriever
	deep  DeepRunner
	quota QuotaRecorder
	cache *respcache.Cache
	cfg   Config

	tracer trace.Tracer
	sleep  func(ctx context.Context, d time.Duration)
	jitter func() float64
}

// New builds a Core. quota and cache may be nil, disabling counting and
// response caching respectively.
func New(db *gorm.DB, creds CredentialSource, rag Retriever, deep DeepRunner, q QuotaRecorder, cache *respcache.Cache, cfg Config) *Core {
	if cfg.ChatDeadline <= 0 {
		cfg.ChatDeadline = 60 * time.Second
	}
	if cfg.DeepSearchDeadline <= 0 {
		cfg.DeepSearchDeadline = 90 * time.Second
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	return &Core{
		db:     db,
		creds:  creds,
		rag:    rag,
		deep:   deep,
		quota:  q,
		cache:  cache,
		cfg:    cfg,
		tracer: otel.Tracer("orchestrator"),
		sleep:  sleepCtx,
		jitter: rand.Float64,
	}
}

// ChatRequest is one /chat/message or /chat/rag invocation. History is the
// client's view of the conversation, ending with the new user message; the
// store replaces the session's messages with it plus the generated reply.
type ChatRequest struct {
	UserID       string
	SessionID    string
	History      []domain.Message
	SystemPrompt string
	Model        string
}

// Reply is the generated assistant message plus request metadata.
type Reply struct {
	Message  *domain.Message
	Provider provider.Name
	Source   credentials.Source
	Usage    provider.Usage
	Cached   bool
	Degraded bool
}

// Chat resolves a credential, generates a plain completion, and persists
// the conversation.
func (c *Core) Chat(ctx context.Context, req ChatRequest) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ChatDeadline)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "orchestrator.Chat",
		trace.WithAttributes(attribute.String("session.id", req.SessionID)))
	defer span.End()

	if err := validateChat(&req); err != nil {
		return nil, err
	}

	b, client, err := c.creds.Resolve(ctx, req.UserID, provider.FromModel(req.Model), req.Model)
	if err != nil {
		return nil, err
	}
	defer closeClient(client)

	gen, used, err := c.generateWithFallback(ctx, req.UserID, b, client, toChatMessages(req.History), req.SystemPrompt, provider.Params{
		Model:       used0(b.Model, req.Model),
		Temperature: defaultTemperature,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("provider", string(used.Provider)))

	assistant := domain.Message{
		Role:      domain.RoleAssistant,
		Parts:     domain.Parts{gen.Text},
		Timestamp: time.Now().UTC(),
	}
	if err := c.persist(ctx, req, assistant); err != nil {
		return nil, err
	}
	return &Reply{Message: &assistant, Provider: used.Provider, Source: used.Source, Usage: gen.Usage}, nil
}

// RAGChat retrieves the user's document chunks for the latest message,
// grounds the completion on them, and persists the conversation with its
// references. Retrieval degradation (embedding failure) is not an error:
// the request proceeds ungrounded and the reply is flagged.
func (c *Core) RAGChat(ctx context.Context, req ChatRequest) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ChatDeadline)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "orchestrator.RAGChat",
		trace.WithAttributes(attribute.String("session.id", req.SessionID)))
	defer span.End()

	if err := validateChat(&req); err != nil {
		return nil, err
	}
	query := lastUserText(req.History)

	chunks, degraded, err := c.rag.Search(ctx, req.UserID, query, c.cfg.TopK)
	if err != nil {
		log.Warn().Err(err).Str("user_id", req.UserID).Msg("retrieval failed, answering ungrounded")
		degraded = true
		chunks = nil
	}
	span.SetAttributes(attribute.Int("retrieval.chunks", len(chunks)), attribute.Bool("retrieval.degraded", degraded))

	b, client, err := c.creds.Resolve(ctx, req.UserID, provider.FromModel(req.Model), req.Model)
	if err != nil {
		return nil, err
	}
	defer closeClient(client)

	refs := toReferences(chunks)
	fp := c.fingerprint(req, b.Provider, refs)
	if c.cache != nil {
		if e, ok := c.cache.Get(fp); ok {
			if err := c.persist(ctx, req, *e.Response); err != nil {
				return nil, err
			}
			return &Reply{Message: e.Response, Provider: e.Provider, Cached: true, Degraded: degraded}, nil
		}
	}

	history := toChatMessages(req.History)
	if len(chunks) > 0 {
		history = groundHistory(history, chunks)
	}

	gen, used, err := c.generateWithFallback(ctx, req.UserID, b, client, history, req.SystemPrompt, provider.Params{
		Model:       used0(b.Model, req.Model),
		Temperature: defaultTemperature,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("provider", string(used.Provider)))

	assistant := domain.Message{
		Role:       domain.RoleAssistant,
		Parts:      domain.Parts{gen.Text},
		References: refs,
		Timestamp:  time.Now().UTC(),
	}
	if err := c.persist(ctx, req, assistant); err != nil {
		return nil, err
	}
	if c.cache != nil && !degraded {
		// After a fallback hop the entry belongs to the provider that actually
		// answered, so the stored key must name it too.
		putFP := fp
		if used.Provider != b.Provider {
			putFP = c.fingerprint(req, used.Provider, refs)
		}
		c.cache.Put(putFP, &assistant, used.Provider, respcache.Classify(query))
	}
	return &Reply{Message: &assistant, Provider: used.Provider, Source: used.Source, Usage: gen.Usage, Degraded: degraded}, nil
}

// DeepSearchRequest is one /chat/deep-search invocation.
type DeepSearchRequest struct {
	UserID    string
	SessionID string
	Query     string
	History   []domain.Message
}

// DeepReply is the pipeline's answer plus metadata.
type DeepReply struct {
	Message    *domain.Message
	Provider   provider.Name
	Answer     string
	Sources    []deepsearch.WebResult
	Confidence float64
	Outcomes   []deepsearch.QueryOutcome
	Degraded   bool
}

// DeepSearch runs the three-stage web research pipeline and, when the
// request names a session, persists the exchange.
func (c *Core) DeepSearch(ctx context.Context, req DeepSearchRequest) (*DeepReply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DeepSearchDeadline)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "orchestrator.DeepSearch")
	defer span.End()

	if req.UserID == "" || req.Query == "" {
		return nil, ErrBadRequest
	}

	b, client, err := c.creds.Resolve(ctx, req.UserID, "", "")
	if err != nil {
		return nil, err
	}
	defer closeClient(client)

	llm := &countingGenerator{client: client, name: b.Provider, quota: c.quota}
	res, err := c.deep.Run(ctx, llm, req.Query, toChatMessages(req.History))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("provider", string(b.Provider)),
		attribute.Float64("confidence", res.Confidence),
	)

	assistant := domain.Message{
		Role:       domain.RoleAssistant,
		Parts:      domain.Parts{res.Answer},
		References: webReferences(res.Sources),
		Timestamp:  time.Now().UTC(),
	}
	if req.SessionID != "" {
		history := append(append([]domain.Message(nil), req.History...), domain.Message{
			Role:      domain.RoleUser,
			Parts:     domain.Parts{req.Query},
			Timestamp: time.Now().UTC(),
		})
		creq := ChatRequest{UserID: req.UserID, SessionID: req.SessionID, History: history}
		if err := c.persist(ctx, creq, assistant); err != nil {
			return nil, err
		}
	}
	return &DeepReply{
		Message:    &assistant,
		Provider:   b.Provider,
		Answer:     res.Answer,
		Sources:    res.Sources,
		Confidence: res.Confidence,
		Outcomes:   res.Outcomes,
		Degraded:   res.Degraded,
	}, nil
}

// generateWithFallback runs the retrying generation against the resolved
// provider and, when the provider rate-limits without a usable Retry-After,
// makes a single fallback attempt on the next provider in the user's
// preference order.
func (c *Core) generateWithFallback(ctx context.Context, userID string, b *credentials.Bundle, client provider.Client, history []provider.ChatMessage, systemPrompt string, p provider.Params) (*provider.Generation, *credentials.Bundle, error) {
	gen, err := c.generate(ctx, b, client, history, systemPrompt, p)
	if err == nil {
		return gen, b, nil
	}
	if !shouldFallback(err) {
		return nil, b, err
	}

	for _, next := range c.creds.FallbackOrder(ctx, userID, b.Provider) {
		fb, fclient, rerr := c.creds.Resolve(ctx, userID, next, "")
		if rerr != nil {
			continue
		}
		defer closeClient(fclient)
		log.Info().
			Str("from", string(b.Provider)).
			Str("to", string(fb.Provider)).
			Msg("rate limited, falling back")

		p.Model = fb.Model
		c.record(fb.Provider)
		gen, gerr := fclient.Generate(ctx, history, systemPrompt, p)
		if gerr != nil && provider.KindOf(gerr) == provider.KindAuth {
			c.creds.MarkInvalid(fb)
		}
		return gen, fb, gerr
	}
	return nil, b, err
}

// generate issues up to 1+maxRetries attempts against one provider with
// exponential backoff. Auth failures are terminal and invalidate the cached
// credential; rate limits are only waited out for a finite Retry-After
// within budget.
func (c *Core) generate(ctx context.Context, b *credentials.Bundle, client provider.Client, history []provider.ChatMessage, systemPrompt string, p provider.Params) (*provider.Generation, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		c.record(b.Provider)
		gen, err := client.Generate(ctx, history, systemPrompt, p)
		if err == nil {
			return gen, nil
		}
		lastErr = err

		switch provider.KindOf(err) {
		case provider.KindAuth:
			c.creds.MarkInvalid(b)
			return nil, err
		case provider.KindTransient:
			if attempt == maxRetries {
				return nil, err
			}
			c.sleep(ctx, c.backoff(attempt))
		case provider.KindRateLimited:
			ra, ok := provider.RetryAfterOf(err)
			if !ok || ra > maxRetryAfter || attempt == maxRetries {
				return nil, err
			}
			c.sleep(ctx, ra)
		default:
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// shouldFallback reports whether err is the rate-limit shape that warrants
// trying another provider: a 429 with no Retry-After or one beyond budget.
func shouldFallback(err error) bool {
	if provider.KindOf(err) != provider.KindRateLimited {
		return false
	}
	ra, ok := provider.RetryAfterOf(err)
	return !ok || ra > maxRetryAfter
}

// backoff computes the delay before retry attempt+1 with ±20% jitter.
func (c *Core) backoff(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt; i++ {
		d *= backoffFactor
	}
	// jitter in [-20%, +20%]
	f := 1 + (c.jitter()*0.4 - 0.2)
	return time.Duration(float64(d) * f)
}

func (c *Core) record(p provider.Name) {
	if c.quota != nil {
		c.quota.Record(p)
	}
}

// fingerprint builds the response-cache key for a RAG request. It always
// includes the user ID: grounded answers are personal by construction.
func (c *Core) fingerprint(req ChatRequest, p provider.Name, refs domain.References) string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ChunkID)
	}
	return respcache.Fingerprint(respcache.Request{
		Provider:     p,
		Query:        lastUserText(req.History),
		SystemPrompt: req.SystemPrompt,
		Temperature:  defaultTemperature,
		ChunkIDs:     ids,
		UserID:       req.UserID,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func closeClient(c provider.Client) {
	if closer, ok := c.(io.Closer); ok {
		_ = closer.Close()
	}
}

func used0(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// countingGenerator records every LLM call the deep-search pipeline makes
// against the provider's quota windows.
type countingGenerator struct {
	client provider.Client
	name   provider.Name
	quota  QuotaRecorder
}

func (g *countingGenerator) Generate(ctx context.Context, history []provider.ChatMessage, systemPrompt string, p provider.Params) (*provider.Generation, error) {
	if g.quota != nil {
		g.quota.Record(g.name)
	}
	return g.client.Generate(ctx, history, systemPrompt, p)
}
