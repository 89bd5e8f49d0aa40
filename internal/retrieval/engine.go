// Retrieval engine: embedding with an in-memory LRU, vector search, and
// deterministic ranking.
package retrieval

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"

	"golang.org/x/text/language"

	"github.com/doctalk-ai/go-rag-backend/internal/provider"
	"github.com/doctalk-ai/go-rag-backend/internal/vectorstore"
)

// Searcher is the slice of the vector store client the engine needs.
type Searcher interface {
	Search(ctx context.Context, userID string, vector []float32, limit int) ([]vectorstore.Chunk, error)
}

// EmbedResult carries a query vector. Degraded marks a deterministic
// pseudo-vector produced after an embedding failure; callers must skip
// retrieval for degraded vectors instead of ranking against noise.
type EmbedResult struct {
	Vector   []float32
	Degraded bool
}

// ScoredChunk is a ranked retrieval hit.
type ScoredChunk struct {
	Chunk vectorstore.Chunk
	Score float64
}

// Engine coordinates embedding and ranked retrieval for one tenant-scoped
// query at a time. It is safe for concurrent use.
type Engine struct {
	embedder provider.Embedder
	store    Searcher
	model    string // base embedding model name
	dim      int    // pseudo-vector dimension for degraded results

	mu       sync.Mutex
	lru      *list.List               // of *cacheEntry, front = most recent
	byKey    map[string]*list.Element // cache key -> element
	capacity int
}

type cacheEntry struct {
	key    string
	vector []float32
}

// NewEngine builds an Engine over the given embedder and vector store.
func NewEngine(embedder provider.Embedder, store Searcher, embeddingModel string) *Engine {
	return &Engine{
		embedder: embedder,
		store:    store,
		model:    embeddingModel,
		dim:      768,
		lru:      list.New(),
		byKey:    make(map[string]*list.Element),
		capacity: 512,
	}
}

// Embed returns the vector for text, consulting an in-memory LRU keyed by
// (model, lang, text) first. On provider failure it returns a deterministic
// zero-biased pseudo-vector flagged as degraded.
func (e *Engine) Embed(ctx context.Context, text string, lang language.Tag) EmbedResult {
	model := e.modelFor(lang)
	key := model + "\x00" + lang.String() + "\x00" + text

	if v, ok := e.cacheGet(key); ok {
		return EmbedResult{Vector: v}
	}

	v, err := e.embedder.Embed(ctx, model, text)
	if err != nil || len(v) == 0 {
		return EmbedResult{Vector: pseudoVector(text, e.dim), Degraded: true}
	}
	e.cachePut(key, v)
	return EmbedResult{Vector: v}
}

// Search embeds query and returns the top-k chunks owned by userID, ranked
// by cosine similarity with ties broken by recency then document position.
// The degraded return is true when embedding failed; no chunks are returned
// in that case.
func (e *Engine) Search(ctx context.Context, userID, query string, k int) ([]ScoredChunk, bool, error) {
	if k <= 0 {
		k = 5
	}
	emb := e.Embed(ctx, query, DetectLanguage(query))
	if emb.Degraded {
		return nil, true, nil
	}

	// Over-fetch so that ownership filtering and re-ranking still leave k.
	raw, err := e.store.Search(ctx, userID, emb.Vector, k*3)
	if err != nil {
		return nil, false, err
	}

	scored := make([]ScoredChunk, 0, len(raw))
	for _, ch := range raw {
		// Tenant isolation is enforced here even though the store filters
		// server-side; a misconfigured store must not leak chunks.
		if ch.UserID != userID {
			continue
		}
		score := ch.Score
		if len(ch.Embedding) > 0 {
			score = CosineSimilarity(emb.Vector, ch.Embedding)
		}
		scored = append(scored, ScoredChunk{Chunk: ch, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if !scored[i].Chunk.CreatedAt.Equal(scored[j].Chunk.CreatedAt) {
			return scored[i].Chunk.CreatedAt.After(scored[j].Chunk.CreatedAt)
		}
		return scored[i].Chunk.Position < scored[j].Chunk.Position
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, false, nil
}

// modelFor picks the embedding model variant for a language. Non-Latin
// corpora go to the multilingual variant.
func (e *Engine) modelFor(lang language.Tag) string {
	switch lang {
	case language.Chinese, language.Russian:
		return e.model + "-multilingual"
	default:
		return e.model
	}
}

func (e *Engine) cacheGet(key string) ([]float32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if el, ok := e.byKey[key]; ok {
		e.lru.MoveToFront(el)
		return el.Value.(*cacheEntry).vector, true
	}
	return nil, false
}

func (e *Engine) cachePut(key string, v []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if el, ok := e.byKey[key]; ok {
		e.lru.MoveToFront(el)
		el.Value.(*cacheEntry).vector = v
		return
	}
	e.byKey[key] = e.lru.PushFront(&cacheEntry{key: key, vector: v})
	for e.lru.Len() > e.capacity {
		oldest := e.lru.Back()
		e.lru.Remove(oldest)
		delete(e.byKey, oldest.Value.(*cacheEntry).key)
	}
}

// pseudoVector derives a deterministic small-magnitude vector from text.
// It exists only so degraded results have a stable, loggable shape; values
// stay near zero so an accidental ranking against it scores nothing highly.
func pseudoVector(text string, dim int) []float32 {
	sum := sha256.Sum256([]byte(text))
	out := make([]float32, dim)
	for i := range out {
		word := binary.BigEndian.Uint16([]byte{sum[(2*i)%len(sum)], sum[(2*i+1)%len(sum)]})
		out[i] = (float32(word)/65535 - 0.5) * 0.01
	}
	return out
}
