package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/text/language"

	"github.com/doctalk-ai/go-rag-backend/internal/vectorstore"
)

// ----- Fakes -----

type fakeEmbedder struct {
	calls  int
	err    error
	vector []float32
	models []string
}

func (f *fakeEmbedder) Embed(ctx context.Context, model, text string) ([]float32, error) {
	f.calls++
	f.models = append(f.models, model)
	if f.err != nil {
		return nil, f.err
	}
	if f.vector != nil {
		return f.vector, nil
	}
	return []float32{1, 0, 0}, nil
}

type fakeStore struct {
	userID string
	limit  int
	chunks []vectorstore.Chunk
	err    error
}

func (f *fakeStore) Search(ctx context.Context, userID string, vector []float32, limit int) ([]vectorstore.Chunk, error) {
	f.userID, f.limit = userID, limit
	return f.chunks, f.err
}

// ----- Cosine -----

func TestCosineSimilarity(t *testing.T) {
	if got := CosineSimilarity([]float32{1, 0, 0}, []float32{1, 0, 0}); got != 1 {
		t.Errorf("cosine(v,v) = %v; want 1", got)
	}
	if got := CosineSimilarity([]float32{1, 0, 0}, []float32{0, 1, 0}); got != 0 {
		t.Errorf("cosine(orthogonal) = %v; want 0", got)
	}
	if got := CosineSimilarity([]float32{0, 0, 0}, []float32{1, 0, 0}); got != 0 {
		t.Errorf("cosine(zero, v) = %v; want 0", got)
	}
	if got := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); got != 0 {
		t.Errorf("cosine(mismatched dims) = %v; want 0", got)
	}
}

// ----- Language detection -----

func TestDetectLanguage(t *testing.T) {
	cases := map[string]language.Tag{
		"The quick brown fox jumps over the lazy dog": language.English,
		"Le chat est dans la maison et il dort":       language.French,
		"Это предложение написано по-русски":          language.Russian,
		"这是一个中文句子，用来测试检测。":                            language.Chinese,
		"12345 !!! ???": language.Und,
	}
	for text, want := range cases {
		if got := DetectLanguage(text); got != want {
			t.Errorf("DetectLanguage(%q) = %v; want %v", text, got, want)
		}
	}
}

// ----- Chunker -----

func TestChunker_GroupsSentences(t *testing.T) {
	text := "One. Two! Three? Four. Five."
	chunks := Chunker{SentencesPerChunk: 3}.Split(text)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d; want 2", len(chunks))
	}
	if chunks[0].Text != "One. Two! Three?" {
		t.Errorf("chunk[0] = %q", chunks[0].Text)
	}
	if chunks[1].Text != "Four. Five." {
		t.Errorf("chunk[1] = %q", chunks[1].Text)
	}
}

func TestChunker_DefaultsAndEmpty(t *testing.T) {
	if got := (Chunker{}).Split("   "); got != nil {
		t.Fatalf("whitespace input should yield no chunks, got %v", got)
	}
	chunks := Chunker{}.Split("A. B. C. D.")
	if len(chunks) != 2 {
		t.Fatalf("default chunk size should be 3 sentences, got %d chunks", len(chunks))
	}
}

func TestChunker_CJKBoundaries(t *testing.T) {
	chunks := Chunker{SentencesPerChunk: 1}.Split("第一句。第二句！")
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d; want 2", len(chunks))
	}
	if chunks[0].Lang != language.Chinese {
		t.Errorf("lang = %v; want Chinese", chunks[0].Lang)
	}
}

// ----- Engine -----

func TestEmbed_CachesByModelLangText(t *testing.T) {
	emb := &fakeEmbedder{}
	e := NewEngine(emb, &fakeStore{}, "embed-base")

	r1 := e.Embed(context.Background(), "hello", language.English)
	r2 := e.Embed(context.Background(), "hello", language.English)
	if r1.Degraded || r2.Degraded {
		t.Fatalf("unexpected degraded result")
	}
	if emb.calls != 1 {
		t.Fatalf("embedder calls = %d; want 1 (second hit cached)", emb.calls)
	}

	// Different language selects a different model variant -> separate entry.
	e.Embed(context.Background(), "hello", language.Russian)
	if emb.calls != 2 {
		t.Fatalf("embedder calls = %d; want 2", emb.calls)
	}
	if emb.models[1] != "embed-base-multilingual" {
		t.Fatalf("model for Russian = %q", emb.models[1])
	}
}

func TestEmbed_DegradedOnFailureIsDeterministic(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("down")}
	e := NewEngine(emb, &fakeStore{}, "m")

	r1 := e.Embed(context.Background(), "some text", language.English)
	r2 := e.Embed(context.Background(), "some text", language.English)
	if !r1.Degraded || !r2.Degraded {
		t.Fatalf("expected degraded results")
	}
	if len(r1.Vector) != 768 {
		t.Fatalf("pseudo-vector dim = %d", len(r1.Vector))
	}
	for i := range r1.Vector {
		if r1.Vector[i] != r2.Vector[i] {
			t.Fatalf("pseudo-vector not deterministic at %d", i)
		}
		if r1.Vector[i] > 0.01 || r1.Vector[i] < -0.01 {
			t.Fatalf("pseudo-vector not zero-biased: %v", r1.Vector[i])
		}
	}
}

func TestSearch_FiltersRanksAndTieBreaks(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{chunks: []vectorstore.Chunk{
		{ID: "other", UserID: "u2", Embedding: []float32{1, 0, 0}},               // foreign, dropped
		{ID: "low", UserID: "u1", Embedding: []float32{0, 1, 0}, CreatedAt: now}, // orthogonal
		{ID: "tie-old", UserID: "u1", Embedding: []float32{1, 0, 0}, CreatedAt: now.Add(-time.Hour), Position: 0},
		{ID: "tie-new", UserID: "u1", Embedding: []float32{1, 0, 0}, CreatedAt: now, Position: 5},
		{ID: "tie-new-early", UserID: "u1", Embedding: []float32{1, 0, 0}, CreatedAt: now, Position: 2},
	}}
	e := NewEngine(&fakeEmbedder{vector: []float32{1, 0, 0}}, store, "m")

	got, degraded, err := e.Search(context.Background(), "u1", "query", 3)
	if err != nil || degraded {
		t.Fatalf("Search: err=%v degraded=%v", err, degraded)
	}
	if store.userID != "u1" {
		t.Fatalf("store queried for %q", store.userID)
	}

	if len(got) != 3 {
		t.Fatalf("results = %d; want 3", len(got))
	}
	// Recency beats position; earlier position wins within same timestamp.
	wantOrder := []string{"tie-new-early", "tie-new", "tie-old"}
	for i, want := range wantOrder {
		if got[i].Chunk.ID != want {
			t.Fatalf("rank %d = %s; want %s (full: %v)", i, got[i].Chunk.ID, want, ids(got))
		}
	}
	for _, sc := range got {
		if sc.Chunk.UserID != "u1" {
			t.Fatalf("cross-user chunk leaked: %+v", sc.Chunk)
		}
	}
}

func TestSearch_DegradedSkipsStore(t *testing.T) {
	store := &fakeStore{chunks: []vectorstore.Chunk{{ID: "x", UserID: "u1"}}}
	e := NewEngine(&fakeEmbedder{err: errors.New("down")}, store, "m")

	got, degraded, err := e.Search(context.Background(), "u1", "q", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !degraded || got != nil {
		t.Fatalf("want degraded with no chunks, got degraded=%v chunks=%v", degraded, got)
	}
	if store.userID != "" {
		t.Fatalf("store must not be queried on degraded embedding")
	}
}

func TestSearch_StoreError(t *testing.T) {
	e := NewEngine(&fakeEmbedder{}, &fakeStore{err: errors.New("boom")}, "m")
	if _, _, err := e.Search(context.Background(), "u1", "q", 5); err == nil {
		t.Fatalf("expected store error")
	}
}

func TestLRU_EvictsOldest(t *testing.T) {
	emb := &fakeEmbedder{}
	e := NewEngine(emb, &fakeStore{}, "m")
	e.capacity = 2

	e.Embed(context.Background(), "a", language.English)
	e.Embed(context.Background(), "b", language.English)
	e.Embed(context.Background(), "a", language.English) // refresh a
	e.Embed(context.Background(), "c", language.English) // evicts b
	before := emb.calls
	e.Embed(context.Background(), "a", language.English) // still cached
	if emb.calls != before {
		t.Fatalf("a should still be cached")
	}
	e.Embed(context.Background(), "b", language.English) // was evicted
	if emb.calls != before+1 {
		t.Fatalf("b should have been evicted")
	}
}

func ids(scs []ScoredChunk) []string {
	out := make([]string, len(scs))
	for i, sc := range scs {
		out[i] = sc.Chunk.ID
	}
	return out
}
