// Package respcache caches successful chat responses under a deterministic
// request fingerprint, with TTLs chosen by query class. Failures are never
// cached, and personalized fingerprints embed the user ID so no entry can
// be served across users.
package respcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/doctalk-ai/go-rag-backend/internal/domain"
	"github.com/doctalk-ai/go-rag-backend/internal/provider"
)

// QueryClass drives the TTL for a cached response.
type QueryClass string

const (
	// ClassFactual covers definitional and factual queries.
	ClassFactual QueryClass = "factual"
	// ClassHowTo covers procedural queries.
	ClassHowTo QueryClass = "howto"
	// ClassNews covers time-sensitive queries.
	ClassNews QueryClass = "news"
)

// TTL returns the cache lifetime for a class.
func (c QueryClass) TTL() time.Duration {
	switch c {
	case ClassHowTo:
		return 30 * time.Minute
	case ClassNews:
		return time.Minute
	default:
		return time.Hour
	}
}

var (
	howtoMarkers = []string{"how to", "how do", "how can", "step", "install", "configure", "setup", "set up"}
	newsMarkers  = []string{"today", "latest", "news", "current", "now", "this week", "recent", "yesterday"}
)

// Classify buckets a query by lexical markers. Unrecognized queries are
// treated as factual, the longest-lived class.
func Classify(query string) QueryClass {
	q := strings.ToLower(query)
	for _, m := range newsMarkers {
		if strings.Contains(q, m) {
			return ClassNews
		}
	}
	for _, m := range howtoMarkers {
		if strings.Contains(q, m) {
			return ClassHowTo
		}
	}
	return ClassFactual
}

// Request is the cache-relevant slice of one chat request. ChunkIDs must be
// the IDs of the retrieved chunks the response was grounded on; order does
// not matter. UserID is set only for personalized requests and scopes the
// fingerprint to that user.
type Request struct {
	Provider     provider.Name
	Query        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	ChunkIDs     []string
	UserID       string
}

// Fingerprint derives the deterministic cache key for r. The query is
// case- and whitespace-normalized, the temperature rounded to one decimal,
// and the chunk-ID set sorted so retrieval order cannot split the key.
func Fingerprint(r Request) string {
	prompt := r.SystemPrompt
	if len(prompt) > 128 {
		prompt = prompt[:128]
	}
	ids := append([]string(nil), r.ChunkIDs...)
	sort.Strings(ids)

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%.1f\x00%d\x00%s\x00%s",
		r.Provider,
		normalizeQuery(r.Query),
		prompt,
		r.Temperature,
		r.MaxTokens,
		strings.Join(ids, ","),
		r.UserID,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Entry is one cached response.
type Entry struct {
	Response  *domain.Message
	Provider  provider.Name
	ExpiresAt time.Time
}

// Cache is a process-wide TTL response cache. Reads and writes are cheap;
// expiry is checked on read and swept opportunistically on write.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// New builds an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]Entry), now: time.Now}
}

// Get returns the cached entry for fingerprint fp, or ok=false if absent
// or expired.
func (c *Cache) Get(fp string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[fp]
	c.mu.RUnlock()
	if !ok || c.now().After(e.ExpiresAt) {
		return Entry{}, false
	}
	return e, true
}

// Put stores msg under fp for the class's TTL. Nil responses are refused:
// failures must never be cached.
func (c *Cache) Put(fp string, msg *domain.Message, p provider.Name, class QueryClass) {
	if msg == nil {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) > 4096 {
		for k, e := range c.entries {
			if now.After(e.ExpiresAt) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[fp] = Entry{Response: msg, Provider: p, ExpiresAt: now.Add(class.TTL())}
}

// Len reports the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
