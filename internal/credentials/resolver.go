// Credential resolution: picking the provider and key for one request.
package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/doctalk-ai/go-rag-backend/internal/config"
	"github.com/doctalk-ai/go-rag-backend/internal/domain"
	"github.com/doctalk-ai/go-rag-backend/internal/provider"
)

// Resolver outcomes. Handlers map these to 400 and 401 respectively.
var (
	// ErrUnavailable means no step of the resolution order produced a usable
	// credential for any candidate provider.
	ErrUnavailable = errors.New("no usable credential for request")

	// ErrInvalid means a credential was found but the provider rejected it.
	ErrInvalid = errors.New("credential rejected by provider")
)

// Source records which resolution step produced a bundle.
type Source string

const (
	SourcePersonal Source = "personal"
	SourceAdmin    Source = "admin"
	SourceEndpoint Source = "endpoint"
)

// Bundle is the resolved {provider, key/endpoint, model} triple for exactly
// one request. It is never persisted and never logged with its key material.
type Bundle struct {
	UserID   string
	Provider provider.Name
	Source   Source
	APIKey   string
	Endpoint string
	Model    string
}

// UserSource supplies the user records the resolver consults.
type UserSource interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

// QuotaAdvisor lets the resolver steer around saturated providers.
// Exceeded providers are skipped outright; saturated ones are tried last.
type QuotaAdvisor interface {
	Exceeded(p provider.Name) bool
	Saturated(p provider.Name) bool
}

// ClientFactory builds a provider client from a resolved bundle. It exists as
// a seam so tests can substitute fakes; production uses NewClient.
type ClientFactory func(ctx context.Context, b *Bundle, cfg config.ProviderConfig) (provider.Client, error)

// NewClient is the production ClientFactory.
func NewClient(ctx context.Context, b *Bundle, cfg config.ProviderConfig) (provider.Client, error) {
	switch b.Provider {
	case provider.Gemini:
		return provider.NewGemini(ctx, b.APIKey)
	case provider.Groq:
		return provider.NewGroq(b.APIKey), nil
	case provider.Ollama:
		return provider.NewOllama(b.Endpoint), nil
	case provider.OpenAICompatible:
		return provider.NewOpenAI(cfg.OpenAIBaseURL, b.APIKey), nil
	default:
		return nil, errors.New("unknown provider " + string(b.Provider))
	}
}

// Resolver chooses a provider and credential for a (user, request) pair and
// validates it with a cheap probe whose result is cached for a bounded
// duration. The validity cache is single-writer per key; auth-class failures
// and settings updates invalidate it.
type Resolver struct {
	users   UserSource
	crypt   *Crypter
	cfg     config.ProviderConfig
	quota   QuotaAdvisor
	factory ClientFactory

	ttl      time.Duration
	probeTTL time.Duration

	mu    sync.Mutex
	valid map[string]time.Time // probe cache: key -> expiry

	now func() time.Time
}

// NewResolver constructs a Resolver. quota may be nil (no steering), in which
// case every provider is considered available.
func NewResolver(users UserSource, crypt *Crypter, cfg config.ProviderConfig, quota QuotaAdvisor, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Resolver{
		users:    users,
		crypt:    crypt,
		cfg:      cfg,
		quota:    quota,
		factory:  NewClient,
		ttl:      ttl,
		probeTTL: 5 * time.Second,
		valid:    make(map[string]time.Time),
		now:      time.Now,
	}
}

// Resolve picks a credential for userID. requested may be empty, in which
// case the user's preferred provider is the only candidate. model overrides
// the provider's configured default when non-empty.
//
// Resolution order per candidate provider, stopping at first success:
// personal key (when UseOwnKeys), admin key (when approved), user-operated
// Ollama endpoint. When the requested provider yields nothing, the user's
// preferred provider is tried the same way.
func (r *Resolver) Resolve(ctx context.Context, userID string, requested provider.Name, model string) (*Bundle, provider.Client, error) {
	u, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	candidates := r.candidates(u, requested)
	sawInvalid := false
	for _, cand := range candidates {
		b := r.resolveOne(u, cand, model)
		if b == nil {
			continue
		}
		client, err := r.factory(ctx, b, r.cfg)
		if err != nil {
			continue
		}
		switch r.ensureValid(ctx, b, client) {
		case validOK:
			return b, client, nil
		case validAuthFailed:
			sawInvalid = true
			closeClient(client)
		default:
			closeClient(client)
		}
	}
	if sawInvalid {
		return nil, nil, ErrInvalid
	}
	return nil, nil, ErrUnavailable
}

// FallbackOrder returns the providers to try after b failed, in the user's
// preference order, excluding b's own provider.
func (r *Resolver) FallbackOrder(ctx context.Context, userID string, used provider.Name) []provider.Name {
	u, err := r.users.GetUser(ctx, userID)
	if err != nil {
		return nil
	}
	order := []provider.Name{normalizePreference(u.PreferredProvider), provider.Gemini, provider.Groq, provider.Ollama}
	out := make([]provider.Name, 0, len(order))
	seen := map[provider.Name]bool{used: true}
	for _, p := range order {
		if p.Valid() && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// MarkInvalid drops the cached validity for b. The orchestrator calls it
// after any authentication-class failure from the provider.
func (r *Resolver) MarkInvalid(b *Bundle) {
	if b == nil {
		return
	}
	r.mu.Lock()
	delete(r.valid, cacheKey(b))
	r.mu.Unlock()
}

// InvalidateUser drops every cached validity belonging to userID. The
// settings endpoint calls it whenever keys change.
func (r *Resolver) InvalidateUser(userID string) {
	prefix := userID + "|"
	r.mu.Lock()
	for k := range r.valid {
		if strings.HasPrefix(k, prefix) {
			delete(r.valid, k)
		}
	}
	r.mu.Unlock()
}

// candidates orders the providers to attempt: the requested one first, then
// the user's preference. Exceeded providers are skipped; saturated ones move
// to the back so alternates get first shot.
func (r *Resolver) candidates(u *domain.User, requested provider.Name) []provider.Name {
	var list []provider.Name
	if requested.Valid() {
		list = append(list, requested)
	}
	if pref := normalizePreference(u.PreferredProvider); pref.Valid() && (len(list) == 0 || list[0] != pref) {
		list = append(list, pref)
	}

	var front, back []provider.Name
	for _, p := range list {
		if r.quota != nil && r.quota.Exceeded(p) {
			continue
		}
		if r.quota != nil && r.quota.Saturated(p) {
			back = append(back, p)
			continue
		}
		front = append(front, p)
	}
	return append(front, back...)
}

// resolveOne applies the per-provider resolution steps and returns a bundle,
// or nil when no step succeeds.
func (r *Resolver) resolveOne(u *domain.User, p provider.Name, model string) *Bundle {
	// Step 1: personal key, when the user opted in and it decrypts.
	if u.UseOwnKeys {
		if key := r.personalKey(u, p); key != "" {
			return &Bundle{UserID: u.ID, Provider: p, Source: SourcePersonal, APIKey: key, Model: r.modelFor(p, model)}
		}
	}
	// Step 2: admin key, when the account is approved.
	if u.AdminAccessState == domain.StateApproved {
		if key := r.adminKey(p); key != "" {
			return &Bundle{UserID: u.ID, Provider: p, Source: SourceAdmin, APIKey: key, Model: r.modelFor(p, model)}
		}
	}
	// Step 3: user-operated Ollama endpoint.
	if p == provider.Ollama && strings.TrimSpace(u.OllamaEndpoint) != "" {
		return &Bundle{UserID: u.ID, Provider: p, Source: SourceEndpoint, Endpoint: u.OllamaEndpoint, Model: r.modelFor(p, model)}
	}
	return nil
}

// personalKey decrypts the user's stored key for p. Keys that fail to
// decrypt are treated as absent so resolution can continue.
func (r *Resolver) personalKey(u *domain.User, p provider.Name) string {
	var stored string
	switch p {
	case provider.Gemini:
		stored = u.GeminiKey
	case provider.Groq:
		stored = u.GroqKey
	}
	if stored == "" {
		return ""
	}
	key, err := r.crypt.Decrypt(stored)
	if err != nil {
		return ""
	}
	return key
}

func (r *Resolver) adminKey(p provider.Name) string {
	switch p {
	case provider.Gemini:
		return r.cfg.AdminGeminiKey
	case provider.Groq:
		return r.cfg.AdminGroqKey
	case provider.OpenAICompatible:
		return r.cfg.AdminOpenAIKey
	}
	return ""
}

func (r *Resolver) modelFor(p provider.Name, override string) string {
	if override != "" {
		return override
	}
	switch p {
	case provider.Gemini:
		return r.cfg.GeminiModel
	case provider.Groq:
		return r.cfg.GroqModel
	case provider.Ollama:
		return "llama3"
	default:
		return r.cfg.GroqModel
	}
}

type validity int

const (
	validOK validity = iota
	validAuthFailed
	validUnreachable
)

// ensureValid probes the credential on first use and caches a success for the
// configured TTL. Transient probe failures for key-based credentials do not
// block the request; an unreachable Ollama endpoint does, since reachability
// is the whole credential there.
func (r *Resolver) ensureValid(ctx context.Context, b *Bundle, client provider.Client) validity {
	key := cacheKey(b)
	now := r.now()

	r.mu.Lock()
	if exp, ok := r.valid[key]; ok && now.Before(exp) {
		r.mu.Unlock()
		return validOK
	}
	r.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, r.probeTTL)
	err := client.Probe(pctx)
	cancel()
	if err != nil {
		switch provider.KindOf(err) {
		case provider.KindAuth:
			return validAuthFailed
		default:
			if b.Source == SourceEndpoint {
				return validUnreachable
			}
			// A flaky probe must not take down an otherwise good key.
			return validOK
		}
	}

	r.mu.Lock()
	r.valid[key] = now.Add(r.ttl)
	r.mu.Unlock()
	return validOK
}

// normalizePreference maps the stored preference to a provider family.
// "admin" is a key-source preference, not a family; it rides on Gemini.
func normalizePreference(pref string) provider.Name {
	p := provider.Name(strings.ToLower(strings.TrimSpace(pref)))
	if p == "admin" {
		return provider.Gemini
	}
	return p
}

func cacheKey(b *Bundle) string {
	secret := b.APIKey
	if b.Source == SourceEndpoint {
		secret = b.Endpoint
	}
	sum := sha256.Sum256([]byte(secret))
	return b.UserID + "|" + string(b.Provider) + "|" + string(b.Source) + "|" + hex.EncodeToString(sum[:8])
}

func closeClient(c provider.Client) {
	if closer, ok := c.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}
