package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/doctalk-ai/go-rag-backend/internal/config"
	"github.com/doctalk-ai/go-rag-backend/internal/domain"
	"github.com/doctalk-ai/go-rag-backend/internal/provider"
)

// ----- Fakes -----

type fakeUsers struct {
	user *domain.User
	err  error
}

func (f *fakeUsers) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u := *f.user
	u.ID = userID
	return &u, nil
}

type fakeClient struct {
	name     provider.Name
	probeErr error
	probes   int
}

func (f *fakeClient) Name() provider.Name { return f.name }
func (f *fakeClient) Generate(ctx context.Context, h []provider.ChatMessage, sys string, p provider.Params) (*provider.Generation, error) {
	return &provider.Generation{Text: "ok"}, nil
}
func (f *fakeClient) Probe(ctx context.Context) error {
	f.probes++
	return f.probeErr
}

type fakeQuota struct {
	exceeded  map[provider.Name]bool
	saturated map[provider.Name]bool
}

func (f *fakeQuota) Exceeded(p provider.Name) bool  { return f.exceeded[p] }
func (f *fakeQuota) Saturated(p provider.Name) bool { return f.saturated[p] }

func newTestResolver(t *testing.T, u *domain.User, probeErrs map[provider.Name]error) (*Resolver, map[provider.Name]*fakeClient) {
	t.Helper()
	crypt, err := NewCrypter(testKey())
	if err != nil {
		t.Fatalf("NewCrypter: %v", err)
	}
	cfg := config.ProviderConfig{
		GeminiModel: "gemini-1.5-flash-latest",
		GroqModel:   "llama-3.3-70b-versatile",
	}
	r := NewResolver(&fakeUsers{user: u}, crypt, cfg, nil, 10*time.Minute)
	clients := make(map[provider.Name]*fakeClient)
	r.factory = func(ctx context.Context, b *Bundle, _ config.ProviderConfig) (provider.Client, error) {
		if c, ok := clients[b.Provider]; ok {
			return c, nil
		}
		c := &fakeClient{name: b.Provider, probeErr: probeErrs[b.Provider]}
		clients[b.Provider] = c
		return c, nil
	}
	return r, clients
}

func encrypt(t *testing.T, plain string) string {
	t.Helper()
	c, _ := NewCrypter(testKey())
	s, err := c.Encrypt(plain)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return s
}

// ----- Tests -----

func TestResolve_PersonalKeyPreferredOverAdmin(t *testing.T) {
	u := &domain.User{
		UseOwnKeys:        true,
		GeminiKey:         encrypt(t, "personal-gemini"),
		AdminAccessState:  domain.StateApproved,
		PreferredProvider: "gemini",
	}
	r, _ := newTestResolver(t, u, nil)
	r.cfg.AdminGeminiKey = "admin-gemini"

	b, client, err := r.Resolve(context.Background(), "u1", provider.Gemini, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Source != SourcePersonal || b.APIKey != "personal-gemini" {
		t.Fatalf("want personal key, got %+v", b)
	}
	if client.Name() != provider.Gemini {
		t.Fatalf("client = %v", client.Name())
	}
	if b.Model != "gemini-1.5-flash-latest" {
		t.Fatalf("model = %s", b.Model)
	}
}

func TestResolve_AdminWhenNoPersonalKey(t *testing.T) {
	u := &domain.User{AdminAccessState: domain.StateApproved, PreferredProvider: "gemini"}
	r, _ := newTestResolver(t, u, nil)
	r.cfg.AdminGeminiKey = "admin-gemini"

	b, _, err := r.Resolve(context.Background(), "u1", provider.Gemini, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Source != SourceAdmin || b.APIKey != "admin-gemini" {
		t.Fatalf("want admin key, got %+v", b)
	}
}

func TestResolve_UndecryptableKeyIsTreatedAsAbsent(t *testing.T) {
	u := &domain.User{
		UseOwnKeys:       true,
		GeminiKey:        "garbage:garbage",
		AdminAccessState: domain.StateApproved,
	}
	r, _ := newTestResolver(t, u, nil)
	r.cfg.AdminGeminiKey = "admin-gemini"

	b, _, err := r.Resolve(context.Background(), "u1", provider.Gemini, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Source != SourceAdmin {
		t.Fatalf("bad personal key should fall through to admin, got %+v", b)
	}
}

func TestResolve_OllamaEndpoint(t *testing.T) {
	u := &domain.User{OllamaEndpoint: "http://localhost:11434", PreferredProvider: "ollama"}
	r, _ := newTestResolver(t, u, nil)

	b, _, err := r.Resolve(context.Background(), "u1", provider.Ollama, "mistral")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Source != SourceEndpoint || b.Endpoint != "http://localhost:11434" || b.Model != "mistral" {
		t.Fatalf("unexpected bundle: %+v", b)
	}
}

func TestResolve_FallsBackToPreferredProvider(t *testing.T) {
	// Requested gemini yields nothing; preferred groq has a personal key.
	u := &domain.User{
		UseOwnKeys:        true,
		GroqKey:           encrypt(t, "personal-groq"),
		PreferredProvider: "groq",
	}
	r, _ := newTestResolver(t, u, nil)

	b, _, err := r.Resolve(context.Background(), "u1", provider.Gemini, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Provider != provider.Groq || b.APIKey != "personal-groq" {
		t.Fatalf("want groq fallback, got %+v", b)
	}
}

func TestResolve_Unavailable(t *testing.T) {
	u := &domain.User{PreferredProvider: "gemini"}
	r, _ := newTestResolver(t, u, nil)
	_, _, err := r.Resolve(context.Background(), "u1", provider.Gemini, "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v; want ErrUnavailable", err)
	}
}

func TestResolve_ProbeAuthFailureIsInvalid(t *testing.T) {
	u := &domain.User{UseOwnKeys: true, GeminiKey: encrypt(t, "revoked"), PreferredProvider: "gemini"}
	r, _ := newTestResolver(t, u, map[provider.Name]error{
		provider.Gemini: &provider.Error{Provider: provider.Gemini, Kind: provider.KindAuth},
	})
	_, _, err := r.Resolve(context.Background(), "u1", provider.Gemini, "")
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v; want ErrInvalid", err)
	}
}

func TestResolve_TransientProbeDoesNotBlockKey(t *testing.T) {
	u := &domain.User{UseOwnKeys: true, GeminiKey: encrypt(t, "good"), PreferredProvider: "gemini"}
	r, _ := newTestResolver(t, u, map[provider.Name]error{
		provider.Gemini: &provider.Error{Provider: provider.Gemini, Kind: provider.KindTransient},
	})
	if _, _, err := r.Resolve(context.Background(), "u1", provider.Gemini, ""); err != nil {
		t.Fatalf("transient probe failure should not block: %v", err)
	}
}

func TestResolve_UnreachableOllamaEndpointBlocks(t *testing.T) {
	u := &domain.User{OllamaEndpoint: "http://down:11434", PreferredProvider: "ollama"}
	r, _ := newTestResolver(t, u, map[provider.Name]error{
		provider.Ollama: &provider.Error{Provider: provider.Ollama, Kind: provider.KindTransient},
	})
	_, _, err := r.Resolve(context.Background(), "u1", provider.Ollama, "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v; want ErrUnavailable for dead endpoint", err)
	}
}

func TestResolve_ProbeResultIsCached(t *testing.T) {
	u := &domain.User{UseOwnKeys: true, GeminiKey: encrypt(t, "good"), PreferredProvider: "gemini"}
	r, clients := newTestResolver(t, u, nil)

	for i := 0; i < 3; i++ {
		if _, _, err := r.Resolve(context.Background(), "u1", provider.Gemini, ""); err != nil {
			t.Fatalf("Resolve #%d: %v", i, err)
		}
	}
	if got := clients[provider.Gemini].probes; got != 1 {
		t.Fatalf("probes = %d; want 1 (cached afterwards)", got)
	}
}

func TestMarkInvalidForcesReprobe(t *testing.T) {
	u := &domain.User{UseOwnKeys: true, GeminiKey: encrypt(t, "good"), PreferredProvider: "gemini"}
	r, clients := newTestResolver(t, u, nil)

	b, _, err := r.Resolve(context.Background(), "u1", provider.Gemini, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	r.MarkInvalid(b)
	if _, _, err := r.Resolve(context.Background(), "u1", provider.Gemini, ""); err != nil {
		t.Fatalf("Resolve after invalidation: %v", err)
	}
	if got := clients[provider.Gemini].probes; got != 2 {
		t.Fatalf("probes = %d; want 2 after MarkInvalid", got)
	}
}

func TestInvalidateUserDropsOnlyThatUser(t *testing.T) {
	u := &domain.User{UseOwnKeys: true, GeminiKey: encrypt(t, "good"), PreferredProvider: "gemini"}
	r, clients := newTestResolver(t, u, nil)

	if _, _, err := r.Resolve(context.Background(), "u1", provider.Gemini, ""); err != nil {
		t.Fatalf("Resolve u1: %v", err)
	}
	if _, _, err := r.Resolve(context.Background(), "u2", provider.Gemini, ""); err != nil {
		t.Fatalf("Resolve u2: %v", err)
	}
	baseline := clients[provider.Gemini].probes

	r.InvalidateUser("u1")
	_, _, _ = r.Resolve(context.Background(), "u1", provider.Gemini, "")
	_, _, _ = r.Resolve(context.Background(), "u2", provider.Gemini, "")
	if got := clients[provider.Gemini].probes; got != baseline+1 {
		t.Fatalf("probes = %d; want %d (only u1 reprobed)", got, baseline+1)
	}
}

func TestQuotaSteering(t *testing.T) {
	u := &domain.User{
		UseOwnKeys:        true,
		GeminiKey:         encrypt(t, "k-gemini"),
		GroqKey:           encrypt(t, "k-groq"),
		PreferredProvider: "groq",
	}
	crypt, _ := NewCrypter(testKey())
	q := &fakeQuota{
		exceeded:  map[provider.Name]bool{provider.Gemini: true},
		saturated: map[provider.Name]bool{},
	}
	r := NewResolver(&fakeUsers{user: u}, crypt, config.ProviderConfig{GroqModel: "g"}, q, time.Minute)
	r.factory = func(ctx context.Context, b *Bundle, _ config.ProviderConfig) (provider.Client, error) {
		return &fakeClient{name: b.Provider}, nil
	}

	b, _, err := r.Resolve(context.Background(), "u1", provider.Gemini, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Provider != provider.Groq {
		t.Fatalf("exceeded gemini should be skipped, got %v", b.Provider)
	}
}

func TestFallbackOrder(t *testing.T) {
	u := &domain.User{PreferredProvider: "groq"}
	crypt, _ := NewCrypter(testKey())
	r := NewResolver(&fakeUsers{user: u}, crypt, config.ProviderConfig{}, nil, time.Minute)

	order := r.FallbackOrder(context.Background(), "u1", provider.Gemini)
	if len(order) == 0 || order[0] != provider.Groq {
		t.Fatalf("order = %v; want groq first", order)
	}
	for _, p := range order {
		if p == provider.Gemini {
			t.Fatalf("used provider must be excluded: %v", order)
		}
	}
}
