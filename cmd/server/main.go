// Command server runs the chat backend: credential resolution, provider
// orchestration, retrieval, deep search, and the HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/doctalk-ai/go-rag-backend/internal/config"
	"github.com/doctalk-ai/go-rag-backend/internal/credentials"
	"github.com/doctalk-ai/go-rag-backend/internal/deepsearch"
	"github.com/doctalk-ai/go-rag-backend/internal/domain"
	httpapi "github.com/doctalk-ai/go-rag-backend/internal/http"
	"github.com/doctalk-ai/go-rag-backend/internal/http/middleware"
	"github.com/doctalk-ai/go-rag-backend/internal/observability"
	"github.com/doctalk-ai/go-rag-backend/internal/orchestrator"
	"github.com/doctalk-ai/go-rag-backend/internal/provider"
	"github.com/doctalk-ai/go-rag-backend/internal/quota"
	"github.com/doctalk-ai/go-rag-backend/internal/repo"
	"github.com/doctalk-ai/go-rag-backend/internal/respcache"
	"github.com/doctalk-ai/go-rag-backend/internal/retrieval"
	"github.com/doctalk-ai/go-rag-backend/internal/sysutil"
	"github.com/doctalk-ai/go-rag-backend/internal/vectorstore"

	"gorm.io/gorm"
)

// userSource adapts the repo free functions to the resolver's interface.
type userSource struct {
	db *gorm.DB
}

func (s userSource) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return repo.GetUser(ctx, s.db, userID)
}

func main() {
	// Optional .env for local development; real deployments use the process env.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version())
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup")
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(c); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			log.Warn().Err(err).Msg("db tracing")
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	// Provider quota windows for admin-key traffic. Ollama is the user's own
	// hardware and runs unlimited.
	quotas := quota.NewManager(map[provider.Name]quota.Limits{
		provider.Gemini: {PerMinute: cfg.Providers.GeminiRPM, PerDay: cfg.Providers.GeminiRPD},
		provider.Groq:   {PerMinute: cfg.Providers.GroqRPM, PerDay: cfg.Providers.GroqRPD},
	})
	go exportQuotaUsage(ctx, quotas)

	crypt, err := credentials.NewCrypter(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("encryption key")
	}
	resolver := credentials.NewResolver(userSource{db: db}, crypt, cfg.Providers, quotas, cfg.CredentialTTL)

	embedder, err := newEmbedder(ctx, cfg.Providers)
	if err != nil {
		log.Fatal().Err(err).Msg("embedding client")
	}
	store := vectorstore.New(vectorstore.Config{URL: cfg.VectorStoreURL})
	rag := retrieval.NewEngine(embedder, store, cfg.Providers.EmbeddingModel)

	searcher := deepsearch.NewSearchClient(cfg.SearchURL, 10*time.Second)
	deep := deepsearch.NewPipeline(searcher)

	core := orchestrator.New(db, resolver, rag, deep, quotas, respcache.New(), orchestrator.Config{
		ChatDeadline:       cfg.ChatDeadline,
		DeepSearchDeadline: cfg.DeepSearchDeadline,
	})

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, core, crypt, resolver, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("base_path", cfg.APIBasePath).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server exited")
}

// newEmbedder picks the embedding backend from the admin configuration.
// Gemini is preferred; any OpenAI-compatible endpoint works as a fallback.
func newEmbedder(ctx context.Context, pc config.ProviderConfig) (provider.Embedder, error) {
	switch {
	case pc.AdminGeminiKey != "":
		return provider.NewGemini(ctx, pc.AdminGeminiKey)
	case pc.OpenAIBaseURL != "":
		return provider.NewOpenAI(pc.OpenAIBaseURL, pc.AdminOpenAIKey), nil
	default:
		return nil, errors.New("no embedding backend: set ADMIN_GEMINI_API_KEY or OPENAI_BASE_URL")
	}
}

// exportQuotaUsage mirrors the quota windows into Prometheus gauges.
func exportQuotaUsage(ctx context.Context, m *quota.Manager) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, u := range m.Snapshot() {
				middleware.SetQuotaUsage(string(u.Provider), "minute", u.Minute, u.MinuteMax)
				middleware.SetQuotaUsage(string(u.Provider), "day", u.Day, u.DayMax)
			}
		}
	}
}

// version is stamped by the build; "dev" otherwise.
func version() string {
	return sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), "dev")
}
