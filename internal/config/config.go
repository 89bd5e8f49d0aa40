// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server settings,
// logging, database paths, provider credentials, quota limits, request
// deadlines, and observability.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// ProviderConfig holds admin credentials and quota limits for the LLM
// providers the platform can speak to. Admin keys are plaintext process
// configuration; per-user keys live encrypted in the users table.
type ProviderConfig struct {
	AdminGeminiKey string // ADMIN_GEMINI_API_KEY
	AdminGroqKey   string // ADMIN_GROQ_API_KEY
	AdminOpenAIKey string // ADMIN_OPENAI_API_KEY
	OpenAIBaseURL  string // OPENAI_BASE_URL (any OpenAI-compatible endpoint)

	GeminiModel    string // default chat model for Gemini
	GroqModel      string // default chat model for Groq
	EmbeddingModel string // EMBEDDING_MODEL

	// Per-minute sliding-window limits (0 disables the window).
	GeminiRPM int
	GroqRPM   int
	// Daily sliding-window limits for admin-key traffic.
	GeminiRPD int
	GroqRPD   int
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool
	APIBasePath string

	// Persistence / external services
	DBPath         string // SQLite path
	VectorStoreURL string // VECTOR_STORE_URL
	SearchURL      string // SEARCH_PROVIDER_URL

	// Crypto
	EncryptionKey []byte // decoded from API_ENCRYPTION_KEY (64 hex chars)

	// Auth
	JWTSecret string // JWT_SECRET, HS256 signing key

	// Providers & quotas
	Providers ProviderConfig

	// Request deadlines
	ChatDeadline       time.Duration // chat and RAG requests
	DeepSearchDeadline time.Duration

	// Credential validity cache
	CredentialTTL time.Duration

	// HTTP rate limiting (edge, per user/IP)
	RateRPS   float64
	RateBurst int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 120*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Persistence / external services
		DBPath:         getenv("DB_PATH", "app.db"),
		VectorStoreURL: getenv("VECTOR_STORE_URL", "http://localhost:6333"),
		SearchURL:      getenv("SEARCH_PROVIDER_URL", ""),

		// Auth
		JWTSecret: getenv("JWT_SECRET", ""),

		// Providers & quotas
		Providers: ProviderConfig{
			AdminGeminiKey: getenv("ADMIN_GEMINI_API_KEY", ""),
			AdminGroqKey:   getenv("ADMIN_GROQ_API_KEY", ""),
			AdminOpenAIKey: getenv("ADMIN_OPENAI_API_KEY", ""),
			OpenAIBaseURL:  getenv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			GeminiModel:    getenv("GEMINI_MODEL", "gemini-1.5-flash-latest"),
			GroqModel:      getenv("GROQ_MODEL", "llama-3.3-70b-versatile"),
			EmbeddingModel: getenv("EMBEDDING_MODEL", "text-embedding-004"),
			GeminiRPM:      getint("GEMINI_RPM", 15),
			GroqRPM:        getint("GROQ_RPM", 30),
			GeminiRPD:      getint("GEMINI_RPD", 1500),
			GroqRPD:        getint("GROQ_RPD", 14400),
		},

		// Deadlines
		ChatDeadline:       getdur("CHAT_DEADLINE", 60*time.Second),
		DeepSearchDeadline: getdur("DEEP_SEARCH_DEADLINE", 90*time.Second),

		// Credential validity cache
		CredentialTTL: getdur("CREDENTIAL_TTL", 10*time.Minute),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-rag-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.VectorStoreURL) == "" {
		return cfg, errors.New("VECTOR_STORE_URL must not be empty")
	}
	if cfg.ChatDeadline <= 0 || cfg.DeepSearchDeadline <= 0 {
		return cfg, errors.New("request deadlines must be positive durations")
	}
	if cfg.CredentialTTL <= 0 {
		return cfg, errors.New("CREDENTIAL_TTL must be > 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	// The encryption key protects stored provider keys. A missing or malformed
	// key is fatal: running without it would strand every stored key.
	rawKey := strings.TrimSpace(os.Getenv("API_ENCRYPTION_KEY"))
	if len(rawKey) != 64 {
		return cfg, fmt.Errorf("API_ENCRYPTION_KEY must be exactly 64 hex characters, got %d", len(rawKey))
	}
	key, err := hex.DecodeString(rawKey)
	if err != nil {
		return cfg, errors.New("API_ENCRYPTION_KEY must be valid hex")
	}
	cfg.EncryptionKey = key

	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return cfg, errors.New("JWT_SECRET must not be empty")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
