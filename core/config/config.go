package config

import (
	"os"
	"strconv"
	"time"
)

// OTelConfig controls optional OpenTelemetry export. Tracing/logging stay
// local (stdout / text handler) until an endpoint is configured.
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Headers        string
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// LLMConfig configures the OpenAI-compatible agent client.
type LLMConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Config holds all application configuration for the research agent.
// It is populated entirely from environment variables, following the
// plain getEnv/getEnvInt pattern rather than a config-binding library.
type Config struct {
	// Env is the environment name (development, staging, production).
	Env string

	// Port is the HTTP admin/health server port.
	Port string

	// SessionsDir is where session JSON files are persisted.
	SessionsDir string

	// BatchesDir is where inbound batch payloads (scraper output) are read from.
	BatchesDir string

	// PromptsDir is the root of the phase-keyed prompt template tree.
	PromptsDir string

	// ReportsDir, if set, is where Phase 4 writes each session's standalone
	// report_<session_id>.md alongside the phase4 session artifact.
	ReportsDir string

	// DebugDir is loaded from DEBUG_DIR; no component reads it, so no debug
	// transcripts or metrics logs are written.
	DebugDir string

	// RetrievalWordRangeCharBudget caps every transcript retrieval response
	// (word_range, keyword, semantic, and "all" for a transcript).
	RetrievalWordRangeCharBudget int
	// RetrievalCommentsCharBudget caps a comments_filter response and an "all"
	// retrieval response for comments.
	RetrievalCommentsCharBudget int
	// RetrievalMetadataCharBudget caps a single "all" retrieval response's metadata portion.
	RetrievalMetadataCharBudget int

	// MaxFollowups bounds retrieval rounds per Phase 3 window.
	MaxFollowups int

	// PromptUserTimeout bounds how long the orchestrator waits on a UI Bus prompt.
	PromptUserTimeout time.Duration

	// AutosaveDebounce coalesces rapid session mutations into one disk write.
	AutosaveDebounce time.Duration

	// StepDigestCap bounds how many step digests a session retains.
	StepDigestCap int

	// MaxGoalAmendments bounds the Phase 1 amendment loop.
	MaxGoalAmendments int

	// ReplayBufferSize is loaded from REPLAY_BUFFER_SIZE but not passed to the
	// UI Bus; uibus.LocalBus bounds its replay buffer with the fixed
	// uibus.ReplayBufferSize constant (100).
	ReplayBufferSize int

	OTel OTelConfig

	LLM LLMConfig

	Redis RedisConfig
}

// RedisConfig configures the optional cross-process session event bus
// (internal/session/eventbus). Empty Addr means every process stays on its
// own in-memory uibus.LocalBus, which is the right default for a single
// `research run` invocation.
type RedisConfig struct {
	Addr   string
	Stream string
}

func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// Load loads configuration from environment variables, with sensible
// defaults for local development.
func Load() Config {
	return Config{
		Env:         getEnv("RESEARCH_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		SessionsDir: getEnv("SESSIONS_DIR", "./data/sessions"),
		BatchesDir:  getEnv("BATCHES_DIR", "./data/batches"),
		PromptsDir:  getEnv("PROMPTS_DIR", "./prompts"),
		ReportsDir:  getEnv("REPORTS_DIR", "./data/reports"),
		DebugDir:    getEnv("DEBUG_DIR", ""),

		RetrievalWordRangeCharBudget: getEnvInt("RETRIEVAL_WORD_RANGE_CHAR_BUDGET", 50_000),
		RetrievalCommentsCharBudget:  getEnvInt("RETRIEVAL_COMMENTS_CHAR_BUDGET", 15_000),
		RetrievalMetadataCharBudget:  getEnvInt("RETRIEVAL_METADATA_CHAR_BUDGET", 10_000),

		MaxFollowups:      getEnvInt("MAX_FOLLOWUPS", 3),
		PromptUserTimeout: getEnvDuration("PROMPT_USER_TIMEOUT", 300*time.Second),
		AutosaveDebounce:  getEnvDuration("AUTOSAVE_DEBOUNCE", 500*time.Millisecond),
		StepDigestCap:     getEnvInt("STEP_DIGEST_CAP", 12),
		MaxGoalAmendments: getEnvInt("MAX_GOAL_AMENDMENTS", 3),
		ReplayBufferSize:  getEnvInt("REPLAY_BUFFER_SIZE", 100),

		OTel: OTelConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "deepresearch-agent"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
		},

		LLM: LLMConfig{
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			BaseURL: getEnv("OPENAI_BASE_URL", ""),
			Model:   getEnv("RESEARCH_MODEL", "gpt-5-codex"),
		},

		Redis: RedisConfig{
			Addr:   getEnv("REDIS_ADDR", ""),
			Stream: getEnv("REDIS_EVENT_STREAM", "research:session-events"),
		},
	}
}

// IsProduction returns true if running in production environment.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// IsDevelopment returns true if running in development environment.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
