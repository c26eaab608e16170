package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the ruleforge server.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AI       AIConfig
	Engine   EngineConfig
	Schedule ScheduleConfig
	Admin    AdminConfig
	Report   ReportConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

// StoreConfig selects the persistence backend: "postgres" or "memory".
type StoreConfig struct {
	Backend string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	Ollama           OllamaConfig
	VLLM             VLLMConfig
	OpenAI           OpenAIConfig
	Anthropic        AnthropicConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type VLLMConfig struct {
	BaseURL string
	Model   string
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// EngineConfig carries the tuning values of the rule evolution loop.
type EngineConfig struct {
	MinSamples          int
	PromoteThreshold    float64
	RejectThreshold     float64
	DemoteThreshold     float64
	DemoteAfter         int
	SuccessWeight       float64
	EvalWindow          time.Duration
	MaxAnalysisAttempts int
	ClaimTTL            time.Duration
	BatchSize           int
	WorkerConcurrency   int
	ReviewMinConfidence float64
	ReviewCooldown      time.Duration
	ReviewSupportLimit  int
	ClusterSimilarity   float64
	ClusterMinProposal  int
}

type ScheduleConfig struct {
	Enabled        bool
	AnalyzeEvery   time.Duration
	EvaluateEvery  time.Duration
	ReviewEvery    time.Duration
	AggregateEvery time.Duration
}

// AdminConfig holds the bcrypt hash of the operator bearer token.
type AdminConfig struct {
	TokenHash      string
	RequestsPerMin int
}

type ReportConfig struct {
	CacheTTL time.Duration
}

var validProviders = map[string]bool{
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
	"mock":      true,
}

// DefaultEngine returns the engine tuning used when no overrides are set.
func DefaultEngine() EngineConfig {
	return EngineConfig{
		MinSamples:          5,
		PromoteThreshold:    0.7,
		RejectThreshold:     0.3,
		DemoteThreshold:     0.4,
		DemoteAfter:         3,
		SuccessWeight:       0.7,
		EvalWindow:          0,
		MaxAnalysisAttempts: 3,
		ClaimTTL:            10 * time.Minute,
		BatchSize:           50,
		WorkerConcurrency:   4,
		ReviewMinConfidence: 0.6,
		ReviewCooldown:      15 * time.Minute,
		ReviewSupportLimit:  20,
		ClusterSimilarity:   0.5,
		ClusterMinProposal:  5,
	}
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	def := DefaultEngine()
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("RULEFORGE_PORT", 8080),
			Env:  envString("RULEFORGE_ENV", "development"),
		},
		Store: StoreConfig{
			Backend: envString("STORE_BACKEND", "postgres"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AI: AIConfig{
			Provider:         os.Getenv("AI_PROVIDER"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 60*time.Second),
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434/v1"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
			},
			VLLM: VLLMConfig{
				BaseURL: envString("VLLM_BASE_URL", "http://localhost:8000/v1"),
				Model:   envString("VLLM_MODEL", ""),
			},
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				BaseURL: os.Getenv("OPENAI_BASE_URL"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
			},
			Anthropic: AnthropicConfig{
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				BaseURL: envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				Model:   envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
		},
		Engine: EngineConfig{
			MinSamples:          envInt("ENGINE_MIN_SAMPLES", def.MinSamples),
			PromoteThreshold:    envFloat("ENGINE_PROMOTE_THRESHOLD", def.PromoteThreshold),
			RejectThreshold:     envFloat("ENGINE_REJECT_THRESHOLD", def.RejectThreshold),
			DemoteThreshold:     envFloat("ENGINE_DEMOTE_THRESHOLD", def.DemoteThreshold),
			DemoteAfter:         envInt("ENGINE_DEMOTE_AFTER", def.DemoteAfter),
			SuccessWeight:       envFloat("ENGINE_SUCCESS_WEIGHT", def.SuccessWeight),
			EvalWindow:          envDuration("ENGINE_EVAL_WINDOW", def.EvalWindow),
			MaxAnalysisAttempts: envInt("ENGINE_MAX_ANALYSIS_ATTEMPTS", def.MaxAnalysisAttempts),
			ClaimTTL:            envDuration("ENGINE_CLAIM_TTL", def.ClaimTTL),
			BatchSize:           envInt("ENGINE_BATCH_SIZE", def.BatchSize),
			WorkerConcurrency:   envInt("ENGINE_WORKER_CONCURRENCY", def.WorkerConcurrency),
			ReviewMinConfidence: envFloat("ENGINE_REVIEW_MIN_CONFIDENCE", def.ReviewMinConfidence),
			ReviewCooldown:      envDuration("ENGINE_REVIEW_COOLDOWN", def.ReviewCooldown),
			ReviewSupportLimit:  envInt("ENGINE_REVIEW_SUPPORT_LIMIT", def.ReviewSupportLimit),
			ClusterSimilarity:   envFloat("ENGINE_CLUSTER_SIMILARITY", def.ClusterSimilarity),
			ClusterMinProposal:  envInt("ENGINE_CLUSTER_MIN_PROPOSAL", def.ClusterMinProposal),
		},
		Schedule: ScheduleConfig{
			Enabled:        envBool("SCHEDULE_ENABLED", true),
			AnalyzeEvery:   envDuration("SCHEDULE_ANALYZE_EVERY", time.Minute),
			EvaluateEvery:  envDuration("SCHEDULE_EVALUATE_EVERY", 15*time.Minute),
			ReviewEvery:    envDuration("SCHEDULE_REVIEW_EVERY", 30*time.Minute),
			AggregateEvery: envDuration("SCHEDULE_AGGREGATE_EVERY", time.Hour),
		},
		Admin: AdminConfig{
			TokenHash:      os.Getenv("ADMIN_TOKEN_HASH"),
			RequestsPerMin: envInt("ADMIN_REQUESTS_PER_MIN", 60),
		},
		Report: ReportConfig{
			CacheTTL: envDuration("REPORT_CACHE_TTL", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be one of postgres, memory; got %q", c.Store.Backend)
	}

	// The memory backend falls back to a process-local cache.
	if c.Redis.URL == "" && c.Store.Backend != "memory" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of ollama, vllm, openai, anthropic, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}
	if c.AI.Provider == "anthropic" && c.AI.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
	}
	if c.AI.Provider == "vllm" && c.AI.VLLM.Model == "" {
		return fmt.Errorf("VLLM_MODEL is required when AI_PROVIDER is vllm")
	}

	if c.Admin.TokenHash == "" {
		return fmt.Errorf("ADMIN_TOKEN_HASH is required")
	}

	if err := c.Engine.Validate(); err != nil {
		return err
	}
	// A claim must outlive the scoring call made under it.
	if c.Engine.ClaimTTL <= c.AI.InferenceTimeout {
		return fmt.Errorf("ENGINE_CLAIM_TTL (%s) must exceed AI_INFERENCE_TIMEOUT_SECS (%s)",
			c.Engine.ClaimTTL, c.AI.InferenceTimeout)
	}
	return nil
}

// Validate checks that the engine thresholds are consistent with each other.
func (e EngineConfig) Validate() error {
	for name, v := range map[string]float64{
		"ENGINE_PROMOTE_THRESHOLD":     e.PromoteThreshold,
		"ENGINE_REJECT_THRESHOLD":      e.RejectThreshold,
		"ENGINE_DEMOTE_THRESHOLD":      e.DemoteThreshold,
		"ENGINE_SUCCESS_WEIGHT":        e.SuccessWeight,
		"ENGINE_REVIEW_MIN_CONFIDENCE": e.ReviewMinConfidence,
		"ENGINE_CLUSTER_SIMILARITY":    e.ClusterSimilarity,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, v)
		}
	}
	if e.RejectThreshold > e.PromoteThreshold {
		return fmt.Errorf("ENGINE_REJECT_THRESHOLD (%v) must not exceed ENGINE_PROMOTE_THRESHOLD (%v)",
			e.RejectThreshold, e.PromoteThreshold)
	}
	if e.ClusterSimilarity == 0 {
		return fmt.Errorf("ENGINE_CLUSTER_SIMILARITY must be greater than 0")
	}
	for name, v := range map[string]int{
		"ENGINE_MIN_SAMPLES":           e.MinSamples,
		"ENGINE_DEMOTE_AFTER":          e.DemoteAfter,
		"ENGINE_MAX_ANALYSIS_ATTEMPTS": e.MaxAnalysisAttempts,
		"ENGINE_BATCH_SIZE":            e.BatchSize,
		"ENGINE_WORKER_CONCURRENCY":    e.WorkerConcurrency,
		"ENGINE_REVIEW_SUPPORT_LIMIT":  e.ReviewSupportLimit,
		"ENGINE_CLUSTER_MIN_PROPOSAL":  e.ClusterMinProposal,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if e.EvalWindow < 0 {
		return fmt.Errorf("ENGINE_EVAL_WINDOW must not be negative")
	}
	if e.ClaimTTL <= 0 {
		return fmt.Errorf("ENGINE_CLAIM_TTL must be positive")
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
