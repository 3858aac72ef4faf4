package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string

	HTTP      HTTPConfig
	Redis     RedisConfig
	Log       LogConfig
	Providers ProviderConfig
	Models    ModelConfig
	Analyzer  AnalyzerConfig
	Queue     QueueConfig
}

type HTTPConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
	Output string // "stdout" or a file path, rotated via lumberjack

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type ProviderConfig struct {
	OpenAIKey    string
	AnthropicKey string
	DeepSeekKey  string
	GeminiKey    string
	CustomKey    string

	OpenAIBaseURL    string
	AnthropicBaseURL string
	DeepSeekBaseURL  string
	GeminiBaseURL    string
	LocalBaseURL     string
	CustomBaseURL    string

	OllamaURL      string
	EmbeddingModel string

	Timeout           time.Duration
	MaxRetries        int
	RequestsPerSecond float64
}

// TierModels holds one model identifier per language tier.
type TierModels struct {
	Chinese string
	English string
	Other   string
}

type ModelConfig struct {
	Preliminary TierModels
	Analysis    TierModels
	Reflection  TierModels
}

type AnalyzerConfig struct {
	ShortThreshold      int
	SegmentThreshold    int
	SegmentMaxLength    int
	SimilarityThreshold float64
}

type QueueConfig struct {
	PrelimWorkers   int
	AnalysisWorkers int
	MaxRetries      int
	PollInterval    time.Duration
}

func Load() (*Config, error) {
	// .env is optional outside local development
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		HTTP: HTTPConfig{
			Port:         getEnvInt("HTTP_PORT", 8080),
			ReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 20),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			Output:     getEnv("LOG_OUTPUT", "stdout"),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 3),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 14),
		},
		Providers: ProviderConfig{
			OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
			AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
			DeepSeekKey:  os.Getenv("DEEPSEEK_API_KEY"),
			GeminiKey:    firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY")),
			CustomKey:    os.Getenv("LLM_API_KEY"),

			OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
			DeepSeekBaseURL:  getEnv("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1"),
			GeminiBaseURL:    getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai"),
			LocalBaseURL:     getEnv("LOCAL_LLM_BASE_URL", "http://localhost:11434/v1"),
			CustomBaseURL:    getEnv("LLM_BASE_URL", ""),

			OllamaURL:      getEnv("OLLAMA_URL", "http://localhost:11434"),
			EmbeddingModel: getEnv("EMBEDDING_MODEL", "nomic-embed-text"),

			Timeout:           getEnvDuration("LLM_REQUEST_TIMEOUT", 120*time.Second),
			MaxRetries:        getEnvInt("LLM_MAX_RETRIES", 3),
			RequestsPerSecond: getEnvFloat("LLM_REQUESTS_PER_SECOND", 5),
		},
		Models: ModelConfig{
			Preliminary: TierModels{
				Chinese: getEnv("PRELIMINARY_MODEL_ZH", "deepseek-chat"),
				English: getEnv("PRELIMINARY_MODEL_EN", "gpt-4o-mini"),
				Other:   getEnv("PRELIMINARY_MODEL_OTHER", "gpt-4o-mini"),
			},
			Analysis: TierModels{
				Chinese: getEnv("ANALYSIS_MODEL_ZH", "deepseek-chat"),
				English: getEnv("ANALYSIS_MODEL_EN", "gpt-4o"),
				Other:   getEnv("ANALYSIS_MODEL_OTHER", "gpt-4o"),
			},
			Reflection: TierModels{
				Chinese: getEnv("REFLECTION_MODEL_ZH", "deepseek-reasoner"),
				English: getEnv("REFLECTION_MODEL_EN", "claude-sonnet-4-20250514"),
				Other:   getEnv("REFLECTION_MODEL_OTHER", "claude-sonnet-4-20250514"),
			},
		},
		Analyzer: AnalyzerConfig{
			ShortThreshold:      getEnvInt("SHORT_ARTICLE_THRESHOLD", 6000),
			SegmentThreshold:    getEnvInt("SEGMENT_ARTICLE_THRESHOLD", 12000),
			SegmentMaxLength:    getEnvInt("SEGMENT_MAX_LENGTH", 3000),
			SimilarityThreshold: getEnvFloat("MERGE_SIMILARITY_THRESHOLD", 0.8),
		},
		Queue: QueueConfig{
			PrelimWorkers:   getEnvInt("PRELIM_WORKERS", 4),
			AnalysisWorkers: getEnvInt("ANALYSIS_WORKERS", 2),
			MaxRetries:      getEnvInt("JOB_MAX_RETRIES", 3),
			PollInterval:    getEnvDuration("QUEUE_POLL_INTERVAL", 2*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Analyzer.ShortThreshold <= 0 || c.Analyzer.SegmentThreshold <= c.Analyzer.ShortThreshold {
		return fmt.Errorf("invalid analyzer thresholds: short=%d segment=%d",
			c.Analyzer.ShortThreshold, c.Analyzer.SegmentThreshold)
	}
	if c.Analyzer.SegmentMaxLength <= 0 {
		return fmt.Errorf("SEGMENT_MAX_LENGTH must be positive, got %d", c.Analyzer.SegmentMaxLength)
	}
	if c.Analyzer.SimilarityThreshold <= 0 || c.Analyzer.SimilarityThreshold > 1 {
		return fmt.Errorf("MERGE_SIMILARITY_THRESHOLD must be in (0,1], got %f", c.Analyzer.SimilarityThreshold)
	}
	if c.Queue.PrelimWorkers < 1 || c.Queue.AnalysisWorkers < 1 {
		return fmt.Errorf("worker counts must be at least 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
