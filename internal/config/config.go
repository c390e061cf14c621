package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider identifies an LLM or embedding backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderBedrock   Provider = "bedrock"
)

// Stage names, also used as file name stems under DataDir.
const (
	StageTranscribe = "transcribe"
	StageClassify   = "classify"
	StageEmbed      = "embed"
	StageGenerate   = "generate"
)

// StageConfig tunes load and persistence for one pipeline stage.
type StageConfig struct {
	Concurrency            int           `yaml:"concurrency"`
	RatePerMinute          float64       `yaml:"rate_per_minute"`
	Pacing                 string        `yaml:"pacing"`
	MaxAttempts            int           `yaml:"max_attempts"`
	RateLimitBase          time.Duration `yaml:"rate_limit_base"`
	Cooldown               time.Duration `yaml:"cooldown"`
	TransientDelay         time.Duration `yaml:"transient_delay"`
	FlushEvery             int           `yaml:"flush_every"`
	MaxItems               int           `yaml:"max_items"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	GracePeriod            time.Duration `yaml:"grace_period"`
	CostPerItem            float64       `yaml:"cost_per_item"`
}

// Config holds all configuration values.
type Config struct {
	// Persistence
	DataDir      string `yaml:"data_dir"`
	StoreBackend string `yaml:"store_backend"`

	// LLM provider
	LLMProvider     Provider `yaml:"llm_provider"`
	OpenAIAPIKey    string   `yaml:"-"`
	AnthropicAPIKey string   `yaml:"-"`
	OllamaHost      string   `yaml:"ollama_host"`
	AWSRegion       string   `yaml:"aws_region"`

	TranscribeModel string `yaml:"transcribe_model"`
	ClassifyModel   string `yaml:"classify_model"`
	GenerateModel   string `yaml:"generate_model"`

	// Embeddings
	EmbedProvider  Provider `yaml:"embed_provider"`
	EmbedModel     string   `yaml:"embed_model"`
	EmbedDimension int      `yaml:"embed_dimension"`

	// Generation defaults
	Temperature       float64 `yaml:"temperature"`
	ExamplesPerPrompt int     `yaml:"examples_per_prompt"`

	// Server
	ServerPort string `yaml:"server_port"`

	// Logging
	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"log_level"`

	// Stages
	Transcribe StageConfig `yaml:"transcribe"`
	Classify   StageConfig `yaml:"classify"`
	Embed      StageConfig `yaml:"embed"`
	Generate   StageConfig `yaml:"generate"`
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		DataDir:      getEnv("SAYLESS_DATA_DIR", "data"),
		StoreBackend: getEnv("SAYLESS_STORE_BACKEND", "json"),

		LLMProvider:     Provider(getEnv("SAYLESS_LLM_PROVIDER", string(ProviderOpenAI))),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),

		TranscribeModel: getEnv("SAYLESS_TRANSCRIBE_MODEL", "gpt-4o"),
		ClassifyModel:   getEnv("SAYLESS_CLASSIFY_MODEL", "gpt-3.5-turbo"),
		GenerateModel:   getEnv("SAYLESS_GENERATE_MODEL", "gpt-4"),

		EmbedProvider:  Provider(getEnv("SAYLESS_EMBED_PROVIDER", string(ProviderOpenAI))),
		EmbedModel:     getEnv("SAYLESS_EMBED_MODEL", "text-embedding-3-small"),
		EmbedDimension: getEnvInt("SAYLESS_EMBED_DIMENSION", 1536),

		Temperature:       getEnvFloat("SAYLESS_TEMPERATURE", 0.7),
		ExamplesPerPrompt: getEnvInt("SAYLESS_EXAMPLES_PER_PROMPT", 20),

		ServerPort: getEnv("PORT", "5002"),

		LogFile:  getEnv("SAYLESS_LOG_FILE", "/tmp/sayless.log"),
		LogLevel: parseLogLevel(getEnv("SAYLESS_LOG_LEVEL", "INFO")),

		Transcribe: StageConfig{
			Concurrency:            getEnvInt("SAYLESS_TRANSCRIBE_CONCURRENCY", 5),
			RatePerMinute:          getEnvFloat("SAYLESS_TRANSCRIBE_RPM", 30),
			FlushEvery:             5,
			MaxConsecutiveFailures: 5,
			Cooldown:               2 * time.Minute,
			CostPerItem:            0.002,
		},
		Classify: StageConfig{
			Concurrency:            getEnvInt("SAYLESS_CLASSIFY_CONCURRENCY", 5),
			RatePerMinute:          getEnvFloat("SAYLESS_CLASSIFY_RPM", 200),
			FlushEvery:             10,
			MaxConsecutiveFailures: 5,
		},
		Embed: StageConfig{
			Concurrency:   1,
			RatePerMinute: getEnvFloat("SAYLESS_EMBED_RPM", 0),
			FlushEvery:    100,
		},
		Generate: StageConfig{
			Concurrency:   getEnvInt("SAYLESS_GENERATE_CONCURRENCY", 3),
			RatePerMinute: getEnvFloat("SAYLESS_GENERATE_RPM", 60),
		},
	}
}

// LoadFile overlays the YAML file at path onto base. Keys missing from the
// file keep their base value.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Path returns the location of a data file under DataDir.
func (c Config) Path(name string) string {
	return filepath.Join(c.DataDir, name)
}

// Stage returns the tuning for a stage by name.
func (c Config) Stage(name string) StageConfig {
	switch name {
	case StageTranscribe:
		return c.Transcribe
	case StageClassify:
		return c.Classify
	case StageEmbed:
		return c.Embed
	case StageGenerate:
		return c.Generate
	default:
		return StageConfig{}
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return v
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
