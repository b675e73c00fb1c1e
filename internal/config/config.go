package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"gopkg.in/yaml.v3"
)

// Config is built once at process start and passed to every component.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Relational store settings
	DBDriver        string `yaml:"db_driver"` // postgres or sqlite
	DatabaseURL     string `yaml:"database_url"`
	InsertBatchSize int    `yaml:"insert_batch_size"`

	// ClickHouse warehouse settings
	ClickHouseAddr     string `yaml:"clickhouse_addr"`
	ClickHouseDatabase string `yaml:"clickhouse_database"`
	ClickHouseUsername string `yaml:"clickhouse_username"`
	ClickHousePassword string `yaml:"clickhouse_password"`
	SourceTablePrefix  string `yaml:"source_table_prefix"`

	// Redis settings (vector index, embedding cache, import runs)
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Vector index settings
	VectorIndexName string `yaml:"vector_index_name"`
	VectorKeyPrefix string `yaml:"vector_key_prefix"`
	VectorEFRuntime int    `yaml:"vector_ef_runtime"`
	ResolveLimit    int    `yaml:"resolve_limit"`

	// Embedding settings
	EmbeddingProvider   string        `yaml:"embedding_provider"` // langchain or openai
	EmbeddingAPIKey     string        `yaml:"embedding_api_key"`
	EmbeddingBaseURL    string        `yaml:"embedding_base_url"`
	EmbeddingModel      string        `yaml:"embedding_model"`
	EmbeddingDimensions int           `yaml:"embedding_dimensions"`
	EmbeddingCacheTTL   time.Duration `yaml:"embedding_cache_ttl"`

	// LLM settings
	OpenRouterAPIKey string `yaml:"openrouter_api_key"`
	LLMBaseURL       string `yaml:"llm_base_url"`
	LLMModel         string `yaml:"llm_model"`

	// Schema CSV location (path or s3://bucket/key)
	SchemaCSVPath string `yaml:"schema_csv_path"`
	AWSRegion     string `yaml:"aws_region"`

	// API settings
	APIAddr    string `yaml:"api_addr"`
	APIKey     string `yaml:"api_key"`
	DevMode    bool   `yaml:"dev_mode"`
	ImportCron string `yaml:"import_cron"`

	// HTTP client settings
	HTTPTimeout time.Duration `yaml:"http_timeout"`
}

// Load builds the configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and finally the environment, which always wins.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogLevel: "info",

		DBDriver:        "postgres",
		DatabaseURL:     "postgres://postgres@localhost:5432/analytics?sslmode=disable",
		InsertBatchSize: 500,

		ClickHouseAddr:     "localhost:9000",
		ClickHouseDatabase: "analytics",
		ClickHouseUsername: "default",
		SourceTablePrefix:  "events_",

		RedisAddr: "localhost:6379",

		VectorIndexName: "ga4_fields",
		VectorKeyPrefix: "ga4_fields:",
		VectorEFRuntime: 64,
		ResolveLimit:    5,

		EmbeddingProvider:   "langchain",
		EmbeddingBaseURL:    "https://api.openai.com/v1",
		EmbeddingModel:      "text-embedding-3-small",
		EmbeddingDimensions: 1536,
		EmbeddingCacheTTL:   7 * 24 * time.Hour,

		LLMBaseURL: "https://openrouter.ai/api/v1",
		LLMModel:   "openai/gpt-4.1-mini",

		SchemaCSVPath: "data/ga4_schema/ga4_schema.csv",

		APIAddr: ":8090",

		HTTPTimeout: 30 * time.Second,
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return apperr.Wrap(apperr.KindConfiguration, "read config "+path, err)
	}
	data = expandEnvVars(data)
	if err := yaml.Unmarshal(data, c); err != nil {
		return apperr.Wrap(apperr.KindConfiguration, "parse config "+path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	// Relational store
	c.DBDriver = getEnv("DB_DRIVER", c.DBDriver)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.InsertBatchSize = getIntEnv("INSERT_BATCH_SIZE", c.InsertBatchSize)

	// ClickHouse
	c.ClickHouseAddr = getEnv("CLICKHOUSE_ADDR", c.ClickHouseAddr)
	c.ClickHouseDatabase = getEnv("CLICKHOUSE_DATABASE", c.ClickHouseDatabase)
	c.ClickHouseUsername = getEnv("CLICKHOUSE_USERNAME", c.ClickHouseUsername)
	c.ClickHousePassword = getEnv("CLICKHOUSE_PASSWORD", c.ClickHousePassword)
	c.SourceTablePrefix = getEnv("SOURCE_TABLE_PREFIX", c.SourceTablePrefix)

	// Redis
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getIntEnv("REDIS_DB", c.RedisDB)

	// Vector index
	c.VectorIndexName = getEnv("VECTOR_INDEX_NAME", c.VectorIndexName)
	c.VectorKeyPrefix = getEnv("VECTOR_KEY_PREFIX", c.VectorKeyPrefix)
	c.VectorEFRuntime = getIntEnv("VECTOR_EF_RUNTIME", c.VectorEFRuntime)
	c.ResolveLimit = getIntEnv("RESOLVE_LIMIT", c.ResolveLimit)

	// Embedding
	c.EmbeddingProvider = getEnv("EMBEDDING_PROVIDER", c.EmbeddingProvider)
	c.EmbeddingAPIKey = getEnv("OPENAI_API_KEY", c.EmbeddingAPIKey)
	c.EmbeddingBaseURL = getEnv("EMBEDDING_BASE_URL", c.EmbeddingBaseURL)
	c.EmbeddingModel = getEnv("EMBEDDING_MODEL", c.EmbeddingModel)
	c.EmbeddingDimensions = getIntEnv("EMBEDDING_DIMENSIONS", c.EmbeddingDimensions)
	c.EmbeddingCacheTTL = getDurationEnv("EMBEDDING_CACHE_TTL", c.EmbeddingCacheTTL)

	// LLM
	c.OpenRouterAPIKey = getEnv("OPENROUTER_API_KEY", c.OpenRouterAPIKey)
	c.LLMBaseURL = getEnv("LLM_BASE_URL", c.LLMBaseURL)
	c.LLMModel = getEnv("LLM_MODEL", c.LLMModel)

	// Schema CSV
	c.SchemaCSVPath = getEnv("SCHEMA_CSV_PATH", c.SchemaCSVPath)
	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)

	// API
	c.APIAddr = getEnv("API_ADDR", c.APIAddr)
	c.APIKey = getEnv("API_KEY", c.APIKey)
	c.DevMode = getBoolEnv("DEV_MODE", c.DevMode)
	c.ImportCron = getEnv("IMPORT_CRON", c.ImportCron)

	// HTTP
	c.HTTPTimeout = getDurationEnv("HTTP_TIMEOUT", c.HTTPTimeout)
}

// Validate checks settings every command needs.
func (c *Config) Validate() error {
	const op = "validate config"

	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return apperr.Configuration(op, "DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	}
	if c.DatabaseURL == "" {
		return apperr.Configuration(op, "DATABASE_URL is required")
	}
	if c.InsertBatchSize <= 0 {
		return apperr.Configuration(op, "INSERT_BATCH_SIZE must be positive")
	}
	switch c.EmbeddingProvider {
	case "langchain", "openai":
	default:
		return apperr.Configuration(op, "EMBEDDING_PROVIDER must be langchain or openai, got %q", c.EmbeddingProvider)
	}
	if c.EmbeddingDimensions <= 0 {
		return apperr.Configuration(op, "EMBEDDING_DIMENSIONS must be positive")
	}
	if c.ResolveLimit <= 0 {
		return apperr.Configuration(op, "RESOLVE_LIMIT must be positive")
	}
	return nil
}

// ValidateEmbedding checks the settings needed to call the embedding API.
func (c *Config) ValidateEmbedding() error {
	if c.EmbeddingAPIKey == "" {
		return apperr.Configuration("validate config", "OPENAI_API_KEY is required for embeddings")
	}
	return nil
}

// ValidateLLM checks the settings needed to call the language model.
func (c *Config) ValidateLLM() error {
	if c.OpenRouterAPIKey == "" {
		return apperr.Configuration("validate config", "OPENROUTER_API_KEY is required for the analysis agent")
	}
	return nil
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars substitutes ${VAR} references with environment values.
func expandEnvVars(data []byte) []byte {
	return envVarRe.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(envVarRe.FindSubmatch(m)[1])
		return []byte(os.Getenv(name))
	})
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// String hides secrets so the config can be logged.
func (c *Config) String() string {
	return fmt.Sprintf("driver=%s clickhouse=%s/%s redis=%s index=%s embedder=%s/%s llm=%s",
		c.DBDriver, c.ClickHouseAddr, c.ClickHouseDatabase, c.RedisAddr,
		c.VectorIndexName, c.EmbeddingProvider, c.EmbeddingModel, c.LLMModel)
}
