package config

import (
	_ "embed"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prices.yaml
var pricesYAML []byte

//go:embed specs.yaml
var specsYAML []byte

type Config struct {
	Database  DatabaseConfig
	Embedding EmbeddingConfig
	Cluster   ClusterConfig
	Storage   StorageConfig
	OpenAI    OpenAIConfig
	Gemini    GeminiConfig
	Ollama    OllamaConfig
	Web       WebConfig
	Log       LogConfig
	Prices    PricesConfig
	Specs     []SpecConfig
}

type DatabaseConfig struct {
	URL           string // PostgreSQL connection URL; when empty the SQLite store is used
	SQLitePath    string // SQLite file path (default objectcamp.db)
	MaxOpenConns  int    // Maximum open connections (default 25)
	MaxIdleConns  int    // Maximum idle connections (default 5)
	HNSWIndexPath string // Path to persist the subject HNSW index (optional, rebuilt on startup if empty)
}

// Driver returns the backend selected by the configuration.
func (c *DatabaseConfig) Driver() string {
	if strings.HasPrefix(c.URL, "postgres://") || strings.HasPrefix(c.URL, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

type EmbeddingConfig struct {
	URL            string // segmentation/embedding service, defaults to http://localhost:8000
	Dim            int    // defaults to 768
	TimeoutSeconds int    // per-request timeout, defaults to 120
}

type ClusterConfig struct {
	SimilarityThreshold float64 // minimum cosine similarity to join a seed's cluster (default 0.75)
	MinConfidence       float64 // detections below this confidence are discarded (default 0.3)
	IoUThreshold        float64 // overlapping detections above this IoU are duplicates (default 0.6)
	Concurrency         int     // parallel extraction workers (default 4)
}

type StorageConfig struct {
	Dir         string // blob root for stickers, thumbnails and illustrations (default ./data)
	CacheSizeMB int    // thumbnail read cache size (default 64)
	ThumbSize   int    // thumbnail edge in pixels (default 200)
}

type OpenAIConfig struct {
	Token string
}

type GeminiConfig struct {
	APIKey     string
	Model      string // defaults to gemini-2.5-flash
	ImageModel string // defaults to gemini-2.5-flash-image
}

type OllamaConfig struct {
	URL   string // local describer endpoint (optional)
	Model string // defaults to llama3.2-vision:11b
}

type WebConfig struct {
	Host           string   // listen host (default 0.0.0.0)
	Port           int      // listen port (default 8085)
	AllowedOrigins []string // extra CORS origins besides localhost
}

type LogConfig struct {
	Level       string // debug, info, warn, error (default info)
	Development bool
}

type PricesConfig struct {
	Models map[string]ModelPricing `yaml:"models"`
}

type ModelPricing struct {
	Standard RequestPricing `yaml:"standard"`
	Batch    RequestPricing `yaml:"batch"`
}

type RequestPricing struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// SpecConfig is a target spec seeded into an empty library.
type SpecConfig struct {
	SpecID      string `yaml:"spec_id"`
	DisplayName string `yaml:"display_name"`
	Description string `yaml:"description"`
	Enabled     bool   `yaml:"enabled"`
}

type specsFile struct {
	Specs []SpecConfig `yaml:"specs"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float in [0, 1].
// Returns the default value if the env var is unset, empty, invalid, or out of range.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 && f <= 1 {
		return f
	}
	return defaultVal
}

// envBool reads an environment variable as a boolean (1/true/yes).
func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// envList splits a comma-separated env var, dropping empty items.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// envString returns the env var or the default when unset.
func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func Load() *Config {
	var prices PricesConfig
	if err := yaml.Unmarshal(pricesYAML, &prices); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded prices.yaml: " + err.Error())
	}

	var specs specsFile
	if err := yaml.Unmarshal(specsYAML, &specs); err != nil {
		panic("failed to unmarshal embedded specs.yaml: " + err.Error())
	}

	return &Config{
		Database: DatabaseConfig{
			URL:           os.Getenv("DATABASE_URL"),
			SQLitePath:    envString("SQLITE_PATH", "objectcamp.db"),
			MaxOpenConns:  envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:  envInt("DATABASE_MAX_IDLE_CONNS", 5),
			HNSWIndexPath: os.Getenv("HNSW_INDEX_PATH"),
		},
		Embedding: EmbeddingConfig{
			URL:            envString("EMBEDDING_URL", "http://localhost:8000"),
			Dim:            envInt("EMBEDDING_DIM", 768),
			TimeoutSeconds: envInt("EMBEDDING_TIMEOUT_SECONDS", 120),
		},
		Cluster: ClusterConfig{
			SimilarityThreshold: envFloat("CLUSTER_SIMILARITY_THRESHOLD", 0.75),
			MinConfidence:       envFloat("EXTRACTION_MIN_CONFIDENCE", 0.3),
			IoUThreshold:        envFloat("EXTRACTION_IOU_THRESHOLD", 0.6),
			Concurrency:         envInt("EXTRACTION_CONCURRENCY", 4),
		},
		Storage: StorageConfig{
			Dir:         envString("STORAGE_DIR", "./data"),
			CacheSizeMB: envInt("STORAGE_CACHE_MB", 64),
			ThumbSize:   envInt("STORAGE_THUMB_SIZE", 200),
		},
		OpenAI: OpenAIConfig{
			Token: os.Getenv("OPENAI_TOKEN"),
		},
		Gemini: GeminiConfig{
			APIKey:     os.Getenv("GEMINI_API_KEY"),
			Model:      envString("GEMINI_MODEL", "gemini-2.5-flash"),
			ImageModel: envString("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image"),
		},
		Ollama: OllamaConfig{
			URL:   os.Getenv("OLLAMA_URL"),
			Model: envString("OLLAMA_MODEL", "llama3.2-vision:11b"),
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", "0.0.0.0"),
			Port:           envInt("WEB_PORT", 8085),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
		Log: LogConfig{
			Level:       envString("LOG_LEVEL", "info"),
			Development: envBool("LOG_DEVELOPMENT"),
		},
		Prices: prices,
		Specs:  specs.Specs,
	}
}

// GetModelPricing returns pricing for a specific model, with fallback defaults
func (c *Config) GetModelPricing(modelName string) ModelPricing {
	if pricing, ok := c.Prices.Models[modelName]; ok {
		return pricing
	}
	// Return zero pricing if model not found
	return ModelPricing{}
}
