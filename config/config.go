package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config carries every knob the service reads at startup. Values come from
// config.json when present and are overridden by environment variables.
type Config struct {
	// OpenAI-compatible API used for embeddings and chat completions.
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	EmbeddingModel string `json:"embedding_model"`
	ChatModel      string `json:"chat_model"`
	EmbeddingDim   int    `json:"embedding_dim"`

	// Batch speech-recognition service.
	SpeechEndpoint string `json:"speech_endpoint"`
	SpeechKey      string `json:"speech_key"`
	Locale         string `json:"locale"`

	// Vector index backend: "flat" (local file pair), "pgvector" or "milvus".
	VectorStore      string `json:"vector_store"`
	IndexPath        string `json:"index_path"`
	PostgresURL      string `json:"postgres_url"`
	MilvusAddr       string `json:"milvus_addr"`
	MilvusUsername   string `json:"milvus_username"`
	MilvusPassword   string `json:"milvus_password"`
	MilvusAPIKey     string `json:"milvus_api_key"`
	MilvusCollection string `json:"milvus_collection"`

	DatabasePath string `json:"database_path"`
	DataPath     string `json:"data_path"`
	ListenAddr   string `json:"listen_addr"`

	Workers       int `json:"workers"`
	QueueCapacity int `json:"queue_capacity"`

	MaxWaitSeconds      int `json:"max_wait_seconds"`
	PollIntervalSeconds int `json:"poll_interval_seconds"`
	MaxAttempts         int `json:"max_attempts"`
	RetryDelaySeconds   int `json:"retry_delay_seconds"`

	ChunkSizeTokens    int `json:"chunk_size_tokens"`
	ChunkOverlapTokens int `json:"chunk_overlap_tokens"`
	MaxContextChunks   int `json:"max_context_chunks"`

	MaxUploadSizeMB   int    `json:"max_upload_size_mb"`
	AllowedExtensions string `json:"allowed_extensions"`

	CleanupAfterDays int `json:"cleanup_after_days"`
}

func defaults() *Config {
	return &Config{
		BaseURL:             "https://api.openai.com/v1",
		EmbeddingModel:      "text-embedding-ada-002",
		ChatModel:           "gpt-4o-mini",
		EmbeddingDim:        1536,
		Locale:              "pt-BR",
		VectorStore:         "flat",
		IndexPath:           "data/index_store",
		MilvusAddr:          "localhost:19530",
		MilvusCollection:    "transcript_chunks",
		DatabasePath:        "data/audia.db",
		DataPath:            "data/objects",
		ListenAddr:          ":8080",
		Workers:             4,
		QueueCapacity:       64,
		MaxWaitSeconds:      3600,
		PollIntervalSeconds: 15,
		MaxAttempts:         3,
		RetryDelaySeconds:   60,
		ChunkSizeTokens:     512,
		ChunkOverlapTokens:  50,
		MaxContextChunks:    5,
		MaxUploadSizeMB:     500,
		AllowedExtensions:   "mp3,wav,mp4,m4a,avi,mov,webm,asf",
		CleanupAfterDays:    90,
	}
}

// Load reads config.json (if present at path) and applies environment
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("API_KEY", &cfg.APIKey)
	envStr("BASE_URL", &cfg.BaseURL)
	envStr("EMBEDDING_MODEL", &cfg.EmbeddingModel)
	envStr("CHAT_MODEL", &cfg.ChatModel)
	envInt("EMBEDDING_DIM", &cfg.EmbeddingDim)
	envStr("SPEECH_ENDPOINT", &cfg.SpeechEndpoint)
	envStr("SPEECH_KEY", &cfg.SpeechKey)
	envStr("LOCALE", &cfg.Locale)
	envStr("VECTOR_STORE", &cfg.VectorStore)
	envStr("INDEX_PATH", &cfg.IndexPath)
	envStr("POSTGRES_URL", &cfg.PostgresURL)
	envStr("MILVUS_ADDR", &cfg.MilvusAddr)
	envStr("MILVUS_USERNAME", &cfg.MilvusUsername)
	envStr("MILVUS_PASSWORD", &cfg.MilvusPassword)
	envStr("MILVUS_API_KEY", &cfg.MilvusAPIKey)
	envStr("MILVUS_COLLECTION", &cfg.MilvusCollection)
	envStr("DATABASE_PATH", &cfg.DatabasePath)
	envStr("DATA_PATH", &cfg.DataPath)
	envStr("LISTEN_ADDR", &cfg.ListenAddr)
	envInt("WORKERS", &cfg.Workers)
	envInt("QUEUE_CAPACITY", &cfg.QueueCapacity)
	envInt("MAX_WAIT_SECONDS", &cfg.MaxWaitSeconds)
	envInt("POLL_INTERVAL_SECONDS", &cfg.PollIntervalSeconds)
	envInt("MAX_ATTEMPTS", &cfg.MaxAttempts)
	envInt("RETRY_DELAY_SECONDS", &cfg.RetryDelaySeconds)
	envInt("CHUNK_SIZE_TOKENS", &cfg.ChunkSizeTokens)
	envInt("CHUNK_OVERLAP_TOKENS", &cfg.ChunkOverlapTokens)
	envInt("MAX_CONTEXT_CHUNKS", &cfg.MaxContextChunks)
	envInt("MAX_UPLOAD_SIZE_MB", &cfg.MaxUploadSizeMB)
	envStr("ALLOWED_EXTENSIONS", &cfg.AllowedExtensions)
	envInt("CLEANUP_AFTER_DAYS", &cfg.CleanupAfterDays)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks the fields the pipeline cannot run without.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.APIKey) == "" {
		problems = append(problems, "api_key is required")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		problems = append(problems, "base_url is required")
	}
	if strings.TrimSpace(c.EmbeddingModel) == "" {
		problems = append(problems, "embedding_model is required")
	}
	if strings.TrimSpace(c.SpeechEndpoint) == "" {
		problems = append(problems, "speech_endpoint is required")
	}
	if strings.TrimSpace(c.SpeechKey) == "" {
		problems = append(problems, "speech_key is required")
	}
	switch strings.ToLower(c.VectorStore) {
	case "", "flat", "milvus":
	case "pgvector":
		if strings.TrimSpace(c.PostgresURL) == "" {
			problems = append(problems, "postgres_url is required for the pgvector store")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown vector_store %q", c.VectorStore))
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// HasValidAPI reports whether the embedding/chat API is configured.
func (c *Config) HasValidAPI() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.BaseURL) != ""
}

// AllowedExtensionList splits AllowedExtensions into normalized entries.
func (c *Config) AllowedExtensionList() []string {
	parts := strings.Split(c.AllowedExtensions, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
