// Package config provides layered configuration for medibot.
// Precedence, lowest to highest: built-in defaults, .env file, YAML file,
// process environment. Every layer is projected onto environment variables so
// the rest of the code base reads a single source.
//
// YAML search order:
//  1. --config CLI flag (explicit path)
//  2. MEDIBOT_CONFIG environment variable
//  3. ~/.medibot/config.yaml
//  4. ./medibot.yaml
//
// If no file is found the system runs entirely from env vars.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration file. Every leaf field carries the env
// var it is projected onto in its env tag.
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	History   HistoryConfig   `yaml:"history"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ModelConfig selects and tunes the chat model that writes answers.
type ModelConfig struct {
	// Provider is one of openai, azure, ollama, bedrock, gemini.
	Provider    string  `yaml:"provider" env:"MODEL_PROVIDER"`
	MaxTokens   int     `yaml:"max_tokens" env:"MODEL_MAX_TOKENS"`
	Temperature float32 `yaml:"temperature" env:"MODEL_TEMPERATURE"`
	// Timeout is a Go duration bounding one model call.
	Timeout string `yaml:"timeout" env:"MODEL_TIMEOUT"`

	Ollama  OllamaConfig  `yaml:"ollama"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Azure   AzureConfig   `yaml:"azure"`
	Bedrock BedrockConfig `yaml:"bedrock"`
	Gemini  GeminiConfig  `yaml:"gemini"`
}

// OllamaConfig points at a local Ollama server.
type OllamaConfig struct {
	Host      string `yaml:"host" env:"OLLAMA_HOST"`
	Model     string `yaml:"model" env:"OLLAMA_MODEL"`
	KeepAlive string `yaml:"keep_alive" env:"OLLAMA_KEEP_ALIVE"`
}

// OpenAIConfig holds OpenAI provider settings.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key" env:"OPENAI_API_KEY"`
	Model  string `yaml:"model" env:"OPENAI_MODEL"`
}

// AzureConfig holds Azure OpenAI provider settings.
type AzureConfig struct {
	APIKey     string `yaml:"api_key" env:"AZURE_OPENAI_API_KEY"`
	Endpoint   string `yaml:"endpoint" env:"AZURE_OPENAI_ENDPOINT"`
	Deployment string `yaml:"deployment" env:"AZURE_OPENAI_DEPLOYMENT"`
	APIVersion string `yaml:"api_version" env:"AZURE_OPENAI_API_VERSION"`
}

// BedrockConfig holds settings for the Ark-compatible Bedrock endpoint.
type BedrockConfig struct {
	Region  string `yaml:"region" env:"AWS_REGION"`
	ModelID string `yaml:"model_id" env:"BEDROCK_MODEL_ID"`
	APIKey  string `yaml:"api_key" env:"BEDROCK_API_KEY"`
	BaseURL string `yaml:"base_url" env:"BEDROCK_BASE_URL"`
}

// GeminiConfig holds Google Gemini provider settings.
type GeminiConfig struct {
	APIKey string `yaml:"api_key" env:"GOOGLE_API_KEY"`
	Model  string `yaml:"model" env:"GEMINI_MODEL"`
}

// EmbeddingConfig overrides what the embedder inherits from the chat model
// settings. Dimensions must match the Qdrant collection.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider" env:"EMBEDDING_PROVIDER"`
	Model      string `yaml:"model" env:"EMBEDDING_MODEL"`
	Dimensions int    `yaml:"dimensions" env:"EMBEDDING_DIMENSIONS"`
	APIKey     string `yaml:"api_key" env:"EMBEDDING_API_KEY"`
	Endpoint   string `yaml:"endpoint" env:"EMBEDDING_ENDPOINT"`
}

// QdrantConfig holds the vector store connection.
type QdrantConfig struct {
	Host       string `yaml:"host" env:"QDRANT_HOST"`
	Port       int    `yaml:"port" env:"QDRANT_PORT"`
	Collection string `yaml:"collection" env:"QDRANT_COLLECTION"`
	APIKey     string `yaml:"api_key" env:"QDRANT_API_KEY"`
	TLS        bool   `yaml:"tls" env:"QDRANT_TLS"`
	// MinScore drops hits below this cosine similarity.
	MinScore float32 `yaml:"min_score" env:"QDRANT_MIN_SCORE"`
}

// RetrievalConfig tunes the similarity retriever.
type RetrievalConfig struct {
	// TopK is the number of chunks stuffed into each prompt.
	TopK int `yaml:"top_k" env:"RETRIEVER_TOP_K"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host   string `yaml:"host" env:"MEDIBOT_HOST"`
	Port   int    `yaml:"port" env:"MEDIBOT_PORT"`
	APIKey string `yaml:"api_key" env:"MEDIBOT_API_KEY"`
	// ChatTimeout is a Go duration string ("2m").
	ChatTimeout string  `yaml:"chat_timeout" env:"MEDIBOT_CHAT_TIMEOUT"`
	RateLimit   float32 `yaml:"rate_limit" env:"MEDIBOT_RATE_LIMIT"`
	RateBurst   int     `yaml:"rate_burst" env:"MEDIBOT_RATE_BURST"`
	TrustProxy  bool    `yaml:"trust_proxy" env:"MEDIBOT_TRUST_PROXY"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// HistoryConfig controls conversation history persistence.
type HistoryConfig struct {
	// DBPath is the SQLite file, or "disabled".
	DBPath string `yaml:"db_path" env:"MEDIBOT_HISTORY_DB"`
	// TTL is a Go duration; "0" keeps history forever.
	TTL string `yaml:"ttl" env:"MEDIBOT_HISTORY_TTL"`
}

// TracingConfig holds Langfuse credentials.
type TracingConfig struct {
	PublicKey string `yaml:"public_key" env:"LANGFUSE_PUBLIC_KEY"`
	SecretKey string `yaml:"secret_key" env:"LANGFUSE_SECRET_KEY"`
	Host      string `yaml:"host" env:"LANGFUSE_HOST"`
}

// envPair is one YAML value projected onto its env var.
type envPair struct {
	key, value string
}

// envPairs flattens cfg into env assignments, skipping zero values.
func envPairs(cfg *Config) []envPair {
	var out []envPair
	var walk func(v reflect.Value)
	walk = func(v reflect.Value) {
		t := v.Type()
		for i := range t.NumField() {
			f, fv := t.Field(i), v.Field(i)
			if fv.Kind() == reflect.Struct {
				walk(fv)
				continue
			}
			key := f.Tag.Get("env")
			if key == "" {
				continue
			}
			if s := formatValue(fv); s != "" {
				out = append(out, envPair{key, s})
			}
		}
	}
	walk(reflect.ValueOf(cfg).Elem())
	return out
}

// formatValue renders a leaf field, or "" for its zero value.
func formatValue(v reflect.Value) string {
	switch v.Kind() {
	case reflect.String:
		return v.String()
	case reflect.Int:
		if v.Int() == 0 {
			return ""
		}
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Float32:
		return float32Str(float32(v.Float()))
	case reflect.Bool:
		if !v.Bool() {
			return ""
		}
		return "true"
	default:
		return ""
	}
}

// LoadDotEnv reads KEY=VALUE pairs from the given .env files (default:
// ./.env) into the process environment. Variables that are already set are
// left alone. A missing file is not an error.
func LoadDotEnv(log *slog.Logger, paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				log.Debug("config: no .env file", slog.String("path", p))
				continue
			}
			return fmt.Errorf("config: failed to load %s: %w", p, err)
		}
		log.Info("config: loaded .env file", slog.String("path", p))
	}
	return nil
}

// Load reads a YAML config file and applies non-empty values as environment
// variables. Existing env vars are never overwritten. Unknown keys are an
// error so a misspelt setting does not silently fall back to its default.
// Returns the path that was loaded, or empty string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, p := range envPairs(&cfg) {
		if os.Getenv(p.key) != "" {
			continue
		}
		if err := os.Setenv(p.key, p.value); err != nil {
			return "", fmt.Errorf("config: failed to set %s: %w", p.key, err)
		}
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)
	return path, nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if exists(explicit) {
			return explicit
		}
		return ""
	}
	candidates := []string{os.Getenv("MEDIBOT_CONFIG")}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".medibot", "config.yaml"))
	}
	candidates = append(candidates, "medibot.yaml")

	for _, p := range candidates {
		if p != "" && exists(p) {
			return p
		}
	}
	return ""
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// float32Str formats v without trailing zeros, returning "" for zero.
func float32Str(v float32) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(strconv.FormatFloat(float64(v), 'f', 4, 32), "0"), ".")
}
