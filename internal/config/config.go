// Package config loads and holds the service configuration.
//
// Layers, each overriding the previous one:
//  1. built-in defaults
//  2. a .env file in the working directory (optional)
//  3. anonymizer.yaml, or the file named by $ANONYMIZER_CONFIG (optional)
//  4. environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pii-anonymizer/internal/logger"
)

// DefaultFile is read when $ANONYMIZER_CONFIG is unset.
const DefaultFile = "anonymizer.yaml"

// Recognizer backends.
const (
	BackendNone    = "none"
	BackendSidecar = "sidecar"
	BackendOllama  = "ollama"
	BackendONNX    = "onnx"
)

// Config holds the full service configuration.
type Config struct {
	BindAddress     string `yaml:"bindAddress"`
	Port            int    `yaml:"port"`
	ManagementPort  int    `yaml:"managementPort"`
	ServiceToken    string `yaml:"serviceToken"`
	ManagementToken string `yaml:"managementToken"`
	LogLevel        string `yaml:"logLevel"`

	MaxTextBytes   int      `yaml:"maxTextBytes"`
	ScoreThreshold float64  `yaml:"scoreThreshold"`
	ContextWindow  int      `yaml:"contextWindow"`
	PatternsFile   string   `yaml:"patternsFile"`
	VocabularyFile string   `yaml:"vocabularyFile"`
	JSONSkipKeys   []string `yaml:"jsonSkipKeys"`

	Recognizer          string `yaml:"recognizer"`
	RecognizerTimeoutMs int    `yaml:"recognizerTimeoutMs"`
	SidecarURL          string `yaml:"sidecarUrl"`
	OllamaEndpoint      string `yaml:"ollamaEndpoint"`
	OllamaModel         string `yaml:"ollamaModel"`
	OllamaMaxConcurrent int    `yaml:"ollamaMaxConcurrent"`
	ONNXModelDir        string `yaml:"onnxModelDir"`
	ONNXSharedLibrary   string `yaml:"onnxSharedLibrary"`
	ONNXSeqLen          int    `yaml:"onnxSeqLen"`
	ONNXSessions        int    `yaml:"onnxSessions"`

	AuditPath      string `yaml:"auditPath"`
	AuditRetention int    `yaml:"auditRetention"`
}

var log = logger.New("config", "info")

// Load returns config with defaults overridden by .env, the YAML file and
// environment variables.
func Load() *Config {
	cfg := defaults()
	if err := godotenv.Load(); err == nil {
		log.Info("load", "loaded .env")
	}
	path := os.Getenv("ANONYMIZER_CONFIG")
	if path == "" {
		path = DefaultFile
	}
	loadFile(cfg, path)
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		BindAddress:         "127.0.0.1",
		Port:                8080,
		ManagementPort:      8081,
		LogLevel:            "info",
		MaxTextBytes:        1 << 20,
		ScoreThreshold:      0.35,
		ContextWindow:       50,
		Recognizer:          BackendNone,
		RecognizerTimeoutMs: 10000,
		SidecarURL:          "http://127.0.0.1:8090",
		OllamaEndpoint:      "http://localhost:11434",
		OllamaModel:         "qwen2.5:3b",
		OllamaMaxConcurrent: 1,
		ONNXSeqLen:          128,
		ONNXSessions:        1,
		AuditRetention:      10000,
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // file is optional
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warnf("load", "could not parse %s: %v", path, err)
	} else {
		log.Infof("load", "loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	envString("BIND_ADDRESS", &cfg.BindAddress)
	envInt("PORT", &cfg.Port)
	envInt("MANAGEMENT_PORT", &cfg.ManagementPort)
	envString("SERVICE_TOKEN", &cfg.ServiceToken)
	envString("MANAGEMENT_TOKEN", &cfg.ManagementToken)
	envString("LOG_LEVEL", &cfg.LogLevel)

	envInt("MAX_TEXT_BYTES", &cfg.MaxTextBytes)
	if v := os.Getenv("SCORE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ScoreThreshold = f
		}
	}
	envInt("CONTEXT_WINDOW", &cfg.ContextWindow)
	envString("PATTERNS_FILE", &cfg.PatternsFile)
	envString("VOCABULARY_FILE", &cfg.VocabularyFile)
	if v := os.Getenv("JSON_SKIP_KEYS"); v != "" {
		cfg.JSONSkipKeys = splitList(v)
	}

	envString("RECOGNIZER", &cfg.Recognizer)
	envInt("RECOGNIZER_TIMEOUT_MS", &cfg.RecognizerTimeoutMs)
	envString("SIDECAR_URL", &cfg.SidecarURL)
	envString("OLLAMA_ENDPOINT", &cfg.OllamaEndpoint)
	envString("OLLAMA_MODEL", &cfg.OllamaModel)
	envInt("OLLAMA_MAX_CONCURRENT", &cfg.OllamaMaxConcurrent)
	envString("ONNX_MODEL_DIR", &cfg.ONNXModelDir)
	envString("ONNXRUNTIME_SHARED_LIBRARY_PATH", &cfg.ONNXSharedLibrary)
	envInt("ONNX_SEQ_LEN", &cfg.ONNXSeqLen)
	envInt("ONNX_SESSIONS", &cfg.ONNXSessions)

	envString("AUDIT_PATH", &cfg.AuditPath)
	envInt("AUDIT_RETENTION", &cfg.AuditRetention)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("load", "ignoring %s=%q: not an integer", key, v)
		return
	}
	*dst = n
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports the first setting the service cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.ManagementPort < 0 || c.ManagementPort > 65535:
		return fmt.Errorf("management port %d out of range", c.ManagementPort)
	case c.ManagementPort != 0 && c.ManagementPort == c.Port:
		return fmt.Errorf("port and management port are both %d", c.Port)
	case c.MaxTextBytes <= 0:
		return fmt.Errorf("max text bytes must be positive, got %d", c.MaxTextBytes)
	case c.ScoreThreshold < 0 || c.ScoreThreshold > 1:
		return fmt.Errorf("score threshold %v outside [0, 1]", c.ScoreThreshold)
	case c.ContextWindow <= 0:
		return fmt.Errorf("context window must be positive, got %d", c.ContextWindow)
	case !logger.ValidLevel(c.LogLevel):
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.Recognizer {
	case BackendNone, BackendSidecar, BackendOllama:
	case BackendONNX:
		if c.ONNXModelDir == "" {
			return fmt.Errorf("recognizer %q needs onnxModelDir", c.Recognizer)
		}
	default:
		return fmt.Errorf("unknown recognizer backend %q", c.Recognizer)
	}
	return nil
}
