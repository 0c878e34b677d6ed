// Package config provides YAML-based configuration with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Provider names accepted by llm.provider.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// AppConfig represents the root configuration structure
type AppConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	LLM         LLMConfig         `yaml:"llm"`
	Extraction  ExtractionConfig  `yaml:"extraction"`
	Assistant   AssistantConfig   `yaml:"assistant"`
	Session     SessionConfig     `yaml:"session"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `yaml:"port" validate:"min=1,max=65535"`
	BindAddress  string `yaml:"bindAddress"`
	EnableCORS   bool   `yaml:"enableCORS"`
	AllowOrigins string `yaml:"allowOrigins"`
	ReadTimeout  int    `yaml:"readTimeoutSeconds" validate:"min=1"`
	WriteTimeout int    `yaml:"writeTimeoutSeconds" validate:"min=0"`
	IdleTimeout  int    `yaml:"idleTimeoutSeconds" validate:"min=1"`
	BodyLimit    string `yaml:"bodyLimit" validate:"required"`
}

// StorageConfig contains document registry settings
type StorageConfig struct {
	DataDirectory    string `yaml:"dataDirectory" validate:"required"`
	UploadsDirectory string `yaml:"uploadsDirectory" validate:"required"`
	RegistryFile     string `yaml:"registryFile" validate:"required"`
}

// LLMConfig selects the generation provider. API keys are read from the
// environment only and never written back to the config file.
type LLMConfig struct {
	Provider     string  `yaml:"provider" validate:"oneof=openai anthropic gemini"`
	Model        string  `yaml:"model"`
	BaseURL      string  `yaml:"baseURL,omitempty" validate:"omitempty,url"`
	Temperature  float32 `yaml:"temperature" validate:"min=0,max=2"`
	MaxTokens    int     `yaml:"maxTokens" validate:"min=1"`
	ReplyTimeout int     `yaml:"replyTimeoutSeconds" validate:"min=1"`
	APIKey       string  `yaml:"-"`
}

// ExtractionConfig tunes the web and video extractors
type ExtractionConfig struct {
	UserAgent         string   `yaml:"userAgent" validate:"required"`
	FetchTimeout      int      `yaml:"fetchTimeoutSeconds" validate:"min=1"`
	RequestsPerSecond float64  `yaml:"requestsPerSecond" validate:"gt=0"`
	MaxBodyBytes      int64    `yaml:"maxBodyBytes" validate:"min=1024"`
	YoutubeLanguages  []string `yaml:"youtubeLanguages" validate:"min=1"`
}

// AssistantConfig holds the assistant persona used in grounding prompts
type AssistantConfig struct {
	Name         string `yaml:"name" validate:"required"`
	Organization string `yaml:"organization" validate:"required"`
}

// SessionConfig controls idle session cleanup
type SessionConfig struct {
	TimeoutMinutes         int `yaml:"timeoutMinutes" validate:"min=1"`
	CleanupIntervalMinutes int `yaml:"cleanupIntervalMinutes" validate:"min=1"`
}

// MaintenanceConfig schedules the registry scan. An empty schedule disables it.
type MaintenanceConfig struct {
	RegistryScanSchedule string `yaml:"registryScanSchedule"`
}

// LoggingConfig configures the zap logger
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB" validate:"min=1"`
	MaxBackups int    `yaml:"maxBackups" validate:"min=0"`
	Production bool   `yaml:"production"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8089,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 0,
			IdleTimeout:  120,
			BodyLimit:    "50M",
		},
		Storage: StorageConfig{
			DataDirectory:    "./data",
			UploadsDirectory: "./data/uploaded_files",
			RegistryFile:     "./data/registry.json",
		},
		LLM: LLMConfig{
			Provider:     ProviderOpenAI,
			Model:        "gpt-4o",
			Temperature:  0.7,
			MaxTokens:    4096,
			ReplyTimeout: 120,
		},
		Extraction: ExtractionConfig{
			UserAgent:         "Mozilla/5.0 (compatible; docchat/1.0)",
			FetchTimeout:      30,
			RequestsPerSecond: 2,
			MaxBodyBytes:      10 << 20,
			YoutubeLanguages:  []string{"pt", "en"},
		},
		Assistant: AssistantConfig{
			Name:         "ProV.ia",
			Organization: "Provion",
		},
		Session: SessionConfig{
			TimeoutMinutes:         60,
			CleanupIntervalMinutes: 5,
		},
		Maintenance: MaintenanceConfig{
			RegistryScanSchedule: "@every 1h",
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "./data/logs/docchat.log",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// LoadConfig loads configuration from a YAML file, creating it with defaults
// when it does not exist. A .env file in the working directory is loaded first
// so credentials can live outside the config file.
func LoadConfig(configPath string) (*AppConfig, error) {
	_ = godotenv.Load()

	config := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	return config, nil
}

// Save saves the configuration to a YAML file
func (c *AppConfig) Save(configPath string) error {
	output, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# docchat configuration\n# API keys are read from the environment (OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY)\n\n")
	content := append(header, output...)

	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks field constraints and that the selected provider has a
// credential. A missing credential is fatal at startup.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return fmt.Errorf("missing API key for provider %q (set %s)", c.LLM.Provider, apiKeyEnv(c.LLM.Provider))
	}
	if _, err := ParseByteSize(c.Server.BodyLimit); err != nil {
		return fmt.Errorf("invalid server.bodyLimit: %w", err)
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
		c.Storage.UploadsDirectory = filepath.Join(dataDir, "uploaded_files")
		c.Storage.RegistryFile = filepath.Join(dataDir, "registry.json")
	}

	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		c.LLM.Provider = strings.ToLower(provider)
	}
	if model := os.Getenv("LLM_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if baseURL := os.Getenv("LLM_BASE_URL"); baseURL != "" {
		c.LLM.BaseURL = baseURL
	}
	c.LLM.APIKey = os.Getenv(apiKeyEnv(c.LLM.Provider))

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = strings.ToLower(level)
	}
}

func apiKeyEnv(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
	resolve(&c.Storage.DataDirectory)
	resolve(&c.Storage.UploadsDirectory)
	resolve(&c.Storage.RegistryFile)
	resolve(&c.Logging.File)
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// ReplyTimeout returns the upper bound for one streamed reply.
func (c *AppConfig) ReplyTimeout() time.Duration {
	return time.Duration(c.LLM.ReplyTimeout) * time.Second
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.UploadsDirectory,
		filepath.Dir(c.Storage.RegistryFile),
	}
	if c.Logging.File != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ParseByteSize parses sizes such as "512K", "50M" or "2G" into bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		mult, s = 1<<30, strings.TrimSuffix(s, "G")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}
