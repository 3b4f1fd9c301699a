// Package config loads halalcert configuration from YAML with environment
// overrides. The default location is ~/.halalcert/config.yaml; every key can
// be overridden with a HALALCERT_ variable, e.g. HALALCERT_SERVER_ADDR.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/halalcert/internal/agent/certificate"
	"github.com/normanking/halalcert/internal/llm"
	"github.com/normanking/halalcert/internal/logging"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "HALALCERT"

// Config holds all application configuration.
type Config struct {
	Bus            BusConfig            `mapstructure:"bus" yaml:"bus"`
	Registry       RegistryConfig       `mapstructure:"registry" yaml:"registry"`
	System         SystemConfig         `mapstructure:"system" yaml:"system"`
	Orchestrator   OrchestratorConfig   `mapstructure:"orchestrator" yaml:"orchestrator"`
	Classification ClassificationConfig `mapstructure:"classification" yaml:"classification"`
	LLM            LLMConfig            `mapstructure:"llm" yaml:"llm"`
	Extraction     ExtractionConfig     `mapstructure:"extraction" yaml:"extraction"`
	Stages         StagesConfig         `mapstructure:"stages" yaml:"stages"`
	Certificate    CertificateConfig    `mapstructure:"certificate" yaml:"certificate"`
	Server         ServerConfig         `mapstructure:"server" yaml:"server"`
	A2A            A2AConfig            `mapstructure:"a2a" yaml:"a2a"`
	Logging        LoggingConfig        `mapstructure:"logging" yaml:"logging"`
}

// BusConfig sizes the event history ring.
type BusConfig struct {
	HistorySize int `mapstructure:"history_size" yaml:"history_size"`
}

// RegistryConfig bounds per-agent health checks.
type RegistryConfig struct {
	HealthTimeout time.Duration `mapstructure:"health_timeout" yaml:"health_timeout"`
}

// SystemConfig controls the background maintenance ticker.
type SystemConfig struct {
	// HealthInterval is how often agent health is checked and finished
	// executions are pruned. Zero disables the ticker.
	HealthInterval  time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// OrchestratorConfig controls workflow execution bookkeeping.
type OrchestratorConfig struct {
	// Retention is how long finished executions stay queryable.
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
	// WorkflowsFile optionally adds YAML workflow definitions to the built-ins.
	WorkflowsFile string `mapstructure:"workflows_file" yaml:"workflows_file,omitempty"`
}

// Classifier backends.
const (
	ClassifierOffline = "offline"
	ClassifierService = "service"
	ClassifierLLM     = "llm"
)

// ClassificationConfig selects the knowledge base and the external classifier.
type ClassificationConfig struct {
	// KnowledgeBase is an optional YAML file replacing the embedded entries.
	KnowledgeBase string `mapstructure:"knowledge_base" yaml:"knowledge_base,omitempty"`
	// Classifier is "offline", "service" or "llm".
	Classifier string        `mapstructure:"classifier" yaml:"classifier"`
	ServiceURL string        `mapstructure:"service_url" yaml:"service_url,omitempty"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LLMConfig contains configuration for language model providers.
type LLMConfig struct {
	DefaultProvider string                        `mapstructure:"default_provider" yaml:"default_provider"`
	Providers       map[string]llm.ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// Provider returns the named provider config with its name filled in.
func (c LLMConfig) Provider(name string) (llm.ProviderConfig, bool) {
	if name == "" {
		name = c.DefaultProvider
	}
	p, ok := c.Providers[name]
	if ok && p.Name == "" {
		p.Name = name
	}
	return p, ok
}

// ExtractionConfig controls document sources.
type ExtractionConfig struct {
	// FileRoot confines "file" documents to one directory.
	FileRoot string `mapstructure:"file_root" yaml:"file_root"`
	// ServiceURL enables the "service" document kind.
	ServiceURL string        `mapstructure:"service_url" yaml:"service_url,omitempty"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// StagesConfig points at per-organization stage profiles.
type StagesConfig struct {
	ProfilesFile string `mapstructure:"profiles_file" yaml:"profiles_file,omitempty"`
}

// Certificate store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// CertificateConfig controls issuance, storage and signing.
type CertificateConfig struct {
	Store        string                `mapstructure:"store" yaml:"store"`
	DBPath       string                `mapstructure:"db_path" yaml:"db_path"`
	TemplateDir  string                `mapstructure:"template_dir" yaml:"template_dir,omitempty"`
	ArtifactDir  string                `mapstructure:"artifact_dir" yaml:"artifact_dir,omitempty"`
	ValidityDays int                   `mapstructure:"validity_days" yaml:"validity_days"`
	Issuer       string                `mapstructure:"issuer" yaml:"issuer"`
	Signing      certificate.KeyConfig `mapstructure:"signing" yaml:"signing"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	// APIKeyHashes are bcrypt hashes of accepted API keys. Empty disables auth.
	APIKeyHashes []string `mapstructure:"api_key_hashes" yaml:"api_key_hashes,omitempty"`
}

// A2AConfig controls the agent-to-agent endpoint mounted on the HTTP server.
type A2AConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	PublicURL string `mapstructure:"public_url" yaml:"public_url,omitempty"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	File    string `mapstructure:"file" yaml:"file,omitempty"`
	Console bool   `mapstructure:"console" yaml:"console"`
}

// Options converts the section to logging options.
func (c LoggingConfig) Options() logging.Options {
	return logging.Options{Level: c.Level, File: c.File, Console: c.Console}
}

// Default returns a configuration that runs fully offline with in-memory
// certificates and an ephemeral signing key.
func Default() *Config {
	providers := make(map[string]llm.ProviderConfig)
	for _, name := range []string{"ollama", "openai", "anthropic"} {
		p := llm.DefaultConfig(name)
		p.Name = ""
		providers[name] = *p
	}

	return &Config{
		Bus:      BusConfig{HistorySize: 1000},
		Registry: RegistryConfig{HealthTimeout: 5 * time.Second},
		System: SystemConfig{
			HealthInterval:  time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Orchestrator: OrchestratorConfig{Retention: time.Hour},
		Classification: ClassificationConfig{
			Classifier: ClassifierOffline,
			Timeout:    30 * time.Second,
		},
		LLM: LLMConfig{
			DefaultProvider: "ollama",
			Providers:       providers,
		},
		Extraction: ExtractionConfig{
			FileRoot: ".",
			Timeout:  30 * time.Second,
		},
		Certificate: CertificateConfig{
			Store:        StoreMemory,
			DBPath:       "~/.halalcert/halalcert.db",
			ValidityDays: 365,
			Issuer:       "Halal Certification Authority",
			Signing:      certificate.KeyConfig{Mode: "dev"},
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8700",
			ReadHeaderTimeout: 10 * time.Second,
		},
		A2A: A2AConfig{Enabled: true},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// DefaultPath returns ~/.halalcert/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".halalcert", "config.yaml"), nil
}

// Load reads the config from the default location.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the config at path, writing the defaults there first if
// the file does not exist. Keys missing from the file keep their defaults.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to read defaults: %w", err)
	}
	v.SetConfigFile(path)

	// Example: HALALCERT_CERTIFICATE_SIGNING_MODE=prod
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.MergeInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.expandPaths()
	return &cfg, nil
}

func (c *Config) expandPaths() {
	c.Classification.KnowledgeBase = expandPath(c.Classification.KnowledgeBase)
	c.Orchestrator.WorkflowsFile = expandPath(c.Orchestrator.WorkflowsFile)
	c.Extraction.FileRoot = expandPath(c.Extraction.FileRoot)
	c.Stages.ProfilesFile = expandPath(c.Stages.ProfilesFile)
	c.Certificate.DBPath = expandPath(c.Certificate.DBPath)
	c.Certificate.TemplateDir = expandPath(c.Certificate.TemplateDir)
	c.Certificate.ArtifactDir = expandPath(c.Certificate.ArtifactDir)
	c.Certificate.Signing.PrivateKeyPath = expandPath(c.Certificate.Signing.PrivateKeyPath)
	c.Logging.File = expandPath(c.Logging.File)
}

// SaveToPath writes the configuration as YAML.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Classification.APIKey != "" {
		out.Classification.APIKey = redactedValue
	}
	out.LLM.Providers = make(map[string]llm.ProviderConfig, len(c.LLM.Providers))
	for name, p := range c.LLM.Providers {
		if p.APIKey != "" {
			p.APIKey = redactedValue
		}
		out.LLM.Providers[name] = p
	}
	return &out
}

const redactedValue = "********"

// Validate checks the configuration for obviously unusable values.
func (c *Config) Validate() error {
	if c.Bus.HistorySize < 0 {
		return fmt.Errorf("bus.history_size cannot be negative")
	}
	if c.Registry.HealthTimeout < 0 || c.System.HealthInterval < 0 || c.Orchestrator.Retention < 0 {
		return fmt.Errorf("durations cannot be negative")
	}

	switch c.Classification.Classifier {
	case ClassifierOffline:
	case ClassifierService:
		if c.Classification.ServiceURL == "" {
			return fmt.Errorf("classification.service_url is required for the service classifier")
		}
	case ClassifierLLM:
		if _, ok := c.LLM.Provider(""); !ok {
			return fmt.Errorf("default provider '%s' not found in providers map", c.LLM.DefaultProvider)
		}
	default:
		return fmt.Errorf("invalid classifier '%s', must be one of: offline, service, llm", c.Classification.Classifier)
	}

	switch c.Certificate.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.Certificate.DBPath == "" {
			return fmt.Errorf("certificate.db_path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("invalid certificate store '%s', must be 'memory' or 'sqlite'", c.Certificate.Store)
	}
	if c.Certificate.ValidityDays <= 0 {
		return fmt.Errorf("certificate.validity_days must be positive")
	}
	switch c.Certificate.Signing.Mode {
	case "", "dev":
	case "prod":
		if c.Certificate.Signing.PrivateKeyPath == "" && c.Certificate.Signing.PrivateKeyEnv == "" {
			return fmt.Errorf("prod signing needs certificate.signing.private_key_path or private_key_env")
		}
	default:
		return fmt.Errorf("invalid signing mode '%s', must be 'dev' or 'prod'", c.Certificate.Signing.Mode)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
