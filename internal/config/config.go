package config

import (
	"bytes"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the workspace.
const FileName = "actionflow.yml"

// Config models actionflow.yml.
type Config struct {
	Server struct {
		Addr      string          `yaml:"addr"`
		BasePath  string          `yaml:"base_path"`
		RateLimit RateLimitConfig `yaml:"rate_limit"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret       string `yaml:"jwt_secret"`
		DevLogin        bool   `yaml:"dev_login"`
		TokenTTLMinutes int    `yaml:"token_ttl_minutes"`
	} `yaml:"auth"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Flows   struct {
		DefaultRequiresApproval *bool `yaml:"default_requires_approval"`
		MaxUploadBytes          int64 `yaml:"max_upload_bytes"`
	} `yaml:"flows"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
	Bootstrap struct {
		Admin struct {
			Email  string `yaml:"email"`
			Name   string `yaml:"name"`
			APIKey string `yaml:"api_key"`
		} `yaml:"admin"`
	} `yaml:"bootstrap"`
}

type StorageConfig struct {
	Driver string      `yaml:"driver"`
	MinIO  MinIOConfig `yaml:"minio"`
}

// MinIOConfig holds the S3 compatible object store connection.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// RateLimitConfig throttles API requests per client address. A zero RPS
// disables the limiter.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

const (
	StorageMemory = "memory"
	StorageMinIO  = "minio"
)

// RequiresApprovalByDefault is the requires_approval value for new tasks
// that do not set it.
func (c *Config) RequiresApprovalByDefault() bool {
	if c == nil || c.Flows.DefaultRequiresApproval == nil {
		return true
	}
	return *c.Flows.DefaultRequiresApproval
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("config.server.rate_limit must not be negative")
	}
	if c.Auth.TokenTTLMinutes < 0 {
		return fmt.Errorf("config.auth.token_ttl_minutes must not be negative")
	}
	switch c.Storage.Driver {
	case "", StorageMemory:
	case StorageMinIO:
		m := c.Storage.MinIO
		if m.Endpoint == "" {
			return fmt.Errorf("config.storage.minio.endpoint is required")
		}
		if m.Bucket == "" {
			return fmt.Errorf("config.storage.minio.bucket is required")
		}
	default:
		return fmt.Errorf("config.storage.driver %q is not supported", c.Storage.Driver)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not supported", c.Log.Level)
	}
	if c.Flows.MaxUploadBytes < 0 {
		return fmt.Errorf("config.flows.max_upload_bytes must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	if email := c.Bootstrap.Admin.Email; email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return fmt.Errorf("config.bootstrap.admin.email is invalid: %w", err)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// the document keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders the config back to YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  rate_limit:
    rps: 0
    burst: 20

database:
  path: ""

auth:
  jwt_secret: ""
  dev_login: false
  token_ttl_minutes: 720

storage:
  driver: memory
  minio:
    endpoint: localhost:9000
    access_key: ""
    secret_key: ""
    bucket: actionflow
    use_ssl: false

log:
  level: info
  format: json

flows:
  default_requires_approval: true
  max_upload_bytes: 10485760

webhooks: []

bootstrap:
  admin:
    email: ""
    name: ""
    api_key: ""
`
