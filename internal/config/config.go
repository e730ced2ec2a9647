package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models salesline.yml.
type Config struct {
	Eligibility struct {
		ProductMarker string `yaml:"product_marker"`
	} `yaml:"eligibility"`
	Uploads struct {
		MaxFiles int   `yaml:"max_files"`
		MaxBytes int64 `yaml:"max_bytes"`
	} `yaml:"uploads"`
	Documents struct {
		Root string `yaml:"root"`
	} `yaml:"documents"`
	Workflow struct {
		EnforceDependencies bool `yaml:"enforce_dependencies"`
	} `yaml:"workflow"`
	Notifications struct {
		Webhooks []Webhook `yaml:"webhooks"`
	} `yaml:"notifications"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Webhook is one outbound notification endpoint. An empty Events list
// subscribes to every signal.
type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Active reports whether the webhook should receive deliveries.
func (w Webhook) Active() bool {
	return w.Enabled == nil || *w.Enabled
}

// Subscribed reports whether the webhook wants eventType.
func (w Webhook) Subscribed(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Eligibility.ProductMarker) == "" {
		return fmt.Errorf("config.eligibility.product_marker is required")
	}
	if c.Uploads.MaxFiles <= 0 {
		return fmt.Errorf("config.uploads.max_files must be positive")
	}
	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("config.uploads.max_bytes must be positive")
	}
	if c.Documents.Root == "" {
		return fmt.Errorf("config.documents.root is required")
	}
	for i, wh := range c.Notifications.Webhooks {
		u, err := url.Parse(wh.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is invalid", i)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("config.notifications.webhooks[%d].url must be http or https", i)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notifications.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, e := range wh.Events {
			if strings.TrimSpace(e) == "" {
				return fmt.Errorf("config.notifications.webhooks[%d] has empty event type", i)
			}
		}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps the log.level value onto a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", s)
}

// DocumentsRoot resolves documents.root against the workspace.
func (c *Config) DocumentsRoot(workspace string) string {
	if filepath.IsAbs(c.Documents.Root) {
		return c.Documents.Root
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, c.Documents.Root)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "salesline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
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

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
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

const defaultTemplate = `eligibility:
  # sales whose product contains this marker (case-insensitive) get a checklist
  product_marker: trust

uploads:
  max_files: 10
  max_bytes: 20971520

documents:
  root: .salesline/documents

workflow:
  enforce_dependencies: false

notifications:
  webhooks: []

log:
  level: info
`
