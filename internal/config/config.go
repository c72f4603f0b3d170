package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "roadready.yml"

// Config models roadready.yml.
type Config struct {
	Portal struct {
		Name string `yaml:"name"`
	} `yaml:"portal"`
	Sessions struct {
		SessionTTL   string `yaml:"session_ttl"`
		ResumeTTL    string `yaml:"resume_ttl"`
		CookieName   string `yaml:"cookie_name"`
		CookieSecure bool   `yaml:"cookie_secure"`
	} `yaml:"sessions"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	MaxRetries     int      `yaml:"max_retries"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with rr init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the default config when the file does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(""), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Portal.Name) == "" {
		return fmt.Errorf("config.portal.name is required")
	}
	session, err := parseDuration("sessions.session_ttl", c.Sessions.SessionTTL)
	if err != nil {
		return err
	}
	resume, err := parseDuration("sessions.resume_ttl", c.Sessions.ResumeTTL)
	if err != nil {
		return err
	}
	if resume < session {
		return fmt.Errorf("config.sessions.resume_ttl must not be shorter than session_ttl")
	}
	if strings.ContainsAny(c.Sessions.CookieName, " ;,=") {
		return fmt.Errorf("config.sessions.cookie_name %q is not a valid cookie name", c.Sessions.CookieName)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 || hook.MaxRetries < 0 {
			return fmt.Errorf("webhooks[%d] timeout_seconds and max_retries must not be negative", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

func parseDuration(key, v string) (time.Duration, error) {
	if v == "" {
		return 0, fmt.Errorf("config.%s is required", key)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config.%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config.%s must be positive", key)
	}
	return d, nil
}

// SessionTTL is the sliding window added on every successful resume.
func (c *Config) SessionTTL() time.Duration {
	d, _ := time.ParseDuration(c.Sessions.SessionTTL)
	return d
}

// ResumeTTL is how long an applicant record stays resumable after its last use.
func (c *Config) ResumeTTL() time.Duration {
	d, _ := time.ParseDuration(c.Sessions.ResumeTTL)
	return d
}

func (c *Config) CookieName() string {
	if c.Sessions.CookieName == "" {
		return "rr_session"
	}
	return c.Sessions.CookieName
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(portalName string) string {
	if portalName == "" {
		portalName = "RoadReady"
	}
	return fmt.Sprintf(defaultTemplate, portalName)
}

// Default returns the default Config struct.
func Default(portalName string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(portalName))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
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

const defaultTemplate = `portal:
  name: %s

sessions:
  session_ttl: 2h
  resume_ttl: 720h
  cookie_name: rr_session
  cookie_secure: false

# webhooks:
#   - url: https://hooks.example.com/roadready
#     events: [applicant.completed, applicant.terminated]
#     secret: change-me
#     timeout_seconds: 5
#     max_retries: 3
`
