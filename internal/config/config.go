package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"servimatch/internal/domain"
)

const FileName = "servimatch.yml"

// Config models servimatch.yml. Policy values are launch-tunable; the
// defaults below are the values in use before production confirmation.
type Config struct {
	Policy        Policy        `yaml:"policy" json:"policy"`
	Scheduler     Scheduler     `yaml:"scheduler" json:"scheduler"`
	Store         Store         `yaml:"store" json:"store"`
	Chat          Chat          `yaml:"chat" json:"chat"`
	Notifications Notifications `yaml:"notifications" json:"notifications"`
}

type Policy struct {
	UrgencyHorizons  map[domain.Urgency]time.Duration `yaml:"urgency_horizons" json:"urgency_horizons"`
	ReviewWindow     time.Duration                    `yaml:"review_window" json:"review_window"`
	MaxReminders     int                              `yaml:"max_reminders" json:"max_reminders"`
	ReminderInterval time.Duration                    `yaml:"reminder_interval" json:"reminder_interval"`
	// BlockNewRequests gates CreateRequest on overdue reviews.
	BlockNewRequests bool `yaml:"block_new_requests" json:"block_new_requests"`
	// EnforceActiveRole requires the client role to post requests and the
	// provider role to bid. Off means the role is informational.
	EnforceActiveRole bool `yaml:"enforce_active_role" json:"enforce_active_role"`
}

type Scheduler struct {
	RequestExpiryInterval   time.Duration `yaml:"request_expiry_interval" json:"request_expiry_interval"`
	ObligationSweepInterval time.Duration `yaml:"obligation_sweep_interval" json:"obligation_sweep_interval"`
}

type Store struct {
	MaxOpenConns         int           `yaml:"max_open_conns" json:"max_open_conns"`
	RetryMaxTries        uint          `yaml:"retry_max_tries" json:"retry_max_tries"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval" json:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval" json:"retry_max_interval"`
}

// Chat points at the external messaging service. An empty endpoint selects
// the local allocator.
type Chat struct {
	Endpoint string        `yaml:"endpoint" json:"endpoint"`
	Token    string        `yaml:"token" json:"-"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

type Notifications struct {
	Interval    time.Duration   `yaml:"interval" json:"interval"`
	BatchSize   int             `yaml:"batch_size" json:"batch_size"`
	MaxAttempts int             `yaml:"max_attempts" json:"max_attempts"`
	Log         bool            `yaml:"log" json:"log"`
	Webhooks    []WebhookConfig `yaml:"webhooks" json:"webhooks"`
}

type WebhookConfig struct {
	Name    string        `yaml:"name" json:"name"`
	URL     string        `yaml:"url" json:"url"`
	Secret  string        `yaml:"secret" json:"-"`
	Events  []string      `yaml:"events" json:"events,omitempty"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	Enabled *bool         `yaml:"enabled" json:"enabled,omitempty"`
}

func (w WebhookConfig) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

// Horizon returns the expiry horizon for an urgency tier.
func (c *Config) Horizon(u domain.Urgency) (time.Duration, bool) {
	d, ok := c.Policy.UrgencyHorizons[u]
	return d, ok && d > 0
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for _, u := range []domain.Urgency{domain.UrgencyLow, domain.UrgencyMedium, domain.UrgencyHigh, domain.UrgencyEmergency} {
		if _, ok := c.Horizon(u); !ok {
			return fmt.Errorf("config.policy.urgency_horizons.%s must be a positive duration", u)
		}
	}
	for u := range c.Policy.UrgencyHorizons {
		switch u {
		case domain.UrgencyLow, domain.UrgencyMedium, domain.UrgencyHigh, domain.UrgencyEmergency:
		default:
			return fmt.Errorf("config.policy.urgency_horizons has unknown tier %q", u)
		}
	}
	if c.Policy.ReviewWindow <= 0 {
		return fmt.Errorf("config.policy.review_window must be positive")
	}
	if c.Policy.MaxReminders < 0 {
		return fmt.Errorf("config.policy.max_reminders must not be negative")
	}
	if c.Policy.ReminderInterval < 0 {
		return fmt.Errorf("config.policy.reminder_interval must not be negative")
	}
	if c.Scheduler.RequestExpiryInterval <= 0 || c.Scheduler.ObligationSweepInterval <= 0 {
		return fmt.Errorf("config.scheduler intervals must be positive")
	}
	if c.Store.RetryMaxTries == 0 {
		return fmt.Errorf("config.store.retry_max_tries must be at least 1")
	}
	if c.Notifications.Interval <= 0 {
		return fmt.Errorf("config.notifications.interval must be positive")
	}
	seen := map[string]bool{}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
		name := hook.SinkName(i)
		if seen[name] {
			return fmt.Errorf("config.notifications.webhooks has duplicate name %s", name)
		}
		seen[name] = true
	}
	return nil
}

// SinkName is the cursor key for the webhook at index i.
func (w WebhookConfig) SinkName(i int) string {
	if w.Name != "" {
		return "webhook:" + w.Name
	}
	return fmt.Sprintf("webhook:%d", i)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with servimatch config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or defaults when the file does
// not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in policy.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses YAML over the defaults and validates the result, so a file
// only needs the keys it overrides.
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

const defaultTemplate = `policy:
  urgency_horizons:
    low: 168h
    medium: 120h
    high: 72h
    emergency: 24h
  review_window: 168h
  max_reminders: 3
  reminder_interval: 24h
  block_new_requests: true
  enforce_active_role: false

scheduler:
  request_expiry_interval: 5m
  obligation_sweep_interval: 15m

store:
  max_open_conns: 8
  retry_max_tries: 5
  retry_initial_interval: 20ms
  retry_max_interval: 500ms

chat:
  endpoint: ""
  timeout: 3s

notifications:
  interval: 2s
  batch_size: 100
  max_attempts: 5
  log: true
  webhooks: []
`
