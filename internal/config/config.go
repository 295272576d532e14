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

// Duration is a time.Duration written as "24h" / "90s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if strings.TrimSpace(s) == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models missionline.yml.
type Config struct {
	Service struct {
		PublicURL  string `yaml:"public_url"`
		Listen     string `yaml:"listen"`
		BasePath   string `yaml:"base_path"`
		GRPCListen string `yaml:"grpc_listen"`
	} `yaml:"service"`
	Store struct {
		Driver    string `yaml:"driver"`
		Workspace string `yaml:"workspace"`
		DSN       string `yaml:"dsn"`
		MaxConns  int32  `yaml:"max_conns"`
	} `yaml:"store"`
	Missions struct {
		EnrollmentWindow Duration `yaml:"enrollment_window"`
		SubmissionWindow Duration `yaml:"submission_window"`
		EligibleRole     string   `yaml:"eligible_role"`
	} `yaml:"missions"`
	Tracking struct {
		MaxScrapes     int  `yaml:"max_scrapes"`
		LegacyWebhooks bool `yaml:"legacy_webhooks"`
	} `yaml:"tracking"`
	TestMode bool `yaml:"test_mode"`
	Secrets  struct {
		Webhook string `yaml:"webhook"`
		JWT     string `yaml:"jwt"`
	} `yaml:"secrets"`
	Callbacks struct {
		SigningKey     string `yaml:"signing_key"`
		NextSigningKey string `yaml:"next_signing_key"`
	} `yaml:"callbacks"`
	Apify     ApifyConfig     `yaml:"apify"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Discord   DiscordConfig   `yaml:"discord"`
	Events    EventsConfig    `yaml:"events"`
}

type ApifyConfig struct {
	Token          string            `yaml:"token"`
	BaseURL        string            `yaml:"base_url"`
	Actors         map[string]string `yaml:"actors"`
	MemoryMB       int               `yaml:"memory_mb"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
}

type SchedulerConfig struct {
	Driver string `yaml:"driver"`
	QStash struct {
		Token   string `yaml:"token"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"qstash"`
	Redis struct {
		URL          string   `yaml:"url"`
		Key          string   `yaml:"key"`
		PollInterval Duration `yaml:"poll_interval"`
	} `yaml:"redis"`
}

type DiscordConfig struct {
	Token          string            `yaml:"token"`
	BaseURL        string            `yaml:"base_url"`
	ForumChannelID string            `yaml:"forum_channel_id"`
	Tags           map[string]string `yaml:"tags"`
}

type EventsConfig struct {
	RelayInterval Duration `yaml:"relay_interval"`
	Kafka         struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

const (
	testModeEnrollmentWindow = time.Minute
	testModeSubmissionWindow = 2 * time.Minute
	testModeMaxScrapes       = 2
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with missionline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the default config when the workspace has no file.
func LoadOrDefault(workspace string) (*Config, error) {
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config.store.driver must be 'sqlite' or 'postgres'")
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("config.store.dsn is required for postgres")
	}
	if c.Missions.EnrollmentWindow <= 0 {
		return fmt.Errorf("config.missions.enrollment_window must be positive")
	}
	if c.Missions.SubmissionWindow <= c.Missions.EnrollmentWindow {
		return fmt.Errorf("config.missions.submission_window must be longer than enrollment_window")
	}
	if strings.TrimSpace(c.Missions.EligibleRole) == "" {
		return fmt.Errorf("config.missions.eligible_role is required")
	}
	if c.Tracking.MaxScrapes <= 0 {
		return fmt.Errorf("config.tracking.max_scrapes must be positive")
	}
	switch c.Scheduler.Driver {
	case "", "none", "qstash", "redis":
	default:
		return fmt.Errorf("config.scheduler.driver must be one of none, qstash, redis")
	}
	if c.Scheduler.Driver == "qstash" && c.Scheduler.QStash.Token == "" {
		return fmt.Errorf("config.scheduler.qstash.token is required")
	}
	if c.Scheduler.Driver == "redis" && c.Scheduler.Redis.URL == "" {
		return fmt.Errorf("config.scheduler.redis.url is required")
	}
	for i, hook := range c.Events.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.events.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// EnrollmentWindow honours test mode.
func (c *Config) EnrollmentWindow() time.Duration {
	if c.TestMode {
		return testModeEnrollmentWindow
	}
	return c.Missions.EnrollmentWindow.Std()
}

// SubmissionWindow honours test mode.
func (c *Config) SubmissionWindow() time.Duration {
	if c.TestMode {
		return testModeSubmissionWindow
	}
	return c.Missions.SubmissionWindow.Std()
}

// MaxScrapes honours test mode.
func (c *Config) MaxScrapes() int {
	if c.TestMode {
		return testModeMaxScrapes
	}
	return c.Tracking.MaxScrapes
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missionline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. ${VAR}
// references are expanded from the environment first.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.Expand(string(data), os.Getenv)
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
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

const defaultTemplate = `service:
  public_url: http://127.0.0.1:8080
  listen: 127.0.0.1:8080
  base_path: /api
  grpc_listen: ""

store:
  driver: sqlite
  workspace: .
  dsn: ""
  max_conns: 10

missions:
  enrollment_window: 24h
  submission_window: 48h
  eligible_role: Publisher

tracking:
  max_scrapes: 10
  legacy_webhooks: false

test_mode: false

secrets:
  webhook: ""
  jwt: ""

callbacks:
  signing_key: ""
  next_signing_key: ""

apify:
  token: ""
  base_url: https://api.apify.com
  actors:
    tiktok: clockworks~tiktok-scraper
    instagram: apify~instagram-scraper
  memory_mb: 1024
  timeout_seconds: 300

scheduler:
  driver: none
  qstash:
    token: ""
    base_url: https://qstash.upstash.io
  redis:
    url: ""
    key: missionline:delayed
    poll_interval: 5s

discord:
  token: ""
  base_url: https://discord.com/api/v10
  forum_channel_id: ""
  tags:
    OPEN: ""
    IN_PROGRESS: ""
    COMPLETED: ""

events:
  relay_interval: 2s
  kafka:
    brokers: []
    topic: missionline.events
  webhooks: []
`
