package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models matchline.yml.
type Config struct {
	Profile struct {
		Name     string `yaml:"name"`
		Headline string `yaml:"headline"`
		About    string `yaml:"about"`
	} `yaml:"profile"`
	Criteria struct {
		Requirements string             `yaml:"requirements"`
		Weights      map[string]float64 `yaml:"weights"`
	} `yaml:"criteria"`
	Message struct {
		Template string `yaml:"template"`
	} `yaml:"message"`
	Decision struct {
		Mode       string   `yaml:"mode"`
		Threshold  float64  `yaml:"threshold"`
		BlendAlpha float64  `yaml:"blend_alpha"`
		FloorScore float64  `yaml:"floor_score"`
		RedFlags   []string `yaml:"red_flags"`
	} `yaml:"decision"`
	Safety struct {
		DailyLimit         int `yaml:"daily_limit"`
		WeeklyLimit        int `yaml:"weekly_limit"`
		MinIntervalSeconds int `yaml:"min_interval_seconds"`
	} `yaml:"safety"`
	Loop struct {
		MaxTurns      int `yaml:"max_turns"`
		MaxCandidates int `yaml:"max_candidates"`
	} `yaml:"loop"`
	Store struct {
		Backend string      `yaml:"backend"`
		Redis   RedisConfig `yaml:"redis"`
	} `yaml:"store"`
	Planner  ServiceConfig `yaml:"planner"`
	Advisor  ServiceConfig `yaml:"advisor"`
	Executor struct {
		Endpoint       string `yaml:"endpoint"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"executor"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Logging  struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// ServiceConfig points at one OpenAI-compatible chat endpoint.
type ServiceConfig struct {
	Endpoint          string `yaml:"endpoint"`
	Model             string `yaml:"model"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ml init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Decision.Mode {
	case "advisor", "rubric", "hybrid":
	default:
		return fmt.Errorf("config.decision.mode must be advisor, rubric, or hybrid")
	}
	if c.Decision.Threshold < 0 || c.Decision.Threshold > 1 {
		return fmt.Errorf("config.decision.threshold must be in [0,1]")
	}
	if c.Decision.BlendAlpha < 0 || c.Decision.BlendAlpha > 1 {
		return fmt.Errorf("config.decision.blend_alpha must be in [0,1]")
	}
	if c.Decision.FloorScore < 0 || c.Decision.FloorScore > 1 {
		return fmt.Errorf("config.decision.floor_score must be in [0,1]")
	}
	for i, flag := range c.Decision.RedFlags {
		if flag == "" {
			return fmt.Errorf("config.decision.red_flags[%d] is empty", i)
		}
	}
	if c.Criteria.Requirements == "" && len(c.Criteria.Weights) == 0 {
		return fmt.Errorf("config.criteria needs requirements text or weights")
	}
	for keyword, weight := range c.Criteria.Weights {
		if keyword == "" {
			return fmt.Errorf("config.criteria.weights contains an empty keyword")
		}
		_ = weight
	}
	if c.Message.Template == "" {
		return fmt.Errorf("config.message.template is required")
	}
	if c.Safety.DailyLimit < 0 || c.Safety.WeeklyLimit < 0 {
		return fmt.Errorf("config.safety limits must not be negative")
	}
	if c.Safety.MinIntervalSeconds < 0 {
		return fmt.Errorf("config.safety.min_interval_seconds must not be negative")
	}
	if c.Loop.MaxTurns < 1 {
		return fmt.Errorf("config.loop.max_turns must be at least 1")
	}
	if c.Loop.MaxCandidates < 1 {
		return fmt.Errorf("config.loop.max_candidates must be at least 1")
	}
	switch c.Store.Backend {
	case "sqlite":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("config.store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.store.backend must be sqlite or redis")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if evt == "" {
				return fmt.Errorf("config.webhooks[%d] has an empty event type", i)
			}
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level must be debug, info, warn, or error")
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config.logging.format must be console or json")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "matchline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(profileName string) string {
	return fmt.Sprintf(defaultTemplate, profileName)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a profile.
func Default(profileName string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, profileName))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `profile:
  name: %s
  headline: ""
  about: ""

criteria:
  requirements: |
    Describe what a good match looks like, in plain language.
  weights:
    hiking: 0.3
    cooking: 0.2

message:
  template: |
    Hi! Your profile caught my eye and we seem to share a few interests.
    Would you like to chat?

decision:
  mode: rubric
  threshold: 0.72
  blend_alpha: 0.3
  floor_score: 0.0
  red_flags: []

safety:
  daily_limit: 25
  weekly_limit: 100
  min_interval_seconds: 180

loop:
  max_turns: 8
  max_candidates: 40

store:
  backend: sqlite
  redis:
    addr: 127.0.0.1:6379
    password: ""
    db: 0
    key_prefix: "matchline:"

planner:
  endpoint: ""
  model: gpt-4o-mini
  timeout_seconds: 60
  requests_per_minute: 30

advisor:
  endpoint: ""
  model: gpt-4o-mini
  timeout_seconds: 30
  requests_per_minute: 30

executor:
  endpoint: http://127.0.0.1:8931
  timeout_seconds: 30

server:
  addr: 127.0.0.1:8787
  base_path: /v0

webhooks: []

logging:
  level: info
  format: console
`
