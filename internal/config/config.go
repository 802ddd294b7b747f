// Package config loads the conductor YAML configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/opentalon/conductor/internal/planner"
	"github.com/opentalon/conductor/internal/worker"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Workers WorkersConfig `yaml:"workers"`
	Engine  EngineConfig  `yaml:"engine"`
	Invoker InvokerConfig `yaml:"invoker"`
	Planner PlannerConfig `yaml:"planner"`
	LLM     LLMConfig     `yaml:"llm"`
	History HistoryConfig `yaml:"history"`
	Health  HealthConfig  `yaml:"health"`
	General GeneralConfig `yaml:"general"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	GRPCAddr     string `yaml:"grpc_addr"` // gRPC health service; empty disables it
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

// WorkersConfig selects the worker directory: a YAML file (optionally
// watched for changes), an inline list, or the stock simulated catalog when
// both are empty.
type WorkersConfig struct {
	File   string            `yaml:"file"`
	Watch  bool              `yaml:"watch"`
	Inline []worker.Metadata `yaml:"inline"`
}

type EngineConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
}

type InvokerConfig struct {
	MaxResultBytes int                      `yaml:"max_result_bytes"`
	RateLimit      RateLimitConfig          `yaml:"rate_limit"`
	Fixtures       map[string]FixtureConfig `yaml:"fixtures"`
}

// RateLimitConfig caps requests per network worker. PerSecond 0 disables it.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// FixtureConfig is a canned output for a simulated worker.
type FixtureConfig struct {
	Result     any      `yaml:"result"`
	Confidence *float64 `yaml:"confidence"`
	Details    string   `yaml:"details"`
}

const (
	PlannerAuto  = "auto"
	PlannerLLM   = "llm"
	PlannerRules = "rules"
)

type PlannerConfig struct {
	Mode  string         `yaml:"mode"`
	Rules []planner.Rule `yaml:"rules"`
}

type LLMConfig struct {
	API     string `yaml:"api"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
	// Fallbacks are tried in order when the primary model is rate limited,
	// unauthorized or down. Their own fallbacks are ignored.
	Fallbacks []LLMConfig `yaml:"fallbacks"`
}

// Enabled reports whether enough is configured to call a model: an API key
// or, for keyless local servers, a base URL.
func (c LLMConfig) Enabled() bool {
	return set(c.APIKey) || set(c.BaseURL)
}

type HistoryConfig struct {
	Backend   string `yaml:"backend"`
	DataDir   string `yaml:"data_dir"`
	DSN       string `yaml:"dsn"`
	RedisAddr string `yaml:"redis_addr"`
	MaxTurns  int    `yaml:"max_turns"`
	TTL       string `yaml:"ttl"`
}

type HealthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

type GeneralConfig struct {
	Disabled bool   `yaml:"disabled"`
	Script   string `yaml:"script"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)}`)

func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// set treats an unexpanded ${VAR} placeholder as empty.
func set(s string) bool {
	return s != "" && !envPattern.MatchString(s)
}

func (c *Config) expand() {
	c.LLM.APIKey = expandEnv(c.LLM.APIKey)
	c.LLM.BaseURL = expandEnv(c.LLM.BaseURL)
	for i, fb := range c.LLM.Fallbacks {
		c.LLM.Fallbacks[i].APIKey = expandEnv(fb.APIKey)
		c.LLM.Fallbacks[i].BaseURL = expandEnv(fb.BaseURL)
	}
	c.History.DSN = expandEnv(c.History.DSN)
	c.History.RedisAddr = expandEnv(c.History.RedisAddr)
	c.History.DataDir = expandEnv(c.History.DataDir)
	c.Workers.File = expandEnv(c.Workers.File)
	for i, w := range c.Workers.Inline {
		c.Workers.Inline[i].Endpoint = expandEnv(w.Endpoint)
		c.Workers.Inline[i].Healthcheck = expandEnv(w.Healthcheck)
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "30s"
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = "2m"
	}
	if c.Engine.MaxConcurrency == 0 {
		c.Engine.MaxConcurrency = 1
	}
	if c.Invoker.RateLimit.PerSecond > 0 && c.Invoker.RateLimit.Burst == 0 {
		c.Invoker.RateLimit.Burst = 1
	}
	if c.Planner.Mode == "" {
		c.Planner.Mode = PlannerAuto
	}
	if !c.LLM.Enabled() && (c.LLM.API == "" || c.LLM.API == "openai-completions") {
		c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.LLM.Timeout == "" {
		c.LLM.Timeout = "60s"
	}
	if c.History.Backend == "" {
		c.History.Backend = "memory"
	}
	if c.History.MaxTurns == 0 {
		c.History.MaxTurns = 50
	}
	if c.Health.Schedule == "" {
		c.Health.Schedule = "@every 30s"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	for name, d := range map[string]string{
		"server.read_timeout":  c.Server.ReadTimeout,
		"server.write_timeout": c.Server.WriteTimeout,
		"llm.timeout":          c.LLM.Timeout,
		"history.ttl":          c.History.TTL,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Engine.MaxConcurrency < 0 {
		return fmt.Errorf("engine.max_concurrency must not be negative")
	}
	if c.Invoker.MaxResultBytes < 0 {
		return fmt.Errorf("invoker.max_result_bytes must not be negative")
	}
	switch c.Planner.Mode {
	case PlannerAuto, PlannerRules:
	case PlannerLLM:
		if !c.LLM.Enabled() {
			return fmt.Errorf("planner.mode is llm but no llm.api_key or llm.base_url is set")
		}
	default:
		return fmt.Errorf("planner.mode %q: want %s, %s or %s", c.Planner.Mode, PlannerAuto, PlannerLLM, PlannerRules)
	}
	switch c.History.Backend {
	case "memory", "redis", "postgres", "sqlite":
	default:
		return fmt.Errorf("history.backend %q: want memory, sqlite, postgres or redis", c.History.Backend)
	}
	if c.Health.Enabled {
		if _, err := cron.ParseStandard(c.Health.Schedule); err != nil {
			return fmt.Errorf("health.schedule: %w", err)
		}
	}
	if c.Workers.File != "" && len(c.Workers.Inline) > 0 {
		return fmt.Errorf("workers.file and workers.inline are mutually exclusive")
	}
	return nil
}

// Duration parses a setting already checked by Validate. Empty is zero.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(s))
	return d
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes, expands ${VAR} references, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.expand()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default is the configuration used when no file is given.
func Default() *Config {
	cfg, _ := Parse(nil)
	return cfg
}
