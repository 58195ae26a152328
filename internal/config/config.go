// Package config loads engine settings with the hierarchy
// defaults < YAML file < environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read when no path is given. A missing file is fine.
const DefaultConfigFile = "tutor.yaml"

type Config struct {
	Server    Server            `yaml:"server"`
	Log       Log               `yaml:"log"`
	Tiers     TierMap           `yaml:"tiers" env:"TUTOR_TIERS" validate:"required,dive,keys,required,endkeys,min=1,dive,required"`
	KindTiers map[string]string `yaml:"kind_tiers" env:"TUTOR_KIND_TIERS" validate:"dive,keys,oneof=lesson practice exam,endkeys,required"`
	Content   Content           `yaml:"content"`
	RateLimit RateLimit         `yaml:"rate_limit"`
	Chat      Chat              `yaml:"chat"`
	Cache     Cache             `yaml:"cache"`
	Redis     Redis             `yaml:"redis"`
	Storage   Storage           `yaml:"storage"`
	LLM       LLM               `yaml:"llm"`
}

type Server struct {
	Addr           string        `yaml:"addr" env:"TUTOR_ADDR" validate:"required"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"TUTOR_REQUEST_TIMEOUT" validate:"gt=0"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes" env:"TUTOR_MAX_BODY_BYTES" validate:"gt=0"`
}

type Log struct {
	Env   string `yaml:"env" env:"ENV"`
	Level string `yaml:"level" env:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
}

type Content struct {
	PromptVersion string        `yaml:"prompt_version" env:"TUTOR_PROMPT_VERSION" validate:"required"`
	EntryTTL      time.Duration `yaml:"entry_ttl" env:"TUTOR_ENTRY_TTL" validate:"gt=0"`
	DedupeMisses  bool          `yaml:"dedupe_misses" env:"TUTOR_DEDUPE_MISSES"`
	Temperature   float32       `yaml:"temperature" env:"TUTOR_CONTENT_TEMPERATURE" validate:"gte=0,lte=2"`
	MaxTokens     int           `yaml:"max_tokens" env:"TUTOR_CONTENT_MAX_TOKENS" validate:"gte=0"`
}

type RateLimit struct {
	Ceiling         int           `yaml:"ceiling" env:"TUTOR_RATE_CEILING" validate:"gt=0"`
	Window          time.Duration `yaml:"window" env:"TUTOR_RATE_WINDOW" validate:"gt=0"`
	Backend         string        `yaml:"backend" env:"TUTOR_RATE_BACKEND" validate:"oneof=memory redis"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"TUTOR_RATE_CLEANUP_INTERVAL" validate:"gte=0"`
}

type Chat struct {
	Tier          string   `yaml:"tier" env:"TUTOR_CHAT_TIER" validate:"required"`
	MaxChars      int      `yaml:"max_chars" env:"TUTOR_CHAT_MAX_CHARS" validate:"gt=0"`
	MinChars      int      `yaml:"min_chars" env:"TUTOR_CHAT_MIN_CHARS" validate:"gte=0,ltfield=MaxChars"`
	HistoryTurns  int      `yaml:"history_turns" env:"TUTOR_CHAT_HISTORY_TURNS" validate:"gte=0,lte=50"`
	TurnMaxChars  int      `yaml:"turn_max_chars" env:"TUTOR_CHAT_TURN_MAX_CHARS" validate:"gt=0"`
	ExtraPatterns []string `yaml:"extra_patterns" env:"TUTOR_CHAT_EXTRA_PATTERNS" envSeparator:";"`
	Redirect      string   `yaml:"redirect" env:"TUTOR_CHAT_REDIRECT"`
	SystemPrompt  string   `yaml:"system_prompt" env:"TUTOR_CHAT_SYSTEM_PROMPT"`
	MaxTokens     int      `yaml:"max_tokens" env:"TUTOR_CHAT_MAX_TOKENS" validate:"gte=0"`
}

type Cache struct {
	Backend      string        `yaml:"backend" env:"TUTOR_CACHE_BACKEND" validate:"oneof=none memory ristretto redis"`
	TTL          time.Duration `yaml:"ttl" env:"TUTOR_CACHE_TTL" validate:"gt=0"`
	Prefix       string        `yaml:"prefix" env:"TUTOR_CACHE_PREFIX"`
	MaxCostBytes int64         `yaml:"max_cost_bytes" env:"TUTOR_CACHE_MAX_COST_BYTES" validate:"gte=0"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" validate:"gte=0"`
}

type Storage struct {
	Primary         string        `yaml:"primary" env:"TUTOR_STORAGE_PRIMARY" validate:"oneof=postgres memory"`
	Fallback        string        `yaml:"fallback" env:"TUTOR_STORAGE_FALLBACK" validate:"oneof=sqlite badger memory"`
	PostgresDSN     string        `yaml:"postgres_dsn" env:"DATABASE_URL" validate:"required_if=Primary postgres"`
	MaxConns        int32         `yaml:"max_conns" env:"TUTOR_PG_MAX_CONNS" validate:"gte=0"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" env:"TUTOR_PG_MAX_CONN_LIFETIME"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"TUTOR_AUTO_MIGRATE"`
	SQLitePath      string        `yaml:"sqlite_path" env:"TUTOR_SQLITE_PATH" validate:"required_if=Fallback sqlite"`
	BadgerDir       string        `yaml:"badger_dir" env:"TUTOR_BADGER_DIR" validate:"required_if=Fallback badger"`
}

type LLM struct {
	BaseURL string        `yaml:"base_url" env:"LLM_BASE_URL" validate:"required,url"`
	APIKey  string        `yaml:"api_key" env:"LLM_API_KEY"`
	Flavor  string        `yaml:"flavor" env:"LLM_FLAVOR" validate:"oneof=http sdk"`
	Timeout time.Duration `yaml:"timeout" env:"LLM_TIMEOUT" validate:"gt=0"`
}

// Defaults returns a config that runs locally without Postgres or Redis.
func Defaults() Config {
	return Config{
		Server: Server{
			Addr:           ":8080",
			RequestTimeout: 60 * time.Second,
			MaxBodyBytes:   64 * 1024,
		},
		Tiers: TierMap{
			"utility":    {"gpt-4o-mini"},
			"structured": {"gpt-4o-mini", "gpt-4o"},
			"premium":    {"gpt-4o", "gpt-4o-mini"},
		},
		KindTiers: map[string]string{
			"lesson":   "structured",
			"practice": "structured",
			"exam":     "premium",
		},
		Content: Content{
			PromptVersion: "v1",
			EntryTTL:      10 * time.Minute,
			Temperature:   0.4,
			MaxTokens:     2048,
		},
		RateLimit: RateLimit{
			Ceiling:         20,
			Window:          10 * time.Minute,
			Backend:         "memory",
			CleanupInterval: time.Minute,
		},
		Chat: Chat{
			Tier:         "utility",
			MaxChars:     500,
			MinChars:     2,
			HistoryTurns: 6,
			TurnMaxChars: 500,
			MaxTokens:    512,
		},
		Cache: Cache{
			Backend:      "memory",
			TTL:          10 * time.Minute,
			Prefix:       "tutor",
			MaxCostBytes: 64 << 20,
		},
		Redis: Redis{Addr: "127.0.0.1:6379"},
		Storage: Storage{
			Primary:    "memory",
			Fallback:   "sqlite",
			SQLitePath: "tutor-fallback.db",
			BadgerDir:  "tutor-fallback.badger",
		},
		LLM: LLM{
			BaseURL: "https://api.openai.com",
			Flavor:  "http",
			Timeout: 30 * time.Second,
		},
	}
}

// Load reads path (DefaultConfigFile when empty) over the defaults, then
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}
	cfg := Defaults()

	if err := loadYAML(&cfg, path); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, nil
}

// loadYAML unmarshals path over cfg. A missing file is not an error.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and that every kind and the chat
// endpoint point at a configured tier.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for kind, name := range c.KindTiers {
		if _, ok := c.Tiers[name]; !ok {
			return fmt.Errorf("kind %q maps to unknown tier %q", kind, name)
		}
	}
	if _, ok := c.Tiers[c.Chat.Tier]; !ok {
		return fmt.Errorf("chat tier %q is not configured", c.Chat.Tier)
	}
	if c.RateLimit.Backend == "redis" || c.Cache.Backend == "redis" {
		if c.Redis.Addr == "" {
			return errors.New("redis address required for redis backends")
		}
	}
	return nil
}

// NeedsRedis reports whether any component is configured on Redis.
func (c *Config) NeedsRedis() bool {
	return c.RateLimit.Backend == "redis" || c.Cache.Backend == "redis"
}

// TierMap maps a tier name to its ranked candidate models. In the
// environment it is written as "utility=a,b;premium=c".
type TierMap map[string][]string

func (m *TierMap) UnmarshalText(text []byte) error {
	out := TierMap{}
	for _, part := range strings.Split(string(text), ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, list, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return fmt.Errorf("tier entry %q: want name=model[,model...]", part)
		}
		var models []string
		for _, model := range strings.Split(list, ",") {
			if model = strings.TrimSpace(model); model != "" {
				models = append(models, model)
			}
		}
		if len(models) == 0 {
			return fmt.Errorf("tier %q has no models", name)
		}
		out[name] = models
	}
	if len(out) == 0 {
		return errors.New("no tiers given")
	}
	*m = out
	return nil
}

// String renders the map in its environment form with sorted tier names.
func (m TierMap) String() string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+strings.Join(m[name], ","))
	}
	return strings.Join(parts, ";")
}
