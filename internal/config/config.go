package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Param     ParamConfig     `mapstructure:"param"`
	Store     StoreConfig     `mapstructure:"store"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Upload    UploadConfig    `mapstructure:"upload"`
	Media     MediaConfig     `mapstructure:"media"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Chat      ChatConfig      `mapstructure:"chat"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ParamConfig locates secrets in the SSM parameter store. With an empty
// prefix secrets are read from the environment instead.
type ParamConfig struct {
	Prefix string `mapstructure:"prefix"`
}

type StoreConfig struct {
	Backend       string `mapstructure:"backend"`
	Table         string `mapstructure:"table"`
	DSN           string `mapstructure:"dsn"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type GeneratorConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	KeyParam  string `mapstructure:"key_param"`
	Estimator string `mapstructure:"estimator"`
}

type MemoryConfig struct {
	Backend        string `mapstructure:"backend"`
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	KeyParam       string `mapstructure:"key_param"`
	TopK           int    `mapstructure:"top_k"`
	Dir            string `mapstructure:"dir"`
	EmbeddingURL   string `mapstructure:"embedding_url"`
	EmbeddingModel string `mapstructure:"embedding_model"`
}

type UploadConfig struct {
	Backend       string `mapstructure:"backend"`
	PublicKey     string `mapstructure:"public_key"`
	Bucket        string `mapstructure:"bucket"`
	Prefix        string `mapstructure:"prefix"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type MediaConfig struct {
	FetchImages  bool `mapstructure:"fetch_images"`
	MaxDimension int  `mapstructure:"max_dimension"`
}

type AuthConfig struct {
	Secret   string `mapstructure:"secret"`
	KeyParam string `mapstructure:"key_param"`
	Issuer   string `mapstructure:"issuer"`
}

type ChatConfig struct {
	SystemPrompt string `mapstructure:"system_prompt"`
}

var defaults = map[string]any{
	"http.addr":    ":8080",
	"log.level":    "info",
	"param.prefix": "",

	"store.backend":        "dynamodb",
	"store.table":          "",
	"store.dsn":            "",
	"store.retention_days": 0,

	"generator.provider":  "gemini",
	"generator.base_url":  "",
	"generator.model":     "",
	"generator.api_key":   "",
	"generator.key_param": "generator-api-key",
	"generator.estimator": "heuristic",

	"memory.backend":         "none",
	"memory.base_url":        "",
	"memory.api_key":         "",
	"memory.key_param":       "mem0-api-key",
	"memory.top_k":           5,
	"memory.dir":             "",
	"memory.embedding_url":   "https://api.openai.com/v1",
	"memory.embedding_model": "text-embedding-3-small",

	"upload.backend":         "none",
	"upload.public_key":      "",
	"upload.bucket":          "",
	"upload.prefix":          "uploads",
	"upload.public_base_url": "",

	"media.fetch_images":  true,
	"media.max_dimension": 1568,

	"auth.secret":    "",
	"auth.key_param": "jwt-secret",
	"auth.issuer":    "",

	"chat.system_prompt": "You are a helpful assistant.",
}

// Load reads defaults, then the optional YAML file at path, then environment
// variables. Keys map to variables by upper-casing and replacing dots, so
// store.table is STORE_TABLE.
func Load(path string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("config: %s must be one of %s, got %q", field, strings.Join(allowed, "|"), value))
	}
	check("store.backend", c.Store.Backend, "dynamodb", "postgres")
	check("generator.provider", c.Generator.Provider, "gemini", "openai")
	check("memory.backend", c.Memory.Backend, "mem0", "local", "none")
	check("upload.backend", c.Upload.Backend, "uploadcare", "s3", "none")

	if c.Store.Backend == "dynamodb" && c.Store.Table == "" {
		errs = append(errs, errors.New("config: store.table is required for the dynamodb backend"))
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		errs = append(errs, errors.New("config: store.dsn is required for the postgres backend"))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Log.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
