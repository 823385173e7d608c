package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v2"
)

type Config struct {
	API      APIConfig      `yaml:"api" json:"api" toml:"api"`
	Poll     PollConfig     `yaml:"poll" json:"poll" toml:"poll"`
	Storage  StorageConfig  `yaml:"storage" json:"storage" toml:"storage"`
	History  HistoryConfig  `yaml:"history" json:"history" toml:"history"`
	Catalog  CatalogConfig  `yaml:"catalog" json:"catalog" toml:"catalog"`
	Analyzer AnalyzerConfig `yaml:"analyzer" json:"analyzer" toml:"analyzer"`
	Cache    CacheConfig    `yaml:"cache" json:"cache" toml:"cache"`
	Server   ServerConfig   `yaml:"server" json:"server" toml:"server"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging" toml:"logging"`
}

// APIConfig points at the generation API.
type APIConfig struct {
	BaseURL string   `yaml:"base_url" json:"base_url" toml:"base_url"`
	Timeout Duration `yaml:"timeout" json:"timeout" toml:"timeout"`
}

// PollConfig controls the job status loop.
type PollConfig struct {
	Interval    Duration `yaml:"interval" json:"interval" toml:"interval"`
	MaxAttempts int      `yaml:"max_attempts" json:"max_attempts" toml:"max_attempts"`
}

type StorageConfig struct {
	Backend   string      `yaml:"backend" json:"backend" toml:"backend"` // file, memory, redis, mysql
	Path      string      `yaml:"path" json:"path" toml:"path"`
	KeyPrefix string      `yaml:"key_prefix" json:"key_prefix" toml:"key_prefix"`
	Redis     RedisConfig `yaml:"redis" json:"redis" toml:"redis"`
	MySQL     MySQLConfig `yaml:"mysql" json:"mysql" toml:"mysql"`
}

type RedisConfig struct {
	Host     string `yaml:"host" json:"host" toml:"host"`
	Port     int    `yaml:"port" json:"port" toml:"port"`
	Password string `yaml:"password" json:"password" toml:"password"`
	DB       int    `yaml:"db" json:"db" toml:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size" toml:"pool_size"`
}

type MySQLConfig struct {
	Host            string   `yaml:"host" json:"host" toml:"host"`
	Port            int      `yaml:"port" json:"port" toml:"port"`
	Username        string   `yaml:"username" json:"username" toml:"username"`
	Password        string   `yaml:"password" json:"password" toml:"password"`
	Database        string   `yaml:"database" json:"database" toml:"database"`
	MaxOpenConns    int      `yaml:"max_open_conns" json:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" json:"max_idle_conns" toml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" toml:"conn_max_lifetime"`
}

type HistoryConfig struct {
	Capacity int `yaml:"capacity" json:"capacity" toml:"capacity"`
}

type CatalogConfig struct {
	TTL Duration `yaml:"ttl" json:"ttl" toml:"ttl"`
}

// AnalyzerConfig selects how reference images are analyzed: through the
// API's /api/analyze-image endpoint or directly against a vision model.
type AnalyzerConfig struct {
	Provider string       `yaml:"provider" json:"provider" toml:"provider"` // endpoint, vision
	Vision   VisionConfig `yaml:"vision" json:"vision" toml:"vision"`
}

type VisionConfig struct {
	BaseURL     string  `yaml:"base_url" json:"base_url" toml:"base_url"`
	APIKey      string  `yaml:"api_key" json:"api_key" toml:"api_key"`
	Model       string  `yaml:"model" json:"model" toml:"model"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens" toml:"max_tokens"`
	Temperature float64 `yaml:"temperature" json:"temperature" toml:"temperature"`
}

type CacheConfig struct {
	Dir        string   `yaml:"dir" json:"dir" toml:"dir"`
	MaxEntries int      `yaml:"max_entries" json:"max_entries" toml:"max_entries"`
	TTL        Duration `yaml:"ttl" json:"ttl" toml:"ttl"`
}

type ServerConfig struct {
	Host         string   `yaml:"host" json:"host" toml:"host"`
	Port         int      `yaml:"port" json:"port" toml:"port"`
	ReadTimeout  Duration `yaml:"read_timeout" json:"read_timeout" toml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout" json:"write_timeout" toml:"write_timeout"`
	CORSOrigins  []string `yaml:"cors_origins" json:"cors_origins" toml:"cors_origins"`
	// SessionTTL drops sessions idle for longer than this.
	SessionTTL Duration `yaml:"session_ttl" json:"session_ttl" toml:"session_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" toml:"level"`
	Format string `yaml:"format" json:"format" toml:"format"` // json, console
	Output string `yaml:"output" json:"output" toml:"output"` // stdout, stderr or a file path
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: "http://localhost:5000",
			Timeout: Duration{30 * time.Second},
		},
		Poll: PollConfig{
			Interval:    Duration{5 * time.Second},
			MaxAttempts: 180,
		},
		Storage: StorageConfig{
			Backend: "file",
			Path:    "fallora-state.json",
			Redis: RedisConfig{
				Host:     "localhost",
				Port:     6379,
				PoolSize: 10,
			},
			MySQL: MySQLConfig{
				Host:            "localhost",
				Port:            3306,
				Database:        "fallora",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration{time.Hour},
			},
		},
		History: HistoryConfig{Capacity: 50},
		Catalog: CatalogConfig{TTL: Duration{10 * time.Minute}},
		Analyzer: AnalyzerConfig{
			Provider: "endpoint",
			Vision: VisionConfig{
				BaseURL:     "https://open.bigmodel.cn/api/paas/v4/",
				Model:       "glm-4.5v",
				MaxTokens:   1024,
				Temperature: 0.7,
			},
		},
		Cache: CacheConfig{
			Dir:        "cache/images",
			MaxEntries: 200,
			TTL:        Duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  Duration{15 * time.Second},
			WriteTimeout: Duration{60 * time.Second},
			CORSOrigins:  []string{"*"},
			SessionTTL:   Duration{24 * time.Hour},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
	}
}

// Load reads a configuration file based on its extension and layers it over
// Default. An empty path returns the defaults. Supports .yaml/.yml, .json
// and .toml.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		switch ext := strings.ToLower(filepath.Ext(path)); ext {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		case ".json":
			err = json.Unmarshal(data, cfg)
		case ".toml":
			err = toml.Unmarshal(data, cfg)
		default:
			return nil, fmt.Errorf("unsupported config extension: %s", ext)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Apply environment variable overrides
func applyEnv(cfg *Config) {
	if url := os.Getenv("FALLORA_API_URL"); url != "" {
		cfg.API.BaseURL = url
	}
	if apiKey := os.Getenv("FALLORA_VISION_API_KEY"); apiKey != "" {
		cfg.Analyzer.Vision.APIKey = apiKey
	} else if apiKey := os.Getenv("ZHIPUAI_API_KEY"); apiKey != "" {
		cfg.Analyzer.Vision.APIKey = apiKey
	}
	if pw := os.Getenv("FALLORA_REDIS_PASSWORD"); pw != "" {
		cfg.Storage.Redis.Password = pw
	}
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Poll.Interval.Duration < 0 {
		return fmt.Errorf("poll.interval must not be negative")
	}
	if c.Poll.MaxAttempts < 1 {
		return fmt.Errorf("poll.max_attempts must be at least 1")
	}
	if c.History.Capacity < 1 {
		return fmt.Errorf("history.capacity must be at least 1")
	}
	switch c.Storage.Backend {
	case "file", "memory", "redis", "mysql":
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	switch c.Analyzer.Provider {
	case "endpoint", "vision":
	default:
		return fmt.Errorf("unknown analyzer provider: %s", c.Analyzer.Provider)
	}
	return nil
}

// Addr returns the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
