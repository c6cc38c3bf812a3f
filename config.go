package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	ConfigEnvPrefix = "IMAGEMAPS_"
	ConfigFileEnv   = "IMAGEMAPS_CONFIG"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds every runtime setting. Precedence (low -> high): defaults,
// the YAML file named by IMAGEMAPS_CONFIG, IMAGEMAPS_* environment variables.
type Config struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	LogLevel string `koanf:"log_level"`

	DatabaseURL string `koanf:"database_url"`
	Migrate     bool   `koanf:"migrate"`

	JWTSecret string        `koanf:"jwt_secret"`
	JWTTTL    time.Duration `koanf:"jwt_ttl"`

	StorageDir   string `koanf:"storage_dir"`
	MaxImageSize string `koanf:"max_image_size"`

	CORSAllowedOrigins   []string `koanf:"cors_allowed_origins"`
	CORSAllowedMethods   []string `koanf:"cors_allowed_methods"`
	CORSAllowedHeaders   []string `koanf:"cors_allowed_headers"`
	CORSAllowCredentials bool     `koanf:"cors_allow_credentials"`
	CORSMaxAge           int      `koanf:"cors_max_age"`

	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	maxImageSizeBytes int64
}

// listKeys are split on commas when they come from the environment.
var listKeys = map[string]bool{
	"cors_allowed_origins": true,
	"cors_allowed_methods": true,
	"cors_allowed_headers": true,
}

func newConfig() *Config {
	return &Config{
		Host:            "127.0.0.1",
		Port:            5000,
		LogLevel:        "info",
		Migrate:         true,
		JWTTTL:          12 * time.Hour,
		StorageDir:      "./saved_images",
		MaxImageSize:    "50MB",
		CORSMaxAge:      3600,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    20 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

func LoadConfig() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.ProviderWithValue(ConfigEnvPrefix, ".", func(key, value string) (string, any) {
		key = strings.ToLower(strings.TrimPrefix(key, ConfigEnvPrefix))
		if key == "config" {
			return "", nil
		}
		if listKeys[key] {
			return key, splitList(value)
		}
		return key, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load config env: %w", err)
	}

	cfg := newConfig()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.CORSAllowedOrigins) == 0 {
		c.CORSAllowedOrigins = []string{"*"}
	}
	if len(c.CORSAllowedMethods) == 0 {
		c.CORSAllowedMethods = []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	}
	if len(c.CORSAllowedHeaders) == 0 {
		c.CORSAllowedHeaders = []string{"Content-Type", "Authorization"}
	}
}

func (c *Config) validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	case c.DatabaseURL == "":
		return fmt.Errorf("%w: database_url must not be empty", ErrInvalidConfig)
	case c.JWTSecret == "":
		return fmt.Errorf("%w: jwt_secret must not be empty", ErrInvalidConfig)
	case c.JWTTTL <= 0:
		return fmt.Errorf("%w: jwt_ttl must be positive", ErrInvalidConfig)
	case c.StorageDir == "":
		return fmt.Errorf("%w: storage_dir must not be empty", ErrInvalidConfig)
	}

	size, err := units.FromHumanSize(c.MaxImageSize)
	if err != nil {
		return fmt.Errorf("%w: max_image_size: %v", ErrInvalidConfig, err)
	}
	if size <= 0 {
		return fmt.Errorf("%w: max_image_size must be positive", ErrInvalidConfig)
	}
	c.maxImageSizeBytes = size

	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) MaxImageSizeBytes() int64 {
	return c.maxImageSizeBytes
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
