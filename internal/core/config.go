package core

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	uber_config "go.uber.org/config"
	"go.uber.org/fx"
)

// ConfigEnv names an optional YAML file layered over the defaults.
const ConfigEnv = "DEVSYNC_CONFIG"

//go:embed default.yaml
var defaultConfig string

var ConfigModule = fx.Options(
	fx.Provide(NewProvider),
	fx.Provide(NewConfig),
)

// Config is the typed view of the configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Broker     BrokerConfig     `yaml:"broker"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// ClientOrigin is allowed by CORS and the websocket origin check; "*" allows any.
	ClientOrigin    string        `yaml:"clientOrigin"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type StorageConfig struct {
	// DSN is a postgres:// URL or a sqlite file path.
	DSN     string        `yaml:"dsn"`
	Timeout time.Duration `yaml:"timeout"`
}

type BrokerConfig struct {
	// RedisURL selects the Redis broker; empty keeps cursor relay in process.
	RedisURL string        `yaml:"redisURL"`
	Timeout  time.Duration `yaml:"timeout"`
}

type CheckpointConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type MetricsConfig struct {
	Service        string        `yaml:"service"`
	ReportInterval time.Duration `yaml:"reportInterval"`
}

// Addr returns the listen address of the HTTP server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// NewProvider layers the embedded defaults, the file named by DEVSYNC_CONFIG
// and the environment.
func NewProvider() (uber_config.Provider, error) {
	options := []uber_config.YAMLOption{uber_config.Source(strings.NewReader(defaultConfig))}
	if path := os.Getenv(ConfigEnv); path != "" {
		options = append(options, uber_config.File(path))
	}
	options = append(options, uber_config.Expand(os.LookupEnv))

	provider, err := uber_config.NewYAML(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return provider, nil
}

// NewConfig populates Config from provider.
func NewConfig(provider uber_config.Provider) (Config, error) {
	var cfg Config
	if err := provider.Get(uber_config.Root).Populate(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read configuration: %w", err)
	}
	if cfg.Storage.DSN == "" {
		return Config{}, fmt.Errorf("storage.dsn must be set")
	}
	return cfg, nil
}
