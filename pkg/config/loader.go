package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "CHATSYNC"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// Viper exposes the underlying instance so callers can bind flags.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration with precedence defaults < config file < env vars < bound flags.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()
	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Cache.Path = expandTilde(cfg.Cache.Path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) setupViper(cfg *Config) {
	v := l.v
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "chatsync"))
	}
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "chatsync"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults(cfg)
	bindEnvVars(v)
	v.AutomaticEnv()
}

func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	v.SetDefault("gateway.ws_addr", cfg.Gateway.WSAddr)
	v.SetDefault("gateway.api_addr", cfg.Gateway.APIAddr)
	v.SetDefault("gateway.request_timeout", cfg.Gateway.RequestTimeout)

	v.SetDefault("auth.secret", cfg.Auth.Secret)

	v.SetDefault("kafka.enabled", cfg.Kafka.Enabled)
	v.SetDefault("kafka.brokers", cfg.Kafka.Brokers)
	v.SetDefault("kafka.topic", cfg.Kafka.Topic)

	v.SetDefault("redis.addr", cfg.Redis.Addr)

	v.SetDefault("scylla.enabled", cfg.Scylla.Enabled)
	v.SetDefault("scylla.hosts", cfg.Scylla.Hosts)
	v.SetDefault("scylla.keyspace", cfg.Scylla.Keyspace)

	v.SetDefault("cache.path", cfg.Cache.Path)

	v.SetDefault("session.page_size", cfg.Session.PageSize)
	v.SetDefault("session.thread_page_size", cfg.Session.ThreadPageSize)
	v.SetDefault("session.typing_quiet_interval", cfg.Session.TypingQuietInterval)
	v.SetDefault("session.remote_typing_timeout", cfg.Session.RemoteTypingTimeout)
	v.SetDefault("session.typing_start_throttle", cfg.Session.TypingStartThrottle)
	v.SetDefault("session.snowflake_node", cfg.Session.SnowflakeNode)

	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
}

func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && l.configFile == "" {
			return nil
		}
		return err
	}
	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// bindEnvVars binds CHATSYNC_* variables explicitly; Unmarshal ignores
// AutomaticEnv for keys it has not seen.
func bindEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		envVar := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, envVar)
	}
}

func expandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}
