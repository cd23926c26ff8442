package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	ListenAddress       string        `mapstructure:"listen_address"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	History             HistoryConfig `mapstructure:"history"`
	Auth                AuthConfig    `mapstructure:"auth"`
	Admin               AdminConfig   `mapstructure:"admin"`
	TLS                 TLSConfig     `mapstructure:"tls"`
	Relay               RelayConfig   `mapstructure:"relay"`
}

// HistoryConfig locates the encrypted message store.
type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

// AuthConfig names the environment variable holding the token secret.
// An empty secret disables authentication.
type AuthConfig struct {
	SecretEnv string `mapstructure:"secret_env"`
}

// AdminConfig describes the operational HTTP surface.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// TLSConfig enables TLS on the client listener when both paths are set.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// RelayConfig bounds per-connection resources.
type RelayConfig struct {
	SendBuffer    int           `mapstructure:"send_buffer"`
	MaxFrameBytes int64         `mapstructure:"max_frame_bytes"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

const (
	defaultListenAddress       = "0.0.0.0:8080"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultHistoryPath         = "data/history.db"
	defaultAuthSecretEnv       = "CLOAK_AUTH_SECRET"
	defaultAdminAddress        = "127.0.0.1:9090"
	defaultReadHeaderTimeout   = 5 * time.Second
	defaultSendBuffer          = 32
	defaultMaxFrameBytes       = 1 << 20
	defaultWriteTimeout        = 10 * time.Second
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with CLOAK_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CLOAK")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("history.path", defaultHistoryPath)
	v.SetDefault("auth.secret_env", defaultAuthSecretEnv)
	v.SetDefault("admin.address", defaultAdminAddress)
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout.String())
	v.SetDefault("relay.send_buffer", defaultSendBuffer)
	v.SetDefault("relay.max_frame_bytes", defaultMaxFrameBytes)
	v.SetDefault("relay.write_timeout", defaultWriteTimeout.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key  string
		dst  *time.Duration
		dflt time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod, defaultShutdownGracePeriod},
		{"admin.read_header_timeout", &cfg.Admin.ReadHeaderTimeout, defaultReadHeaderTimeout},
		{"relay.write_timeout", &cfg.Relay.WriteTimeout, defaultWriteTimeout},
	}
	for _, d := range durations {
		if !v.IsSet(d.key) {
			*d.dst = d.dflt
			continue
		}
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.History.Path == "" {
		cfg.History.Path = defaultHistoryPath
	}
	if cfg.Auth.SecretEnv == "" {
		cfg.Auth.SecretEnv = defaultAuthSecretEnv
	}
	if cfg.Relay.SendBuffer <= 0 {
		cfg.Relay.SendBuffer = defaultSendBuffer
	}
	if cfg.Relay.MaxFrameBytes <= 0 {
		cfg.Relay.MaxFrameBytes = defaultMaxFrameBytes
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return Config{}, fmt.Errorf("tls requires both cert_file and key_file")
	}

	return cfg, nil
}

// AuthSecret fetches the token secret from the configured environment
// variable. Empty means authentication is disabled.
func (c Config) AuthSecret() []byte {
	val := strings.TrimSpace(getenv(c.Auth.SecretEnv))
	if val == "" {
		return nil
	}
	return []byte(val)
}

// TLSEnabled reports whether the client listener should serve TLS.
func (c Config) TLSEnabled() bool {
	return c.TLS.CertFile != "" && c.TLS.KeyFile != ""
}

// split out for testing.
var getenv = os.Getenv
