package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Relay RelayConfig `yaml:"relay"`
	Log   LogConfig   `yaml:"log"`
}

// RelayConfig relay listener configuration
type RelayConfig struct {
	BindAddr      string `yaml:"bind_addr"`      // Relay protocol listening address (e.g. ":8336")
	ListenAddress string `yaml:"listen_address"` // Metrics listener address
	TelemetryPath string `yaml:"telemetry_path"` // Metrics path
	ProxyProtocol bool   `yaml:"proxy_protocol"` // Expect a HAProxy PROXY header and admit by its source address

	SendQueueSize  int `yaml:"send_queue_size"`   // Per-connection outbound queue length
	WriteTimeout   int `yaml:"write_timeout"`     // Socket write timeout in seconds
	IdleTimeout    int `yaml:"idle_timeout"`      // Read idle timeout in seconds (0 disables)
	MaxMessageSize int `yaml:"max_message_bytes"` // Largest accepted relay message

	RecentHostTTL      int `yaml:"recent_host_ttl"`      // Reconnect-notice suppression window in seconds
	RecentHostCapacity int `yaml:"recent_host_capacity"` // Max remembered hosts

	DedupCacheSize int `yaml:"dedup_cache_size"` // Payload hashes remembered by the sink
	DedupTTL       int `yaml:"dedup_ttl"`        // Seconds a payload hash is remembered
}

// LogConfig log configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()
	config.ApplyEnvOverrides()

	return &config, nil
}

// SetDefaults sets default values
func (c *Config) SetDefaults() {
	if c.Relay.BindAddr == "" {
		c.Relay.BindAddr = ":8336"
	}
	if c.Relay.ListenAddress == "" {
		c.Relay.ListenAddress = ":9090"
	}
	if c.Relay.TelemetryPath == "" {
		c.Relay.TelemetryPath = "/metrics"
	}
	if c.Relay.SendQueueSize == 0 {
		c.Relay.SendQueueSize = 64
	}
	if c.Relay.WriteTimeout == 0 {
		c.Relay.WriteTimeout = 5
	}
	if c.Relay.MaxMessageSize == 0 {
		c.Relay.MaxMessageSize = 1000000
	}
	if c.Relay.RecentHostTTL == 0 {
		c.Relay.RecentHostTTL = 3600
	}
	if c.Relay.RecentHostCapacity == 0 {
		c.Relay.RecentHostCapacity = 100
	}
	if c.Relay.DedupCacheSize == 0 {
		c.Relay.DedupCacheSize = 10000
	}
	if c.Relay.DedupTTL == 0 {
		c.Relay.DedupTTL = 600
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 10
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 30
	}
}

// GetWriteTimeout gets socket write timeout
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Relay.WriteTimeout) * time.Second
}

// GetIdleTimeout gets read idle timeout, zero when disabled
func (c *Config) GetIdleTimeout() time.Duration {
	if c.Relay.IdleTimeout <= 0 {
		return 0
	}
	return time.Duration(c.Relay.IdleTimeout) * time.Second
}

// GetRecentHostTTL gets the reconnect-notice suppression window
func (c *Config) GetRecentHostTTL() time.Duration {
	return time.Duration(c.Relay.RecentHostTTL) * time.Second
}

// GetDedupTTL gets how long the sink remembers a payload hash
func (c *Config) GetDedupTTL() time.Duration {
	return time.Duration(c.Relay.DedupTTL) * time.Second
}

// ApplyEnvOverrides applies environment variable overrides
func (c *Config) ApplyEnvOverrides() {
	if val := os.Getenv("RELAY_BIND_ADDR"); val != "" {
		c.Relay.BindAddr = val
	}
	if val := os.Getenv("RELAY_LISTEN_ADDRESS"); val != "" {
		c.Relay.ListenAddress = val
	}
	if val := os.Getenv("RELAY_TELEMETRY_PATH"); val != "" {
		c.Relay.TelemetryPath = val
	}
	if val := os.Getenv("RELAY_PROXY_PROTOCOL"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Relay.ProxyProtocol = b
		}
	}
	envInt("RELAY_SEND_QUEUE_SIZE", &c.Relay.SendQueueSize)
	envInt("RELAY_WRITE_TIMEOUT_SECONDS", &c.Relay.WriteTimeout)
	envInt("RELAY_IDLE_TIMEOUT_SECONDS", &c.Relay.IdleTimeout)
	envInt("RELAY_MAX_MESSAGE_BYTES", &c.Relay.MaxMessageSize)
	envInt("RELAY_RECENT_HOST_TTL_SECONDS", &c.Relay.RecentHostTTL)
	envInt("RELAY_RECENT_HOST_CAPACITY", &c.Relay.RecentHostCapacity)
	envInt("RELAY_DEDUP_CACHE_SIZE", &c.Relay.DedupCacheSize)
	envInt("RELAY_DEDUP_TTL_SECONDS", &c.Relay.DedupTTL)

	// Log config
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FILE"); val != "" {
		c.Log.File = val
	}
}

// envInt overwrites dst with the integer value of key; unparsable values
// are ignored
func envInt(key string, dst *int) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	if i, err := strconv.Atoi(val); err == nil {
		*dst = i
	}
}
