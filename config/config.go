package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Log        LogConfig        `yaml:"log"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Events     EventsConfig     `yaml:"events"`
	Relay      RelayConfig      `yaml:"relay"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level"`
}

// LogConfig selects the zap level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MQTTConfig holds the broker connection and topic layout.
type MQTTConfig struct {
	Broker         string `yaml:"broker"`
	ClientID       string `yaml:"client_id"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	QoS            byte   `yaml:"qos"`
	HeartbeatTopic string `yaml:"heartbeat_topic"`
	// Optional prefix joined with "/" in front of every device channel.
	ChannelPrefix         string        `yaml:"channel_prefix"`
	PublishTimeoutSeconds int           `yaml:"publish_timeout_seconds"`
	PublishTimeout        time.Duration `yaml:"-"`
}

// EventsConfig selects how heartbeat and command events reach their handlers.
type EventsConfig struct {
	Backend string      `yaml:"backend"` // "local" or "redis"
	Workers int         `yaml:"workers"`
	Buffer  int         `yaml:"buffer"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds the Redis Streams settings for the redis event backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
	Batch    int64  `yaml:"batch"`
}

// RelayConfig tunes hub resolution.
type RelayConfig struct {
	HubCacheTTLSeconds int           `yaml:"hub_cache_ttl_seconds"`
	HubCacheTTL        time.Duration `yaml:"-"`
}

// SweeperConfig controls the optional in-process scheduler.
type SweeperConfig struct {
	Enabled                bool          `yaml:"enabled"`
	IntervalSeconds        int           `yaml:"interval_seconds"`
	Interval               time.Duration `yaml:"-"`
	LivenessTimeoutSeconds int           `yaml:"liveness_timeout_seconds"`
	LivenessTimeout        time.Duration `yaml:"-"`
	ResendAfterSeconds     int           `yaml:"resend_after_seconds"`
	ResendAfter            time.Duration `yaml:"-"`
	MaxDispatchAttempts    int           `yaml:"max_dispatch_attempts"`
	BatchSize              int           `yaml:"batch_size"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv lets deployments override endpoints and secrets without editing the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Events.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Events.Redis.Password = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimitPerSec <= 0 {
		c.Server.RateLimitPerSec = 10
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = 20
	}
	if c.Server.CacheTTLSeconds < 0 {
		c.Server.CacheTTLSeconds = 0
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "warn"
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "relayd"
	}
	if c.MQTT.QoS > 2 {
		log.Printf("mqtt.qos %d is invalid; defaulting to 1", c.MQTT.QoS)
		c.MQTT.QoS = 1
	}
	if c.MQTT.HeartbeatTopic == "" {
		c.MQTT.HeartbeatTopic = "heartbeats"
	}
	if c.MQTT.PublishTimeoutSeconds <= 0 {
		c.MQTT.PublishTimeoutSeconds = 5
	}
	c.MQTT.PublishTimeout = time.Duration(c.MQTT.PublishTimeoutSeconds) * time.Second

	if c.Events.Backend == "" {
		c.Events.Backend = "local"
	}
	if c.Events.Workers <= 0 {
		c.Events.Workers = 4
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.Redis.Stream == "" {
		c.Events.Redis.Stream = "relay:events"
	}
	if c.Events.Redis.Group == "" {
		c.Events.Redis.Group = "relayd"
	}
	if c.Events.Redis.Consumer == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.Events.Redis.Consumer = host
		} else {
			c.Events.Redis.Consumer = "relayd-1"
		}
	}
	if c.Events.Redis.Batch <= 0 {
		c.Events.Redis.Batch = 32
	}

	if c.Relay.HubCacheTTLSeconds < 0 {
		c.Relay.HubCacheTTLSeconds = 0
	}
	c.Relay.HubCacheTTL = time.Duration(c.Relay.HubCacheTTLSeconds) * time.Second

	if c.Sweeper.IntervalSeconds <= 0 {
		c.Sweeper.IntervalSeconds = 30
	}
	c.Sweeper.Interval = time.Duration(c.Sweeper.IntervalSeconds) * time.Second
	if c.Sweeper.LivenessTimeoutSeconds <= 0 {
		c.Sweeper.LivenessTimeoutSeconds = 300
	}
	c.Sweeper.LivenessTimeout = time.Duration(c.Sweeper.LivenessTimeoutSeconds) * time.Second
	if c.Sweeper.ResendAfterSeconds <= 0 {
		c.Sweeper.ResendAfterSeconds = 60
	}
	c.Sweeper.ResendAfter = time.Duration(c.Sweeper.ResendAfterSeconds) * time.Second
	if c.Sweeper.MaxDispatchAttempts <= 0 {
		c.Sweeper.MaxDispatchAttempts = 5
	}
	if c.Sweeper.BatchSize <= 0 {
		c.Sweeper.BatchSize = 100
	}

	if c.Push.TTL <= 0 {
		c.Push.TTL = 3600
	}

	if c.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		c.WorkerPool.Size = 1
	}
}
