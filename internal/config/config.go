package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string           `yaml:"environment"`
	Server      ServerConfig     `yaml:"server"`
	Kafka       KafkaConfig      `yaml:"kafka"`
	Postgres    PostgresConfig   `yaml:"postgres"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse"`
	Redis       RedisConfig      `yaml:"redis"`
	GeoIP       GeoIPConfig      `yaml:"geoip"`
	Location    LocationConfig   `yaml:"location"`
	Tracking    TrackingConfig   `yaml:"tracking"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Batch       BatchConfig      `yaml:"batch"`
}

type ServerConfig struct {
	HTTPPort int `yaml:"http_port"`
}

type KafkaConfig struct {
	Brokers []string          `yaml:"brokers"`
	Topics  map[string]string `yaml:"topics"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type ClickHouseConfig struct {
	Addr         string `yaml:"addr"`
	Database     string `yaml:"database"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type GeoIPConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LocationConfig points at the third-party IP lookup used for coarse
// visitor location.
type LocationConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

type TrackingConfig struct {
	DevelopmentHosts []string      `yaml:"development_hosts"`
	DispatchTimeout  time.Duration `yaml:"dispatch_timeout"`
	IdleWorkers      int           `yaml:"idle_workers"`
	IdleQueueSize    int           `yaml:"idle_queue_size"`
	MaxOpenPages     int           `yaml:"max_open_pages"`
	SectionThreshold float64       `yaml:"section_threshold"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
}

type BatchConfig struct {
	Size          int           `yaml:"size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// IsDevelopment reports whether tracking failures should be logged.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Environment == "" {
		c.Environment = "production"
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Location.Endpoint == "" {
		c.Location.Endpoint = "https://ipapi.co/{ip}/json/"
	}
	if c.Location.Timeout == 0 {
		c.Location.Timeout = 3 * time.Second
	}
	if len(c.Tracking.DevelopmentHosts) == 0 {
		c.Tracking.DevelopmentHosts = []string{"localhost", "127.0.0.1"}
	}
	if c.Tracking.DispatchTimeout == 0 {
		c.Tracking.DispatchTimeout = 2 * time.Second
	}
	if c.Tracking.IdleWorkers == 0 {
		c.Tracking.IdleWorkers = 2
	}
	if c.Tracking.IdleQueueSize == 0 {
		c.Tracking.IdleQueueSize = 256
	}
	if c.Tracking.MaxOpenPages == 0 {
		c.Tracking.MaxOpenPages = 10000
	}
	if c.Tracking.SectionThreshold == 0 {
		c.Tracking.SectionThreshold = 0.3
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 20
	}
	if c.Batch.Size == 0 {
		c.Batch.Size = 500
	}
	if c.Batch.FlushInterval == 0 {
		c.Batch.FlushInterval = 5 * time.Second
	}
	if c.ClickHouse.MaxOpenConns == 0 {
		c.ClickHouse.MaxOpenConns = 10
	}
	if c.ClickHouse.MaxIdleConns == 0 {
		c.ClickHouse.MaxIdleConns = 5
	}

	// Unset ${VAR} entries expand to empty strings.
	brokers := c.Kafka.Brokers[:0]
	for _, b := range c.Kafka.Brokers {
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	c.Kafka.Brokers = brokers
}
