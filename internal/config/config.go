package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	API         APIConfig         `mapstructure:"api"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Fetcher     FetcherConfig     `mapstructure:"fetcher"`
	ScrapingAPI ScrapingAPIConfig `mapstructure:"scrapingapi"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Extractor   ExtractorConfig   `mapstructure:"extractor"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Sink        SinkConfig        `mapstructure:"sink"`
	Relay       RelayConfig       `mapstructure:"relay"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type APIConfig struct {
	MaxBatchSize int `mapstructure:"max_batch_size"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type FetcherConfig struct {
	// Strategy is one of http, scrapingapi, browser.
	Strategy string `mapstructure:"strategy"`
	// RenderStrategy handles requests asking for javascript rendering; empty disables routing.
	RenderStrategy   string        `mapstructure:"render_strategy"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes"`
	RequestsPerSec   float64       `mapstructure:"requests_per_sec"`
	Burst            int           `mapstructure:"burst"`
	RenderJavascript bool          `mapstructure:"render_javascript"`
	GeoLocation      string        `mapstructure:"geo_location"`
	UserAgentProfile string        `mapstructure:"user_agent_profile"`
}

type ScrapingAPIConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Source   string        `mapstructure:"source"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type BrowserConfig struct {
	Headless bool          `mapstructure:"headless"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Proxy    string        `mapstructure:"proxy"`
}

type ExtractorConfig struct {
	// Strategy is one of structural, llm, structural+llm.
	Strategy            string   `mapstructure:"strategy"`
	SavedBy             string   `mapstructure:"saved_by"`
	AvailabilityPhrases []string `mapstructure:"availability_phrases"`
	MaxContentBytes     int      `mapstructure:"max_content_bytes"`
}

type LLMConfig struct {
	APIURL  string        `mapstructure:"api_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PipelineConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
}

type SinkConfig struct {
	// Type is one of memory, redis, sqlite, postgres.
	Type        string `mapstructure:"type"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	RedisPrefix string `mapstructure:"redis_prefix"`
}

type RelayConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Stream       string        `mapstructure:"stream"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config.yaml (optional) and PIPELINE_* environment variables on top of defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/product-pipeline/")

	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8084)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:*", "https://localhost:*"})

	v.SetDefault("api.max_batch_size", 100)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "product_pipeline")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("fetcher.strategy", "http")
	v.SetDefault("fetcher.render_strategy", "")
	v.SetDefault("fetcher.timeout", 30*time.Second)
	v.SetDefault("fetcher.max_body_bytes", 10<<20)
	v.SetDefault("fetcher.requests_per_sec", 1.0)
	v.SetDefault("fetcher.burst", 2)
	v.SetDefault("fetcher.render_javascript", false)
	v.SetDefault("fetcher.geo_location", "")
	v.SetDefault("fetcher.user_agent_profile", "desktop")

	v.SetDefault("scrapingapi.endpoint", "")
	v.SetDefault("scrapingapi.source", "universal")
	v.SetDefault("scrapingapi.username", "")
	v.SetDefault("scrapingapi.password", "")
	v.SetDefault("scrapingapi.timeout", 90*time.Second)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.timeout", 30*time.Second)
	v.SetDefault("browser.proxy", "")

	v.SetDefault("extractor.strategy", "structural")
	v.SetDefault("extractor.saved_by", "product-pipeline")
	v.SetDefault("extractor.availability_phrases", []string{"in stock", "for sale"})
	v.SetDefault("extractor.max_content_bytes", 20000)

	v.SetDefault("llm.api_url", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 2*time.Minute)

	v.SetDefault("pipeline.max_concurrency", 4)
	v.SetDefault("pipeline.max_retries", 2)
	v.SetDefault("pipeline.retry_backoff", 500*time.Millisecond)
	v.SetDefault("pipeline.max_backoff", 10*time.Second)
	v.SetDefault("pipeline.grace_period", 10*time.Second)
	v.SetDefault("pipeline.batch_timeout", time.Duration(0))

	v.SetDefault("sink.type", "memory")
	v.SetDefault("sink.sqlite_path", "products.db")
	v.SetDefault("sink.redis_prefix", "product:")

	v.SetDefault("relay.enabled", true)
	v.SetDefault("relay.poll_interval", 5*time.Second)
	v.SetDefault("relay.batch_size", 100)
	v.SetDefault("relay.stream", "stream:product_records")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks limits, strategy names and the settings each strategy needs.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.API.MaxBatchSize < 1 {
		return fmt.Errorf("api max batch size must be at least 1")
	}

	if c.Pipeline.MaxConcurrency < 1 {
		return fmt.Errorf("at least 1 concurrent worker is required")
	}

	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	for _, strategy := range []string{c.Fetcher.Strategy, c.Fetcher.RenderStrategy} {
		switch strategy {
		case "", "http", "browser":
		case "scrapingapi":
			if c.ScrapingAPI.Endpoint == "" {
				return fmt.Errorf("scraping api endpoint is required for the scrapingapi fetcher")
			}
			if c.ScrapingAPI.Username == "" || c.ScrapingAPI.Password == "" {
				return fmt.Errorf("scraping api credentials are required for the scrapingapi fetcher")
			}
		default:
			return fmt.Errorf("unknown fetcher strategy: %q", strategy)
		}
	}
	if c.Fetcher.Strategy == "" {
		return fmt.Errorf("fetcher strategy is required")
	}

	switch c.Extractor.Strategy {
	case "structural":
	case "llm", "structural+llm":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm api key is required for the %s extractor", c.Extractor.Strategy)
		}
	default:
		return fmt.Errorf("unknown extractor strategy: %q", c.Extractor.Strategy)
	}

	switch c.Sink.Type {
	case "memory", "redis":
	case "sqlite":
		if c.Sink.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for the sqlite sink")
		}
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Name == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("unknown sink type: %q", c.Sink.Type)
	}

	return nil
}
