package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the root supportd configuration.
type Config struct {
	Service         ServiceConfig         `mapstructure:"service" json:"service" yaml:"service"`
	Logging         LoggingConfig         `mapstructure:"logging" json:"logging" yaml:"logging"`
	Session         SessionConfig         `mapstructure:"session" json:"session" yaml:"session"`
	Postgres        PostgresConfig        `mapstructure:"postgres" json:"postgres" yaml:"postgres"`
	Vector          VectorConfig          `mapstructure:"vector" json:"vector" yaml:"vector"`
	Cache           CacheConfig           `mapstructure:"cache" json:"cache" yaml:"cache"`
	Embeddings      EmbeddingsConfig      `mapstructure:"embeddings" json:"embeddings" yaml:"embeddings"`
	Rerank          RerankConfig          `mapstructure:"rerank" json:"rerank" yaml:"rerank"`
	Router          RouterConfig          `mapstructure:"router" json:"router" yaml:"router"`
	LLM             LLMConfig             `mapstructure:"llm" json:"llm" yaml:"llm"`
	Notify          NotifyConfig          `mapstructure:"notify" json:"notify" yaml:"notify"`
	Auth            AuthConfig            `mapstructure:"auth" json:"auth" yaml:"auth"`
	RateLimit       RateLimitConfig       `mapstructure:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	Tracing         TracingConfig         `mapstructure:"tracing" json:"tracing" yaml:"tracing"`
	CircuitBreakers CircuitBreakersConfig `mapstructure:"circuit_breakers" json:"circuit_breakers" yaml:"circuit_breakers"`
}

// ServiceConfig contains basic HTTP service configuration.
type ServiceConfig struct {
	Port            int           `mapstructure:"port" json:"port" yaml:"port"`
	MetricsPort     int           `mapstructure:"metrics_port" json:"metrics_port" yaml:"metrics_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout" yaml:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout" json:"graceful_timeout" yaml:"graceful_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level            string   `mapstructure:"level" json:"level" yaml:"level"`
	Development      bool     `mapstructure:"development" json:"development" yaml:"development"`
	Encoding         string   `mapstructure:"encoding" json:"encoding" yaml:"encoding"` // "json" or "console"
	OutputPaths      []string `mapstructure:"output_paths" json:"output_paths" yaml:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths" json:"error_output_paths" yaml:"error_output_paths"`
}

// Build constructs a zap logger from the logging settings.
func (lc LoggingConfig) Build() (*zap.Logger, error) {
	logger, _, err := lc.BuildWithLevel()
	return logger, err
}

// BuildWithLevel constructs the logger and also returns its level handle so
// the config watcher can adjust verbosity at runtime. Unknown level strings
// fall back to info.
func (lc LoggingConfig) BuildWithLevel() (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if lc.Encoding != "" {
		zc.Encoding = lc.Encoding
	}
	if len(lc.OutputPaths) > 0 {
		zc.OutputPaths = lc.OutputPaths
	}
	if len(lc.ErrorOutputPaths) > 0 {
		zc.ErrorOutputPaths = lc.ErrorOutputPaths
	}
	logger, err := zc.Build()
	return logger, zc.Level, err
}

// SessionConfig contains live session store and summarization settings.
type SessionConfig struct {
	RedisURL            string        `mapstructure:"redis_url" json:"redis_url" yaml:"redis_url"`
	RecentWindow        int           `mapstructure:"recent_messages_window" json:"recent_messages_window" yaml:"recent_messages_window"`
	TTLDays             int           `mapstructure:"ttl_days" json:"ttl_days" yaml:"ttl_days"` // 0 disables expiry
	SummaryMinMessages  int           `mapstructure:"summary_min_messages" json:"summary_min_messages" yaml:"summary_min_messages"`
	SummaryHistoryLimit int           `mapstructure:"summary_history_limit" json:"summary_history_limit" yaml:"summary_history_limit"`
	SummaryMaxChars     int           `mapstructure:"summary_max_chars" json:"summary_max_chars" yaml:"summary_max_chars"`
	StoreTimeout        time.Duration `mapstructure:"store_timeout" json:"store_timeout" yaml:"store_timeout"`
}

// TTL returns the session expiry as a duration.
func (sc SessionConfig) TTL() time.Duration {
	return time.Duration(sc.TTLDays) * 24 * time.Hour
}

// PostgresConfig contains relational store settings. An empty DSN disables
// relational retrieval, archival, and credential lookups.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn" json:"dsn" yaml:"dsn"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout" json:"query_timeout" yaml:"query_timeout"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// VectorConfig contains vector database settings.
type VectorConfig struct {
	Enabled         bool          `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Host            string        `mapstructure:"host" json:"host" yaml:"host"`
	Port            int           `mapstructure:"port" json:"port" yaml:"port"`
	KBCollection    string        `mapstructure:"kb_collection" json:"kb_collection" yaml:"kb_collection"`
	CacheCollection string        `mapstructure:"cache_collection" json:"cache_collection" yaml:"cache_collection"`
	TopKDocuments   int           `mapstructure:"top_k_documents" json:"top_k_documents" yaml:"top_k_documents"`
	TopNDocuments   int           `mapstructure:"top_n_documents" json:"top_n_documents" yaml:"top_n_documents"`
	Timeout         time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
}

// CacheConfig contains semantic answer cache settings.
type CacheConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" json:"similarity_threshold" yaml:"similarity_threshold"`
	TopK                int     `mapstructure:"top_k" json:"top_k" yaml:"top_k"`
}

// EmbeddingsConfig contains embeddings service settings.
type EmbeddingsConfig struct {
	BaseURL string        `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	Model   string        `mapstructure:"model" json:"model" yaml:"model"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	MaxLRU  int           `mapstructure:"max_lru" json:"max_lru" yaml:"max_lru"`
}

// RerankConfig contains cross-encoder rerank settings. BaseURL falls back to
// the embeddings base URL when empty.
type RerankConfig struct {
	Enabled bool          `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	BaseURL string        `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
}

// RouterConfig contains query classification settings. An empty RulesPath
// keeps the built-in keyword rules.
type RouterConfig struct {
	RulesPath string `mapstructure:"rules_path" json:"rules_path" yaml:"rules_path"`
}

// LLMConfig contains chat completion settings.
type LLMConfig struct {
	APIKey  string        `mapstructure:"api_key" json:"-" yaml:"-"`
	BaseURL string        `mapstructure:"base_url" json:"base_url" yaml:"base_url"`
	Model   string        `mapstructure:"model" json:"model" yaml:"model"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
}

// NotifyConfig contains escalation alert settings. Webhook takes precedence
// over the bot token when both are configured.
type NotifyConfig struct {
	SlackWebhookURL string        `mapstructure:"slack_webhook_url" json:"-" yaml:"-"`
	SlackBotToken   string        `mapstructure:"slack_bot_token" json:"-" yaml:"-"`
	SlackChannelID  string        `mapstructure:"slack_channel_id" json:"slack_channel_id" yaml:"slack_channel_id"`
	SessionURLBase  string        `mapstructure:"session_url_base" json:"session_url_base" yaml:"session_url_base"`
	Timeout         time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	AlertsPerMinute int           `mapstructure:"alerts_per_minute" json:"alerts_per_minute" yaml:"alerts_per_minute"`
}

// AuthConfig contains login settings. The bypass is active only when both
// fields are set.
type AuthConfig struct {
	AdminEmail    string `mapstructure:"admin_email" json:"admin_email" yaml:"admin_email"`
	AdminPasscode string `mapstructure:"admin_passcode" json:"-" yaml:"-"`
}

// RateLimitConfig contains per-user HTTP rate limit settings.
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute" json:"requests_per_minute" yaml:"requests_per_minute"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	ServiceName  string `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// CircuitBreakersConfig contains per-dependency breaker settings.
type CircuitBreakersConfig struct {
	Redis CircuitBreakerConfig `mapstructure:"redis" json:"redis" yaml:"redis"`
	HTTP  CircuitBreakerConfig `mapstructure:"http" json:"http" yaml:"http"`
}

// CircuitBreakerConfig represents circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout" json:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenRequests int           `mapstructure:"half_open_requests" json:"half_open_requests" yaml:"half_open_requests"`
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Port:            8080,
			MetricsPort:     2112,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:            "info",
			Development:      false,
			Encoding:         "json",
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		},
		Session: SessionConfig{
			RedisURL:            "redis://localhost:6379/0",
			RecentWindow:        12,
			TTLDays:             7,
			SummaryMinMessages:  12,
			SummaryHistoryLimit: 40,
			SummaryMaxChars:     256,
			StoreTimeout:        2 * time.Second,
		},
		Postgres: PostgresConfig{
			DSN:             "",
			QueryTimeout:    5 * time.Second,
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Vector: VectorConfig{
			Enabled:         true,
			Host:            "localhost",
			Port:            6333,
			KBCollection:    "kb_documents",
			CacheCollection: "semantic_cache",
			TopKDocuments:   10,
			TopNDocuments:   3,
			Timeout:         10 * time.Second,
		},
		Cache: CacheConfig{
			SimilarityThreshold: 0.9,
			TopK:                3,
		},
		Embeddings: EmbeddingsConfig{
			BaseURL: "http://localhost:8000",
			Model:   "text-embedding-3-small",
			Timeout: 10 * time.Second,
			MaxLRU:  2048,
		},
		Rerank: RerankConfig{
			Enabled: true,
			BaseURL: "",
			Timeout: 10 * time.Second,
		},
		Router: RouterConfig{
			RulesPath: "",
		},
		LLM: LLMConfig{
			APIKey:  "",
			BaseURL: "",
			Model:   "gpt-4o-mini",
			Timeout: 30 * time.Second,
		},
		Notify: NotifyConfig{
			Timeout:         10 * time.Second,
			AlertsPerMinute: 6,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "supportd",
			OTLPEndpoint: "localhost:4317",
		},
		CircuitBreakers: CircuitBreakersConfig{
			Redis: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
				HalfOpenRequests: 1,
			},
			HTTP: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
				HalfOpenRequests: 1,
			},
		},
	}
}

// Load builds the configuration from defaults, an optional config file named
// by CONFIG_PATH, and environment overrides. Environment keys use the
// SUPPORTD_ prefix with underscores (SUPPORTD_SESSION_TTL_DAYS); a handful of
// conventional names (REDIS_URL, POSTGRES_DSN, OPENAI_API_KEY, ...) are bound
// to their sections directly.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("SUPPORTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindConventionalEnv(v)

	if cfgPath := os.Getenv("CONFIG_PATH"); cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFile reads and validates a specific config file over the defaults.
// Used by the file watcher on change events; environment overrides are not
// reapplied here since a reload should reflect the file as written.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("service.port", d.Service.Port)
	v.SetDefault("service.metrics_port", d.Service.MetricsPort)
	v.SetDefault("service.read_timeout", d.Service.ReadTimeout)
	v.SetDefault("service.write_timeout", d.Service.WriteTimeout)
	v.SetDefault("service.graceful_timeout", d.Service.GracefulTimeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.development", d.Logging.Development)
	v.SetDefault("logging.encoding", d.Logging.Encoding)
	v.SetDefault("logging.output_paths", d.Logging.OutputPaths)
	v.SetDefault("logging.error_output_paths", d.Logging.ErrorOutputPaths)

	v.SetDefault("session.redis_url", d.Session.RedisURL)
	v.SetDefault("session.recent_messages_window", d.Session.RecentWindow)
	v.SetDefault("session.ttl_days", d.Session.TTLDays)
	v.SetDefault("session.summary_min_messages", d.Session.SummaryMinMessages)
	v.SetDefault("session.summary_history_limit", d.Session.SummaryHistoryLimit)
	v.SetDefault("session.summary_max_chars", d.Session.SummaryMaxChars)
	v.SetDefault("session.store_timeout", d.Session.StoreTimeout)

	v.SetDefault("postgres.dsn", d.Postgres.DSN)
	v.SetDefault("postgres.query_timeout", d.Postgres.QueryTimeout)
	v.SetDefault("postgres.max_open_conns", d.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", d.Postgres.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", d.Postgres.ConnMaxLifetime)

	v.SetDefault("vector.enabled", d.Vector.Enabled)
	v.SetDefault("vector.host", d.Vector.Host)
	v.SetDefault("vector.port", d.Vector.Port)
	v.SetDefault("vector.kb_collection", d.Vector.KBCollection)
	v.SetDefault("vector.cache_collection", d.Vector.CacheCollection)
	v.SetDefault("vector.top_k_documents", d.Vector.TopKDocuments)
	v.SetDefault("vector.top_n_documents", d.Vector.TopNDocuments)
	v.SetDefault("vector.timeout", d.Vector.Timeout)

	v.SetDefault("cache.similarity_threshold", d.Cache.SimilarityThreshold)
	v.SetDefault("cache.top_k", d.Cache.TopK)

	v.SetDefault("embeddings.base_url", d.Embeddings.BaseURL)
	v.SetDefault("embeddings.model", d.Embeddings.Model)
	v.SetDefault("embeddings.timeout", d.Embeddings.Timeout)
	v.SetDefault("embeddings.max_lru", d.Embeddings.MaxLRU)

	v.SetDefault("rerank.enabled", d.Rerank.Enabled)
	v.SetDefault("rerank.base_url", d.Rerank.BaseURL)
	v.SetDefault("rerank.timeout", d.Rerank.Timeout)

	v.SetDefault("router.rules_path", d.Router.RulesPath)

	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.timeout", d.LLM.Timeout)

	v.SetDefault("notify.slack_webhook_url", d.Notify.SlackWebhookURL)
	v.SetDefault("notify.slack_bot_token", d.Notify.SlackBotToken)
	v.SetDefault("notify.slack_channel_id", d.Notify.SlackChannelID)
	v.SetDefault("notify.session_url_base", d.Notify.SessionURLBase)
	v.SetDefault("notify.timeout", d.Notify.Timeout)
	v.SetDefault("notify.alerts_per_minute", d.Notify.AlertsPerMinute)

	v.SetDefault("auth.admin_email", d.Auth.AdminEmail)
	v.SetDefault("auth.admin_passcode", d.Auth.AdminPasscode)

	v.SetDefault("rate_limit.requests_per_minute", d.RateLimit.RequestsPerMinute)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)

	v.SetDefault("circuit_breakers.redis.enabled", d.CircuitBreakers.Redis.Enabled)
	v.SetDefault("circuit_breakers.redis.failure_threshold", d.CircuitBreakers.Redis.FailureThreshold)
	v.SetDefault("circuit_breakers.redis.reset_timeout", d.CircuitBreakers.Redis.ResetTimeout)
	v.SetDefault("circuit_breakers.redis.half_open_requests", d.CircuitBreakers.Redis.HalfOpenRequests)
	v.SetDefault("circuit_breakers.http.enabled", d.CircuitBreakers.HTTP.Enabled)
	v.SetDefault("circuit_breakers.http.failure_threshold", d.CircuitBreakers.HTTP.FailureThreshold)
	v.SetDefault("circuit_breakers.http.reset_timeout", d.CircuitBreakers.HTTP.ResetTimeout)
	v.SetDefault("circuit_breakers.http.half_open_requests", d.CircuitBreakers.HTTP.HalfOpenRequests)
}

func bindConventionalEnv(v *viper.Viper) {
	bind := map[string]string{
		"service.port":             "PORT",
		"service.metrics_port":     "METRICS_PORT",
		"session.redis_url":        "REDIS_URL",
		"postgres.dsn":             "POSTGRES_DSN",
		"llm.api_key":              "OPENAI_API_KEY",
		"llm.base_url":             "OPENAI_BASE_URL",
		"embeddings.base_url":      "EMBEDDINGS_BASE_URL",
		"rerank.base_url":          "RERANK_BASE_URL",
		"vector.host":              "VECTOR_HOST",
		"vector.port":              "VECTOR_PORT",
		"router.rules_path":        "ROUTER_RULES_PATH",
		"notify.slack_webhook_url": "SLACK_WEBHOOK_URL",
		"notify.slack_bot_token":   "SLACK_BOT_TOKEN",
		"notify.slack_channel_id":  "SLACK_CHANNEL_ID",
		"auth.admin_email":         "ADMIN_EMAIL",
		"auth.admin_passcode":      "ADMIN_PASSCODE",
		"tracing.otlp_endpoint":    "OTEL_EXPORTER_OTLP_ENDPOINT",
	}
	for key, env := range bind {
		_ = v.BindEnv(key, env)
	}
}

// Validate checks structural constraints. It deliberately does not require
// credentials; components degrade when their backends are absent.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("service port must be between 1 and 65535, got %d", c.Service.Port)
	}
	if c.Service.MetricsPort < 1 || c.Service.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1 and 65535, got %d", c.Service.MetricsPort)
	}
	if c.Session.RecentWindow < 0 {
		return fmt.Errorf("recent_messages_window cannot be negative, got %d", c.Session.RecentWindow)
	}
	if c.Session.TTLDays < 0 {
		return fmt.Errorf("ttl_days cannot be negative, got %d", c.Session.TTLDays)
	}
	if c.Session.SummaryHistoryLimit < 1 {
		return fmt.Errorf("summary_history_limit must be at least 1, got %d", c.Session.SummaryHistoryLimit)
	}
	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be between 0 and 1, got %v", c.Cache.SimilarityThreshold)
	}
	if c.Cache.TopK < 1 {
		return fmt.Errorf("cache top_k must be at least 1, got %d", c.Cache.TopK)
	}
	if c.Vector.TopKDocuments < c.Vector.TopNDocuments {
		return fmt.Errorf("top_k_documents (%d) must be >= top_n_documents (%d)",
			c.Vector.TopKDocuments, c.Vector.TopNDocuments)
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute cannot be negative, got %d", c.RateLimit.RequestsPerMinute)
	}
	return nil
}
