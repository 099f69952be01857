package domain

import "time"

// Config holds the complete SeenPredyct configuration.
type Config struct {
	// Server settings for the local console API
	Server ServerConfig `yaml:"server"`

	// Tier determines which storage, cache and bus backends are used
	Tier Tier `yaml:"tier"`

	// Remote ML endpoint and HTTP client behavior
	API APIConfig `yaml:"api"`

	// Hosted identity/data provider
	Provider ProviderConfig `yaml:"provider"`

	// Prediction rate limiting per operator
	RateLimit RateLimitConfig `yaml:"rateLimit"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"eventBus"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"readTimeout"`  // seconds
	WriteTimeout int    `yaml:"writeTimeout"` // seconds

	// AllowedOrigins lists dashboard origins granted CORS access; empty
	// grants none.
	AllowedOrigins []string `yaml:"allowedOrigins"`

	// ConsoleToken is the bearer token required on every console route
	// but /health and /ready; empty means one is generated at startup.
	ConsoleToken string `yaml:"consoleToken"`
}

// APIConfig holds the remote ML endpoint and shared client settings.
type APIConfig struct {
	BaseURL string `yaml:"baseUrl"`

	DefaultTimeout      time.Duration `yaml:"defaultTimeout"`
	UploadTimeout       time.Duration `yaml:"uploadTimeout"`
	MLPredictionTimeout time.Duration `yaml:"mlPredictionTimeout"`
	BatchItemTimeout    time.Duration `yaml:"batchItemTimeout"`

	// Retry policy: delay before attempt n+1 is RetryDelay * BackoffMultiplier^(n-1)
	RetryAttempts     int           `yaml:"retryAttempts"`
	RetryDelay        time.Duration `yaml:"retryDelay"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
}

// ProviderConfig holds identity/data provider settings.
type ProviderConfig struct {
	URL     string `yaml:"url"`
	AnonKey string `yaml:"anonKey"`

	// ProfileStore selects where operator profiles live: "rest" (provider table) or "sql" (local repository)
	ProfileStore string `yaml:"profileStore"`

	// RedirectURL is sent with password reset requests
	RedirectURL string `yaml:"redirectUrl"`

	// BootstrapToken authorizes the admin user-creation RPC
	BootstrapToken string `yaml:"bootstrapToken"`
}

// RateLimitConfig bounds predictions per operator per window.
type RateLimitConfig struct {
	Predictions int           `yaml:"predictions"` // 0 disables the limit
	Window      time.Duration `yaml:"window"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ServiceName  string `yaml:"serviceName"`
	ExporterType string `yaml:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `yaml:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + in-memory cache + channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + Redis + NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 120,
		},
		Tier: TierCommunity,
		API: APIConfig{
			BaseURL:             "http://localhost:8000",
			DefaultTimeout:      10 * time.Second,
			UploadTimeout:       60 * time.Second,
			MLPredictionTimeout: 30 * time.Second,
			BatchItemTimeout:    2 * time.Second,
			RetryAttempts:       3,
			RetryDelay:          time.Second,
			BackoffMultiplier:   2,
		},
		Provider: ProviderConfig{
			ProfileStore: "rest",
		},
		RateLimit: RateLimitConfig{
			Predictions: 120,
			Window:      time.Minute,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./seenpredyct.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "seenpredyct",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "seenpredyct",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "seenpredyct-recorder",
	}
	cfg.Tracing.Enabled = true
	return cfg
}
