package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Scoring    ScoringConfig    `json:"scoring"`
	Approval   ApprovalConfig   `json:"approval"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// ScoringConfig points at the external ML scoring service.
type ScoringConfig struct {
	BaseURL    string        `json:"baseUrl"`
	Timeout    time.Duration `json:"timeout"`
	AuthToken  string        `json:"-"`
	MaxRetries int           `json:"maxRetries"`
}

// ApprovalConfig tunes the request orchestrator.
type ApprovalConfig struct {
	// MaxConcurrency caps simultaneous candidate evaluations per request.
	MaxConcurrency int `json:"maxConcurrency"`

	// IncomeLookback bounds the transaction window behind the income average.
	IncomeLookback time.Duration `json:"incomeLookback"`

	// DefaultPaybackDays is used when no paycheck can be predicted.
	DefaultPaybackDays int `json:"defaultPaybackDays"`

	// MinAccountAgeDays is the static account-age floor.
	MinAccountAgeDays int `json:"minAccountAgeDays"`

	// SolvencyFloor is the minimum projected post-payday balance.
	SolvencyFloor float64 `json:"solvencyFloor"`

	// MinIncomeAverage is the minimum recent income average per paycheck.
	MinIncomeAverage float64 `json:"minIncomeAverage"`

	// MaxPaycheckAge bounds how stale an income's last observation may be.
	MaxPaycheckAge time.Duration `json:"maxPaycheckAge"`

	// MinObservations is how many paychecks an income needs before it
	// counts as established.
	MinObservations int `json:"minObservations"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			ScoreTTL:     30 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Scoring: ScoringConfig{
			BaseURL: "http://localhost:9090",
			Timeout: 5 * time.Second,
		},
		Approval: ApprovalConfig{
			MaxConcurrency:     5,
			IncomeLookback:     60 * 24 * time.Hour,
			DefaultPaybackDays: 14,
			MinAccountAgeDays:  60,
			SolvencyFloor:      115,
			MinIncomeAverage:   200,
			MaxPaycheckAge:     45 * 24 * time.Hour,
			MinObservations:    2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
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
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		ScoreTTL:       30 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
