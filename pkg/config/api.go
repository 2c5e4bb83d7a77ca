package config

import (
	"errors"
	"time"
)

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	LogLevel           string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	PipelineDriver     string
	RunnerURL          string
	RunnerAuthToken    string
	RunnerCallbackKey  string
	DispatchTimeout    time.Duration
	RepositoryBaseURL  string
	DeployDomainSuffix string
	StalenessWindow    time.Duration
	ReconcileInterval  time.Duration
	PollConcurrency    int
	SimulateRunner     bool
	SimulatedStepDelay time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

const defaultJWTSecret = "supersecuresecret"

// Pipeline driver names accepted by PIPELINE_DRIVER.
const (
	DriverMemory = "memory"
	DriverRemote = "remote"
)

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		Addr:               GetString("API_ADDR", ":8080"),
		DatabaseURL:        GetString("DATABASE_URL", ""),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", defaultJWTSecret),
		PipelineDriver:     GetString("PIPELINE_DRIVER", DriverMemory),
		RunnerURL:          GetString("RUNNER_URL", "http://runner:9000"),
		RunnerAuthToken:    GetString("RUNNER_AUTH_TOKEN", ""),
		RunnerCallbackKey:  GetString("RUNNER_CALLBACK_TOKEN", ""),
		DispatchTimeout:    GetDuration("RUNNER_DISPATCH_TIMEOUT", 10*time.Second),
		RepositoryBaseURL:  GetString("REPOSITORY_BASE_URL", "http://gitlab.local:8929"),
		DeployDomainSuffix: GetString("DEPLOY_DOMAIN_SUFFIX", ".apps.local"),
		StalenessWindow:    time.Duration(GetInt("PIPELINE_STALENESS_SECONDS", 900)) * time.Second,
		ReconcileInterval:  time.Duration(GetInt("PIPELINE_RECONCILE_SECONDS", 30)) * time.Second,
		PollConcurrency:    GetInt("PIPELINE_POLL_CONCURRENCY", 8),
		SimulateRunner:     GetBool("MEMORY_DRIVER_SIMULATE", true),
		SimulatedStepDelay: time.Duration(GetInt("MEMORY_DRIVER_STEP_MILLIS", 1500)) * time.Millisecond,
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

// Validate rejects development defaults when APP_ENV is production.
func (c APIConfig) Validate() error {
	if c.Environment != "production" {
		return nil
	}
	var errs []error
	if c.JWTSecret == "" || c.JWTSecret == defaultJWTSecret {
		errs = append(errs, errors.New("JWT_SECRET must be set in production"))
	}
	if c.RunnerCallbackKey == "" {
		errs = append(errs, errors.New("RUNNER_CALLBACK_TOKEN must be set in production"))
	}
	return errors.Join(errs...)
}
