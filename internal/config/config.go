// Package config resolves the runtime configuration: defaults, then an
// optional YAML file, then SEENPREDYCT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/criminalytix/seenpredyct/internal/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SEENPREDYCT_"

// Load builds the configuration. An empty path skips the file; a missing
// file at a non-empty path is an error.
func Load(path string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(EnvPrefix+"TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg from the environment. Malformed values are
// collected and returned together.
func applyEnv(cfg *domain.Config) error {
	e := &envReader{}

	e.stringVar("HOST", &cfg.Server.Host)
	e.intVar("PORT", &cfg.Server.Port)
	e.listVar("ALLOWED_ORIGINS", &cfg.Server.AllowedOrigins)
	e.stringVar("CONSOLE_TOKEN", &cfg.Server.ConsoleToken)

	e.stringVar("API_URL", &cfg.API.BaseURL)
	e.durationVar("API_TIMEOUT", &cfg.API.DefaultTimeout)
	e.durationVar("UPLOAD_TIMEOUT", &cfg.API.UploadTimeout)
	e.durationVar("ML_TIMEOUT", &cfg.API.MLPredictionTimeout)
	e.durationVar("BATCH_ITEM_TIMEOUT", &cfg.API.BatchItemTimeout)
	e.intVar("RETRY_ATTEMPTS", &cfg.API.RetryAttempts)
	e.durationVar("RETRY_DELAY", &cfg.API.RetryDelay)
	e.floatVar("BACKOFF_MULTIPLIER", &cfg.API.BackoffMultiplier)

	e.stringVar("PROVIDER_URL", &cfg.Provider.URL)
	e.stringVar("PROVIDER_ANON_KEY", &cfg.Provider.AnonKey)
	e.stringVar("PROFILE_STORE", &cfg.Provider.ProfileStore)
	e.stringVar("REDIRECT_URL", &cfg.Provider.RedirectURL)
	e.stringVar("BOOTSTRAP_TOKEN", &cfg.Provider.BootstrapToken)

	e.intVar("RATE_LIMIT", &cfg.RateLimit.Predictions)
	e.durationVar("RATE_WINDOW", &cfg.RateLimit.Window)

	e.stringVar("DB_DRIVER", &cfg.Repository.Driver)
	e.stringVar("SQLITE_PATH", &cfg.Repository.SQLitePath)
	e.stringVar("POSTGRES_HOST", &cfg.Repository.PostgresHost)
	e.intVar("POSTGRES_PORT", &cfg.Repository.PostgresPort)
	e.stringVar("POSTGRES_USER", &cfg.Repository.PostgresUser)
	e.stringVar("POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	e.stringVar("POSTGRES_DB", &cfg.Repository.PostgresDB)
	e.stringVar("POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	e.stringVar("CACHE_TYPE", &cfg.Cache.Type)
	e.stringVar("REDIS_ADDR", &cfg.Cache.RedisAddr)
	e.stringVar("REDIS_PASSWORD", &cfg.Cache.RedisPassword)

	e.stringVar("BUS_TYPE", &cfg.EventBus.Type)
	e.stringVar("NATS_URL", &cfg.EventBus.NATSUrl)
	e.stringVar("NATS_TOKEN", &cfg.EventBus.NATSToken)
	e.stringVar("NATS_QUEUE_GROUP", &cfg.EventBus.NATSQueueGroup)

	e.stringVar("LOG_LEVEL", &cfg.Logging.Level)
	e.stringVar("LOG_FORMAT", &cfg.Logging.Format)
	e.boolVar("TRACING", &cfg.Tracing.Enabled)

	var debug bool
	e.boolVar("DEBUG", &debug)
	if debug {
		cfg.Logging.Level = "debug"
	}

	return errors.Join(e.errs...)
}

// Validate checks cross-field constraints and reports every problem.
func Validate(cfg *domain.Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	if u, err := url.Parse(cfg.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.baseUrl %q is not an absolute URL", cfg.API.BaseURL))
	}
	if cfg.Provider.URL != "" {
		if u, err := url.Parse(cfg.Provider.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("provider.url %q is not an absolute URL", cfg.Provider.URL))
		}
	}
	if cfg.API.RetryAttempts < 1 {
		errs = append(errs, errors.New("api.retryAttempts must be at least 1"))
	}
	if cfg.API.RetryDelay < 0 {
		errs = append(errs, errors.New("api.retryDelay must not be negative"))
	}
	if cfg.API.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("api.backoffMultiplier must be at least 1"))
	}
	for name, d := range map[string]time.Duration{
		"api.defaultTimeout":      cfg.API.DefaultTimeout,
		"api.uploadTimeout":       cfg.API.UploadTimeout,
		"api.mlPredictionTimeout": cfg.API.MLPredictionTimeout,
		"api.batchItemTimeout":    cfg.API.BatchItemTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	switch cfg.Provider.ProfileStore {
	case "rest", "sql":
	default:
		errs = append(errs, fmt.Errorf("provider.profileStore %q must be rest or sql", cfg.Provider.ProfileStore))
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres", "pgx":
	default:
		errs = append(errs, fmt.Errorf("repository.driver %q is not supported", cfg.Repository.Driver))
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.type %q is not supported", cfg.Cache.Type))
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		errs = append(errs, fmt.Errorf("eventBus.type %q is not supported", cfg.EventBus.Type))
	}
	if _, err := ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if cfg.RateLimit.Predictions < 0 {
		errs = append(errs, errors.New("rateLimit.predictions must not be negative"))
	}

	return errors.Join(errs...)
}

// ParseLevel maps a level name onto a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging.level %q must be debug, info, warn or error", level)
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	level, _ := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

type envReader struct {
	errs []error
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(name, raw string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s%s=%q: %w", EnvPrefix, name, raw, err))
}

func (e *envReader) stringVar(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

// listVar reads a comma-separated list, dropping empty items.
func (e *envReader) listVar(name string, dst *[]string) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	var out []string
	for item := range strings.SplitSeq(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (e *envReader) intVar(name string, dst *int) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = n
}

func (e *envReader) floatVar(name string, dst *float64) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = f
}

func (e *envReader) boolVar(name string, dst *bool) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = b
}

// durationVar accepts Go durations ("1.5s") or bare milliseconds ("1500").
func (e *envReader) durationVar(name string, dst *time.Duration) {
	v, ok := e.lookup(name)
	if !ok {
		return
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(name, v, err)
		return
	}
	*dst = d
}
