// Package config provides configuration management for adscribe using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort       = 8086
	defaultServerTimeout    = 30 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultMaxOpenConns     = 6
	defaultMaxIdleConns     = 3
	defaultConnMaxIdleTime  = 30 * time.Minute
	defaultMaxWorkers       = 4
	defaultCaptionWorkers   = 1
	defaultMaxRetries       = 3
	defaultRetryDelay       = 5 * time.Second
	defaultFrameRate        = 3
	defaultRatingThreshold  = 0.5
	defaultDetectThreshold  = 0.25
	defaultDetectBatchSize  = 100
	defaultDetectSlots      = 2
	defaultRatingSlots      = 2
	defaultHealthInterval   = 30 * time.Second
	defaultHealthFailures   = 3
	defaultPollInterval     = 2 * time.Second
	defaultVisibility       = 30 * time.Minute
	defaultQueueHighWater   = 100
	defaultCleanupSchedule  = "@hourly"
	defaultCleanupMaxAge    = 24 * time.Hour
	defaultAudioTimeout     = 3 * time.Minute
	defaultDownloadTimeout  = 15 * time.Minute
	defaultInferenceTimeout = 120 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Services ServicesConfig `mapstructure:"services"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Cleanup  CleanupConfig  `mapstructure:"cleanup"`
	Google   GoogleConfig   `mapstructure:"google"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds scratch artifact storage configuration.
type StorageConfig struct {
	// Environment selects the artifact root: "dev" or "prod".
	Environment string `mapstructure:"environment"`
	// ArtifactsRoot is the base directory for per-job scratch directories.
	// When empty, it is derived from Environment.
	ArtifactsRoot string `mapstructure:"artifacts_root"`
	// DevRoot and ProdRoot are the per-environment artifact roots.
	DevRoot  string `mapstructure:"dev_root"`
	ProdRoot string `mapstructure:"prod_root"`
}

// EffectiveArtifactsRoot returns the artifact root for the selected environment.
func (s StorageConfig) EffectiveArtifactsRoot() string {
	if s.ArtifactsRoot != "" {
		return s.ArtifactsRoot
	}
	if s.Environment == "prod" {
		return s.ProdRoot
	}
	return s.DevRoot
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ServiceEndpointConfig holds configuration for one external inference service.
type ServiceEndpointConfig struct {
	URL string `mapstructure:"url"`
	// MaxConcurrency is the semaphore size for this endpoint.
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// Token is the access token sent with inference requests.
	Token string `mapstructure:"token"`
}

// ServicesConfig holds the external inference service endpoints.
type ServicesConfig struct {
	Caption ServiceEndpointConfig `mapstructure:"caption"`
	Rating  ServiceEndpointConfig `mapstructure:"rating"`
	Detect  ServiceEndpointConfig `mapstructure:"detect"`

	// HealthInterval is how often endpoints are probed.
	HealthInterval time.Duration `mapstructure:"health_interval"`
	// HealthFailureThreshold is the consecutive probe failures before an
	// endpoint is marked unhealthy.
	HealthFailureThreshold int `mapstructure:"health_failure_threshold"`
	// InferenceTimeout bounds a single inference HTTP call.
	InferenceTimeout time.Duration `mapstructure:"inference_timeout"`
}

// PipelineConfig holds stage runner configuration.
type PipelineConfig struct {
	// MaxWorkers is the number of concurrent stage runners across jobs.
	MaxWorkers int `mapstructure:"max_workers"`
	// CaptionWorkers is the worker count for the caption queue.
	CaptionWorkers int `mapstructure:"caption_workers"`
	// MaxRetries is the per-stage retry budget for transient failures.
	MaxRetries int `mapstructure:"max_retries"`
	// RetryDelay is the base backoff delay; attempt N waits N*RetryDelay.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// FrameExtractionRate is the default sampling rate in frames per second.
	FrameExtractionRate int `mapstructure:"frame_extraction_rate"`
	// CaptionRatingThreshold is the minimum rating score for a caption to be kept.
	CaptionRatingThreshold float64 `mapstructure:"caption_rating_threshold"`
	// DetectConfidenceThreshold is passed to the object detection service.
	DetectConfidenceThreshold float64 `mapstructure:"detect_confidence_threshold"`
	// DetectBatchSize is the number of frames per detection request.
	DetectBatchSize int `mapstructure:"detect_batch_size"`
	// AudioExtractTimeout bounds the ffmpeg audio extraction run.
	AudioExtractTimeout time.Duration `mapstructure:"audio_extract_timeout"`
	// DownloadTimeout bounds the video download.
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
}

// QueueConfig holds task queue configuration.
type QueueConfig struct {
	// PollInterval is how often idle workers poll for tasks.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// VisibilityTimeout is how long a dequeued task may stay locked before
	// it is considered abandoned and redelivered.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	// HighWater is the per-queue depth above which intake returns 503.
	HighWater int `mapstructure:"high_water"`
}

// CleanupConfig holds cleanup supervisor configuration.
type CleanupConfig struct {
	// Schedule is a cron expression for the periodic purge.
	Schedule string `mapstructure:"schedule"`
	// MaxAge is the age after which non-done state rows are purged.
	MaxAge time.Duration `mapstructure:"max_age"`
	// OnFailure removes the scratch artifact directory when a job fails.
	OnFailure bool `mapstructure:"on_failure"`
}

// GoogleConfig holds Google Cloud collaborator configuration.
type GoogleConfig struct {
	// CredentialsPath is the service account JSON path for STT and Vision.
	CredentialsPath string `mapstructure:"credentials_path"`
	// Bucket is the blob bucket used for long-running speech recognition.
	Bucket string `mapstructure:"bucket"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with ADSCRIBE_ using underscores for nesting, for example
// ADSCRIBE_SERVER_PORT=8086. A handful of legacy unprefixed variables from
// the original deployment are also honoured (FRAME_EXTRACTION_RATE,
// CAPTION_RATING_THRESHOLD, PIPELINE_MAX_RETRIES, PIPELINE_RETRY_DELAY,
// CLEANUP_ON_FAILURE, CURRENT_ENV, GOOGLE_APPLICATION_CREDENTIALS).
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/adscribe")
		v.AddConfigPath("$HOME/.adscribe")
	}

	v.SetEnvPrefix("ADSCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindLegacyEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// bindLegacyEnv maps the original deployment's unprefixed environment
// variables onto viper keys.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("pipeline.frame_extraction_rate", "ADSCRIBE_PIPELINE_FRAME_EXTRACTION_RATE", "FRAME_EXTRACTION_RATE")
	_ = v.BindEnv("pipeline.caption_rating_threshold", "ADSCRIBE_PIPELINE_CAPTION_RATING_THRESHOLD", "CAPTION_RATING_THRESHOLD")
	_ = v.BindEnv("pipeline.max_retries", "ADSCRIBE_PIPELINE_MAX_RETRIES", "PIPELINE_MAX_RETRIES")
	_ = v.BindEnv("pipeline.retry_delay", "ADSCRIBE_PIPELINE_RETRY_DELAY", "PIPELINE_RETRY_DELAY")
	_ = v.BindEnv("cleanup.on_failure", "ADSCRIBE_CLEANUP_ON_FAILURE", "CLEANUP_ON_FAILURE")
	_ = v.BindEnv("storage.environment", "ADSCRIBE_STORAGE_ENVIRONMENT", "CURRENT_ENV")
	_ = v.BindEnv("google.credentials_path", "ADSCRIBE_GOOGLE_CREDENTIALS_PATH", "GOOGLE_APPLICATION_CREDENTIALS")
	_ = v.BindEnv("google.bucket", "ADSCRIBE_GOOGLE_BUCKET", "GOOGLE_BLOB_BUCKET")
}

// SetDefaults registers all default configuration values.
func SetDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Database
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", filepath.Join("data", "adscribe.db"))
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage
	v.SetDefault("storage.environment", "dev")
	v.SetDefault("storage.dev_root", filepath.Join("data", "artifacts"))
	v.SetDefault("storage.prod_root", "/srv/adscribe/artifacts")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)

	// Services
	v.SetDefault("services.caption.url", "http://localhost:8085")
	v.SetDefault("services.caption.max_concurrency", 1)
	v.SetDefault("services.rating.url", "http://localhost:8082")
	v.SetDefault("services.rating.max_concurrency", defaultRatingSlots)
	v.SetDefault("services.detect.url", "http://localhost:8081")
	v.SetDefault("services.detect.max_concurrency", defaultDetectSlots)
	v.SetDefault("services.health_interval", defaultHealthInterval)
	v.SetDefault("services.health_failure_threshold", defaultHealthFailures)
	v.SetDefault("services.inference_timeout", defaultInferenceTimeout)

	// Pipeline
	v.SetDefault("pipeline.max_workers", defaultMaxWorkers)
	v.SetDefault("pipeline.caption_workers", defaultCaptionWorkers)
	v.SetDefault("pipeline.max_retries", defaultMaxRetries)
	v.SetDefault("pipeline.retry_delay", defaultRetryDelay)
	v.SetDefault("pipeline.frame_extraction_rate", defaultFrameRate)
	v.SetDefault("pipeline.caption_rating_threshold", defaultRatingThreshold)
	v.SetDefault("pipeline.detect_confidence_threshold", defaultDetectThreshold)
	v.SetDefault("pipeline.detect_batch_size", defaultDetectBatchSize)
	v.SetDefault("pipeline.audio_extract_timeout", defaultAudioTimeout)
	v.SetDefault("pipeline.download_timeout", defaultDownloadTimeout)

	// Queue
	v.SetDefault("queue.poll_interval", defaultPollInterval)
	v.SetDefault("queue.visibility_timeout", defaultVisibility)
	v.SetDefault("queue.high_water", defaultQueueHighWater)

	// Cleanup
	v.SetDefault("cleanup.schedule", defaultCleanupSchedule)
	v.SetDefault("cleanup.max_age", defaultCleanupMaxAge)
	v.SetDefault("cleanup.on_failure", true)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver must be sqlite, postgres or mysql, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must not be empty")
	}

	switch c.Storage.Environment {
	case "dev", "prod":
	default:
		return fmt.Errorf("storage.environment must be dev or prod, got %q", c.Storage.Environment)
	}

	if c.Services.Caption.MaxConcurrency != 1 {
		// The captioning model saturates one GPU; pipelining hurts latency.
		return fmt.Errorf("services.caption.max_concurrency must be 1, got %d", c.Services.Caption.MaxConcurrency)
	}
	for name, svc := range map[string]ServiceEndpointConfig{
		"caption": c.Services.Caption,
		"rating":  c.Services.Rating,
		"detect":  c.Services.Detect,
	} {
		if svc.URL == "" {
			return fmt.Errorf("services.%s.url must not be empty", name)
		}
		if svc.MaxConcurrency < 1 {
			return fmt.Errorf("services.%s.max_concurrency must be at least 1", name)
		}
	}

	if c.Pipeline.MaxWorkers < 1 {
		return fmt.Errorf("pipeline.max_workers must be at least 1, got %d", c.Pipeline.MaxWorkers)
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.max_retries must not be negative, got %d", c.Pipeline.MaxRetries)
	}
	if c.Pipeline.FrameExtractionRate < 1 {
		return fmt.Errorf("pipeline.frame_extraction_rate must be at least 1, got %d", c.Pipeline.FrameExtractionRate)
	}
	if c.Pipeline.CaptionRatingThreshold < 0 || c.Pipeline.CaptionRatingThreshold > 1 {
		return fmt.Errorf("pipeline.caption_rating_threshold must be in [0,1], got %g", c.Pipeline.CaptionRatingThreshold)
	}
	if c.Pipeline.DetectBatchSize < 1 {
		return fmt.Errorf("pipeline.detect_batch_size must be at least 1, got %d", c.Pipeline.DetectBatchSize)
	}

	if c.Queue.HighWater < 1 {
		return fmt.Errorf("queue.high_water must be at least 1, got %d", c.Queue.HighWater)
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue.visibility_timeout must be positive")
	}

	if c.Cleanup.MaxAge <= 0 {
		return fmt.Errorf("cleanup.max_age must be positive")
	}

	return nil
}
