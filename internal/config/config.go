package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/dunamismax/pixelfit/internal/logging"
	"github.com/fsnotify/fsnotify"
	"github.com/hibiken/asynq"
	"github.com/spf13/viper"
)

// FileEnv names the optional YAML file layered under the environment.
const FileEnv = "PIXELFIT_CONFIG"

type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Log      logging.Config `mapstructure:"log"`
}

type APIConfig struct {
	Addr              string        `mapstructure:"addr" default:":8080"`
	PresignTTL        time.Duration `mapstructure:"presign_ttl" default:"15m"`
	RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled" default:"true"`
	RateLimitCapacity int           `mapstructure:"rate_limit_capacity" default:"60"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window" default:"1m"`
	UserIDHeader      string        `mapstructure:"user_id_header" default:"X-User-ID"`
	PreviewMaxBytes   int64         `mapstructure:"preview_max_bytes" default:"10485760"`
	PreviewSessionTTL time.Duration `mapstructure:"preview_session_ttl" default:"5m"`
}

type QueueConfig struct {
	RedisAddr     string `mapstructure:"redis_addr" default:"localhost:6379"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Name          string `mapstructure:"name" default:"default"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int    `mapstructure:"concurrency"`
	MaxActiveJobs  int    `mapstructure:"max_active_jobs"`
	LocalInputRoot string `mapstructure:"local_input_root" default:"./.pixelfit-input"`
	LocalOutputDir string `mapstructure:"local_output_dir" default:"./.pixelfit-output"`
	OutputPrefix   string `mapstructure:"output_prefix" default:"outputs"`
	MetricsAddr    string `mapstructure:"metrics_addr" default:":9091"`
}

// SetDefaults sizes the worker from the host when nothing is configured.
func (w *WorkerConfig) SetDefaults() {
	if defaults.CanUpdate(w.Concurrency) {
		w.Concurrency = max(2, runtime.NumCPU())
	}
	if defaults.CanUpdate(w.MaxActiveJobs) {
		w.MaxActiveJobs = max(1, runtime.NumCPU()/2)
	}
}

type StorageConfig struct {
	Endpoint       string `mapstructure:"endpoint" default:"localhost:9000"`
	AccessKey      string `mapstructure:"access_key" default:"minioadmin"`
	SecretKey      string `mapstructure:"secret_key" default:"minioadmin"`
	Bucket         string `mapstructure:"bucket" default:"pixelfit-jobs"`
	UseSSL         bool   `mapstructure:"use_ssl"`
	MaxObjectBytes int64  `mapstructure:"max_object_bytes" default:"52428800"`
}

type DatabaseConfig struct {
	// DSN selects the Postgres stores; empty keeps jobs in memory.
	DSN string `mapstructure:"dsn"`
}

type PipelineConfig struct {
	Filter string `mapstructure:"filter" default:"catmullrom"`
	// MaxOutputSide and MaxOutputPixels bound the resolved canvas.
	MaxOutputSide   int   `mapstructure:"max_output_side" default:"16384"`
	MaxOutputPixels int64 `mapstructure:"max_output_pixels" default:"67108864"`
}

type TracingConfig struct {
	Exporter     string  `mapstructure:"exporter" default:"none"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio" default:"1"`
}

type WebhookConfig struct {
	SigningSecret  string        `mapstructure:"signing_secret"`
	Timeout        time.Duration `mapstructure:"timeout" default:"10s"`
	MaxAttempts    int           `mapstructure:"max_attempts" default:"4"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" default:"1s"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" default:"10s"`
}

var envKeys = map[string]string{
	"api.addr":                   "PIXELFIT_API_ADDR",
	"api.presign_ttl":            "PIXELFIT_PRESIGN_TTL",
	"api.rate_limit_enabled":     "PIXELFIT_RATE_LIMIT_ENABLED",
	"api.rate_limit_capacity":    "PIXELFIT_RATE_LIMIT_CAPACITY",
	"api.rate_limit_window":      "PIXELFIT_RATE_LIMIT_WINDOW",
	"api.user_id_header":         "PIXELFIT_USER_ID_HEADER",
	"api.preview_max_bytes":      "PIXELFIT_PREVIEW_MAX_BYTES",
	"api.preview_session_ttl":    "PIXELFIT_PREVIEW_SESSION_TTL",
	"queue.redis_addr":           "REDIS_ADDR",
	"queue.redis_password":       "REDIS_PASSWORD",
	"queue.redis_db":             "REDIS_DB",
	"queue.name":                 "ASYNC_QUEUE",
	"worker.concurrency":         "WORKER_CONCURRENCY",
	"worker.max_active_jobs":     "WORKER_MAX_ACTIVE_JOBS",
	"worker.local_input_root":    "WORKER_LOCAL_INPUT_ROOT",
	"worker.local_output_dir":    "WORKER_LOCAL_OUTPUT_DIR",
	"worker.output_prefix":       "WORKER_OUTPUT_PREFIX",
	"worker.metrics_addr":        "WORKER_METRICS_ADDR",
	"storage.endpoint":           "MINIO_ENDPOINT",
	"storage.access_key":         "MINIO_ACCESS_KEY",
	"storage.secret_key":         "MINIO_SECRET_KEY",
	"storage.bucket":             "MINIO_BUCKET",
	"storage.use_ssl":            "MINIO_USE_SSL",
	"storage.max_object_bytes":   "MINIO_MAX_OBJECT_BYTES",
	"database.dsn":               "POSTGRES_DSN",
	"pipeline.filter":            "PIXELFIT_RESAMPLE_FILTER",
	"pipeline.max_output_side":   "PIXELFIT_MAX_OUTPUT_SIDE",
	"pipeline.max_output_pixels": "PIXELFIT_MAX_OUTPUT_PIXELS",
	"tracing.exporter":           "OTEL_TRACES_EXPORTER",
	"tracing.otlp_endpoint":      "OTEL_EXPORTER_OTLP_ENDPOINT",
	"tracing.otlp_insecure":      "OTEL_EXPORTER_OTLP_INSECURE",
	"tracing.sample_ratio":       "OTEL_TRACES_SAMPLER_ARG",
	"webhook.signing_secret":     "WEBHOOK_SIGNING_SECRET",
	"webhook.timeout":            "WEBHOOK_TIMEOUT",
	"webhook.max_attempts":       "WEBHOOK_MAX_ATTEMPTS",
	"log.level":                  "PIXELFIT_LOG_LEVEL",
	"log.format":                 "PIXELFIT_LOG_FORMAT",
	"log.file":                   "PIXELFIT_LOG_FILE",
}

// Loader keeps the viper instance around so the file can be watched.
type Loader struct {
	v    *viper.Viper
	file string
}

func NewLoader(file string) (*Loader, error) {
	v := viper.New()
	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	file = strings.TrimSpace(file)
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}
	return &Loader{v: v, file: file}, nil
}

func (l *Loader) Load() (Config, error) {
	var cfg Config
	if err := defaults.Set(&cfg); err != nil {
		return Config{}, fmt.Errorf("apply defaults: %w", err)
	}
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Watch calls onChange with the reloaded config whenever the file
// changes. It is a no-op without a config file.
func (l *Loader) Watch(onChange func(Config, error)) {
	if l.file == "" {
		return
	}
	l.v.OnConfigChange(func(fsnotify.Event) {
		onChange(l.Load())
	})
	l.v.WatchConfig()
}

// Load reads the environment and the file named by PIXELFIT_CONFIG.
func Load() (Config, *Loader, error) {
	loader, err := NewLoader(os.Getenv(FileEnv))
	if err != nil {
		return Config{}, nil, err
	}
	cfg, err := loader.Load()
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, loader, nil
}
