// Package config loads server configuration from defaults, an optional YAML
// file, PUBLIC_BUCKET_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/storacha/public-bucket/byterange"
	"github.com/storacha/public-bucket/internal/logging"
)

// Storage backends. BackendMemory starts empty and nothing can load objects
// into it from configuration, so it is only useful in tests.
const (
	BackendMemory = "memory"
	BackendFS     = "fs"
	BackendS3     = "s3"
	BackendGCS    = "gcs"
)

// EnvPrefix is prepended to every environment variable name, e.g.
// PUBLIC_BUCKET_S3_BUCKET for s3.bucket.
const EnvPrefix = "PUBLIC_BUCKET"

// Config is the complete server configuration.
type Config struct {
	ListenAddr           string        `yaml:"listen_addr"`
	AdminAddr            string        `yaml:"admin_addr"`
	MaxBatchSize         ByteSize      `yaml:"max_batch_size"`
	MaxConcurrentFetches int           `yaml:"max_concurrent_fetches"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`

	Backend string    `yaml:"backend"`
	FS      FSConfig  `yaml:"fs"`
	S3      S3Config  `yaml:"s3"`
	GCS     GCSConfig `yaml:"gcs"`

	Log logging.Config `yaml:"log"`
}

// FSConfig configures the filesystem backend.
type FSConfig struct {
	Root string `yaml:"root"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		AdminAddr:       ":9090",
		MaxBatchSize:    ByteSize(byterange.DefaultMaxBatchSize),
		ShutdownTimeout: 15 * time.Second,
		Backend:         BackendMemory,
		Log: logging.Config{
			Level:      "info",
			Format:     logging.FormatConsole,
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// Validate checks value ranges and backend requirements.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if c.MaxBatchSize < 0 {
		errs = append(errs, fmt.Errorf("max_batch_size must not be negative, got %d", c.MaxBatchSize))
	}
	if c.MaxConcurrentFetches < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_fetches must not be negative, got %d", c.MaxConcurrentFetches))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must not be negative, got %s", c.ShutdownTimeout))
	}

	switch c.Backend {
	case BackendMemory:
	case BackendFS:
		if c.FS.Root == "" {
			errs = append(errs, errors.New("fs.root is required for the fs backend"))
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3.bucket is required for the s3 backend"))
		}
		if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
			errs = append(errs, errors.New("s3.access_key_id and s3.secret_access_key must be set together"))
		}
	case BackendGCS:
		if c.GCS.Bucket == "" {
			errs = append(errs, errors.New("gcs.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}

	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// YAML renders the configuration with secrets redacted.
func (c Config) YAML() ([]byte, error) {
	if c.S3.SecretAccessKey != "" {
		c.S3.SecretAccessKey = "REDACTED"
	}
	return yaml.Marshal(c)
}

// -----------------------------------------------------------------------------
// Flags and loading
// -----------------------------------------------------------------------------

// flagBinding ties a command-line flag to a configuration key.
type flagBinding struct {
	key   string
	flag  string
	usage string
	def   any
}

func bindings() []flagBinding {
	d := Default()
	return []flagBinding{
		{"listen_addr", "listen-addr", "Address to serve objects on", d.ListenAddr},
		{"admin_addr", "admin-addr", "Address for /healthz and /metrics (empty disables)", d.AdminAddr},
		{"max_batch_size", "max-batch-size", "Largest span fetched to bridge gaps between ranges, e.g. 10MiB", d.MaxBatchSize.String()},
		{"max_concurrent_fetches", "max-concurrent-fetches", "Batch fetches in flight per request (0 = unbounded)", d.MaxConcurrentFetches},
		{"shutdown_timeout", "shutdown-timeout", "Grace period for in-flight requests on shutdown", d.ShutdownTimeout},
		{"backend", "backend", "Storage backend: fs, s3, gcs, or memory (empty, for testing only)", d.Backend},
		{"fs.root", "fs-root", "Root directory for the fs backend", d.FS.Root},
		{"s3.bucket", "s3-bucket", "S3 bucket name", d.S3.Bucket},
		{"s3.prefix", "s3-prefix", "Key prefix inside the S3 bucket", d.S3.Prefix},
		{"s3.region", "s3-region", "S3 region", d.S3.Region},
		{"s3.endpoint", "s3-endpoint", "Custom S3 endpoint, e.g. MinIO or LocalStack", d.S3.Endpoint},
		{"s3.use_path_style", "s3-use-path-style", "Use path-style S3 addressing", d.S3.UsePathStyle},
		{"s3.access_key_id", "s3-access-key-id", "Static S3 access key ID", d.S3.AccessKeyID},
		{"s3.secret_access_key", "s3-secret-access-key", "Static S3 secret access key", d.S3.SecretAccessKey},
		{"gcs.bucket", "gcs-bucket", "GCS bucket name", d.GCS.Bucket},
		{"gcs.prefix", "gcs-prefix", "Object name prefix inside the GCS bucket", d.GCS.Prefix},
		{"gcs.endpoint", "gcs-endpoint", "Custom GCS endpoint, e.g. an emulator", d.GCS.Endpoint},
		{"log.level", "log-level", "Log level: trace, debug, info, warn or error", d.Log.Level},
		{"log.format", "log-format", "Log format: console or json", d.Log.Format},
		{"log.file", "log-file", "Also write logs to this file, rotated by size", d.Log.File},
		{"log.max_size_mb", "log-max-size-mb", "Rotate the log file at this size", d.Log.MaxSizeMB},
		{"log.max_backups", "log-max-backups", "Rotated log files to keep", d.Log.MaxBackups},
	}
}

// BindFlags defines a flag for every configuration key on fs and returns a
// viper instance bound to those flags and to the environment.
func BindFlags(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, b := range bindings() {
		switch def := b.def.(type) {
		case string:
			fs.String(b.flag, def, b.usage)
		case int:
			fs.Int(b.flag, def, b.usage)
		case bool:
			fs.Bool(b.flag, def, b.usage)
		case time.Duration:
			fs.Duration(b.flag, def, b.usage)
		default:
			return nil, fmt.Errorf("flag %s: unsupported default %T", b.flag, def)
		}
		if err := v.BindPFlag(b.key, fs.Lookup(b.flag)); err != nil {
			return nil, fmt.Errorf("binding flag %s: %w", b.flag, err)
		}
	}
	return v, nil
}

// Load reads the optional YAML file into v and decodes the merged result.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook()), func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	})
	if err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DecodeHook converts strings from files, flags and the environment into
// durations and byte sizes.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
}
