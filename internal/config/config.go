// Package config handles application configuration from a YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned when the configuration fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix prefixes every environment override, e.g. SNAPSHOT_BUCKET.
const EnvPrefix = "SNAPSHOT"

const mib = 1024 * 1024

// Config is an immutable configuration snapshot. Runs read one snapshot and
// use it for their whole duration; reloads swap in a new value.
type Config struct {
	// Snapshot source
	SourceDir        string   `mapstructure:"source_dir"`
	OutputDir        string   `mapstructure:"output_dir"`
	BaseName         string   `mapstructure:"base_name"`
	ExcludeGlobs     []string `mapstructure:"exclude_globs"`
	CompressionLevel int      `mapstructure:"compression_level"`

	// Schedule
	IntervalMinutes          int           `mapstructure:"interval_minutes"`
	RespawnProtectionMinutes int           `mapstructure:"respawn_protection_minutes"`
	FlushCommand             string        `mapstructure:"flush_command"`
	FlushTimeout             time.Duration `mapstructure:"flush_timeout"`

	// Storage provider configuration
	StorageProvider string `mapstructure:"storage_provider"` // "s3" or "gcs"
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`

	// S3 configuration
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"` // Optional custom endpoint
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`

	// GCS configuration
	GoogleProjectID          string `mapstructure:"google_project_id"`
	GoogleServiceAccountJSON string `mapstructure:"google_service_account_json"`

	// Upload
	MultipartThresholdMB int `mapstructure:"multipart_threshold_mb"`
	MultipartPartSizeMB  int `mapstructure:"multipart_part_size_mb"`
	MultipartParallelism int `mapstructure:"multipart_parallelism"`

	// Retention
	KeepLast               int  `mapstructure:"keep_last"`
	DeleteLocalAfterUpload bool `mapstructure:"delete_local_after_upload"`
	KeepLatestLocal        bool `mapstructure:"keep_latest_local"`

	// Service
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source_dir", "world")
	v.SetDefault("output_dir", "snapshots")
	v.SetDefault("base_name", "world-backup")
	v.SetDefault("exclude_globs", []string{"logs/**", "backups/**", "crash-reports/**"})
	v.SetDefault("compression_level", 6)

	v.SetDefault("interval_minutes", 30)
	v.SetDefault("respawn_protection_minutes", 0)
	v.SetDefault("flush_command", "")
	v.SetDefault("flush_timeout", 120*time.Second)

	v.SetDefault("storage_provider", "s3")
	v.SetDefault("bucket", "")
	v.SetDefault("prefix", "mc-backups")

	v.SetDefault("region", "us-east-1")
	v.SetDefault("endpoint", "")
	v.SetDefault("use_path_style", false)
	v.SetDefault("access_key_id", "")
	v.SetDefault("secret_access_key", "")
	v.SetDefault("session_token", "")

	v.SetDefault("google_project_id", "")
	v.SetDefault("google_service_account_json", "")

	v.SetDefault("multipart_threshold_mb", 64)
	v.SetDefault("multipart_part_size_mb", 256)
	v.SetDefault("multipart_parallelism", 4)

	v.SetDefault("keep_last", 5)
	v.SetDefault("delete_local_after_upload", true)
	v.SetDefault("keep_latest_local", false)

	v.SetDefault("metrics_port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// newViper builds a viper instance bound to the config file at path (or
// ./config.yaml when path is empty) and to SNAPSHOT_* environment variables.
func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// Load reads, normalizes and validates a configuration snapshot.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize trims values and raises numeric settings to their minimums.
func (c *Config) Normalize() {
	c.StorageProvider = strings.ToLower(strings.TrimSpace(c.StorageProvider))
	c.BaseName = strings.TrimSpace(c.BaseName)
	c.Bucket = strings.TrimSpace(c.Bucket)
	c.Prefix = strings.TrimSpace(c.Prefix)
	c.Region = strings.TrimSpace(c.Region)

	globs := c.ExcludeGlobs[:0]
	for _, g := range c.ExcludeGlobs {
		if g = strings.TrimSpace(g); g != "" {
			globs = append(globs, g)
		}
	}
	c.ExcludeGlobs = globs

	c.KeepLast = max(c.KeepLast, 0)
	c.MultipartThresholdMB = max(c.MultipartThresholdMB, 5)
	c.MultipartPartSizeMB = max(c.MultipartPartSizeMB, 5)
	c.MultipartParallelism = max(c.MultipartParallelism, 1)
	c.IntervalMinutes = max(c.IntervalMinutes, 1)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.SourceDir == "" {
		return fmt.Errorf("%w: source_dir is required", ErrInvalidConfig)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("%w: output_dir is required", ErrInvalidConfig)
	}
	if c.BaseName == "" || strings.ContainsAny(c.BaseName, `/\`) {
		return fmt.Errorf("%w: base_name must be a non-empty file name", ErrInvalidConfig)
	}
	for _, g := range c.ExcludeGlobs {
		if !doublestar.ValidatePattern(g) {
			return fmt.Errorf("%w: invalid exclude glob %q", ErrInvalidConfig, g)
		}
	}
	if c.CompressionLevel < -1 || c.CompressionLevel > 9 {
		return fmt.Errorf("%w: compression_level must be between -1 and 9", ErrInvalidConfig)
	}
	if _, err := shellquote.Split(c.FlushCommand); err != nil {
		return fmt.Errorf("%w: flush_command: %w", ErrInvalidConfig, err)
	}
	if c.FlushTimeout < 0 {
		return fmt.Errorf("%w: flush_timeout must be non-negative", ErrInvalidConfig)
	}
	if c.RespawnProtectionMinutes < 0 {
		return fmt.Errorf("%w: respawn_protection_minutes must be non-negative", ErrInvalidConfig)
	}
	if c.Bucket == "" {
		return fmt.Errorf("%w: bucket is required", ErrInvalidConfig)
	}

	switch c.StorageProvider {
	case "s3":
		if err := c.validateS3(); err != nil {
			return err
		}
	case "gcs":
		if err := c.validateGCS(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: invalid storage_provider: %s (must be 's3' or 'gcs')", ErrInvalidConfig, c.StorageProvider)
	}

	return nil
}

func (c *Config) validateS3() error {
	if c.Region == "" && c.Endpoint == "" {
		return fmt.Errorf("%w: region is required for S3 storage (unless endpoint is set)", ErrInvalidConfig)
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("%w: access_key_id and secret_access_key must be set together", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) validateGCS() error {
	if c.GoogleProjectID == "" {
		return fmt.Errorf("%w: google_project_id is required for GCS storage", ErrInvalidConfig)
	}
	return nil
}

// Interval returns the schedule interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// RespawnProtection returns the minimum age of the newest snapshot before a
// scheduled run may start.
func (c *Config) RespawnProtection() time.Duration {
	return time.Duration(c.RespawnProtectionMinutes) * time.Minute
}

// MultipartThreshold returns the multipart threshold in bytes.
func (c *Config) MultipartThreshold() int64 {
	return int64(c.MultipartThresholdMB) * mib
}

// MultipartPartSize returns the configured part size in bytes.
func (c *Config) MultipartPartSize() int64 {
	return int64(c.MultipartPartSizeMB) * mib
}

// ShouldDeleteLocal reports whether a successfully uploaded archive is removed.
func (c *Config) ShouldDeleteLocal() bool {
	return c.DeleteLocalAfterUpload && !c.KeepLatestLocal
}

// StoreChanged reports whether switching from c to other requires a new
// store client.
func (c *Config) StoreChanged(other *Config) bool {
	return c.StorageProvider != other.StorageProvider ||
		c.Region != other.Region ||
		c.Endpoint != other.Endpoint ||
		c.UsePathStyle != other.UsePathStyle ||
		c.AccessKeyID != other.AccessKeyID ||
		c.SecretAccessKey != other.SecretAccessKey ||
		c.SessionToken != other.SessionToken ||
		c.GoogleProjectID != other.GoogleProjectID ||
		c.GoogleServiceAccountJSON != other.GoogleServiceAccountJSON
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() Config {
	out := *c
	out.ExcludeGlobs = append([]string(nil), c.ExcludeGlobs...)
	for _, s := range []*string{&out.SecretAccessKey, &out.SessionToken, &out.GoogleServiceAccountJSON} {
		if *s != "" {
			*s = "********"
		}
	}
	return out
}
