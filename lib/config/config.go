/*
Copyright 2025 The eventprocessor Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the pipeline configuration.
package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/ham-olalekan/eventprocessor"
	"github.com/ham-olalekan/eventprocessor/lib/utils/retryutils"
)

// Defaults applied by CheckAndSetDefaults when an option is unset.
const (
	DefaultParallelSegments       = 8
	DefaultReadThroughputFraction = 0.5
	DefaultScanBatchSize          = 1000
	DefaultBucketPrefix           = "client-events"
	DefaultOutputFormat           = eventprocessor.FormatJSON
	DefaultServerSideEncryption   = "AES256"
	DefaultWindowHours            = 1
	DefaultMaxRetries             = 3
	DefaultRetryBaseDelayMS       = 1000
	DefaultMaxConcurrentUploads   = 5
	DefaultLogLevel               = "info"
)

// Environment variables recognized by FromEnv, for deployments that mount
// no configuration file.
const (
	EnvTableName    = "DYNAMODB_TABLE_NAME"
	EnvBucketPrefix = "S3_BUCKET_PREFIX"
	EnvOutputFormat = "OUTPUT_FORMAT"
	EnvLogLevel     = "LOG_LEVEL"
)

// Config is the root of the pipeline configuration.
type Config struct {
	Source      SourceConfig      `yaml:"source"`
	Sink        SinkConfig        `yaml:"sink"`
	Processing  ProcessingConfig  `yaml:"processing"`
	Performance PerformanceConfig `yaml:"performance"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SourceConfig configures the DynamoDB scan.
type SourceConfig struct {
	// Table is the name of the event table. Required.
	Table string `yaml:"table"`
	// ParallelSegments is the scan fan-out.
	ParallelSegments int `yaml:"parallel_segments"`
	// ReadThroughputFraction is the fraction in (0.0, 1.0] of the table's
	// provisioned read capacity a run may consume.
	ReadThroughputFraction float64 `yaml:"read_throughput_fraction"`
	// ScanBatchSize is the maximum number of records per scan round-trip.
	ScanBatchSize int `yaml:"scan_batch_size"`
}

// SinkConfig configures the S3 output.
type SinkConfig struct {
	// BucketPrefix names the per-client buckets: events for client c go to
	// "{prefix}-{c}" after normalization.
	BucketPrefix string `yaml:"bucket_prefix"`
	// OutputFormat is one of json, jsonl or csv.
	OutputFormat string `yaml:"output_format"`
	// ServerSideEncryption is the encryption directive forwarded to S3.
	ServerSideEncryption string `yaml:"server_side_encryption"`
}

// ProcessingConfig configures windowing and retries.
type ProcessingConfig struct {
	// WindowHours is the width of the export window.
	WindowHours int `yaml:"window_hours"`
	// MaxRetries caps retry attempts for throttled or transient failures.
	// Zero disables retries; nil takes the default.
	MaxRetries *int `yaml:"max_retries"`
	// RetryBaseDelayMS is the base delay of the exponential backoff
	// schedule. Zero retries without delay; nil takes the default.
	RetryBaseDelayMS *int `yaml:"retry_base_delay_ms"`
}

// PerformanceConfig bounds pipeline resource usage.
type PerformanceConfig struct {
	// MaxConcurrentUploads caps simultaneous S3 uploads.
	MaxConcurrentUploads int `yaml:"max_concurrent_uploads"`
	// BufferHighWaterMarkBytes bounds aggregate buffered payload bytes;
	// exceeding it flushes the largest client buffer early as a chunked
	// object. Zero disables bounded-memory mode.
	BufferHighWaterMarkBytes int64 `yaml:"buffer_high_water_mark_bytes"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level"`
}

// SlogLevel converts the configured level to a slog level.
func (c LoggingConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Source.Table == "" {
		return trace.BadParameter("source.table is required")
	}
	if c.Source.ParallelSegments == 0 {
		c.Source.ParallelSegments = DefaultParallelSegments
	}
	if c.Source.ParallelSegments < 1 {
		return trace.BadParameter("source.parallel_segments must be positive, got %v", c.Source.ParallelSegments)
	}
	if c.Source.ReadThroughputFraction == 0 {
		c.Source.ReadThroughputFraction = DefaultReadThroughputFraction
	}
	if c.Source.ReadThroughputFraction <= 0 || c.Source.ReadThroughputFraction > 1 {
		return trace.BadParameter("source.read_throughput_fraction must be in (0.0, 1.0], got %v", c.Source.ReadThroughputFraction)
	}
	if c.Source.ScanBatchSize == 0 {
		c.Source.ScanBatchSize = DefaultScanBatchSize
	}
	if c.Source.ScanBatchSize < 1 {
		return trace.BadParameter("source.scan_batch_size must be positive, got %v", c.Source.ScanBatchSize)
	}

	if c.Sink.BucketPrefix == "" {
		c.Sink.BucketPrefix = DefaultBucketPrefix
	}
	if c.Sink.OutputFormat == "" {
		c.Sink.OutputFormat = DefaultOutputFormat
	}
	switch c.Sink.OutputFormat {
	case eventprocessor.FormatJSON, eventprocessor.FormatJSONL, eventprocessor.FormatCSV:
	default:
		return trace.BadParameter("sink.output_format must be one of json, jsonl or csv, got %q", c.Sink.OutputFormat)
	}
	if c.Sink.ServerSideEncryption == "" {
		c.Sink.ServerSideEncryption = DefaultServerSideEncryption
	}

	if c.Processing.WindowHours == 0 {
		c.Processing.WindowHours = DefaultWindowHours
	}
	if c.Processing.WindowHours < 1 {
		return trace.BadParameter("processing.window_hours must be at least 1, got %v", c.Processing.WindowHours)
	}
	if c.Processing.MaxRetries == nil {
		c.Processing.MaxRetries = intPtr(DefaultMaxRetries)
	}
	if *c.Processing.MaxRetries < 0 {
		return trace.BadParameter("processing.max_retries must not be negative, got %v", *c.Processing.MaxRetries)
	}
	if c.Processing.RetryBaseDelayMS == nil {
		c.Processing.RetryBaseDelayMS = intPtr(DefaultRetryBaseDelayMS)
	}
	if *c.Processing.RetryBaseDelayMS < 0 {
		return trace.BadParameter("processing.retry_base_delay_ms must not be negative, got %v", *c.Processing.RetryBaseDelayMS)
	}

	if c.Performance.MaxConcurrentUploads == 0 {
		c.Performance.MaxConcurrentUploads = DefaultMaxConcurrentUploads
	}
	if c.Performance.MaxConcurrentUploads < 1 {
		return trace.BadParameter("performance.max_concurrent_uploads must be positive, got %v", c.Performance.MaxConcurrentUploads)
	}
	if c.Performance.BufferHighWaterMarkBytes < 0 {
		return trace.BadParameter("performance.buffer_high_water_mark_bytes must not be negative, got %v", c.Performance.BufferHighWaterMarkBytes)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return trace.BadParameter("logging.level must be one of debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

// RetryConfig returns the retry policy shared by every retried operation in
// the pipeline: exponential backoff with full jitter, capped at
// retry_base_delay_ms * 2^max_retries. Call after CheckAndSetDefaults.
func (c *Config) RetryConfig() retryutils.RetryV2Config {
	base := time.Duration(*c.Processing.RetryBaseDelayMS) * time.Millisecond
	if base < time.Nanosecond {
		// the driver requires a positive base; a nanosecond keeps
		// zero-delay semantics
		base = time.Nanosecond
	}
	shift := uint(*c.Processing.MaxRetries)
	if shift > 20 {
		// the cap saturates well past any usable delay
		shift = 20
	}
	return retryutils.RetryV2Config{
		Driver: retryutils.NewExponentialDriver(base),
		Max:    base << shift,
		Jitter: retryutils.FullJitter,
	}
}

// ReadConfigFromFile reads and parses the configuration file at path.
func ReadConfigFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.Wrap(err, "failed to open config file %v", path)
	}
	defer f.Close()
	return ReadConfig(f)
}

// ReadConfig parses a YAML configuration document. Environment variable
// references of the form $VAR or ${VAR} are expanded before decoding.
// Unknown keys are rejected. The result is not validated; callers run
// CheckAndSetDefaults.
func ReadConfig(reader io.Reader) (*Config, error) {
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var config Config
	decoder := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return nil, trace.BadParameter("failed parsing config file: %s", strings.ReplaceAll(err.Error(), "\n", ""))
	}
	return &config, nil
}

// FromEnv builds a configuration from the ambient environment, for
// deployments that mount no configuration file. The result is not
// validated; callers run CheckAndSetDefaults.
func FromEnv() *Config {
	return &Config{
		Source: SourceConfig{
			Table: os.Getenv(EnvTableName),
		},
		Sink: SinkConfig{
			BucketPrefix: os.Getenv(EnvBucketPrefix),
			OutputFormat: os.Getenv(EnvOutputFormat),
		},
		Logging: LoggingConfig{
			Level: os.Getenv(EnvLogLevel),
		},
	}
}

func intPtr(v int) *int {
	return &v
}
