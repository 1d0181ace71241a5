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

// Package s3sink writes per-client event objects to per-client S3 buckets.
//
// Destination buckets are assumed to exist; a missing bucket fails that
// client's upload without retries so one misprovisioned client cannot stall
// the run. Throttled and transient puts are retried with jittered
// exponential backoff.
package s3sink

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ham-olalekan/eventprocessor"
	"github.com/ham-olalekan/eventprocessor/lib/observability/metrics"
	"github.com/ham-olalekan/eventprocessor/lib/utils/retryutils"
)

const (
	// defaultRetryBase and defaultRetryMax shape the backoff schedule
	// applied when the caller does not provide one.
	defaultRetryBase = time.Second
	defaultRetryMax  = 8 * time.Second

	// metadataProcessingTimestamp and metadataEventCount are the object
	// metadata keys stamped on every upload.
	metadataProcessingTimestamp = "processing-timestamp"
	metadataEventCount          = "event-count"
)

// Client is the subset of the S3 API used by the writer.
type Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config configures a Writer.
type Config struct {
	// Client is the S3 client to upload with.
	Client Client
	// BucketPrefix names the per-client buckets.
	BucketPrefix string
	// Format is the output format, one of json, jsonl or csv.
	Format string
	// ServerSideEncryption is forwarded with every put.
	ServerSideEncryption string
	// MaxRetries caps retries of a throttled or transient put before the
	// upload fails. Zero disables retries.
	MaxRetries int
	// Retry is the backoff schedule applied between retried puts.
	Retry retryutils.RetryV2Config
	// Clock overrides wall clock time in tests.
	Clock clockwork.Clock
	// Logger emits upload progress.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.BucketPrefix == "" {
		return trace.BadParameter("missing parameter BucketPrefix")
	}
	switch c.Format {
	case eventprocessor.FormatJSON, eventprocessor.FormatJSONL, eventprocessor.FormatCSV:
	default:
		return trace.BadParameter("Format must be one of json, jsonl or csv, got %q", c.Format)
	}
	if c.ServerSideEncryption == "" {
		c.ServerSideEncryption = "AES256"
	}
	if c.MaxRetries < 0 {
		return trace.BadParameter("MaxRetries must not be negative, got %v", c.MaxRetries)
	}
	if c.Retry.Driver == nil {
		c.Retry = retryutils.RetryV2Config{
			Driver: retryutils.NewExponentialDriver(defaultRetryBase),
			Max:    defaultRetryMax,
			Jitter: retryutils.FullJitter,
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Retry.Clock == nil {
		c.Retry.Clock = c.Clock
	}
	if c.Logger == nil {
		c.Logger = slog.With(eventprocessor.ComponentKey, eventprocessor.ComponentS3Sink)
	}
	return nil
}

// Writer uploads client objects. It is safe for concurrent use.
type Writer struct {
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex
	// probed caches definitive bucket probe outcomes for the run: nil for
	// a reachable bucket, the probe error for a missing one. Transient
	// probe failures are not cached.
	probed map[string]error
	// owners maps a bucket to the first client that resolved to it, to
	// surface normalization collisions.
	owners map[string]string
}

// NewWriter returns a Writer for the given configuration.
func NewWriter(cfg Config) (*Writer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := metrics.RegisterPrometheusCollectors(prometheusCollectors...); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Writer{
		cfg:    cfg,
		logger: cfg.Logger,
		probed: make(map[string]error),
		owners: make(map[string]string),
	}, nil
}

// Object is one client's rendered payload bound for its bucket.
type Object struct {
	// ClientID identifies the destination client.
	ClientID string
	// WindowStart is the start of the export window, used to name the key.
	WindowStart time.Time
	// Chunk numbers early-flushed buffers; zero means the sole object.
	Chunk int
	// Payload is the rendered object body.
	Payload []byte
	// EventCount is the number of events in the payload.
	EventCount int
}

// Result reports the outcome of one upload.
type Result struct {
	// ClientID identifies the client the upload was for.
	ClientID string
	// Bucket and Key locate the object.
	Bucket string
	Key    string
	// Bytes is the payload size on success.
	Bytes int64
	// Events is the number of events in the payload.
	Events int
	// Attempts is the number of put attempts made.
	Attempts int
	// Err is set when the upload failed.
	Err error
}

// Upload writes the object to its client's bucket, retrying throttled and
// transient failures. A missing bucket and client errors other than
// throttling fail immediately. The outcome is reported in the result
// rather than an error return so concurrent uploads can fail independently.
func (w *Writer) Upload(ctx context.Context, obj Object) Result {
	bucket := BucketName(w.cfg.BucketPrefix, obj.ClientID)
	key := ObjectKey(obj.WindowStart, w.cfg.Format, obj.Chunk)
	result := Result{
		ClientID: obj.ClientID,
		Bucket:   bucket,
		Key:      key,
		Events:   obj.EventCount,
	}

	if err := w.checkBucket(ctx, bucket, obj.ClientID); err != nil {
		uploadFailures.Inc()
		result.Err = trace.Wrap(err)
		return result
	}

	retry, err := retryutils.NewRetryV2(w.cfg.Retry)
	if err != nil {
		result.Err = trace.Wrap(err)
		return result
	}

	start := w.cfg.Clock.Now()
	for {
		result.Attempts++
		uploadAttempts.Inc()
		_, err := w.cfg.Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:               aws.String(bucket),
			Key:                  aws.String(key),
			Body:                 bytes.NewReader(obj.Payload),
			ContentType:          aws.String(contentType(w.cfg.Format)),
			ServerSideEncryption: s3types.ServerSideEncryption(w.cfg.ServerSideEncryption),
			Metadata: map[string]string{
				metadataProcessingTimestamp: w.cfg.Clock.Now().UTC().Format(time.RFC3339),
				metadataEventCount:          strconv.Itoa(obj.EventCount),
			},
		})
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			uploadFailures.Inc()
			result.Err = trace.Wrap(ctx.Err(), "upload of %v/%v canceled", bucket, key)
			return result
		}
		err = convertError(err)
		if !isRetryable(err) {
			uploadFailures.Inc()
			result.Err = trace.Wrap(err)
			return result
		}
		if result.Attempts > w.cfg.MaxRetries {
			uploadFailures.Inc()
			result.Err = trace.Wrap(err, "exhausted %v retries", w.cfg.MaxRetries)
			return result
		}
		uploadRetries.Inc()
		retry.Inc()
		w.logger.WarnContext(ctx, "Upload attempt failed, backing off.",
			"bucket", bucket,
			"key", key,
			"attempt", result.Attempts,
			"backoff", retry.Duration(),
			"error", err,
		)
		select {
		case <-retry.After():
		case <-ctx.Done():
			uploadFailures.Inc()
			result.Err = trace.Wrap(ctx.Err(), "upload of %v/%v canceled", bucket, key)
			return result
		}
	}

	result.Bytes = int64(len(obj.Payload))
	uploadedBytes.Add(float64(result.Bytes))
	uploadDuration.Observe(w.cfg.Clock.Now().Sub(start).Seconds())
	w.logger.InfoContext(ctx, "Uploaded client object.",
		"client_id", obj.ClientID,
		"bucket", bucket,
		"key", key,
		"bytes", result.Bytes,
		"events", obj.EventCount,
		"attempts", result.Attempts,
	)
	return result
}

// checkBucket verifies the destination bucket exists before the first
// upload of the run touches it. Outcomes are cached per bucket; a missing
// bucket fails every later upload to it without another probe.
func (w *Writer) checkBucket(ctx context.Context, bucket, clientID string) error {
	w.mu.Lock()
	if owner, ok := w.owners[bucket]; !ok {
		w.owners[bucket] = clientID
	} else if owner != clientID {
		w.logger.WarnContext(ctx, "Distinct clients resolve to the same bucket, last writer wins.",
			"bucket", bucket,
			"first_client", owner,
			"client", clientID,
		)
	}
	if probeErr, ok := w.probed[bucket]; ok {
		w.mu.Unlock()
		return trace.Wrap(probeErr)
	}
	w.mu.Unlock()

	_, err := w.cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	err = convertError(err)
	switch {
	case err == nil:
	case trace.IsNotFound(err):
		err = trace.NotFound("bucket %q does not exist", bucket)
	default:
		// transient probe failure, leave the bucket unprobed so a later
		// upload can try again
		return trace.Wrap(err, "probing bucket %q", bucket)
	}

	w.mu.Lock()
	w.probed[bucket] = err
	w.mu.Unlock()
	return trace.Wrap(err)
}

func isRetryable(err error) bool {
	return trace.IsLimitExceeded(err) || trace.IsConnectionProblem(err)
}

// contentType maps an output format to the Content-Type stamped on its
// objects.
func contentType(format string) string {
	switch format {
	case eventprocessor.FormatJSON:
		return "application/json"
	case eventprocessor.FormatJSONL:
		return "application/x-ndjson"
	case eventprocessor.FormatCSV:
		return "text/csv"
	}
	return "application/octet-stream"
}

// convertError maps S3 errors to trace kinds: missing buckets to NotFound,
// throttles to LimitExceeded, retryable server faults to ConnectionProblem.
func convertError(err error) error {
	if err == nil {
		return nil
	}

	var noBucket *s3types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return trace.NotFound("%s", noBucket.ErrorMessage())
	}
	var notFound *s3types.NotFound
	if errors.As(err, &notFound) {
		return trace.NotFound("%s", notFound.ErrorMessage())
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "NotFound":
			return trace.NotFound("%s", apiErr.ErrorMessage())
		case "SlowDown", "ThrottlingException", "RequestLimitExceeded":
			return trace.LimitExceeded("%s", apiErr.ErrorMessage())
		case "RequestTimeout", "InternalError", "ServiceUnavailable":
			return trace.ConnectionProblem(err, "%s", apiErr.ErrorMessage())
		case "AccessDenied", "AccessDeniedException":
			return trace.AccessDenied("%s", apiErr.ErrorMessage())
		}
		return err
	}
	// no service response at all, assume a network fault
	return trace.ConnectionProblem(err, "request to S3 failed")
}

var (
	uploadAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: eventprocessor.MetricNamespace,
		Name:      eventprocessor.MetricUploadAttempts,
		Help:      "Number of S3 put attempts, retries included",
	})
	uploadRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: eventprocessor.MetricNamespace,
		Name:      eventprocessor.MetricUploadRetries,
		Help:      "Number of retried S3 puts",
	})
	uploadFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: eventprocessor.MetricNamespace,
		Name:      eventprocessor.MetricUploadFailures,
		Help:      "Number of uploads that failed",
	})
	uploadedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: eventprocessor.MetricNamespace,
		Name:      eventprocessor.MetricUploadedBytes,
		Help:      "Bytes successfully written to S3",
	})
	uploadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: eventprocessor.MetricNamespace,
		Name:      eventprocessor.MetricUploadDuration,
		Help:      "Duration of individual client uploads",
		// lowest bucket start of upper bound 0.001 sec (1 ms) with factor 2
		// highest bucket start of 0.001 sec * 2^15 == 32.768 sec
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	prometheusCollectors = []prometheus.Collector{
		uploadAttempts, uploadRetries, uploadFailures, uploadedBytes, uploadDuration,
	}
)
