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

// Package dynamoscan reads a window of events out of a DynamoDB table with
// a parallel segmented scan.
//
// Each segment pages through its share of the table independently, retrying
// throttled and transient pages with jittered exponential backoff, and pushes
// events that fall inside the export window onto a shared channel. A fatal
// segment does not stop its siblings; the result reports how much of the
// table was covered so the caller can mark the run partial.
package dynamoscan

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/ham-olalekan/eventprocessor"
	"github.com/ham-olalekan/eventprocessor/lib/events"
	"github.com/ham-olalekan/eventprocessor/lib/observability/metrics"
	"github.com/ham-olalekan/eventprocessor/lib/utils/retryutils"
)

const (
	// burstSeconds is the window of read capacity a segment may consume
	// ahead of the pace set by the table budget.
	burstSeconds = 10

	// defaultRetryBase and defaultRetryMax shape the backoff schedule
	// applied when the caller does not provide one.
	defaultRetryBase = time.Second
	defaultRetryMax  = 8 * time.Second
)

// Client is the subset of the DynamoDB API used by the scanner.
type Client interface {
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Config configures a Scanner.
type Config struct {
	// Client is the DynamoDB client to scan with.
	Client Client
	// Table is the name of the event table.
	Table string
	// Segments is the number of parallel scan segments.
	Segments int
	// BatchSize caps the number of records per scan page.
	BatchSize int
	// ReadThroughputFraction is the fraction in (0.0, 1.0] of the table's
	// provisioned read capacity the scan may consume. Ignored for
	// on-demand tables.
	ReadThroughputFraction float64
	// MaxRetries caps consecutive retries of a throttled or transient
	// page before the segment fails. Zero disables retries.
	MaxRetries int
	// Retry is the backoff schedule applied between retried pages.
	Retry retryutils.RetryV2Config
	// Clock overrides wall clock time in tests.
	Clock clockwork.Clock
	// Logger emits scan progress.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Table == "" {
		return trace.BadParameter("missing parameter Table")
	}
	if c.Segments < 1 {
		return trace.BadParameter("Segments must be positive, got %v", c.Segments)
	}
	if c.BatchSize < 1 {
		return trace.BadParameter("BatchSize must be positive, got %v", c.BatchSize)
	}
	if c.ReadThroughputFraction <= 0 || c.ReadThroughputFraction > 1 {
		return trace.BadParameter("ReadThroughputFraction must be in (0.0, 1.0], got %v", c.ReadThroughputFraction)
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
		c.Logger = slog.With(eventprocessor.ComponentKey, eventprocessor.ComponentScanner)
	}
	return nil
}

// Scanner performs parallel segmented scans of the event table.
type Scanner struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a Scanner for the given configuration.
func New(cfg Config) (*Scanner, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := metrics.RegisterPrometheusCollectors(prometheusCollectors...); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Scanner{cfg: cfg, logger: cfg.Logger}, nil
}

// Result summarizes a completed window scan.
type Result struct {
	// Scanned is the number of records returned by DynamoDB.
	Scanned int
	// Delivered is the number of events pushed to the output channel.
	Delivered int
	// Rejected is the number of records dropped for failing validation.
	Rejected int
	// OutOfWindow is the number of valid events outside the window.
	OutOfWindow int
	// CompletedSegments is the number of segments that reached the end of
	// their key range.
	CompletedSegments int
	// FailedSegments is the number of segments that failed fatally.
	FailedSegments int
	// SegmentErrors holds the fatal error of each failed segment.
	SegmentErrors []error
	// DeadlineStopped reports that at least one segment was cut short by
	// context cancellation rather than failure.
	DeadlineStopped bool
	// ConsumedCapacity is the total read capacity units the scan consumed.
	ConsumedCapacity float64
}

type segmentStats struct {
	scanned     int
	delivered   int
	rejected    int
	outOfWindow int
	pages       int
	consumed    float64
	canceled    bool
	err         error
}

// ScanWindow scans the table and sends every valid event whose timestamp
// falls inside window to out. The channel is closed when all segments have
// stopped. Events arrive in no particular order across segments.
//
// Segment failures are collected rather than propagated: an error is
// returned only when every segment failed.
func (s *Scanner) ScanWindow(ctx context.Context, window events.Window, out chan<- events.Event) (*Result, error) {
	defer close(out)

	s.logger.InfoContext(ctx, "Starting table scan.",
		"table", s.cfg.Table,
		"segments", s.cfg.Segments,
		"window", window.String(),
	)

	limiter := s.newLimiter(ctx)

	stats := make([]segmentStats, s.cfg.Segments)
	var wg sync.WaitGroup
	for segment := range s.cfg.Segments {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.scanSegment(ctx, segment, window, limiter, out, &stats[segment])
		}()
	}
	wg.Wait()

	result := &Result{}
	for segment := range stats {
		st := &stats[segment]
		result.Scanned += st.scanned
		result.Delivered += st.delivered
		result.Rejected += st.rejected
		result.OutOfWindow += st.outOfWindow
		result.ConsumedCapacity += st.consumed
		switch {
		case st.err != nil:
			result.FailedSegments++
			result.SegmentErrors = append(result.SegmentErrors, trace.Wrap(st.err, "segment %d", segment))
			segmentFailures.Inc()
			s.logger.ErrorContext(ctx, "Segment failed.", "segment", segment, "error", st.err)
		case st.canceled:
			result.DeadlineStopped = true
		default:
			result.CompletedSegments++
		}
	}

	if result.FailedSegments == s.cfg.Segments {
		return result, trace.NewAggregate(result.SegmentErrors...)
	}
	s.logger.InfoContext(ctx, "Table scan finished.",
		"scanned", result.Scanned,
		"in_window", result.Delivered,
		"rejected", result.Rejected,
		"out_of_window", result.OutOfWindow,
		"completed_segments", result.CompletedSegments,
		"failed_segments", result.FailedSegments,
		"consumed_rcu", result.ConsumedCapacity,
	)
	return result, nil
}

// newLimiter sizes a read budget from the table's provisioned throughput.
// On-demand tables and failed lookups scan unpaced.
func (s *Scanner) newLimiter(ctx context.Context) *rate.Limiter {
	out, err := s.cfg.Client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.cfg.Table),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "Unable to describe table, scanning without a read budget.",
			"table", s.cfg.Table,
			"error", convertError(err),
		)
		return nil
	}
	table := out.Table
	if table == nil {
		return nil
	}
	s.logger.InfoContext(ctx, "Described table.",
		"table", s.cfg.Table,
		"item_count", aws.ToInt64(table.ItemCount),
		"size_bytes", aws.ToInt64(table.TableSizeBytes),
	)
	throughput := table.ProvisionedThroughput
	if throughput == nil || aws.ToInt64(throughput.ReadCapacityUnits) == 0 {
		s.logger.InfoContext(ctx, "Table is on-demand, scanning without a read budget.", "table", s.cfg.Table)
		return nil
	}
	budget := float64(aws.ToInt64(throughput.ReadCapacityUnits)) * s.cfg.ReadThroughputFraction
	burst := int(math.Ceil(budget * burstSeconds))
	if burst < 1 {
		burst = 1
	}
	// an eventually consistent scan consumes half a read unit per 4KB
	estimated := float64(aws.ToInt64(table.TableSizeBytes)) / 4096 * 0.5 / budget
	s.logger.InfoContext(ctx, "Pacing scan against provisioned read capacity.",
		"table", s.cfg.Table,
		"budget_rcu_per_second", budget,
		"estimated_scan_seconds", int(math.Round(estimated)),
	)
	return rate.NewLimiter(rate.Limit(budget), burst)
}

// scanSegment pages through one scan segment until its key range is
// exhausted, recording progress in st. Cancellation stops the segment
// without marking it failed.
func (s *Scanner) scanSegment(ctx context.Context, segment int, window events.Window, limiter *rate.Limiter, out chan<- events.Event, st *segmentStats) {
	logger := s.logger.With("segment", segment)

	retry, err := retryutils.NewRetryV2(s.cfg.Retry)
	if err != nil {
		st.err = trace.Wrap(err)
		return
	}

	var startKey map[string]types.AttributeValue
	var failures int
	for {
		if ctx.Err() != nil {
			st.canceled = true
			return
		}

		page, err := s.cfg.Client.Scan(ctx, &dynamodb.ScanInput{
			TableName:              aws.String(s.cfg.Table),
			Segment:                aws.Int32(int32(segment)),
			TotalSegments:          aws.Int32(int32(s.cfg.Segments)),
			Limit:                  aws.Int32(int32(s.cfg.BatchSize)),
			ExclusiveStartKey:      startKey,
			ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
		})
		if err != nil {
			if ctx.Err() != nil {
				st.canceled = true
				return
			}
			err = convertError(err)
			if trace.IsLimitExceeded(err) {
				throttles.Inc()
			} else if !trace.IsConnectionProblem(err) {
				st.err = trace.Wrap(err)
				return
			}
			failures++
			if failures > s.cfg.MaxRetries {
				st.err = trace.Wrap(err, "exhausted %v retries", s.cfg.MaxRetries)
				return
			}
			retry.Inc()
			logger.WarnContext(ctx, "Scan page failed, backing off.",
				"attempt", failures,
				"backoff", retry.Duration(),
				"error", err,
			)
			select {
			case <-retry.After():
			case <-ctx.Done():
				st.canceled = true
				return
			}
			continue
		}
		retry.Reset()
		failures = 0

		pages.Inc()
		st.pages++
		st.scanned += len(page.Items)
		if cc := page.ConsumedCapacity; cc != nil && cc.CapacityUnits != nil {
			units := *cc.CapacityUnits
			st.consumed += units
			consumedCapacity.Add(units)
			if limiter != nil {
				if err := waitForBudget(ctx, limiter, units); err != nil {
					st.canceled = true
					return
				}
			}
		}

		for _, item := range page.Items {
			var record map[string]any
			if err := attributevalue.UnmarshalMap(item, &record); err != nil {
				st.rejected++
				logger.WarnContext(ctx, "Dropping undecodable record.", "error", err)
				continue
			}
			event, err := events.FromRecord(record)
			if err != nil {
				st.rejected++
				logger.WarnContext(ctx, "Dropping malformed record.", "error", err)
				continue
			}
			if !window.Contains(event.Timestamp) {
				st.outOfWindow++
				continue
			}
			select {
			case out <- *event:
				st.delivered++
			case <-ctx.Done():
				st.canceled = true
				return
			}
		}

		if len(page.LastEvaluatedKey) == 0 {
			logger.DebugContext(ctx, "Segment complete.",
				"pages", st.pages,
				"scanned", st.scanned,
				"delivered", st.delivered,
			)
			return
		}
		startKey = page.LastEvaluatedKey
	}
}

// waitForBudget charges the consumed capacity of a page against the read
// budget, blocking until the budget recovers. Charges above the burst are
// clamped so a single oversized page cannot wedge the segment.
func waitForBudget(ctx context.Context, limiter *rate.Limiter, units float64) error {
	n := int(math.Ceil(units))
	if n < 1 {
		return nil
	}
	if burst := limiter.Burst(); n > burst {
		n = burst
	}
	return limiter.WaitN(ctx, n)
}

// convertError maps DynamoDB errors to trace kinds: throttles to
// LimitExceeded, retryable server faults to ConnectionProblem, everything
// else to a terminal kind.
func convertError(err error) error {
	if err == nil {
		return nil
	}

	var throughputErr *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughputErr) {
		return trace.LimitExceeded("%s", throughputErr.ErrorMessage())
	}
	var requestLimitErr *types.RequestLimitExceeded
	if errors.As(err, &requestLimitErr) {
		return trace.LimitExceeded("%s", requestLimitErr.ErrorMessage())
	}
	var notFoundErr *types.ResourceNotFoundException
	if errors.As(err, &notFoundErr) {
		return trace.NotFound("%s", notFoundErr.ErrorMessage())
	}
	var internalErr *types.InternalServerError
	if errors.As(err, &internalErr) {
		return trace.ConnectionProblem(err, "%s", internalErr.ErrorMessage())
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "RequestLimitExceeded", "LimitExceededException":
			return trace.LimitExceeded("%s", apiErr.ErrorMessage())
		case "AccessDeniedException", "UnrecognizedClientException":
			return trace.AccessDenied("%s", apiErr.ErrorMessage())
		case "ValidationException":
			return trace.BadParameter("%s", apiErr.ErrorMessage())
		}
		return err
	}
	// no service response at all, assume a network fault
	return trace.ConnectionProblem(err, "request to DynamoDB failed")
}

var (
	pages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: eventprocessor.MetricNamespace,
		Name:      eventprocessor.MetricScanPages,
		Help:      "Number of DynamoDB scan round-trips",
	})
	throttles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: eventprocessor.MetricNamespace,
		Name:      eventprocessor.MetricScanThrottles,
		Help:      "Number of throttled DynamoDB scan requests",
	})
	consumedCapacity = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: eventprocessor.MetricNamespace,
		Name:      eventprocessor.MetricScanConsumedCapacity,
		Help:      "Read capacity units consumed by scans",
	})
	segmentFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: eventprocessor.MetricNamespace,
		Name:      eventprocessor.MetricScanSegmentFailures,
		Help:      "Number of scan segments that failed fatally",
	})

	prometheusCollectors = []prometheus.Collector{
		pages, throttles, consumedCapacity, segmentFailures,
	}
)
