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

// Package pipeline orchestrates one export run: scan the last closed
// window out of the event table, group events by client, and upload one
// object per client.
//
// The run degrades rather than aborts: failed segments and failed clients
// are recorded in the RunSummary while the rest of the run completes. When
// the caller's deadline is near, the pipeline stops admitting new work
// early enough to drain the uploads already in flight.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/ham-olalekan/eventprocessor"
	"github.com/ham-olalekan/eventprocessor/lib/dynamoscan"
	"github.com/ham-olalekan/eventprocessor/lib/events"
	"github.com/ham-olalekan/eventprocessor/lib/observability/metrics"
	"github.com/ham-olalekan/eventprocessor/lib/partition"
	"github.com/ham-olalekan/eventprocessor/lib/s3sink"
)

const (
	// defaultSafetyMargin is reserved before the caller's deadline: no new
	// scan pages or uploads start inside it.
	defaultSafetyMargin = 30 * time.Second

	// defaultDrainMargin is reserved for in-flight uploads and the final
	// summary emission.
	defaultDrainMargin = 5 * time.Second

	// defaultChannelCapacity bounds the scan-to-partition channel.
	defaultChannelCapacity = 1024
)

// Config configures a Pipeline.
type Config struct {
	// Scanner reads events out of the source table.
	Scanner *dynamoscan.Scanner
	// Writer uploads client objects.
	Writer *s3sink.Writer
	// Telemetry receives the run summary. Defaults to a no-op sink.
	Telemetry Sink
	// WindowHours is the width of the export window.
	WindowHours int
	// OutputFormat is one of json, jsonl or csv.
	OutputFormat string
	// MaxConcurrentUploads caps simultaneous uploads.
	MaxConcurrentUploads int
	// HighWaterMarkBytes bounds buffered payload bytes; zero disables the
	// bound.
	HighWaterMarkBytes int64
	// ChannelCapacity bounds the scan-to-partition channel.
	ChannelCapacity int
	// SafetyMargin is reserved before the caller's deadline; no new work
	// starts inside it.
	SafetyMargin time.Duration
	// DrainMargin is reserved for in-flight uploads after the safety
	// margin cuts off new work.
	DrainMargin time.Duration
	// Clock overrides wall clock time in tests.
	Clock clockwork.Clock
	// Logger emits run progress.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Scanner == nil {
		return trace.BadParameter("missing parameter Scanner")
	}
	if c.Writer == nil {
		return trace.BadParameter("missing parameter Writer")
	}
	if c.Telemetry == nil {
		c.Telemetry = NopSink{}
	}
	if c.WindowHours == 0 {
		c.WindowHours = 1
	}
	if c.WindowHours < 1 {
		return trace.BadParameter("WindowHours must be at least 1, got %v", c.WindowHours)
	}
	switch c.OutputFormat {
	case eventprocessor.FormatJSON, eventprocessor.FormatJSONL, eventprocessor.FormatCSV:
	default:
		return trace.BadParameter("OutputFormat must be one of json, jsonl or csv, got %q", c.OutputFormat)
	}
	if c.MaxConcurrentUploads == 0 {
		c.MaxConcurrentUploads = 5
	}
	if c.MaxConcurrentUploads < 1 {
		return trace.BadParameter("MaxConcurrentUploads must be positive, got %v", c.MaxConcurrentUploads)
	}
	if c.HighWaterMarkBytes < 0 {
		return trace.BadParameter("HighWaterMarkBytes must not be negative, got %v", c.HighWaterMarkBytes)
	}
	if c.ChannelCapacity == 0 {
		c.ChannelCapacity = defaultChannelCapacity
	}
	if c.ChannelCapacity < 1 {
		return trace.BadParameter("ChannelCapacity must be positive, got %v", c.ChannelCapacity)
	}
	if c.SafetyMargin == 0 {
		c.SafetyMargin = defaultSafetyMargin
	}
	if c.DrainMargin == 0 {
		c.DrainMargin = defaultDrainMargin
	}
	if c.SafetyMargin <= c.DrainMargin {
		return trace.BadParameter("SafetyMargin %v must exceed DrainMargin %v", c.SafetyMargin, c.DrainMargin)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(eventprocessor.ComponentKey, eventprocessor.ComponentPipeline)
	}
	return nil
}

// Pipeline runs hourly exports.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a Pipeline for the given configuration.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := metrics.RegisterPrometheusCollectors(prometheusCollectors...); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pipeline{cfg: cfg, logger: cfg.Logger}, nil
}

// Run executes one export over the last closed window preceding the
// current time. The summary is returned even when the run failed; the
// error is non-nil only when no part of the table could be read.
func (p *Pipeline) Run(ctx context.Context) (*RunSummary, error) {
	start := p.cfg.Clock.Now()
	runID := uuid.NewString()
	logger := p.logger.With("run_id", runID)

	window := events.NewWindow(start, p.cfg.WindowHours)
	logger.InfoContext(ctx, "Starting export run.",
		"window", window.String(),
		"format", p.cfg.OutputFormat,
	)

	// budgetCtx cuts off new work ahead of the caller's deadline;
	// drainCtx gives uploads already in flight a little longer to finish.
	budgetCtx, drainCtx := ctx, ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		budgetCtx, cancel = context.WithDeadline(ctx, deadline.Add(-p.cfg.SafetyMargin))
		defer cancel()
		drainCtx, cancel = context.WithDeadline(ctx, deadline.Add(-p.cfg.DrainMargin))
		defer cancel()
	}

	partitioner, err := partition.New(partition.Config{
		HighWaterMark: p.cfg.HighWaterMarkBytes,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	eventsC := make(chan events.Event, p.cfg.ChannelCapacity)
	uploadC := make(chan *partition.ClientBuffer, p.cfg.MaxConcurrentUploads)
	resultsC := make(chan s3sink.Result, p.cfg.MaxConcurrentUploads)

	// admit scanned events; a high water mark breach yields evicted
	// buffers for early upload
	consumeDone := make(chan struct{})
	var admitRejected int
	go func() {
		defer close(consumeDone)
		for event := range eventsC {
			evicted, err := partitioner.Admit(event)
			if err != nil {
				admitRejected++
				logger.WarnContext(ctx, "Dropping inadmissible event.", "error", err)
				continue
			}
			for _, buf := range evicted {
				uploadC <- buf
			}
		}
	}()

	// dispatch buffers to bounded concurrent uploads; once the budget
	// deadline passes, remaining buffers are recorded as cut off rather
	// than started
	uploadDone := make(chan struct{})
	clientEvents := make(map[string]int)
	sem := semaphore.NewWeighted(int64(p.cfg.MaxConcurrentUploads))
	go func() {
		defer close(uploadDone)
		var wg sync.WaitGroup
		for buf := range uploadC {
			clientEvents[buf.ClientID] += len(buf.Events)
			if err := sem.Acquire(budgetCtx, 1); err != nil {
				resultsC <- s3sink.Result{
					ClientID: buf.ClientID,
					Events:   len(buf.Events),
					Err:      trace.Wrap(err, "upload for client %v not started, deadline approaching", buf.ClientID),
				}
				continue
			}
			wg.Add(1)
			go func(buf *partition.ClientBuffer) {
				defer wg.Done()
				defer sem.Release(1)
				resultsC <- p.upload(drainCtx, buf, window)
			}(buf)
		}
		wg.Wait()
	}()

	collectDone := make(chan struct{})
	var results []s3sink.Result
	go func() {
		defer close(collectDone)
		for result := range resultsC {
			results = append(results, result)
		}
	}()

	scanResult, scanErr := p.cfg.Scanner.ScanWindow(budgetCtx, window, eventsC)
	<-consumeDone
	for _, buf := range partitioner.Finalize() {
		uploadC <- buf
	}
	close(uploadC)
	<-uploadDone
	close(resultsC)
	<-collectDone

	summary := &RunSummary{
		RunID:                runID,
		WindowStart:          window.Start,
		WindowEnd:            window.End,
		EventsScanned:        scanResult.Scanned,
		EventsInWindow:       partitioner.Admitted(),
		EventsRejected:       scanResult.Rejected + admitRejected,
		ClientsSeen:          partitioner.Clients(),
		ConsumedReadCapacity: scanResult.ConsumedCapacity,
		ClientEvents:         clientEvents,
	}
	for _, result := range results {
		if result.Attempts > 1 {
			summary.UploadRetries += result.Attempts - 1
		}
		if result.Err != nil {
			summary.ObjectsFailed++
			if len(summary.Errors) < maxReportedErrors {
				summary.Errors = append(summary.Errors, ClientError{
					ClientID: result.ClientID,
					Kind:     errorKind(result.Err),
					Message:  result.Err.Error(),
				})
			}
			continue
		}
		summary.ObjectsWritten++
		summary.BytesWritten += result.Bytes
	}
	summary.Partial = scanResult.FailedSegments > 0 ||
		scanResult.DeadlineStopped ||
		summary.ObjectsFailed > 0
	summary.DurationMS = p.cfg.Clock.Now().Sub(start).Milliseconds()

	if len(clientEvents) > 0 {
		logger.DebugContext(ctx, "Leading clients by admitted events.",
			"clients", topClients(clientEvents, 5),
		)
	}

	runDuration.Observe(float64(summary.DurationMS) / 1000)
	if summary.Partial {
		partialRuns.Inc()
	}

	if err := p.cfg.Telemetry.EmitRunSummary(drainCtx, summary); err != nil {
		logger.WarnContext(ctx, "Failed to emit run summary metrics.", "error", err)
	}

	if scanErr != nil {
		logger.ErrorContext(ctx, "Export run failed, no segment completed.", "error", scanErr)
		return summary, trace.Wrap(scanErr)
	}
	var eventsPerSecond float64
	if summary.DurationMS > 0 {
		eventsPerSecond = float64(summary.EventsScanned) / (float64(summary.DurationMS) / 1000)
	}
	logger.InfoContext(ctx, "Export run finished.",
		"window", window.String(),
		"events_scanned", summary.EventsScanned,
		"events_in_window", summary.EventsInWindow,
		"events_rejected", summary.EventsRejected,
		"clients_seen", summary.ClientsSeen,
		"objects_written", summary.ObjectsWritten,
		"objects_failed", summary.ObjectsFailed,
		"bytes_written", humanize.Bytes(uint64(summary.BytesWritten)),
		"duration", time.Duration(summary.DurationMS)*time.Millisecond,
		"events_per_second", int(eventsPerSecond),
		"partial", summary.Partial,
	)
	return summary, nil
}

// topClients returns up to n "client=count" pairs, largest first. Ties break
// towards the lexicographically smaller client so the log is deterministic.
func topClients(counts map[string]int, n int) []string {
	type clientCount struct {
		id     string
		events int
	}
	ranked := make([]clientCount, 0, len(counts))
	for id, events := range counts {
		ranked = append(ranked, clientCount{id: id, events: events})
	}
	slices.SortFunc(ranked, func(a, b clientCount) int {
		if a.events != b.events {
			return b.events - a.events
		}
		return strings.Compare(a.id, b.id)
	})
	out := make([]string, 0, min(n, len(ranked)))
	for _, c := range ranked[:min(n, len(ranked))] {
		out = append(out, fmt.Sprintf("%s=%d", c.id, c.events))
	}
	return out
}

// upload renders one buffer and writes it to the client's bucket.
func (p *Pipeline) upload(ctx context.Context, buf *partition.ClientBuffer, window events.Window) s3sink.Result {
	payload, err := partition.Serialize(p.cfg.OutputFormat, buf.Events)
	if err != nil {
		return s3sink.Result{
			ClientID: buf.ClientID,
			Events:   len(buf.Events),
			Err:      trace.Wrap(err),
		}
	}
	return p.cfg.Writer.Upload(ctx, s3sink.Object{
		ClientID:    buf.ClientID,
		WindowStart: window.Start,
		Chunk:       buf.Chunk,
		Payload:     payload,
		EventCount:  len(buf.Events),
	})
}

var (
	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: eventprocessor.MetricNamespace,
		Name:      eventprocessor.MetricRunDuration,
		Help:      "Duration of end-to-end export runs",
		// lowest bucket start of upper bound 0.1 sec with factor 2
		// highest bucket start of 0.1 sec * 2^11 == 204.8 sec
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	partialRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: eventprocessor.MetricNamespace,
		Name:      eventprocessor.MetricPartialRuns,
		Help:      "Number of runs that finished with partial results",
	})

	prometheusCollectors = []prometheus.Collector{runDuration, partialRuns}
)
