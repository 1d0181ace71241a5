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

// Package telemetry publishes run measurements to CloudWatch.
package telemetry

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/ham-olalekan/eventprocessor"
	"github.com/ham-olalekan/eventprocessor/lib/pipeline"
)

const (
	// Namespace is the CloudWatch namespace run measurements are published
	// under.
	Namespace = "EventProcessor"

	// maxDatumsPerCall is the PutMetricData API limit on metric data per
	// request.
	maxDatumsPerCall = 20
)

// Client is the subset of the CloudWatch API used by the emitter.
type Client interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Config configures an Emitter.
type Config struct {
	// Client is the CloudWatch client to publish with.
	Client Client
	// Namespace is the metric namespace. Defaults to Namespace.
	Namespace string
	// Clock overrides wall clock time in tests.
	Clock clockwork.Clock
	// Logger emits publish progress.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing parameter Client")
	}
	if c.Namespace == "" {
		c.Namespace = Namespace
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(eventprocessor.ComponentKey, eventprocessor.ComponentTelemetry)
	}
	return nil
}

// Emitter publishes one RunSummary per run as CloudWatch metric data.
type Emitter struct {
	cfg    Config
	logger *slog.Logger
}

var _ pipeline.Sink = (*Emitter)(nil)

// NewEmitter returns an Emitter for the given configuration.
func NewEmitter(cfg Config) (*Emitter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Emitter{cfg: cfg, logger: cfg.Logger}, nil
}

// EmitRunSummary publishes the summary's measurements. The caller decides
// whether a publish failure fails the run; the pipeline only logs it.
func (e *Emitter) EmitRunSummary(ctx context.Context, summary *pipeline.RunSummary) error {
	now := e.cfg.Clock.Now()
	datum := func(name string, value float64, unit cwtypes.StandardUnit) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(value),
			Unit:       unit,
			Timestamp:  aws.Time(now),
		}
	}
	var partial float64
	if summary.Partial {
		partial = 1
	}
	data := []cwtypes.MetricDatum{
		datum("events_scanned", float64(summary.EventsScanned), cwtypes.StandardUnitCount),
		datum("events_in_window", float64(summary.EventsInWindow), cwtypes.StandardUnitCount),
		datum("events_rejected", float64(summary.EventsRejected), cwtypes.StandardUnitCount),
		datum("clients_seen", float64(summary.ClientsSeen), cwtypes.StandardUnitCount),
		datum("objects_written", float64(summary.ObjectsWritten), cwtypes.StandardUnitCount),
		datum("objects_failed", float64(summary.ObjectsFailed), cwtypes.StandardUnitCount),
		datum("bytes_written", float64(summary.BytesWritten), cwtypes.StandardUnitBytes),
		datum("upload_retries", float64(summary.UploadRetries), cwtypes.StandardUnitCount),
		datum("duration_ms", float64(summary.DurationMS), cwtypes.StandardUnitMilliseconds),
		datum("partial_run", partial, cwtypes.StandardUnitCount),
	}

	if err := e.publish(ctx, data); err != nil {
		return trace.Wrap(err)
	}
	e.logger.InfoContext(ctx, "Published run measurements.",
		"run_id", summary.RunID,
		"namespace", e.cfg.Namespace,
		"measurements", len(data),
	)
	return nil
}

// publish writes the data in batches no larger than the API limit.
func (e *Emitter) publish(ctx context.Context, data []cwtypes.MetricDatum) error {
	for start := 0; start < len(data); start += maxDatumsPerCall {
		batch := data[start:min(start+maxDatumsPerCall, len(data))]
		_, err := e.cfg.Client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(e.cfg.Namespace),
			MetricData: batch,
		})
		if err != nil {
			return trace.Wrap(err, "publishing metric data to namespace %q", e.cfg.Namespace)
		}
	}
	return nil
}
