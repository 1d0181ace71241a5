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

package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/gravitational/trace"
)

// maxReportedErrors bounds the per-client error details carried in a run
// summary.
const maxReportedErrors = 20

// RunSummary reports what one export run accomplished.
type RunSummary struct {
	// RunID uniquely identifies the run.
	RunID string `json:"run_id"`
	// WindowStart and WindowEnd bound the exported window, end exclusive.
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	// EventsScanned is the number of records read from the source table.
	EventsScanned int `json:"events_scanned"`
	// EventsInWindow is the number of events admitted to client buffers.
	EventsInWindow int `json:"events_in_window"`
	// EventsRejected is the number of records dropped as malformed.
	EventsRejected int `json:"events_rejected"`
	// ClientsSeen is the number of distinct clients with admitted events.
	ClientsSeen int `json:"clients_seen"`
	// ObjectsWritten and ObjectsFailed count per-client uploads.
	ObjectsWritten int `json:"objects_written"`
	ObjectsFailed  int `json:"objects_failed"`
	// BytesWritten is the total payload bytes successfully uploaded.
	BytesWritten int64 `json:"bytes_written"`
	// UploadRetries is the number of retried put attempts across all
	// uploads of the run.
	UploadRetries int `json:"upload_retries"`
	// ConsumedReadCapacity is the read capacity units the scan consumed.
	ConsumedReadCapacity float64 `json:"consumed_read_capacity"`
	// DurationMS is the wall clock duration of the run in milliseconds.
	DurationMS int64 `json:"duration_ms"`
	// Partial reports that some segments or uploads did not finish.
	Partial bool `json:"partial_run"`
	// ClientEvents maps each client to the number of events admitted for
	// it, early-flushed chunks included.
	ClientEvents map[string]int `json:"client_events,omitempty"`
	// Errors holds per-client failure details, capped at
	// maxReportedErrors entries.
	Errors []ClientError `json:"errors,omitempty"`
}

// ClientError describes one failed client upload.
type ClientError struct {
	// ClientID identifies the client, empty for run-wide failures.
	ClientID string `json:"client_id,omitempty"`
	// Kind classifies the failure.
	Kind string `json:"kind"`
	// Message is the error text.
	Message string `json:"message"`
}

// Failure kinds recorded in ClientError.
const (
	// KindBucketMissing marks a client whose destination bucket does not
	// exist.
	KindBucketMissing = "BucketMissing"
	// KindSinkThrottled marks an upload that exhausted its retries
	// against throttling.
	KindSinkThrottled = "SinkThrottled"
	// KindSinkTransient marks an upload that exhausted its retries
	// against transient faults.
	KindSinkTransient = "SinkTransient"
	// KindSinkFatal marks an upload rejected outright.
	KindSinkFatal = "SinkFatal"
	// KindDeadlineApproaching marks an upload cut off by the run
	// deadline.
	KindDeadlineApproaching = "DeadlineApproaching"
)

// errorKind classifies an upload error into a summary failure kind.
func errorKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindDeadlineApproaching
	case trace.IsNotFound(err):
		return KindBucketMissing
	case trace.IsLimitExceeded(err):
		return KindSinkThrottled
	case trace.IsConnectionProblem(err):
		return KindSinkTransient
	default:
		return KindSinkFatal
	}
}

// Sink receives the summary of a finished run. Implementations must not
// block past their context.
type Sink interface {
	EmitRunSummary(ctx context.Context, summary *RunSummary) error
}

// NopSink discards run summaries.
type NopSink struct{}

// EmitRunSummary implements Sink.
func (NopSink) EmitRunSummary(context.Context, *RunSummary) error { return nil }
