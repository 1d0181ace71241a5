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

// Package eventprocessor holds constants shared across the components of
// the hourly event export pipeline.
package eventprocessor

const (
	// ComponentKey is the name of the log field identifying the component
	// that emitted a log line.
	ComponentKey = "component"

	// ComponentScanner is the parallel DynamoDB table scanner.
	ComponentScanner = "scanner"

	// ComponentPartitioner is the per-client event grouper.
	ComponentPartitioner = "partitioner"

	// ComponentS3Sink is the per-client S3 object writer.
	ComponentS3Sink = "s3sink"

	// ComponentTelemetry is the CloudWatch metrics emitter.
	ComponentTelemetry = "telemetry"

	// ComponentPipeline is the run orchestrator.
	ComponentPipeline = "pipeline"

	// ComponentCLI is the command line entry point.
	ComponentCLI = "cli"
)

const (
	// FormatJSON renders a client's events as one indented top-level JSON
	// array.
	FormatJSON = "json"

	// FormatJSONL renders one compact JSON object per line, every line
	// newline terminated.
	FormatJSONL = "jsonl"

	// FormatCSV renders an RFC 4180 table whose header is the union of the
	// top-level keys observed across the client's events.
	FormatCSV = "csv"
)

// MetricNamespace is the prometheus namespace shared by all collectors.
const MetricNamespace = "eventprocessor"

const (
	// MetricScanPages counts DynamoDB scan round-trips.
	MetricScanPages = "scan_pages_total"

	// MetricScanThrottles counts throttled scan requests.
	MetricScanThrottles = "scan_throttles_total"

	// MetricScanConsumedCapacity counts read capacity units consumed by
	// scans.
	MetricScanConsumedCapacity = "scan_consumed_read_capacity_units_total"

	// MetricScanSegmentFailures counts scan segments that failed fatally.
	MetricScanSegmentFailures = "scan_segment_failures_total"

	// MetricUploadAttempts counts S3 put attempts, including retries.
	MetricUploadAttempts = "upload_attempts_total"

	// MetricUploadRetries counts retried S3 puts.
	MetricUploadRetries = "upload_retries_total"

	// MetricUploadFailures counts uploads that exhausted their retries or
	// failed outright.
	MetricUploadFailures = "upload_failures_total"

	// MetricUploadedBytes counts bytes successfully written to S3.
	MetricUploadedBytes = "uploaded_bytes_total"

	// MetricUploadDuration is a histogram of individual upload durations.
	MetricUploadDuration = "upload_duration_seconds"

	// MetricRunDuration is a histogram of end-to-end run durations.
	MetricRunDuration = "run_duration_seconds"

	// MetricPartialRuns counts runs that finished with partial results.
	MetricPartialRuns = "partial_runs_total"
)
