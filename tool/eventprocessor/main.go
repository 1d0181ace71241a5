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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gravitational/trace"

	"github.com/ham-olalekan/eventprocessor"
	"github.com/ham-olalekan/eventprocessor/lib/config"
	"github.com/ham-olalekan/eventprocessor/lib/dynamoscan"
	awsmetrics "github.com/ham-olalekan/eventprocessor/lib/observability/metrics/aws"
	"github.com/ham-olalekan/eventprocessor/lib/pipeline"
	"github.com/ham-olalekan/eventprocessor/lib/s3sink"
	"github.com/ham-olalekan/eventprocessor/lib/telemetry"
)

const appHelp = `Event Processor

Exports the previous closed hour of events from a DynamoDB event table
into per-client S3 buckets, one object per client per hour.

The same binary serves as the AWS Lambda handler when started inside the
Lambda runtime.`

const (
	// configEnvVar points at a YAML configuration file. When unset the
	// configuration comes from individual environment variables.
	configEnvVar = "CONFIG_FILE"
	// lambdaEnvVar is set by the AWS Lambda runtime.
	lambdaEnvVar = "AWS_LAMBDA_RUNTIME_API"
)

const (
	logFormatText = "text"
	logFormatJSON = "json"
)

func main() {
	if os.Getenv(lambdaEnvVar) != "" {
		lambda.Start(handleInvocation)
		return
	}
	if err := Run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(1)
	}
}

type cliConfig struct {
	// ConfigPath is the YAML configuration file, empty for env-only
	// configuration.
	ConfigPath string
	// Timeout is the total run budget.
	Timeout time.Duration
	// Debug forces debug level logging.
	Debug bool
	// LogFormat is either json or text.
	LogFormat string
}

func Run(args []string) error {
	var ccfg cliConfig
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app := kingpin.New("eventprocessor", appHelp)
	app.Flag("config", "Path to a YAML configuration file. Defaults to configuration from environment variables.").
		Short('c').Envar(configEnvVar).StringVar(&ccfg.ConfigPath)
	app.Flag("debug", "Verbose logging to stderr.").
		Short('d').BoolVar(&ccfg.Debug)
	app.Flag("log-format", "Log output format, json or text.").
		Default(logFormatText).EnumVar(&ccfg.LogFormat, logFormatText, logFormatJSON)
	app.HelpFlag.Short('h')

	runCmd := app.Command("run", "Export the last closed hour of events to per-client buckets.")
	runCmd.Flag("timeout", "Total run budget after which the run drains in-flight uploads and reports partial results.").
		Default("15m").DurationVar(&ccfg.Timeout)

	versionCmd := app.Command("version", "Print the version of the eventprocessor binary.")

	command, err := app.Parse(args)
	if err != nil {
		app.Usage(args)
		return trace.Wrap(err)
	}

	switch command {
	case runCmd.FullCommand():
		err = onRun(ctx, &ccfg)
	case versionCmd.FullCommand():
		fmt.Printf("eventprocessor v%v %v\n", eventprocessor.Version, runtime.Version())
	default:
		// This should only happen when there's a missing switch case above.
		err = trace.BadParameter("command %q not configured", command)
	}
	return trace.Wrap(err)
}

// onRun executes one export run from the command line. The summary is
// printed to stdout; the exit status is non-zero only when no part of the
// table could be read.
func onRun(ctx context.Context, ccfg *cliConfig) error {
	cfg, err := loadConfig(ccfg.ConfigPath)
	if err != nil {
		return trace.Wrap(err)
	}
	level := cfg.Logging.SlogLevel()
	if ccfg.Debug {
		level = slog.LevelDebug
	}
	setupLogger(level, ccfg.LogFormat)

	ctx, cancel := context.WithTimeout(ctx, ccfg.Timeout)
	defer cancel()

	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	summary, runErr := p.Run(ctx)
	if summary != nil {
		out, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return trace.NewAggregate(runErr, err)
		}
		fmt.Println(string(out))
	}
	return trace.Wrap(runErr)
}

// handleInvocation executes one export run inside the Lambda runtime. The
// payload does not influence the export window and is ignored; the run
// budget is the invocation deadline carried by ctx.
func handleInvocation(ctx context.Context, payload json.RawMessage) (*pipeline.RunSummary, error) {
	cfg, err := loadConfig(os.Getenv(configEnvVar))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	setupLogger(cfg.Logging.SlogLevel(), logFormatJSON)
	slog.With(eventprocessor.ComponentKey, eventprocessor.ComponentCLI).
		InfoContext(ctx, "Invoked from Lambda.", "payload_bytes", len(payload))

	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	summary, err := p.Run(ctx)
	return summary, trace.Wrap(err)
}

// loadConfig reads the configuration file when one is given and falls back
// to environment variables otherwise.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.FromEnv()
	if path != "" {
		var err error
		cfg, err = config.ReadConfigFromFile(path)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

func setupLogger(level slog.Level, format string) {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if format == logFormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// buildPipeline assembles the scanner, writer and telemetry emitter over
// shared AWS credentials.
func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline.Pipeline, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithAPIOptions(awsmetrics.MetricsMiddleware()),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// the scanner and writer carry their own backoff schedules; the SDK's
	// retry layer is disabled so the two are not compounded
	dynamoClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		o.Retryer = aws.NopRetryer{}
	})
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.Retryer = aws.NopRetryer{}
	})
	cloudwatchClient := cloudwatch.NewFromConfig(awsCfg)

	retryCfg := cfg.RetryConfig()
	scanner, err := dynamoscan.New(dynamoscan.Config{
		Client:                 dynamoClient,
		Table:                  cfg.Source.Table,
		Segments:               cfg.Source.ParallelSegments,
		BatchSize:              cfg.Source.ScanBatchSize,
		ReadThroughputFraction: cfg.Source.ReadThroughputFraction,
		MaxRetries:             *cfg.Processing.MaxRetries,
		Retry:                  retryCfg,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	writer, err := s3sink.NewWriter(s3sink.Config{
		Client:               s3Client,
		BucketPrefix:         cfg.Sink.BucketPrefix,
		Format:               cfg.Sink.OutputFormat,
		ServerSideEncryption: cfg.Sink.ServerSideEncryption,
		MaxRetries:           *cfg.Processing.MaxRetries,
		Retry:                retryCfg,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	emitter, err := telemetry.NewEmitter(telemetry.Config{
		Client: cloudwatchClient,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	p, err := pipeline.New(pipeline.Config{
		Scanner:              scanner,
		Writer:               writer,
		Telemetry:            emitter,
		WindowHours:          cfg.Processing.WindowHours,
		OutputFormat:         cfg.Sink.OutputFormat,
		MaxConcurrentUploads: cfg.Performance.MaxConcurrentUploads,
		HighWaterMarkBytes:   cfg.Performance.BufferHighWaterMarkBytes,
		// every segment can publish a full page without blocking its siblings
		ChannelCapacity: cfg.Source.ParallelSegments * cfg.Source.ScanBatchSize,
	})
	return p, trace.Wrap(err)
}
