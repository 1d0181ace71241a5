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

// Package aws instruments AWS SDK clients with prometheus metrics.
package aws

import (
	"context"
	"time"

	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	"github.com/aws/smithy-go/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ham-olalekan/eventprocessor"
	"github.com/ham-olalekan/eventprocessor/lib/observability/metrics"
)

var (
	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: eventprocessor.MetricNamespace,
			Name:      "aws_sdk_requests",
			Help:      "Number of requests to the AWS API by result",
		},
		[]string{"service", "operation", "result"},
	)
	apiRequestLatencies = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: eventprocessor.MetricNamespace,
			Name:      "aws_sdk_requests_seconds",
			Help:      "Request latency for the AWS API",
			// lowest bucket start of upper bound 0.001 sec (1 ms) with factor 2
			// highest bucket start of 0.001 sec * 2^15 == 32.768 sec
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"service", "operation"},
	)
)

func init() {
	_ = metrics.RegisterPrometheusCollectors(apiRequests, apiRequestLatencies)
}

// MetricsMiddleware returns middleware that captures prometheus metrics for
// every AWS API call made through a client configured with it.
func MetricsMiddleware() []func(stack *middleware.Stack) error {
	return []func(s *middleware.Stack) error{
		func(stack *middleware.Stack) error {
			return stack.Initialize.Add(middleware.InitializeMiddlewareFunc(
				"RequestMetrics",
				func(ctx context.Context, in middleware.InitializeInput, next middleware.InitializeHandler) (middleware.InitializeOutput, middleware.Metadata, error) {
					start := time.Now()
					out, md, err := next.HandleInitialize(ctx, in)

					service := awsmiddleware.GetServiceID(ctx)
					operation := awsmiddleware.GetOperationName(ctx)
					result := "success"
					if err != nil {
						result = "error"
					}

					apiRequests.WithLabelValues(service, operation, result).Inc()
					apiRequestLatencies.WithLabelValues(service, operation).Observe(time.Since(start).Seconds())

					return out, md, err
				}), middleware.Before)
		},
	}
}
