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

package telemetry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ham-olalekan/eventprocessor/lib/pipeline"
)

type fakeCloudWatch struct {
	err    error
	inputs []*cloudwatch.PutMetricDataInput
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestEmitRunSummary(t *testing.T) {
	now := time.Date(2024, 6, 1, 11, 0, 30, 0, time.UTC)
	fake := &fakeCloudWatch{}
	emitter, err := NewEmitter(Config{
		Client: fake,
		Clock:  clockwork.NewFakeClockAt(now),
	})
	require.NoError(t, err)

	err = emitter.EmitRunSummary(context.Background(), &pipeline.RunSummary{
		EventsScanned:  1200,
		EventsInWindow: 1100,
		EventsRejected: 3,
		ClientsSeen:    40,
		ObjectsWritten: 39,
		ObjectsFailed:  1,
		BytesWritten:   1 << 20,
		UploadRetries:  2,
		DurationMS:     5400,
		Partial:        true,
	})
	require.NoError(t, err)

	require.Len(t, fake.inputs, 1)
	input := fake.inputs[0]
	require.Equal(t, "EventProcessor", aws.ToString(input.Namespace))
	require.Len(t, input.MetricData, 10)

	byName := make(map[string]cwtypes.MetricDatum)
	for _, datum := range input.MetricData {
		require.Equal(t, now, aws.ToTime(datum.Timestamp))
		byName[aws.ToString(datum.MetricName)] = datum
	}
	require.Equal(t, float64(1200), aws.ToFloat64(byName["events_scanned"].Value))
	require.Equal(t, cwtypes.StandardUnitCount, byName["events_scanned"].Unit)
	require.Equal(t, float64(1100), aws.ToFloat64(byName["events_in_window"].Value))
	require.Equal(t, float64(3), aws.ToFloat64(byName["events_rejected"].Value))
	require.Equal(t, float64(40), aws.ToFloat64(byName["clients_seen"].Value))
	require.Equal(t, float64(39), aws.ToFloat64(byName["objects_written"].Value))
	require.Equal(t, float64(1), aws.ToFloat64(byName["objects_failed"].Value))
	require.Equal(t, float64(1<<20), aws.ToFloat64(byName["bytes_written"].Value))
	require.Equal(t, cwtypes.StandardUnitBytes, byName["bytes_written"].Unit)
	require.Equal(t, float64(2), aws.ToFloat64(byName["upload_retries"].Value))
	require.Equal(t, float64(5400), aws.ToFloat64(byName["duration_ms"].Value))
	require.Equal(t, cwtypes.StandardUnitMilliseconds, byName["duration_ms"].Unit)
	require.Equal(t, float64(1), aws.ToFloat64(byName["partial_run"].Value))
}

func TestEmitRunSummaryFailure(t *testing.T) {
	emitter, err := NewEmitter(Config{
		Client: &fakeCloudWatch{err: trace.ConnectionProblem(nil, "cloudwatch unreachable")},
	})
	require.NoError(t, err)

	err = emitter.EmitRunSummary(context.Background(), &pipeline.RunSummary{})
	require.Error(t, err)
}

func TestPublishBatches(t *testing.T) {
	fake := &fakeCloudWatch{}
	emitter, err := NewEmitter(Config{Client: fake})
	require.NoError(t, err)

	var data []cwtypes.MetricDatum
	for i := range 45 {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(fmt.Sprintf("m%d", i)),
			Value:      aws.Float64(float64(i)),
			Unit:       cwtypes.StandardUnitCount,
		})
	}
	require.NoError(t, emitter.publish(context.Background(), data))

	require.Len(t, fake.inputs, 3)
	require.Len(t, fake.inputs[0].MetricData, 20)
	require.Len(t, fake.inputs[1].MetricData, 20)
	require.Len(t, fake.inputs[2].MetricData, 5)
}

func TestEmitterValidation(t *testing.T) {
	_, err := NewEmitter(Config{})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}
