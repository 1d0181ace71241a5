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

package retryutils

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestExponentialProgression(t *testing.T) {
	retry, err := NewRetryV2(RetryV2Config{
		Driver: NewExponentialDriver(100 * time.Millisecond),
		Max:    800 * time.Millisecond,
	})
	require.NoError(t, err)

	expected := []time.Duration{
		0,
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		// capped from here on
		800 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, want := range expected {
		require.Equal(t, want, retry.Duration(), "attempt %d", i)
		retry.Inc()
	}

	retry.Reset()
	require.Equal(t, time.Duration(0), retry.Duration())
}

func TestLinearProgression(t *testing.T) {
	retry, err := NewRetryV2(RetryV2Config{
		First:  50 * time.Millisecond,
		Driver: NewLinearDriver(time.Second),
		Max:    2 * time.Second,
	})
	require.NoError(t, err)

	expected := []time.Duration{
		50 * time.Millisecond,
		1050 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
	}
	for i, want := range expected {
		require.Equal(t, want, retry.Duration(), "attempt %d", i)
		retry.Inc()
	}
}

func TestExponentialOverflow(t *testing.T) {
	driver := NewExponentialDriver(time.Hour)
	require.Equal(t, time.Duration(0), driver.Duration(0))
	// large attempts saturate instead of wrapping negative
	require.Greater(t, driver.Duration(62), time.Duration(0))
	require.Greater(t, driver.Duration(200), time.Duration(0))
}

func TestRetryV2Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  RetryV2Config
	}{
		{name: "missing driver", cfg: RetryV2Config{Max: time.Second}},
		{name: "missing max", cfg: RetryV2Config{Driver: NewExponentialDriver(time.Second)}},
		{name: "bad exponential base", cfg: RetryV2Config{Driver: NewExponentialDriver(0), Max: time.Second}},
		{name: "bad linear step", cfg: RetryV2Config{Driver: NewLinearDriver(-time.Second), Max: time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRetryV2(tt.cfg)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}

func TestRetryV2Clone(t *testing.T) {
	retry, err := NewRetryV2(RetryV2Config{
		Driver: NewExponentialDriver(time.Second),
		Max:    time.Minute,
	})
	require.NoError(t, err)

	retry.Inc()
	retry.Inc()
	require.Equal(t, 2*time.Second, retry.Duration())

	clone := retry.Clone()
	require.Equal(t, time.Duration(0), clone.Duration())
	// the original is unaffected by the clone
	require.Equal(t, 2*time.Second, retry.Duration())
}

func TestRetryV2AfterFiresImmediately(t *testing.T) {
	retry, err := NewRetryV2(RetryV2Config{
		Driver: NewExponentialDriver(time.Hour),
		Max:    time.Hour,
	})
	require.NoError(t, err)

	// attempt 0 carries no delay, so After must not block
	select {
	case <-retry.After():
	default:
		t.Fatal("expected After to fire immediately at attempt 0")
	}
}

func TestFullJitter(t *testing.T) {
	require.Equal(t, time.Duration(0), FullJitter(0))
	require.Equal(t, time.Duration(0), FullJitter(-time.Second))

	for range 1000 {
		d := FullJitter(time.Second)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, time.Second)
	}
}

func TestRetryV2Jitter(t *testing.T) {
	retry, err := NewRetryV2(RetryV2Config{
		Driver: NewExponentialDriver(time.Second),
		Max:    4 * time.Second,
		Jitter: FullJitter,
	})
	require.NoError(t, err)

	retry.Inc()
	retry.Inc()
	retry.Inc()
	// attempt 3 is jittered over [0, 4s)
	for range 100 {
		d := retry.Duration()
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.Less(t, d, 4*time.Second)
	}
}
