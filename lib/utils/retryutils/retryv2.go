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
	"fmt"
	"math"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Retry is an interface that provides retry logic.
type Retry interface {
	// Reset resets retry state.
	Reset()
	// Inc increments the retry attempt.
	Inc()
	// Duration returns the retry duration, could be 0.
	Duration() time.Duration
	// After returns a channel that fires after the Duration delay. Fires
	// right away if Duration is 0.
	After() <-chan time.Time
	// Clone creates a copy of this retry in a reset state.
	Clone() Retry
}

// Driver determines the progression of delays behind a retry instance.
type Driver interface {
	// Duration returns the delay for the supplied attempt.
	Duration(attempt int64) time.Duration
	// Check validates the driver's parameters.
	Check() error
}

// NewLinearDriver creates a linear driver with the supplied step. The delay
// grows by one step per attempt, with no delay before the first attempt.
func NewLinearDriver(step time.Duration) Driver {
	return linearDriver{step: step}
}

type linearDriver struct {
	step time.Duration
}

func (d linearDriver) Duration(attempt int64) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return d.step * time.Duration(attempt)
}

func (d linearDriver) Check() error {
	if d.step <= 0 {
		return trace.BadParameter("linear driver requires positive step")
	}
	return nil
}

// NewExponentialDriver creates an exponential driver with the supplied base.
// The delay doubles on each attempt, with no delay before the first attempt.
func NewExponentialDriver(base time.Duration) Driver {
	return exponentialDriver{base: base}
}

type exponentialDriver struct {
	base time.Duration
}

func (d exponentialDriver) Duration(attempt int64) time.Duration {
	if attempt <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift >= 63 {
		return math.MaxInt64
	}
	delay := d.base << shift
	if delay <= 0 || delay>>shift != d.base {
		return math.MaxInt64
	}
	return delay
}

func (d exponentialDriver) Check() error {
	if d.base <= 0 {
		return trace.BadParameter("exponential driver requires positive base")
	}
	return nil
}

// RetryV2Config sets up the retry configuration.
type RetryV2Config struct {
	// First is a static delay added to every attempt, could be 0.
	First time.Duration
	// Driver generates the progression of delays.
	Driver Driver
	// Max is the maximum delay, can't be 0.
	Max time.Duration
	// Jitter is an optional jitter function applied to the delay. Note
	// that supplying a jitter means that successive calls to Duration may
	// return different results.
	Jitter Jitter
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults.
func (c *RetryV2Config) CheckAndSetDefaults() error {
	if c.Driver == nil {
		return trace.BadParameter("missing parameter Driver")
	}
	if err := c.Driver.Check(); err != nil {
		return trace.Wrap(err)
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewRetryV2 returns a new driver-based retry instance.
func NewRetryV2(cfg RetryV2Config) (*RetryV2, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newRetryV2(cfg), nil
}

// newRetryV2 creates an instance of RetryV2 from a previously verified
// configuration.
func newRetryV2(cfg RetryV2Config) *RetryV2 {
	closedChan := make(chan time.Time)
	close(closedChan)
	return &RetryV2{RetryV2Config: cfg, closedChan: closedChan}
}

// RetryV2 calculates the delay for each retry attempt via a pluggable
// driver, applying an optional jitter and a hard cap.
type RetryV2 struct {
	// RetryV2Config is the retry config.
	RetryV2Config
	attempt    int64
	closedChan chan time.Time
}

// Reset resets the retry to its initial state.
func (r *RetryV2) Reset() {
	r.attempt = 0
}

// Clone creates an identical copy of RetryV2 with fresh state.
func (r *RetryV2) Clone() Retry {
	return newRetryV2(r.RetryV2Config)
}

// Inc increments the attempt counter.
func (r *RetryV2) Inc() {
	r.attempt++
}

// Duration returns the delay for the current attempt.
func (r *RetryV2) Duration() time.Duration {
	d := r.First + r.Driver.Duration(r.attempt)
	if d < 1 {
		return 0
	}
	if d > r.Max {
		d = r.Max
	}
	if r.Jitter != nil {
		d = r.Jitter(d)
	}
	return d
}

// After returns a channel that fires once the current delay elapses. If the
// delay is 0 the returned channel is already closed.
func (r *RetryV2) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns a user friendly representation of the retry.
func (r *RetryV2) String() string {
	return fmt.Sprintf("RetryV2(attempt=%v, duration=%v)", r.attempt, r.Duration())
}
