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

// Package retryutils defines the retry and backoff machinery shared by the
// scanner and the sink writer.
package retryutils

import (
	"math/rand/v2"
	"time"
)

// Jitter is a function which applies random jitter to a duration. Used to
// randomize backoff values. Must be safe for concurrent usage.
type Jitter func(time.Duration) time.Duration

// FullJitter is a jitter on the range [0,d). Most suitable for breaking up
// retry storms where callers would otherwise back off on identical
// schedules.
func FullJitter(d time.Duration) time.Duration {
	if d < 1 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)))
}
