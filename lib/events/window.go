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

package events

import (
	"fmt"
	"time"
)

// Window is the half-open UTC interval [Start, End) selecting events for
// one run.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow computes the window ending at the top of the hour containing
// now and spanning hours backwards. The window depends only on wall-clock
// time, so re-invocations within the same hour select the same interval.
func NewWindow(now time.Time, hours int) Window {
	end := now.UTC().Truncate(time.Hour)
	return Window{
		Start: end.Add(-time.Duration(hours) * time.Hour),
		End:   end,
	}
}

// Contains reports whether t falls inside the window. The start instant is
// included, the end instant is not.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// String returns the window in interval notation.
func (w Window) String() string {
	return fmt.Sprintf("[%v, %v)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}
