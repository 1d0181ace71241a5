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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestFromRecord(t *testing.T) {
	tests := []struct {
		name      string
		item      map[string]any
		assertErr require.ErrorAssertionFunc
		expected  *Event
	}{
		{
			name: "valid record",
			item: map[string]any{
				"event_id":  "evt-1",
				"client_id": "acme",
				"time":      "2024-06-01T10:15:00Z",
				"payload":   map[string]any{"action": "login"},
			},
			assertErr: require.NoError,
			expected: &Event{
				ID:        "evt-1",
				ClientID:  "acme",
				Timestamp: time.Date(2024, 6, 1, 10, 15, 0, 0, time.UTC),
			},
		},
		{
			name: "fractional seconds and offset",
			item: map[string]any{
				"client_id": "acme",
				"time":      "2024-06-01T12:15:00.25+02:00",
			},
			assertErr: require.NoError,
			expected: &Event{
				ClientID:  "acme",
				Timestamp: time.Date(2024, 6, 1, 12, 15, 0, 250000000, time.FixedZone("", 2*3600)),
			},
		},
		{
			name: "missing client_id",
			item: map[string]any{
				"event_id": "evt-2",
				"time":     "2024-06-01T10:15:00Z",
			},
			assertErr: func(t require.TestingT, err error, _ ...any) {
				require.True(t, trace.IsBadParameter(err))
			},
		},
		{
			name: "empty client_id",
			item: map[string]any{
				"client_id": "",
				"time":      "2024-06-01T10:15:00Z",
			},
			assertErr: func(t require.TestingT, err error, _ ...any) {
				require.True(t, trace.IsBadParameter(err))
			},
		},
		{
			name: "client_id not a string",
			item: map[string]any{
				"client_id": 42.0,
				"time":      "2024-06-01T10:15:00Z",
			},
			assertErr: func(t require.TestingT, err error, _ ...any) {
				require.True(t, trace.IsBadParameter(err))
			},
		},
		{
			name: "missing time",
			item: map[string]any{
				"client_id": "acme",
			},
			assertErr: func(t require.TestingT, err error, _ ...any) {
				require.True(t, trace.IsBadParameter(err))
			},
		},
		{
			name: "unparseable time",
			item: map[string]any{
				"client_id": "acme",
				"time":      "June 1st, 10:15",
			},
			assertErr: func(t require.TestingT, err error, _ ...any) {
				require.True(t, trace.IsBadParameter(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := FromRecord(tt.item)
			tt.assertErr(t, err)
			if tt.expected == nil {
				return
			}
			require.Equal(t, tt.expected.ID, event.ID)
			require.Equal(t, tt.expected.ClientID, event.ClientID)
			require.True(t, tt.expected.Timestamp.Equal(event.Timestamp),
				"expected %v, got %v", tt.expected.Timestamp, event.Timestamp)
			// the raw item rides along untouched
			require.Equal(t, tt.item, event.Item)
		})
	}
}

func TestNewWindow(t *testing.T) {
	invoked := time.Date(2024, 6, 1, 11, 0, 5, 0, time.UTC)
	window := NewWindow(invoked, 1)
	require.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), window.Start)
	require.Equal(t, time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC), window.End)

	// non-UTC invocation time selects the same interval
	est := time.FixedZone("EST", -5*3600)
	window = NewWindow(time.Date(2024, 6, 1, 6, 59, 59, 0, est), 1)
	require.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), window.Start)
	require.Equal(t, time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC), window.End)

	window = NewWindow(invoked, 6)
	require.Equal(t, time.Date(2024, 6, 1, 5, 0, 0, 0, time.UTC), window.Start)
}

func TestWindowContains(t *testing.T) {
	window := Window{
		Start: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{name: "start boundary included", t: window.Start, want: true},
		{name: "end boundary excluded", t: window.End, want: false},
		{name: "inside", t: window.Start.Add(30 * time.Minute), want: true},
		{name: "before", t: window.Start.Add(-time.Nanosecond), want: false},
		{name: "after", t: window.End.Add(time.Hour), want: false},
		{name: "equal instant in another zone", t: window.Start.In(time.FixedZone("X", 3600)), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, window.Contains(tt.t))
		})
	}
}
