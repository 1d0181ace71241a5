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

package partition

import (
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/ham-olalekan/eventprocessor/lib/events"
)

func testEvent(client, id string, payloadLen int) events.Event {
	return events.Event{
		ID:       id,
		ClientID: client,
		Item: map[string]any{
			"client_id": client,
			"event_id":  id,
			"data":      strings.Repeat("x", payloadLen),
		},
	}
}

func eventIDs(buf *ClientBuffer) []string {
	ids := make([]string, 0, len(buf.Events))
	for _, event := range buf.Events {
		ids = append(ids, event.ID)
	}
	return ids
}

func TestAdmitGroupsByClient(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)

	for _, event := range []events.Event{
		testEvent("acme", "a1", 10),
		testEvent("globex", "g1", 10),
		testEvent("acme", "a2", 10),
		testEvent("acme", "a3", 10),
		testEvent("globex", "g2", 10),
	} {
		evicted, err := p.Admit(event)
		require.NoError(t, err)
		require.Empty(t, evicted)
	}

	require.Equal(t, 5, p.Admitted())
	require.Equal(t, 2, p.Clients())
	require.Positive(t, p.TotalBytes())

	buffers := p.Finalize()
	require.Len(t, buffers, 2)
	require.Equal(t, "acme", buffers[0].ClientID)
	require.Equal(t, []string{"a1", "a2", "a3"}, eventIDs(buffers[0]))
	require.Zero(t, buffers[0].Chunk)
	require.Equal(t, "globex", buffers[1].ClientID)
	require.Equal(t, []string{"g1", "g2"}, eventIDs(buffers[1]))
	require.Zero(t, buffers[1].Chunk)

	require.Zero(t, p.TotalBytes())
	require.Empty(t, p.Finalize())
}

func TestAdmitRejectsMissingClient(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)

	_, err = p.Admit(events.Event{ID: "e1"})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
	require.Zero(t, p.Admitted())
}

func TestEviction(t *testing.T) {
	p, err := New(Config{HighWaterMark: 500})
	require.NoError(t, err)

	evicted, err := p.Admit(testEvent("acme", "a1", 300))
	require.NoError(t, err)
	require.Empty(t, evicted)

	evicted, err = p.Admit(testEvent("globex", "g1", 50))
	require.NoError(t, err)
	require.Empty(t, evicted)

	// pushes acme past the mark, acme is the largest buffer
	evicted, err = p.Admit(testEvent("acme", "a2", 100))
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	require.Equal(t, "acme", evicted[0].ClientID)
	require.Equal(t, 1, evicted[0].Chunk)
	require.Equal(t, []string{"a1", "a2"}, eventIDs(evicted[0]))

	// acme keeps accumulating after the early flush
	evicted, err = p.Admit(testEvent("acme", "a3", 20))
	require.NoError(t, err)
	require.Empty(t, evicted)

	buffers := p.Finalize()
	require.Len(t, buffers, 2)
	require.Equal(t, "acme", buffers[0].ClientID)
	require.Equal(t, 2, buffers[0].Chunk)
	require.Equal(t, []string{"a3"}, eventIDs(buffers[0]))
	require.Equal(t, "globex", buffers[1].ClientID)
	require.Zero(t, buffers[1].Chunk)

	require.Equal(t, 4, p.Admitted())
	require.Equal(t, 2, p.Clients())
}

func TestEvictionOversizedEvent(t *testing.T) {
	p, err := New(Config{HighWaterMark: 100})
	require.NoError(t, err)

	evicted, err := p.Admit(testEvent("acme", "a1", 300))
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	require.Equal(t, "acme", evicted[0].ClientID)
	require.Equal(t, 1, evicted[0].Chunk)
	require.Zero(t, p.TotalBytes())
	require.Empty(t, p.Finalize())
	require.Equal(t, 1, p.Clients())
}

func TestConfigRejectsNegativeHighWaterMark(t *testing.T) {
	_, err := New(Config{HighWaterMark: -1})
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func serializationFixture() []events.Event {
	return []events.Event{
		{
			ID:       "e1",
			ClientID: "acme",
			Item: map[string]any{
				"client_id": "acme",
				"event_id":  "e1",
				"time":      "2024-06-01T10:05:00Z",
				"value":     float64(42),
			},
		},
		{
			ID:       "e2",
			ClientID: "acme",
			Item: map[string]any{
				"client_id": "acme",
				"event_id":  "e2",
				"time":      "2024-06-01T10:06:00Z",
				"tags":      map[string]any{"env": "prod"},
			},
		},
	}
}

func TestSerializeJSON(t *testing.T) {
	data, err := Serialize("json", serializationFixture())
	require.NoError(t, err)
	require.Equal(t, `[
  {
    "client_id": "acme",
    "event_id": "e1",
    "time": "2024-06-01T10:05:00Z",
    "value": 42
  },
  {
    "client_id": "acme",
    "event_id": "e2",
    "tags": {
      "env": "prod"
    },
    "time": "2024-06-01T10:06:00Z"
  }
]`, string(data))
}

func TestSerializeJSONL(t *testing.T) {
	data, err := Serialize("jsonl", serializationFixture())
	require.NoError(t, err)
	require.Equal(t,
		`{"client_id":"acme","event_id":"e1","time":"2024-06-01T10:05:00Z","value":42}`+"\n"+
			`{"client_id":"acme","event_id":"e2","tags":{"env":"prod"},"time":"2024-06-01T10:06:00Z"}`+"\n",
		string(data))
}

func TestSerializeCSV(t *testing.T) {
	data, err := Serialize("csv", serializationFixture())
	require.NoError(t, err)
	require.Equal(t,
		"client_id,event_id,tags,time,value\r\n"+
			"acme,e1,,2024-06-01T10:05:00Z,42\r\n"+
			"acme,e2,\"{\"\"env\"\":\"\"prod\"\"}\",2024-06-01T10:06:00Z,\r\n",
		string(data))
}

func TestSerializeUnknownFormat(t *testing.T) {
	_, err := Serialize("parquet", serializationFixture())
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}
