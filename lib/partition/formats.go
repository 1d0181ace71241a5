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
	"bytes"
	"encoding/csv"
	"encoding/json"
	"maps"
	"slices"

	"github.com/gravitational/trace"

	"github.com/ham-olalekan/eventprocessor"
	"github.com/ham-olalekan/eventprocessor/lib/events"
)

// Serialize renders a client's events in the given output format. The
// rendering is deterministic: object keys are sorted and events keep their
// admission order.
func Serialize(format string, evs []events.Event) ([]byte, error) {
	switch format {
	case eventprocessor.FormatJSON:
		return serializeJSON(evs)
	case eventprocessor.FormatJSONL:
		return serializeJSONL(evs)
	case eventprocessor.FormatCSV:
		return serializeCSV(evs)
	default:
		return nil, trace.BadParameter("unsupported output format %q", format)
	}
}

// serializeJSON renders the events as one indented top-level JSON array.
func serializeJSON(evs []events.Event) ([]byte, error) {
	items := make([]map[string]any, 0, len(evs))
	for _, event := range evs {
		items = append(items, event.Item)
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// serializeJSONL renders one compact JSON object per line. Every line,
// the last included, is newline terminated.
func serializeJSONL(evs []events.Event) ([]byte, error) {
	var buf bytes.Buffer
	for _, event := range evs {
		data, err := json.Marshal(event.Item)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// serializeCSV renders an RFC 4180 table. The header is the sorted union
// of the top-level keys across the client's events; absent and null values
// leave the cell empty, strings are written verbatim, and any other value
// is embedded as compact JSON.
func serializeCSV(evs []events.Event) ([]byte, error) {
	keys := make(map[string]struct{})
	for _, event := range evs {
		for k := range event.Item {
			keys[k] = struct{}{}
		}
	}
	header := slices.Sorted(maps.Keys(keys))

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.UseCRLF = true
	if err := w.Write(header); err != nil {
		return nil, trace.Wrap(err)
	}
	row := make([]string, len(header))
	for _, event := range evs {
		for i, key := range header {
			row[i] = ""
			value, ok := event.Item[key]
			if !ok || value == nil {
				continue
			}
			if s, ok := value.(string); ok {
				row[i] = s
				continue
			}
			data, err := json.Marshal(value)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			row[i] = string(data)
		}
		if err := w.Write(row); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, trace.Wrap(err)
	}
	return buf.Bytes(), nil
}
