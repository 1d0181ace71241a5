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

// Package events defines the event record flowing through the pipeline and
// the time window that admits records into a run.
package events

import (
	"time"

	"github.com/gravitational/trace"
)

const (
	attrEventID  = "event_id"
	attrClientID = "client_id"
	attrTime     = "time"
)

// Event is one record read from the event table. ID, ClientID and Timestamp
// are parsed out of the record for routing and window checks; Item is the
// full record as stored, with the original time string intact, and is the
// only thing serializers look at.
type Event struct {
	// ID is the record's unique identifier. Used only for debugging.
	ID string
	// ClientID is the partition key for output.
	ClientID string
	// Timestamp is the parsed time attribute.
	Timestamp time.Time
	// Item is the record exactly as read from the table.
	Item map[string]any
}

// FromRecord validates a raw record and parses it into an Event. Records
// without a non-empty client_id or a parseable time attribute are rejected.
func FromRecord(item map[string]any) (*Event, error) {
	clientID, ok := item[attrClientID].(string)
	if !ok || clientID == "" {
		return nil, trace.BadParameter("event missing client_id")
	}
	rawTime, ok := item[attrTime].(string)
	if !ok {
		return nil, trace.BadParameter("event missing time attribute")
	}
	timestamp, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return nil, trace.BadParameter("event has unparseable time %q: %v", rawTime, err)
	}

	event := &Event{
		ClientID:  clientID,
		Timestamp: timestamp,
		Item:      item,
	}
	if id, ok := item[attrEventID].(string); ok {
		event.ID = id
	}
	return event, nil
}
