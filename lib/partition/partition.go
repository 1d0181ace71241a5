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

// Package partition groups scanned events into per-client buffers and
// renders them for upload.
package partition

import (
	"encoding/json"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/time/rate"

	"github.com/ham-olalekan/eventprocessor"
	"github.com/ham-olalekan/eventprocessor/lib/events"
)

// ClientBuffer accumulates one client's events in admission order.
type ClientBuffer struct {
	// ClientID identifies the client the events belong to.
	ClientID string
	// Events holds the client's events in the order they were admitted.
	Events []events.Event
	// Bytes is the approximate payload size, the sum of the compact JSON
	// encodings of the buffered events.
	Bytes int64
	// Chunk is zero when the buffer holds everything seen for the client.
	// Buffers flushed early under memory pressure are numbered from one,
	// and the final buffer of a split client continues the sequence.
	Chunk int
}

// Config configures a Partitioner.
type Config struct {
	// HighWaterMark bounds the aggregate bytes buffered across all
	// clients. When an admission pushes the total above the mark, the
	// largest buffer is evicted for early upload. Zero disables the
	// bound.
	HighWaterMark int64
	// Logger reports evictions.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.HighWaterMark < 0 {
		return trace.BadParameter("HighWaterMark must not be negative, got %v", c.HighWaterMark)
	}
	if c.Logger == nil {
		c.Logger = slog.With(eventprocessor.ComponentKey, eventprocessor.ComponentPartitioner)
	}
	return nil
}

// Partitioner groups events by client. It is not safe for concurrent use;
// a single goroutine owns admission.
type Partitioner struct {
	cfg      Config
	buffers  map[string]*ClientBuffer
	chunks   map[string]int
	seen     map[string]struct{}
	total    int64
	admitted int
	// warnEvery gates the eviction warning; sustained memory pressure can
	// evict on every admission.
	warnEvery rate.Sometimes
}

// New returns a Partitioner for the given configuration.
func New(cfg Config) (*Partitioner, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Partitioner{
		cfg:       cfg,
		buffers:   make(map[string]*ClientBuffer),
		chunks:    make(map[string]int),
		seen:      make(map[string]struct{}),
		warnEvery: rate.Sometimes{First: 5, Interval: time.Second},
	}, nil
}

// Admit appends the event to its client's buffer. When the admission pushes
// the aggregate buffered bytes above the high water mark, the largest
// buffers are evicted and returned for early upload.
func (p *Partitioner) Admit(event events.Event) ([]*ClientBuffer, error) {
	if event.ClientID == "" {
		return nil, trace.BadParameter("event without client_id")
	}
	data, err := json.Marshal(event.Item)
	if err != nil {
		return nil, trace.BadParameter("event is not serializable: %v", err)
	}

	buf := p.buffers[event.ClientID]
	if buf == nil {
		buf = &ClientBuffer{ClientID: event.ClientID}
		p.buffers[event.ClientID] = buf
		p.seen[event.ClientID] = struct{}{}
	}
	buf.Events = append(buf.Events, event)
	buf.Bytes += int64(len(data))
	p.total += int64(len(data))
	p.admitted++

	var evicted []*ClientBuffer
	for p.cfg.HighWaterMark > 0 && p.total > p.cfg.HighWaterMark && len(p.buffers) > 0 {
		evicted = append(evicted, p.evictLargest())
	}
	return evicted, nil
}

// evictLargest removes and returns the largest buffer. Ties break towards
// the lexicographically smaller client so eviction order is deterministic.
func (p *Partitioner) evictLargest() *ClientBuffer {
	var victim *ClientBuffer
	for _, buf := range p.buffers {
		if victim == nil || buf.Bytes > victim.Bytes ||
			(buf.Bytes == victim.Bytes && buf.ClientID < victim.ClientID) {
			victim = buf
		}
	}
	delete(p.buffers, victim.ClientID)
	p.total -= victim.Bytes
	p.chunks[victim.ClientID]++
	victim.Chunk = p.chunks[victim.ClientID]

	p.warnEvery.Do(func() {
		p.cfg.Logger.Warn("Buffered bytes above high water mark, flushing largest client early.",
			"client_id", victim.ClientID,
			"chunk", victim.Chunk,
			"events", len(victim.Events),
			"bytes", victim.Bytes,
		)
	})
	return victim
}

// Finalize drains the remaining buffers, sorted by client so upload order
// is deterministic. The final buffer of a client that was evicted earlier
// continues that client's chunk sequence. The partitioner is empty
// afterwards.
func (p *Partitioner) Finalize() []*ClientBuffer {
	out := make([]*ClientBuffer, 0, len(p.buffers))
	for _, buf := range p.buffers {
		if n := p.chunks[buf.ClientID]; n > 0 {
			buf.Chunk = n + 1
		}
		out = append(out, buf)
	}
	slices.SortFunc(out, func(a, b *ClientBuffer) int {
		return strings.Compare(a.ClientID, b.ClientID)
	})
	p.buffers = make(map[string]*ClientBuffer)
	p.total = 0
	return out
}

// Admitted returns the number of events admitted over the partitioner's
// lifetime.
func (p *Partitioner) Admitted() int {
	return p.admitted
}

// Clients returns the number of distinct clients seen, evicted clients
// included.
func (p *Partitioner) Clients() int {
	return len(p.seen)
}

// TotalBytes returns the aggregate bytes currently buffered.
func (p *Partitioner) TotalBytes() int64 {
	return p.total
}
