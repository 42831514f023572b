// Copyright 2026 The Bastion Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audit

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultCapacity is the ring buffer size used when none is configured.
const DefaultCapacity = 1000

// Log is a bounded, append-only in-memory ring of past decisions.
// When the capacity is exceeded the oldest entry is dropped.
// It is safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
}

// NewLog creates a ring buffer holding at most capacity entries.
// A capacity <= 0 uses DefaultCapacity.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries: make([]Entry, 0, min(capacity, 64)),
		cap:     capacity,
	}
}

// Record appends an entry, assigning a ULID if the entry has no id.
func (l *Log) Record(e Entry) Entry {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, e)
	if len(l.entries) > l.cap {
		// Drop oldest. Copy to keep the backing array from growing forever.
		l.entries = append(l.entries[:0], l.entries[1:]...)
	}
	return e
}

// Filter selects entries returned by Query. Zero values match everything.
type Filter struct {
	// Cutoff restricts results to entries newer than now-Cutoff.
	Cutoff time.Duration

	// Decision restricts results to one outcome.
	Decision Decision

	// OpType restricts results to one operation type.
	OpType string

	// Limit caps the number of returned entries (0 = no cap).
	Limit int
}

// Query returns matching entries, newest first.
// now anchors the Cutoff window; pass the same clock the engine uses.
func (l *Log) Query(f Filter, now time.Time) []Entry {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if f.Cutoff > 0 && e.Timestamp.Before(now.Add(-f.Cutoff)) {
			continue
		}
		if f.Decision != "" && e.Decision != f.Decision {
			continue
		}
		if f.OpType != "" && e.OpType != f.OpType {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// CountSince returns how many entries were recorded within the trailing
// window. Feeds the scorer's frequency risk term.
func (l *Log) CountSince(window time.Duration, now time.Time) int {
	if window <= 0 {
		return 0
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-window)
	count := 0
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Timestamp.Before(cutoff) {
			break
		}
		count++
	}
	return count
}

// Len returns the current number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Stats summarizes the retained entries for the session stats surface.
type Stats struct {
	Total      int            `json:"total"`
	ByDecision map[string]int `json:"by_decision"`
	ByType     map[string]int `json:"by_type"`
}

// Stats computes per-decision and per-type totals over retained entries.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		Total:      len(l.entries),
		ByDecision: make(map[string]int),
		ByType:     make(map[string]int),
	}
	for _, e := range l.entries {
		s.ByDecision[string(e.Decision)]++
		s.ByType[e.OpType]++
	}
	return s
}
