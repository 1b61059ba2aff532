package observability

import (
	"sync"
	"time"
)

// TimelineEntry is one recorded event in the diagnostic timeline.
type TimelineEntry struct {
	Seq        uint64         `json:"seq"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	SessionKey string         `json:"session_key,omitempty"`
	At         time.Time      `json:"at"`
	Data       map[string]any `json:"data,omitempty"`
}

// Timeline keeps a bounded in-memory history of bus events for diagnostics.
// The app wires it as a wildcard bus subscriber; system.presence reports its
// stats. Oldest entries are evicted when the buffer is full.
type Timeline struct {
	mu      sync.RWMutex
	entries []TimelineEntry
	head    int
	count   int
	max     int
	seq     uint64
	dropped uint64
	byType  map[string]uint64
}

const defaultTimelineSize = 1024

// NewTimeline creates a timeline retaining up to maxSize entries.
// A non-positive maxSize uses the default of 1024.
func NewTimeline(maxSize int) *Timeline {
	if maxSize <= 0 {
		maxSize = defaultTimelineSize
	}
	return &Timeline{
		entries: make([]TimelineEntry, maxSize),
		max:     maxSize,
		byType:  make(map[string]uint64),
	}
}

// Record appends an event to the timeline, evicting the oldest entry when
// the buffer is full.
func (t *Timeline) Record(eventType, runID, sessionKey string, at time.Time, data map[string]any) {
	if at.IsZero() {
		at = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	entry := TimelineEntry{
		Seq:        t.seq,
		Type:       eventType,
		RunID:      runID,
		SessionKey: sessionKey,
		At:         at,
		Data:       data,
	}

	t.entries[t.head] = entry
	t.head = (t.head + 1) % t.max
	if t.count < t.max {
		t.count++
	} else {
		t.dropped++
	}
	t.byType[eventType]++
}

// Recent returns up to limit entries, newest first. A non-positive limit
// returns everything retained.
func (t *Timeline) Recent(limit int) []TimelineEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > t.count {
		limit = t.count
	}
	out := make([]TimelineEntry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (t.head - 1 - i + t.max) % t.max
		out = append(out, t.entries[idx])
	}
	return out
}

// ByRun returns all retained entries for a run, oldest first.
func (t *Timeline) ByRun(runID string) []TimelineEntry {
	return t.filter(func(e *TimelineEntry) bool { return e.RunID == runID })
}

// BySession returns all retained entries for a session, oldest first.
func (t *Timeline) BySession(sessionKey string) []TimelineEntry {
	return t.filter(func(e *TimelineEntry) bool { return e.SessionKey == sessionKey })
}

// ByType returns all retained entries of one event type, oldest first.
func (t *Timeline) ByType(eventType string) []TimelineEntry {
	return t.filter(func(e *TimelineEntry) bool { return e.Type == eventType })
}

// Since returns all retained entries at or after the given time, oldest first.
func (t *Timeline) Since(cutoff time.Time) []TimelineEntry {
	return t.filter(func(e *TimelineEntry) bool { return !e.At.Before(cutoff) })
}

func (t *Timeline) filter(keep func(*TimelineEntry) bool) []TimelineEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []TimelineEntry
	for i := 0; i < t.count; i++ {
		idx := (t.head - t.count + i + t.max) % t.max
		if keep(&t.entries[idx]) {
			out = append(out, t.entries[idx])
		}
	}
	return out
}

// Len returns the number of retained entries.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// TimelineStats summarizes timeline activity since startup.
type TimelineStats struct {
	Total        uint64            `json:"total"`
	Retained     int               `json:"retained"`
	Dropped      uint64            `json:"dropped"`
	CountsByType map[string]uint64 `json:"counts_by_type"`
	Oldest       time.Time         `json:"oldest,omitempty"`
	Newest       time.Time         `json:"newest,omitempty"`
}

// Stats returns a snapshot of timeline counters.
func (t *Timeline) Stats() TimelineStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[string]uint64, len(t.byType))
	for k, v := range t.byType {
		counts[k] = v
	}

	stats := TimelineStats{
		Total:        t.seq,
		Retained:     t.count,
		Dropped:      t.dropped,
		CountsByType: counts,
	}
	if t.count > 0 {
		oldest := (t.head - t.count + t.max) % t.max
		newest := (t.head - 1 + t.max) % t.max
		stats.Oldest = t.entries[oldest].At
		stats.Newest = t.entries[newest].At
	}
	return stats
}
