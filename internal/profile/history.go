package profile

import (
	"time"

	"authrisk/internal/model"
)

// History is the bounded, time-ordered attempt log of one entity. Evicted
// entries are skipped by advancing head and compacted once they make up
// half the backing slice.
type History struct {
	window       time.Duration
	maxAttempts  int
	records      []model.AttemptRecord
	head         int
	ids          map[string]struct{}
	deviceCounts map[string]int
}

func NewHistory(window time.Duration, maxAttempts int) *History {
	return &History{
		window:       window,
		maxAttempts:  maxAttempts,
		records:      make([]model.AttemptRecord, 0, 32),
		ids:          make(map[string]struct{}),
		deviceCounts: make(map[string]int),
	}
}

func (h *History) Len() int {
	return len(h.records) - h.head
}

func (h *History) Has(id string) bool {
	if id == "" {
		return false
	}
	_, ok := h.ids[id]
	return ok
}

// Latest returns the timestamp of the newest record, or the zero time.
func (h *History) Latest() time.Time {
	if h.Len() == 0 {
		return time.Time{}
	}
	return h.records[len(h.records)-1].Timestamp
}

// Add appends rec. Callers keep timestamps non-decreasing; a record older
// than the newest one is raised to it.
func (h *History) Add(rec model.AttemptRecord) {
	if latest := h.Latest(); !latest.IsZero() && rec.Timestamp.Before(latest) {
		rec.Timestamp = latest
	}
	h.records = append(h.records, rec)
	if rec.ID != "" {
		h.ids[rec.ID] = struct{}{}
	}
	if rec.DeviceID != "" {
		h.deviceCounts[rec.DeviceID]++
	}
	if h.maxAttempts > 0 {
		for h.Len() > h.maxAttempts {
			h.dropHead()
		}
	}
	h.compact()
}

// Evict removes records strictly older than now minus the history window.
func (h *History) Evict(now time.Time) {
	if h.window <= 0 {
		return
	}
	cutoff := now.Add(-h.window)
	for h.head < len(h.records) {
		if !h.records[h.head].Timestamp.Before(cutoff) {
			break
		}
		h.dropHead()
	}
	h.compact()
}

func (h *History) dropHead() {
	rec := h.records[h.head]
	if rec.ID != "" {
		delete(h.ids, rec.ID)
	}
	if rec.DeviceID != "" {
		if count := h.deviceCounts[rec.DeviceID]; count <= 1 {
			delete(h.deviceCounts, rec.DeviceID)
		} else {
			h.deviceCounts[rec.DeviceID] = count - 1
		}
	}
	h.records[h.head] = model.AttemptRecord{}
	h.head++
}

func (h *History) compact() {
	if h.head > 0 && h.head*2 >= len(h.records) {
		h.records = append([]model.AttemptRecord{}, h.records[h.head:]...)
		h.head = 0
	}
}

// DistinctDevices counts device identifiers across the whole history.
func (h *History) DistinctDevices() int {
	return len(h.deviceCounts)
}

// Snapshot copies the live records so the result stays valid after the
// entity lock is released.
func (h *History) Snapshot() []model.AttemptRecord {
	out := make([]model.AttemptRecord, h.Len())
	copy(out, h.records[h.head:])
	return out
}
