package coordinator

import "time"

// DefaultHistoryLimit caps the event history.
const DefaultHistoryLimit = 100

// HistoryEntry is one recorded coordinator event.
type HistoryEntry struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	State  State     `json:"state"`
	Detail string    `json:"detail,omitempty"`
}

// history is a bounded log; the oldest entries are evicted first.
type history struct {
	entries []HistoryEntry
	limit   int
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &history{limit: limit}
}

func (h *history) add(e HistoryEntry) {
	h.entries = append(h.entries, e)
	if over := len(h.entries) - h.limit; over > 0 {
		h.entries = append([]HistoryEntry(nil), h.entries[over:]...)
	}
}

func (h *history) list() []HistoryEntry {
	return append([]HistoryEntry(nil), h.entries...)
}

func (h *history) restore(entries []HistoryEntry) {
	h.entries = nil
	for _, e := range entries {
		h.add(e)
	}
}
