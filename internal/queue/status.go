package queue

import (
	"time"

	"github.com/offq/offq/internal/schema"
)

// Status is a point-in-time summary of the queue.
type Status struct {
	Pending         int       `json:"pending"`
	Processing      int       `json:"processing"`
	Failed          int       `json:"failed"`
	Succeeded       int       `json:"succeeded"`
	IsProcessing    bool      `json:"is_processing"`
	LastProcessedAt time.Time `json:"last_processed_at,omitempty"`
	Degraded        bool      `json:"degraded"`
}

// Total returns the number of entries still held by the queue.
func (s Status) Total() int {
	return s.Pending + s.Processing + s.Failed + s.Succeeded
}

// Result aggregates one processing pass.
type Result struct {
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Conflicted int           `json:"conflicted"`
	Skipped    int           `json:"skipped"`
	Duration   time.Duration `json:"duration"`
}

// Attempted returns how many mutations reached the executor.
func (r Result) Attempted() int {
	return r.Succeeded + r.Failed
}

func countStatus(items []*schema.Mutation) Status {
	var s Status
	for _, m := range items {
		switch m.Status {
		case schema.StatusPending:
			s.Pending++
		case schema.StatusProcessing:
			s.Processing++
		case schema.StatusFailed:
			s.Failed++
		case schema.StatusSucceeded:
			s.Succeeded++
		}
	}
	return s
}
