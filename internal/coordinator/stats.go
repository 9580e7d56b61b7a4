package coordinator

import (
	"time"

	"github.com/offq/offq/internal/queue"
)

// AverageWindow is the number of recent cycle durations averaged into
// Stats.AverageDuration.
const AverageWindow = 20

// Stats aggregates completed sync cycles. It is persisted so the numbers
// survive restarts.
type Stats struct {
	Cycles          int             `json:"cycles"`
	TotalAttempts   int             `json:"total_attempts"`
	Successes       int             `json:"successes"`
	Failures        int             `json:"failures"`
	LastDuration    time.Duration   `json:"last_duration"`
	AverageDuration time.Duration   `json:"average_duration"`
	SuccessRate     float64         `json:"success_rate"`
	LastSyncAt      time.Time       `json:"last_sync_at,omitempty"`
	RecentDurations []time.Duration `json:"recent_durations,omitempty"`
}

// Record folds one cycle's result into the stats. Cycles that attempted
// nothing are ignored and Record reports false.
func (s *Stats) Record(res queue.Result, at time.Time) bool {
	if res.Attempted() == 0 {
		return false
	}

	s.Cycles++
	s.TotalAttempts += res.Attempted()
	s.Successes += res.Succeeded
	s.Failures += res.Failed
	s.LastDuration = res.Duration
	s.LastSyncAt = at

	s.RecentDurations = append(s.RecentDurations, res.Duration)
	if over := len(s.RecentDurations) - AverageWindow; over > 0 {
		s.RecentDurations = append([]time.Duration(nil), s.RecentDurations[over:]...)
	}

	var sum time.Duration
	for _, d := range s.RecentDurations {
		sum += d
	}
	s.AverageDuration = sum / time.Duration(len(s.RecentDurations))
	s.SuccessRate = float64(s.Successes) / float64(s.TotalAttempts)
	return true
}

func (s Stats) clone() Stats {
	s.RecentDurations = append([]time.Duration(nil), s.RecentDurations...)
	return s
}
