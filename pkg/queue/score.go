package queue

import (
	"time"

	"github.com/covey-io/covey/pkg/types"
)

// Band is one of the three priority dispatch queues
type Band string

const (
	BandHigh   Band = "high"
	BandNormal Band = "normal"
	BandLow    Band = "low"
)

// Bands in dispatch order, most urgent first
var Bands = []Band{BandHigh, BandNormal, BandLow}

// Key returns the sorted-set key backing the band
func (b Band) Key() string {
	return "job:priority:queue:" + string(b)
}

// Band score bases. Lower scores pop first, so the high band starts at
// zero and the others are offset well past any aging adjustment.
const (
	baseHigh   = 0
	baseNormal = 1000
	baseLow    = 2000
)

// retryPenalty pushes repeatedly failing jobs behind fresh work
const retryPenalty = 100

// BandFor maps a job priority to its dispatch band
func BandFor(priority int) Band {
	switch {
	case priority >= types.PriorityHigh:
		return BandHigh
	case priority < types.PriorityLow:
		return BandLow
	default:
		return BandNormal
	}
}

// Score computes the sorted-set score for a job at the given instant.
// Aging (time since creation) and overdue time past the scheduled start
// both pull the score down so old work drifts to the front of its
// band; each retry pushes it back. The result is clamped at zero.
func Score(job *types.Job, now time.Time) float64 {
	var score float64
	switch BandFor(job.Priority) {
	case BandHigh:
		score = baseHigh
	case BandLow:
		score = baseLow
	default:
		score = baseNormal
	}

	if !job.CreatedAt.IsZero() {
		score -= now.Sub(job.CreatedAt).Minutes()
	}
	if !job.ScheduledAt.IsZero() && now.After(job.ScheduledAt) {
		score -= now.Sub(job.ScheduledAt).Minutes()
	}
	score += retryPenalty * float64(job.RetryCount)

	if score < 0 {
		score = 0
	}
	return score
}
