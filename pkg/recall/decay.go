package recall

import (
	"math"
	"time"

	"github.com/hippolabs/governor-go/pkg/core"
)

// Decay computes effective confidence for records at recall time using an
// exponential forgetting curve.
//
// The formula is: effective = confidence * e^(-decay_rate * hours_elapsed / 24)
// where hours_elapsed counts from the record's last access (or creation if
// never accessed). Sticky records do not decay.
type Decay struct {
	rate float64
}

// NewDecay creates a decay calculator.
//
// Parameters:
//   - rate: Daily decay rate (0.05-0.2 recommended)
//
// Returns a new Decay.
func NewDecay(rate float64) *Decay {
	if rate <= 0 {
		rate = 0.1
	}
	return &Decay{rate: rate}
}

// EffectiveConfidence returns the record's confidence after decay, clamped
// to [0, 1].
func (d *Decay) EffectiveConfidence(record *core.MemoryRecord, now time.Time) float64 {
	if record.Sticky {
		return clamp01(record.Confidence)
	}

	anchor := record.CreatedAt
	if record.LastAccessedAt != nil {
		anchor = *record.LastAccessedAt
	}

	hoursElapsed := now.Sub(anchor).Hours()
	if hoursElapsed < 0 {
		hoursElapsed = 0
	}

	retention := math.Exp(-d.rate * hoursElapsed / 24.0)
	return clamp01(record.Confidence * retention)
}

func clamp01(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0.0 {
		return 0.0
	}
	return v
}
