// Package progression maps lifetime points onto levels.
// It is the single authoritative definition of the level threshold table.
package progression

import (
	"fmt"
	"math"

	"github.com/alem-hub/gamification-engine/internal/domain/shared"
)

// DefaultThresholds is used when no table is configured.
var DefaultThresholds = []int64{0, 100, 300, 600, 1000, 1500}

// Level is the result of LevelFor.
type Level struct {
	// Level is 1-based.
	Level int
	// XPIntoLevel is the points earned past the start of Level.
	XPIntoLevel int64
	// XPForNextLevel is the span of Level: points needed to go from its
	// start to the start of Level+1. Always > XPIntoLevel.
	XPForNextLevel int64
	// NextLevelAt is the cumulative total at which Level+1 starts.
	NextLevelAt int64
}

// Rules holds a validated cumulative threshold table.
// thresholds[i] is the total at which level i+1 starts.
type Rules struct {
	thresholds []int64
}

// NewRules validates a cumulative threshold table.
// The first entry must be 0, entries must strictly increase and the
// per-level increment must never shrink.
func NewRules(thresholds []int64) (*Rules, error) {
	if len(thresholds) < 2 {
		return nil, shared.Validationf("progression", "NewRules", "threshold table needs at least two entries, got %d", len(thresholds))
	}
	if thresholds[0] != 0 {
		return nil, shared.Validationf("progression", "NewRules", "threshold table must start at 0, got %d", thresholds[0])
	}

	var prevStep int64
	for i := 1; i < len(thresholds); i++ {
		step := thresholds[i] - thresholds[i-1]
		if step <= 0 {
			return nil, shared.Validationf("progression", "NewRules", "threshold %d (%d) is not above threshold %d (%d)", i, thresholds[i], i-1, thresholds[i-1])
		}
		if step < prevStep {
			return nil, shared.Validationf("progression", "NewRules", "level %d needs %d points, less than the %d needed by level %d", i+1, step, prevStep, i)
		}
		prevStep = step
	}

	table := make([]int64, len(thresholds))
	copy(table, thresholds)
	return &Rules{thresholds: table}, nil
}

// MustRules is NewRules that panics. Intended for tests and package-level defaults.
func MustRules(thresholds []int64) *Rules {
	r, err := NewRules(thresholds)
	if err != nil {
		panic(err)
	}
	return r
}

// Thresholds returns a copy of the configured table.
func (r *Rules) Thresholds() []int64 {
	out := make([]int64, len(r.thresholds))
	copy(out, r.thresholds)
	return out
}

// LevelFor maps a lifetime total onto a level. Negative totals are a
// programming error and panic.
func (r *Rules) LevelFor(total int64) Level {
	if total < 0 {
		panic(fmt.Sprintf("progression: LevelFor called with negative total %d", total))
	}

	n := len(r.thresholds)
	for i := 1; i < n; i++ {
		if total < r.thresholds[i] {
			return Level{
				Level:          i,
				XPIntoLevel:    total - r.thresholds[i-1],
				XPForNextLevel: r.thresholds[i] - r.thresholds[i-1],
				NextLevelAt:    r.thresholds[i],
			}
		}
	}

	// Past the table: keep extending with the last step, growing it by the
	// last step difference.
	start := r.thresholds[n-1]
	step := r.thresholds[n-1] - r.thresholds[n-2]
	growth := int64(0)
	if n >= 3 {
		growth = step - (r.thresholds[n-2] - r.thresholds[n-3])
	}
	rest := total - start
	if growth == 0 {
		k := rest / step
		return Level{
			Level:          n + int(k),
			XPIntoLevel:    rest - k*step,
			XPForNextLevel: step,
			NextLevelAt:    start + (k+1)*step,
		}
	}

	// Level n+j starts at start + reach(j). Solve reach(j) <= rest for the
	// largest j, then correct the float estimate.
	reach := func(j int64) int64 {
		return j*step + growth*j*(j+1)/2
	}
	b := float64(2*step + growth)
	j := int64((math.Sqrt(b*b+8*float64(growth)*float64(rest)) - b) / (2 * float64(growth)))
	if j < 0 {
		j = 0
	}
	for j > 0 && reach(j) > rest {
		j--
	}
	for reach(j+1) <= rest {
		j++
	}
	return Level{
		Level:          n + int(j),
		XPIntoLevel:    rest - reach(j),
		XPForNextLevel: step + (j+1)*growth,
		NextLevelAt:    start + reach(j+1),
	}
}
