package schedule

import (
	"math"
	"time"

	"github.com/Artifact-Virtual/satx/model"
)

// ScoreSignals carries the external inputs a scoring function may consult
// beyond the window itself. LastConfirmedActive comes from the transmitter
// knowledge base; it is zero for objects never reported active.
type ScoreSignals struct {
	LastConfirmedActive time.Time
	Now                 time.Time
}

// ScoreFunc computes the priority of a pass window. Higher wins. The
// builder treats it as opaque so operators can swap in their own policy.
type ScoreFunc func(w model.PassWindow, sig ScoreSignals) float64

// ScoreWeights is the default operator-tunable scoring policy: higher
// culmination scores better, sunlit objects get a flat bonus (solar power
// makes transmission likelier), and recently confirmed activity adds a
// bonus that halves every ActivityHalfLife.
type ScoreWeights struct {
	Elevation        float64
	SunlitBonus      float64
	ActivityBonus    float64
	ActivityHalfLife time.Duration
}

// DefaultScoreWeights returns the stock weighting.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Elevation:        1.0,
		SunlitBonus:      10.0,
		ActivityBonus:    20.0,
		ActivityHalfLife: 14 * 24 * time.Hour,
	}
}

// Score implements ScoreFunc.
func (sw ScoreWeights) Score(w model.PassWindow, sig ScoreSignals) float64 {
	score := w.MaxElevationDeg * sw.Elevation
	if w.Sunlit {
		score += sw.SunlitBonus
	}
	if sw.ActivityBonus > 0 && !sig.LastConfirmedActive.IsZero() {
		age := sig.Now.Sub(sig.LastConfirmedActive)
		if age < 0 {
			age = 0
		}
		half := sw.ActivityHalfLife
		if half <= 0 {
			half = DefaultScoreWeights().ActivityHalfLife
		}
		score += sw.ActivityBonus * math.Exp(-math.Ln2*age.Seconds()/half.Seconds())
	}
	return score
}
