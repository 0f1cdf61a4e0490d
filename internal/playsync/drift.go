package playsync

import "time"

type driftAction int

const (
	// driftNone: delta is inside the tolerance band; leave playback
	// alone so small jitter does not cause constant micro-seeks.
	driftNone driftAction = iota
	// driftNudge: delta warrants a small bounded rate adjustment so
	// the position converges without a visible jump.
	driftNudge
	// driftSeek: delta is past the hard threshold; jump directly.
	driftSeek
)

// driftCorrector decides, for each observed position delta, between
// doing nothing, nudging the playback rate, and hard-seeking. A nudge
// runs until the delta re-enters the tolerance band or the nudge
// window expires, whichever comes first.
type driftCorrector struct {
	tolerance time.Duration
	hardSeek  time.Duration
	window    time.Duration

	nudging    bool
	nudgeUntil time.Time
}

func newDriftCorrector(tolerance, hardSeek, window time.Duration) *driftCorrector {
	return &driftCorrector{tolerance: tolerance, hardSeek: hardSeek, window: window}
}

// evaluate classifies deltaMs (expected minus local position) at the
// given instant and updates the nudge state.
func (d *driftCorrector) evaluate(deltaMs int64, now time.Time) driftAction {
	abs := deltaMs
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs <= d.tolerance.Milliseconds():
		d.nudging = false
		return driftNone
	case abs >= d.hardSeek.Milliseconds():
		d.nudging = false
		return driftSeek
	default:
		if d.nudging && now.After(d.nudgeUntil) {
			// The bounded window ran out without convergence; fall
			// back to a seek rather than nudging forever.
			d.nudging = false
			return driftSeek
		}
		if !d.nudging {
			d.nudging = true
			d.nudgeUntil = now.Add(d.window)
		}
		return driftNudge
	}
}

// active reports whether a nudge is currently in effect.
func (d *driftCorrector) active() bool { return d.nudging }

func (d *driftCorrector) reset() { d.nudging = false }
