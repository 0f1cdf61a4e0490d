package playsync

import "time"

// offsetEstimator tracks the follower's clock offset to the leader
// using ping/pong samples. Each sample assumes symmetric network delay:
//
//	offset = pong.leaderTime - ping.sentAt - rtt/2
//
// Samples are folded through an exponentially-weighted moving average
// to damp jitter, and samples whose RTT exceeds the ceiling are
// discarded as outliers instead of applied.
type offsetEstimator struct {
	alpha      float64
	rttCeiling time.Duration

	offsetMs float64
	rttMs    float64
	samples  int
}

func newOffsetEstimator(rttCeiling time.Duration) *offsetEstimator {
	return &offsetEstimator{alpha: 0.125, rttCeiling: rttCeiling}
}

// addSample folds one ping/pong exchange into the running estimate.
// All timestamps are Unix milliseconds; sentAt and receivedAt are local
// clock, leaderTime is the leader's clock. It reports whether the
// sample was accepted.
func (e *offsetEstimator) addSample(sentAt, receivedAt, leaderTime uint64) bool {
	if receivedAt < sentAt {
		return false
	}
	rtt := float64(receivedAt - sentAt)
	if rtt > float64(e.rttCeiling.Milliseconds()) {
		return false
	}
	offset := float64(int64(leaderTime)-int64(sentAt)) - rtt/2

	if e.samples == 0 {
		e.offsetMs = offset
		e.rttMs = rtt
	} else {
		e.offsetMs += e.alpha * (offset - e.offsetMs)
		e.rttMs += e.alpha * (rtt - e.rttMs)
	}
	e.samples++
	return true
}

// leaderNow converts a local Unix-ms timestamp to the estimated leader
// clock.
func (e *offsetEstimator) leaderNow(localMs uint64) uint64 {
	v := int64(localMs) + int64(e.offsetMs)
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func (e *offsetEstimator) rttEstimate() time.Duration {
	return time.Duration(e.rttMs * float64(time.Millisecond))
}
