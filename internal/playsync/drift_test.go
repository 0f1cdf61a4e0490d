package playsync

import (
	"testing"
	"time"
)

func TestDriftCorrectorTiers(t *testing.T) {
	d := newDriftCorrector(75*time.Millisecond, time.Second, 2*time.Second)
	now := time.Now()

	cases := []struct {
		delta int64
		want  driftAction
	}{
		{0, driftNone},
		{75, driftNone},
		{-75, driftNone},
		{76, driftNudge},
		{-300, driftNudge},
		{999, driftNudge},
		{1000, driftSeek},
		{-5000, driftSeek},
	}
	for _, tc := range cases {
		d.reset()
		if got := d.evaluate(tc.delta, now); got != tc.want {
			t.Errorf("evaluate(%d) = %v, want %v", tc.delta, got, tc.want)
		}
	}
}

func TestDriftCorrectorWindowExpiryForcesSeek(t *testing.T) {
	d := newDriftCorrector(75*time.Millisecond, time.Second, 2*time.Second)
	now := time.Now()

	if got := d.evaluate(300, now); got != driftNudge {
		t.Fatalf("first evaluate = %v, want nudge", got)
	}
	if got := d.evaluate(280, now.Add(time.Second)); got != driftNudge {
		t.Fatalf("inside window = %v, want continued nudge", got)
	}
	// Still outside tolerance after the window; stop nudging and jump.
	if got := d.evaluate(200, now.Add(3*time.Second)); got != driftSeek {
		t.Fatalf("after window = %v, want seek", got)
	}
	if d.active() {
		t.Error("corrector still nudging after forced seek")
	}

	// Convergence inside the window ends the nudge without a seek.
	d.evaluate(300, now)
	if got := d.evaluate(10, now.Add(500*time.Millisecond)); got != driftNone {
		t.Fatalf("converged = %v, want none", got)
	}
}
