package session

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestTokenTrackerIncrease(t *testing.T) {
	tracker := NewTokenTracker(0)

	in, out := tracker.Update("s1", 100, 50)
	if in != 100 || out != 50 {
		t.Fatalf("first update: got (%d, %d)", in, out)
	}

	in, out = tracker.Update("s1", 200, 80)
	if in != 200 || out != 80 {
		t.Fatalf("increase: got (%d, %d)", in, out)
	}
}

func TestTokenTrackerIgnoresJitter(t *testing.T) {
	tracker := NewTokenTracker(0)
	tracker.Update("s1", 1000, 500)

	// 900 is above 80% of 1000: jitter, keep the high-water mark.
	in, out := tracker.Update("s1", 900, 400)
	if in != 1000 {
		t.Errorf("input = %d, want 1000", in)
	}
	if out != 500 {
		t.Errorf("output = %d, want 500", out)
	}
}

func TestTokenTrackerResetOnBigDrop(t *testing.T) {
	tracker := NewTokenTracker(0)
	tracker.Update("s1", 1000, 500)

	// 100 is far below 80% of 1000: the client compacted, accept the reading.
	in, out := tracker.Update("s1", 100, 20)
	if in != 100 || out != 20 {
		t.Fatalf("reset: got (%d, %d)", in, out)
	}

	// Counters grow again from the new baseline.
	in, _ = tracker.Update("s1", 150, 30)
	if in != 150 {
		t.Errorf("post-reset increase: got %d", in)
	}
}

func TestTokenTrackerCustomThreshold(t *testing.T) {
	tracker := NewTokenTracker(0.5)
	tracker.Update("s1", 1000, 0)

	// 600 is above 50% of 1000: no reset with the looser threshold.
	if in, _ := tracker.Update("s1", 600, 0); in != 1000 {
		t.Errorf("input = %d, want 1000", in)
	}
	// 400 is below 50%: reset.
	if in, _ := tracker.Update("s1", 400, 0); in != 400 {
		t.Errorf("input = %d, want 400", in)
	}
}

func TestTokenTrackerInvalidThresholdDefaults(t *testing.T) {
	for _, bad := range []float64{-1, 0, 1, 2} {
		tracker := NewTokenTracker(bad)
		if tracker.dropThreshold != DefaultDropThreshold {
			t.Errorf("threshold %v: got %v", bad, tracker.dropThreshold)
		}
	}
}

func TestTokenTrackerSessionsIndependent(t *testing.T) {
	tracker := NewTokenTracker(0)
	tracker.Update("s1", 1000, 0)
	in, _ := tracker.Update("s2", 5, 0)
	if in != 5 {
		t.Errorf("sessions must not share counters, got %d", in)
	}
	if tracker.Len() != 2 {
		t.Errorf("expected 2 sessions, got %d", tracker.Len())
	}
}

func TestTokenTrackerPrune(t *testing.T) {
	tracker := NewTokenTracker(0)
	tracker.Update("old", 10, 10)

	// Backdate the session.
	tracker.mu.Lock()
	tracker.sessions["old"].lastUpdateMS.Store(time.Now().Add(-2 * time.Hour).UnixMilli())
	tracker.mu.Unlock()

	tracker.Update("fresh", 10, 10)

	if pruned := tracker.Prune(time.Hour); pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
	if tracker.Len() != 1 {
		t.Errorf("expected 1 session left, got %d", tracker.Len())
	}
}

func TestTokenTrackerConcurrent(t *testing.T) {
	tracker := NewTokenTracker(0)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 1; i <= 100; i++ {
				tracker.Update(fmt.Sprintf("s%d", g%2), i*10, i)
			}
		}(g)
	}
	wg.Wait()

	// A jitter reading below the final high-water mark reports the mark.
	in, out := tracker.Update("s0", 999, 99)
	if in != 1000 || out != 100 {
		t.Errorf("high-water mark lost under concurrency: (%d, %d)", in, out)
	}
}
