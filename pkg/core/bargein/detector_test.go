package bargein

import (
	"testing"
	"time"
)

func loudFrame() []float32 {
	frame := make([]float32, 4096)
	for i := range frame {
		frame[i] = 0.3
	}
	return frame
}

func quietFrame() []float32 {
	return make([]float32, 4096)
}

func TestDetector_FiresAfterConsecutiveFrames(t *testing.T) {
	d := NewDetector(DefaultConfig())
	start := time.Now()
	now := start.Add(time.Second) // well past MinPlaybackTime

	for i := 0; i < 2; i++ {
		if d.Process(loudFrame(), true, start, now) {
			t.Fatalf("fired after %d frames, want 3", i+1)
		}
	}
	if !d.Process(loudFrame(), true, start, now) {
		t.Fatal("did not fire after 3 consecutive qualifying frames")
	}
}

func TestDetector_QuietFrameResetsCounter(t *testing.T) {
	d := NewDetector(DefaultConfig())
	start := time.Now()
	now := start.Add(time.Second)

	d.Process(loudFrame(), true, start, now)
	d.Process(loudFrame(), true, start, now)
	d.Process(quietFrame(), true, start, now)

	// Counter was reset; two more loud frames must not fire.
	if d.Process(loudFrame(), true, start, now) {
		t.Fatal("fired too early after counter reset")
	}
	if d.Process(loudFrame(), true, start, now) {
		t.Fatal("fired after only 2 frames following reset")
	}
	if !d.Process(loudFrame(), true, start, now) {
		t.Fatal("did not fire after 3 fresh qualifying frames")
	}
}

func TestDetector_InactivePlaybackNeverFires(t *testing.T) {
	d := NewDetector(DefaultConfig())
	start := time.Now()
	now := start.Add(time.Second)

	for i := 0; i < 10; i++ {
		if d.Process(loudFrame(), false, start, now) {
			t.Fatal("fired while playback inactive")
		}
	}
}

func TestDetector_MinPlaybackTime(t *testing.T) {
	d := NewDetector(DefaultConfig())
	start := time.Now()
	early := start.Add(200 * time.Millisecond)

	for i := 0; i < 5; i++ {
		if d.Process(loudFrame(), true, start, early) {
			t.Fatal("fired before 500ms of active playback")
		}
	}

	// After a pause and 500ms of playback, a fresh run fires.
	late := start.Add(600 * time.Millisecond)
	d.Process(quietFrame(), true, start, late)
	fired := false
	for i := 0; i < 3; i++ {
		fired = d.Process(loudFrame(), true, start, late)
	}
	if !fired {
		t.Fatal("did not fire after MinPlaybackTime elapsed")
	}
}

func TestDetector_Refractory(t *testing.T) {
	d := NewDetector(DefaultConfig())
	start := time.Now()
	now := start.Add(time.Second)

	for i := 0; i < 3; i++ {
		d.Process(loudFrame(), true, start, now)
	}

	// Continuous speech within the refractory window must not re-fire.
	within := now.Add(500 * time.Millisecond)
	for i := 0; i < 10; i++ {
		if d.Process(loudFrame(), true, start, within) {
			t.Fatal("re-fired within 1s refractory window")
		}
	}

	// After the window and a pause, a fresh qualifying run fires again.
	after := now.Add(1100 * time.Millisecond)
	d.Process(quietFrame(), true, start, after)
	fired := false
	for i := 0; i < 3; i++ {
		fired = d.Process(loudFrame(), true, start, after)
	}
	if !fired {
		t.Fatal("did not fire after refractory window expired")
	}
}

func TestDetector_ContinuousBurstStaysSuppressedAcrossRefractory(t *testing.T) {
	d := NewDetector(DefaultConfig())
	start := time.Now()
	now := start.Add(time.Second)

	// First barge-in.
	for i := 0; i < 3; i++ {
		d.Process(loudFrame(), true, start, now)
	}

	// One continuous loud burst with no quiet frame in between: crosses the
	// threshold inside the refractory window, keeps going past it. The same
	// burst must not produce a second barge-in.
	for ms := 100; ms <= 2000; ms += 128 {
		at := now.Add(time.Duration(ms) * time.Millisecond)
		if d.Process(loudFrame(), true, start, at) {
			t.Fatalf("continuous burst re-fired %dms after the first trigger", ms)
		}
	}

	// A quiet frame ends the burst; the next qualifying run fires.
	later := now.Add(2200 * time.Millisecond)
	d.Process(quietFrame(), true, start, later)
	fired := false
	for i := 0; i < 3; i++ {
		fired = d.Process(loudFrame(), true, start, later)
	}
	if !fired {
		t.Fatal("fresh run after the burst ended did not fire")
	}
}

func TestDetector_SuppressedRunDoesNotFireImmediately(t *testing.T) {
	d := NewDetector(DefaultConfig())
	start := time.Now()
	now := start.Add(time.Second)

	// First barge-in.
	for i := 0; i < 3; i++ {
		d.Process(loudFrame(), true, start, now)
	}

	// A run that reaches the threshold inside the refractory window is
	// suppressed and its counter reset; the very next frame after the
	// window must not fire on its own.
	within := now.Add(900 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if d.Process(loudFrame(), true, start, within) {
			t.Fatal("fired within refractory window")
		}
	}
	after := now.Add(1050 * time.Millisecond)
	if d.Process(loudFrame(), true, start, after) {
		t.Fatal("suppressed run fired on a single frame after the window")
	}
}

func TestDetector_ZeroConfigUsesDefaults(t *testing.T) {
	d := NewDetector(Config{})
	if d.cfg.EnergyThreshold != 0.05 {
		t.Errorf("EnergyThreshold = %v, want 0.05", d.cfg.EnergyThreshold)
	}
	if d.cfg.FrameThreshold != 3 {
		t.Errorf("FrameThreshold = %d, want 3", d.cfg.FrameThreshold)
	}
	if d.cfg.MinPlaybackTime != 500*time.Millisecond {
		t.Errorf("MinPlaybackTime = %v, want 500ms", d.cfg.MinPlaybackTime)
	}
	if d.cfg.Refractory != time.Second {
		t.Errorf("Refractory = %v, want 1s", d.cfg.Refractory)
	}
}
