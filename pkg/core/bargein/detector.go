// Package bargein detects the user interrupting synthesized playback.
//
// Detection is per-tick energy analysis with hysteresis: a cancellation
// fires only after several consecutive high-energy capture frames while the
// counterpart is speaking, and never twice in quick succession. This keeps
// brief noise spikes and the counterpart's own voice leaking into capture
// from killing playback.
package bargein

import (
	"sync"
	"time"

	"github.com/parleylabs/parley/pkg/core/audio"
)

// Config configures barge-in detection.
type Config struct {
	// EnergyThreshold is the normalized RMS level a capture frame must
	// exceed to count as user speech. Default: 0.05.
	EnergyThreshold float64 `yaml:"energy_threshold" json:"energy_threshold"`

	// FrameThreshold is the number of consecutive qualifying frames
	// required before a cancellation fires. Default: 3.
	FrameThreshold int `yaml:"frame_threshold" json:"frame_threshold"`

	// MinPlaybackTime is the minimum time playback must have been active
	// before a barge-in can fire. Default: 500ms.
	MinPlaybackTime time.Duration `yaml:"min_playback_time" json:"min_playback_time"`

	// Refractory is the minimum interval between two barge-ins.
	// Default: 1s.
	Refractory time.Duration `yaml:"refractory" json:"refractory"`
}

// DefaultConfig returns a Config with the standard thresholds.
func DefaultConfig() Config {
	return Config{
		EnergyThreshold: 0.05,
		FrameThreshold:  3,
		MinPlaybackTime: 500 * time.Millisecond,
		Refractory:      time.Second,
	}
}

// Detector accumulates per-frame energy decisions and fires at most one
// cancellation per qualifying speech run.
type Detector struct {
	cfg Config

	mu          sync.Mutex
	consecutive int
	suppressed  bool
	lastTrigger time.Time
}

// NewDetector creates a detector with the given configuration.
// Zero-valued config fields fall back to defaults.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = def.EnergyThreshold
	}
	if cfg.FrameThreshold <= 0 {
		cfg.FrameThreshold = def.FrameThreshold
	}
	if cfg.MinPlaybackTime <= 0 {
		cfg.MinPlaybackTime = def.MinPlaybackTime
	}
	if cfg.Refractory <= 0 {
		cfg.Refractory = def.Refractory
	}
	return &Detector{cfg: cfg}
}

// Process consumes one capture frame and reports whether a barge-in fired.
//
// playbackActive indicates the counterpart is currently speaking and
// playbackStart is when that playback began. Frames processed while
// playback is inactive, or below the energy threshold, reset the
// consecutive-frame counter.
func (d *Detector) Process(frame []float32, playbackActive bool, playbackStart, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !playbackActive || audio.RMSEnergy(frame) < d.cfg.EnergyThreshold {
		d.consecutive = 0
		d.suppressed = false
		return false
	}

	// A run that already crossed the threshold, fired or not, stays spent
	// until at least one non-qualifying frame arrives. Without the latch a
	// continuous burst suppressed by the refractory window would re-fire as
	// soon as the window passed.
	if d.suppressed {
		return false
	}

	d.consecutive++
	if d.consecutive < d.cfg.FrameThreshold {
		return false
	}

	d.consecutive = 0
	d.suppressed = true

	if now.Sub(playbackStart) < d.cfg.MinPlaybackTime {
		return false
	}
	if !d.lastTrigger.IsZero() && now.Sub(d.lastTrigger) < d.cfg.Refractory {
		return false
	}

	d.lastTrigger = now
	return true
}

// Reset clears the run state. Call when playback stops or restarts.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consecutive = 0
	d.suppressed = false
}
