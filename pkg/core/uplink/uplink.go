// Package uplink owns the capture audio path: per-tick resampling to the
// uplink rate, PCM16 encoding, and transmission as binary socket frames,
// gated by mute state and socket availability.
package uplink

import (
	"fmt"
	"sync"

	"github.com/parleylabs/parley/pkg/core/audio"
)

// Sender transmits binary audio frames to the remote side.
type Sender interface {
	// SendBinary transmits one binary frame.
	SendBinary(data []byte) error
	// IsOpen reports whether the channel accepts frames.
	IsOpen() bool
}

// MediaAccessError reports denied or unavailable capture devices. It is
// surfaced to the user; the rest of the pipeline keeps running.
type MediaAccessError struct {
	Device string
	Err    error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media access denied for %s: %v", e.Device, e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// TransportError reports a failed transmission. The uplink stops sending;
// recording and upload continue independently.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("uplink transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config configures the uplink.
type Config struct {
	// TargetRate is the transmission sample rate. Default: 16000.
	TargetRate int `yaml:"target_rate" json:"target_rate"`

	// MonitorWhileMuted keeps feeding the local monitor (barge-in
	// detection) while transmission is muted. Transmission gating is
	// unaffected.
	MonitorWhileMuted bool `yaml:"monitor_while_muted" json:"monitor_while_muted"`
}

// DefaultConfig returns a Config with the standard uplink parameters.
func DefaultConfig() Config {
	return Config{TargetRate: audio.UplinkSampleRate}
}

// Uplink processes capture ticks: each frame is optionally mirrored to a
// local monitor, then resampled, encoded, and transmitted when the socket
// is open and the microphone is not muted.
type Uplink struct {
	cfg    Config
	sender Sender

	mu      sync.Mutex
	muted   bool
	monitor func(frame []float32)
}

// Option configures an Uplink.
type Option func(*Uplink)

// WithMonitor registers a callback receiving each raw capture frame before
// any gating, for local detection such as barge-in.
func WithMonitor(fn func(frame []float32)) Option {
	return func(u *Uplink) { u.monitor = fn }
}

// NewUplink creates an uplink transmitting through the given sender.
func NewUplink(cfg Config, sender Sender, opts ...Option) *Uplink {
	if cfg.TargetRate <= 0 {
		cfg.TargetRate = audio.UplinkSampleRate
	}
	u := &Uplink{cfg: cfg, sender: sender}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Mute stops transmission. The monitor keeps running only when configured
// to.
func (u *Uplink) Mute() {
	u.mu.Lock()
	u.muted = true
	u.mu.Unlock()
}

// Unmute resumes transmission.
func (u *Uplink) Unmute() {
	u.mu.Lock()
	u.muted = false
	u.mu.Unlock()
}

// Muted reports the mute state.
func (u *Uplink) Muted() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.muted
}

// ProcessTick handles one capture frame at the given input rate. Returns a
// *TransportError when transmission fails; gated ticks return nil.
func (u *Uplink) ProcessTick(frame []float32, inputRate int) error {
	if len(frame) == 0 || inputRate <= 0 {
		return nil
	}

	u.mu.Lock()
	muted := u.muted
	monitor := u.monitor
	u.mu.Unlock()

	if monitor != nil && (!muted || u.cfg.MonitorWhileMuted) {
		monitor(frame)
	}

	if muted || !u.sender.IsOpen() {
		return nil
	}

	resampled := audio.Resample(frame, inputRate, u.cfg.TargetRate)
	pcm := audio.EncodePCM16(resampled)
	if err := u.sender.SendBinary(pcm); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}
