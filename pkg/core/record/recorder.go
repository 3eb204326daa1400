// Package record produces the composited session recording: camera frames
// with the status overlay drawn on top, plus a mixed audio track combining
// the live microphone with scheduled counterpart speech.
//
// The draw loop and the audio path run as independent periodic tasks with no
// ordering guarantee between them; the only data they share is the activity
// level, read through a published snapshot rather than a live reference.
package record

import (
	"errors"
	"sync"
	"time"

	"github.com/parleylabs/parley/pkg/core/overlay"
)

// ErrRecordingUnavailable is returned when the platform offers no
// compositing or recording capability. The call itself continues with
// recording disabled.
var ErrRecordingUnavailable = errors.New("record: no recording capability available")

// Surface is the drawing target for composited frames.
type Surface interface {
	// Size returns the surface dimensions in pixels.
	Size() (w, h float64)
	// Clear erases the surface.
	Clear()
	// DrawCamera draws the current camera frame, mirrored when requested.
	DrawCamera(mirrored bool)
	// FillCircle draws a translucent filled circle.
	FillCircle(x, y, r, alpha float64)
	// StrokeRing draws a translucent ring outline.
	StrokeRing(x, y, r, alpha float64)
	// DrawLabel draws the status label text.
	DrawLabel(text string)
	// DrawBadge draws the recording indicator badge.
	DrawBadge()
}

// Mixer duplicates counterpart speech into the recorded audio track. The
// microphone is connected to the same destination by the platform adapter.
type Mixer interface {
	// AddTTS mixes PCM16 counterpart audio into the recording at the same
	// relative timing it plays to the user.
	AddTTS(pcm []byte, sampleRate int)
}

// Stream is a segment-producing recorder over the composited output.
// Segments are delivered to the callback passed to Start.
type Stream interface {
	// Start begins recording, emitting a segment every timeslice.
	Start(timeslice time.Duration, onSegment func([]byte)) error
	// Stop ends recording, flushing any trailing segment first.
	Stop() error
}

// SegmentSink receives recording segments as they are produced.
type SegmentSink func(segment []byte)

// Config configures the composite recorder.
type Config struct {
	// FrameRate is the target draw rate in frames per second. Default: 30.
	FrameRate int `yaml:"frame_rate" json:"frame_rate"`

	// SegmentInterval is the recorder timeslice. Default: 1s.
	SegmentInterval time.Duration `yaml:"segment_interval" json:"segment_interval"`

	// Mirror draws the camera feed mirrored, matching the self-view.
	Mirror bool `yaml:"mirror" json:"mirror"`

	// Label is the status text drawn on the overlay.
	Label string `yaml:"label" json:"label"`

	// MaxSessionBytes caps the full-session fallback buffer. Zero means
	// unbounded.
	MaxSessionBytes int `yaml:"max_session_bytes" json:"max_session_bytes"`
}

// DefaultConfig returns a Config with the standard recording parameters.
func DefaultConfig() Config {
	return Config{
		FrameRate:       30,
		SegmentInterval: time.Second,
	}
}

// Recorder drives the fixed-rate composite draw loop and forwards recording
// segments to both the full-session buffer and the upload sink.
type Recorder struct {
	cfg     Config
	surface Surface
	mixer   Mixer
	stream  Stream
	sink    SegmentSink

	// activity and thinking are snapshot reads published by the playback
	// scheduler and the session; the draw loop never touches their state.
	activity func() float64
	thinking func() bool

	mu        sync.Mutex
	state     overlay.State
	lastDraw  time.Time
	recording bool
	disabled  bool
	fullBuf   []byte

	stopOnce sync.Once
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithActivity sets the activity level snapshot source.
func WithActivity(fn func() float64) Option {
	return func(r *Recorder) { r.activity = fn }
}

// WithThinking sets the thinking-state snapshot source.
func WithThinking(fn func() bool) Option {
	return func(r *Recorder) { r.thinking = fn }
}

// NewRecorder creates a composite recorder. surface, mixer, and stream may
// be nil when the platform lacks the capability; Start then reports
// ErrRecordingUnavailable and the recorder stays disabled.
func NewRecorder(cfg Config, surface Surface, mixer Mixer, stream Stream, sink SegmentSink, opts ...Option) *Recorder {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if cfg.SegmentInterval <= 0 {
		cfg.SegmentInterval = time.Second
	}
	r := &Recorder{
		cfg:     cfg,
		surface: surface,
		mixer:   mixer,
		stream:  stream,
		sink:    sink,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins segment production. Returns ErrRecordingUnavailable when the
// platform offers no surface or stream; the call continues without a
// recording.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.surface == nil || r.stream == nil {
		r.disabled = true
		return ErrRecordingUnavailable
	}
	if r.recording {
		return nil
	}
	if err := r.stream.Start(r.cfg.SegmentInterval, r.handleSegment); err != nil {
		r.disabled = true
		return ErrRecordingUnavailable
	}
	r.recording = true
	return nil
}

// Recording reports whether segments are being produced.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Tick runs one draw-loop iteration. Ticks arriving faster than the frame
// interval are skipped; the caller may drive this from any redraw source.
func (r *Recorder) Tick(now time.Time) {
	r.mu.Lock()
	if r.disabled || r.surface == nil {
		r.mu.Unlock()
		return
	}

	interval := time.Second / time.Duration(r.cfg.FrameRate)
	if !r.lastDraw.IsZero() && now.Sub(r.lastDraw) < interval {
		r.mu.Unlock()
		return
	}

	elapsed := 0.0
	if !r.lastDraw.IsZero() {
		elapsed = now.Sub(r.lastDraw).Seconds()
	}
	r.lastDraw = now

	activity := 0.0
	if r.activity != nil {
		activity = r.activity()
	}
	thinking := r.thinking != nil && r.thinking()

	r.state.Advance(elapsed, activity)
	r.state.Thinking = thinking
	state := r.state
	recording := r.recording
	r.mu.Unlock()

	r.draw(state, recording)
}

// draw composites one frame. Runs without the recorder lock; the surface is
// only ever touched from the draw loop.
func (r *Recorder) draw(state overlay.State, recording bool) {
	w, h := r.surface.Size()
	r.surface.Clear()
	r.surface.DrawCamera(r.cfg.Mirror)

	cx, cy := w/2, h/2
	base := min(w, h) / 2

	glowR, glowA := overlay.AvatarGlow(state.AudioLevel, base)
	r.surface.FillCircle(cx, cy, glowR, glowA)

	for _, p := range overlay.Particles(state.MotionPhase, w, h) {
		r.surface.FillCircle(p.X, p.Y, p.Radius, p.Alpha)
	}

	if state.Thinking {
		r.surface.StrokeRing(cx, cy, glowR*1.3, 0.6)
	}
	if r.cfg.Label != "" {
		r.surface.DrawLabel(r.cfg.Label)
	}
	if recording {
		r.surface.DrawBadge()
	}
}

// Disabled reports whether recording was unavailable at start.
func (r *Recorder) Disabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disabled
}

// MixTTS duplicates counterpart audio into the recorded track. No-op when
// recording is disabled.
func (r *Recorder) MixTTS(pcm []byte, sampleRate int) {
	r.mu.Lock()
	mixer := r.mixer
	disabled := r.disabled
	r.mu.Unlock()
	if disabled || mixer == nil {
		return
	}
	mixer.AddTTS(pcm, sampleRate)
}

// handleSegment receives one segment from the stream recorder and appends
// it to the full-session buffer and the upload sink.
func (r *Recorder) handleSegment(data []byte) {
	if len(data) == 0 {
		return
	}

	r.mu.Lock()
	if r.cfg.MaxSessionBytes == 0 || len(r.fullBuf)+len(data) <= r.cfg.MaxSessionBytes {
		r.fullBuf = append(r.fullBuf, data...)
	}
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		sink(data)
	}
}

// Stop ends segment production, flushing the trailing segment through the
// sink first. Safe to call multiple times and on a disabled recorder.
func (r *Recorder) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		r.mu.Lock()
		recording := r.recording
		r.recording = false
		stream := r.stream
		r.mu.Unlock()

		if recording && stream != nil {
			err = stream.Stop()
		}
	})
	return err
}

// FullRecording returns the accumulated full-session bytes, for the
// single-shot fallback upload path.
func (r *Recorder) FullRecording() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.fullBuf))
	copy(out, r.fullBuf)
	return out
}
