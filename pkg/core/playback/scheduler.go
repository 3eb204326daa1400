// Package playback schedules synthesized counterpart audio for gapless
// playback and owns its cancellation.
//
// Chunks arrive over the socket in arrival order and are scheduled
// back-to-back on a playback clock: each chunk starts at
// max(clockNow, queueEnd), where queueEnd is the single shared watermark for
// the session. The watermark only moves forward; the one exception is an
// explicit cancellation, which stops every tracked source and resets the
// watermark to the clock's current position.
package playback

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parleylabs/parley/pkg/core/audio"
)

// State is the scheduler's utterance state.
type State int

const (
	// StateIdle means no counterpart audio is playing or pending.
	StateIdle State = iota
	// StateSpeaking means counterpart audio is playing or scheduled.
	StateSpeaking
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "UNKNOWN"
	}
}

// Clock is a monotonic playback clock. Implementations report the current
// position on the playback timeline.
type Clock interface {
	Now() time.Duration
}

// Source is a handle to one playing or scheduled chunk.
type Source interface {
	// Stop halts the source immediately and releases it.
	Stop()
}

// Player creates playable sources on the playback timeline.
type Player interface {
	// Play schedules samples to start at the given clock position.
	Play(samples []float32, sampleRate int, at time.Duration) (Source, error)
}

// ScheduleError reports a malformed or unplayable audio chunk. The chunk is
// dropped; subsequent chunks are unaffected.
type ScheduleError struct {
	Reason string
	Err    error
}

func (e *ScheduleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schedule: %s: %v", e.Reason, e.Err)
	}
	return "schedule: " + e.Reason
}

func (e *ScheduleError) Unwrap() error { return e.Err }

// DefaultIdleGuard is the interval added after the watermark before the
// scheduler flips back to idle, so playback visually finishes first.
const DefaultIdleGuard = 100 * time.Millisecond

type trackedSource struct {
	src Source
	end time.Duration
}

// Scheduler decodes downlink audio chunks, schedules them on the playback
// clock, tracks active sources for cancellation, and publishes an activity
// level for the overlay.
type Scheduler struct {
	clock  Clock
	player Player
	guard  time.Duration

	// activityBits holds a float64 snapshot readable from the draw loop
	// without taking the scheduler lock.
	activityBits atomic.Uint64

	mu            sync.Mutex
	state         State
	queueEnd      time.Duration
	active        []trackedSource
	speakingSince time.Time
	idleGen       int
	idleTimer     *time.Timer

	onStateChange func(State)
	onCancelled   func()
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithIdleGuard overrides the idle transition guard interval.
func WithIdleGuard(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.guard = d
		}
	}
}

// WithStateChange registers a callback invoked on idle/speaking transitions.
func WithStateChange(fn func(State)) Option {
	return func(s *Scheduler) { s.onStateChange = fn }
}

// WithCancelled registers a callback invoked once per effective
// cancellation, after all sources have been stopped. The session uses this
// to notify the remote side that a barge-in occurred.
func WithCancelled(fn func()) Option {
	return func(s *Scheduler) { s.onCancelled = fn }
}

// NewScheduler creates a scheduler over the given clock and player.
func NewScheduler(clock Clock, player Player, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  clock,
		player: player,
		guard:  DefaultIdleGuard,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleStart marks the beginning of a counterpart utterance: the watermark
// resets to the clock's current position and previously tracked sources are
// cleared.
func (s *Scheduler) HandleStart() {
	s.mu.Lock()
	s.invalidateIdleTimerLocked()
	for _, t := range s.active {
		t.src.Stop()
	}
	s.active = s.active[:0]
	s.queueEnd = s.clock.Now()
	s.speakingSince = time.Now()
	changed := s.state != StateSpeaking
	s.state = StateSpeaking
	notify := s.onStateChange
	s.mu.Unlock()

	if changed && notify != nil {
		notify(StateSpeaking)
	}
}

// HandleChunk decodes a PCM16 chunk, schedules it at max(clockNow, queueEnd),
// and advances the watermark by the chunk's duration. A malformed chunk
// returns a *ScheduleError and leaves the watermark untouched.
func (s *Scheduler) HandleChunk(pcm []byte, sampleRate int) error {
	if len(pcm) == 0 || len(pcm)%2 != 0 {
		return &ScheduleError{Reason: fmt.Sprintf("malformed pcm chunk (%d bytes)", len(pcm))}
	}
	if sampleRate <= 0 {
		sampleRate = audio.DownlinkSampleRate
	}
	samples := audio.DecodePCM16(pcm)

	s.mu.Lock()
	now := s.clock.Now()
	at := s.queueEnd
	if now > at {
		at = now
	}
	src, err := s.player.Play(samples, sampleRate, at)
	if err != nil {
		s.mu.Unlock()
		return &ScheduleError{Reason: "player rejected chunk", Err: err}
	}
	end := at + audio.SampleDuration(len(samples), sampleRate)
	s.queueEnd = end
	s.pruneFinishedLocked(now)
	s.active = append(s.active, trackedSource{src: src, end: end})
	s.mu.Unlock()

	s.activityBits.Store(math.Float64bits(audio.ActivityLevel(samples)))
	return nil
}

// HandleEnd schedules the idle transition for when all queued audio has
// finished, plus a small guard interval. A new HandleStart or a cancellation
// before then invalidates the pending transition.
func (s *Scheduler) HandleEnd() {
	s.mu.Lock()
	delay := s.queueEnd - s.clock.Now()
	if delay < 0 {
		delay = 0
	}
	delay += s.guard

	s.invalidateIdleTimerLocked()
	gen := s.idleGen
	s.idleTimer = time.AfterFunc(delay, func() { s.idleTransition(gen) })
	s.mu.Unlock()
}

// Cancel stops and releases every tracked source, resets the watermark to
// the clock's current position, and transitions to idle. Cancelling an
// already-idle scheduler is a no-op; the cancelled callback fires at most
// once per effective cancellation.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	if s.state == StateIdle && len(s.active) == 0 && s.idleTimer == nil {
		s.mu.Unlock()
		return
	}
	s.invalidateIdleTimerLocked()
	for _, t := range s.active {
		t.src.Stop()
	}
	s.active = s.active[:0]
	s.queueEnd = s.clock.Now()
	changed := s.state != StateIdle
	s.state = StateIdle
	notifyState := s.onStateChange
	notifyCancel := s.onCancelled
	s.mu.Unlock()

	s.activityBits.Store(0)
	if changed && notifyState != nil {
		notifyState(StateIdle)
	}
	if notifyCancel != nil {
		notifyCancel()
	}
}

// State returns the current utterance state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Speaking reports whether counterpart audio is playing or scheduled.
func (s *Scheduler) Speaking() bool {
	return s.State() == StateSpeaking
}

// SpeakingSince returns when the current utterance began.
func (s *Scheduler) SpeakingSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSpeaking {
		return time.Time{}, false
	}
	return s.speakingSince, true
}

// QueueEnd returns the current watermark: the clock position at which all
// scheduled audio will have finished.
func (s *Scheduler) QueueEnd() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queueEnd
}

// Activity returns the published activity level in [0, 1]. Safe to call
// from any goroutine; reads a snapshot, never live scheduler state.
func (s *Scheduler) Activity() float64 {
	return math.Float64frombits(s.activityBits.Load())
}

// invalidateIdleTimerLocked bumps the generation so a pending idle
// transition becomes a no-op.
func (s *Scheduler) invalidateIdleTimerLocked() {
	s.idleGen++
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Scheduler) idleTransition(gen int) {
	s.mu.Lock()
	if gen != s.idleGen {
		s.mu.Unlock()
		return
	}
	s.idleTimer = nil
	s.pruneFinishedLocked(s.clock.Now())
	changed := s.state != StateIdle
	s.state = StateIdle
	notify := s.onStateChange
	s.mu.Unlock()

	s.activityBits.Store(0)
	if changed && notify != nil {
		notify(StateIdle)
	}
}

// pruneFinishedLocked drops handles for sources whose scheduled end has
// passed. Their platform resources are released by the player; the
// scheduler only needs live handles for cancellation.
func (s *Scheduler) pruneFinishedLocked(now time.Duration) {
	kept := s.active[:0]
	for _, t := range s.active {
		if t.end > now {
			kept = append(kept, t)
		}
	}
	s.active = kept
}
