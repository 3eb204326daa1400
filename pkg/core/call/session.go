// Package call is the media pipeline facade: it owns the session phase
// machine and wires capture, barge-in detection, playback scheduling,
// composite recording, and the upload pipeline to the session socket.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/parleylabs/parley/pkg/core/bargein"
	"github.com/parleylabs/parley/pkg/core/playback"
	"github.com/parleylabs/parley/pkg/core/protocol"
	"github.com/parleylabs/parley/pkg/core/record"
	"github.com/parleylabs/parley/pkg/core/upload"
	"github.com/parleylabs/parley/pkg/core/uplink"
	"github.com/parleylabs/parley/pkg/log"
	"github.com/parleylabs/parley/pkg/metrics"
)

// Phase is the session lifecycle phase. Transitions are one-directional.
type Phase string

const (
	PhaseCapturing  Phase = "capturing"
	PhaseStreaming  Phase = "streaming"
	PhaseRecording  Phase = "recording"
	PhaseFinalizing Phase = "finalizing"
	PhaseEnded      Phase = "ended"
)

var phaseRank = map[Phase]int{
	PhaseCapturing:  0,
	PhaseStreaming:  1,
	PhaseRecording:  2,
	PhaseFinalizing: 3,
	PhaseEnded:      4,
}

// SocketChannel is the persistent session connection. It satisfies the
// uplink's sender contract, so binary audio frames share the channel with
// control messages.
type SocketChannel interface {
	// SendText transmits one JSON control frame.
	SendText(data []byte) error
	// SendBinary transmits one binary audio frame.
	SendBinary(data []byte) error
	// IsOpen reports whether the channel accepts frames.
	IsOpen() bool
	// Close closes the channel.
	Close() error
}

// FallbackUploader uploads the full-session recording in one shot when the
// multipart pipeline never started.
type FallbackUploader interface {
	UploadSingle(ctx context.Context, sessionID, contentType string, body []byte) (videoURL string, err error)
}

// RecordKeeper attaches the stored recording URL to the session's analysis
// record.
type RecordKeeper interface {
	UpdateAnalysisRecord(ctx context.Context, sessionID, videoURL string) error
}

// Deps are the injected capabilities a session runs on. Socket, Clock,
// Player, and Uploader are required; the rest degrade gracefully when nil.
type Deps struct {
	Socket   SocketChannel
	Clock    playback.Clock
	Player   playback.Player
	Surface  record.Surface
	Mixer    record.Mixer
	Stream   record.Stream
	Uploader upload.Uploader
	Fallback FallbackUploader
	Records  RecordKeeper
	Logger   *log.Logger
	Metrics  *metrics.Metrics
	OnEvent  func(Event)
}

// Session coordinates one negotiation call end to end.
type Session struct {
	id     string
	cfg    Config
	socket SocketChannel
	logger *log.Logger
	met    *metrics.Metrics

	scheduler *playback.Scheduler
	detector  *bargein.Detector
	uplink    *uplink.Uplink
	recorder  *record.Recorder
	pipeline  *upload.Pipeline
	fallback  FallbackUploader
	records   RecordKeeper
	onEvent   func(Event)

	mu           sync.Mutex
	phase        Phase
	disconnected bool
	videoEnabled bool
	thinking     bool
	startedAt    time.Time

	tornDown     atomic.Bool
	teardownOnce sync.Once
}

// NewSession creates a session over the injected capabilities. The phase
// starts at capturing; Start moves it forward.
func NewSession(sessionID string, cfg Config, deps Deps) *Session {
	s := &Session{
		id:           sessionID,
		cfg:          cfg,
		socket:       deps.Socket,
		logger:       deps.Logger,
		met:          deps.Metrics,
		fallback:     deps.Fallback,
		records:      deps.Records,
		onEvent:      deps.OnEvent,
		phase:        PhaseCapturing,
		videoEnabled: true,
	}

	s.scheduler = playback.NewScheduler(deps.Clock, deps.Player,
		playback.WithCancelled(s.onBargeIn))
	s.detector = bargein.NewDetector(cfg.BargeIn)
	s.uplink = uplink.NewUplink(cfg.Uplink, deps.Socket,
		uplink.WithMonitor(s.monitorFrame))
	s.recorder = record.NewRecorder(cfg.Record, deps.Surface, deps.Mixer, deps.Stream,
		s.onSegment,
		record.WithActivity(s.scheduler.Activity),
		record.WithThinking(s.Thinking))
	s.pipeline = upload.NewPipeline(cfg.Upload, deps.Uploader, sessionID,
		upload.WithLogger(deps.Logger),
		upload.WithMetrics(deps.Metrics))

	return s
}

// Start opens the media path: the multipart upload, the recorder, and the
// initialize frame. Recording and upload failures degrade; a failed
// initialize is fatal because the server cannot proceed without it.
func (s *Session) Start(ctx context.Context, scenario json.RawMessage) error {
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	if err := s.pipeline.Start(ctx); err != nil {
		// The single-shot fallback covers the recording; the call goes on.
		s.logger.Warn("multipart upload unavailable, will fall back to single-shot", zap.Error(err))
	}
	if err := s.recorder.Start(); err != nil {
		s.logger.Warn("recording disabled", zap.Error(err))
	}

	frame, err := protocol.EncodeClientMessage(protocol.NewInitialize(scenario))
	if err != nil {
		return err
	}
	if err := s.socket.SendText(frame); err != nil {
		return &uplink.TransportError{Err: fmt.Errorf("send initialize: %w", err)}
	}

	if s.met != nil {
		s.met.SessionsActive.Inc()
	}
	s.setPhase(PhaseStreaming)
	if s.recorder.Recording() {
		s.setPhase(PhaseRecording)
	}
	return nil
}

// ProcessCapture handles one microphone frame: local monitoring always,
// transmission when unmuted and connected.
func (s *Session) ProcessCapture(frame []float32, inputRate int) error {
	err := s.uplink.ProcessTick(frame, inputRate)
	if err != nil {
		s.logger.Warn("uplink transmit failed", zap.Error(err))
	}
	return err
}

// Tick drives one draw-loop iteration of the composite recorder.
func (s *Session) Tick(now time.Time) {
	s.recorder.Tick(now)
}

// HandleSocketMessage dispatches one inbound JSON text frame. Malformed
// frames surface a generic error; the connection stays open.
func (s *Session) HandleSocketMessage(data []byte) {
	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		s.logger.Warn("malformed server message", zap.Error(err))
		s.emit(&ErrorEvent{Message: "received a malformed server message"})
		if s.met != nil {
			s.met.ErrorsTotal.WithLabelValues("protocol").Inc()
		}
		return
	}

	switch m := msg.(type) {
	case protocol.Ready:
		s.emit(&ReadyEvent{SessionID: m.SessionID})
	case protocol.ServerError:
		s.emit(&ErrorEvent{Message: m.Message})
	case protocol.Transcription:
		if m.IsFinal {
			s.setThinking(true)
		}
		s.emit(&TranscriptionEvent{Text: m.Text, IsFinal: m.IsFinal})
	case protocol.OpponentOpening:
		s.emit(&OpponentTextEvent{Text: m.Text, Opening: true})
	case protocol.OpponentText:
		s.emit(&OpponentTextEvent{Text: m.Text})
	case protocol.CoachTip:
		s.emit(&CoachTipEvent{Text: m.Text})
	case protocol.AudioStart:
		s.setThinking(false)
		s.scheduler.HandleStart()
	case protocol.AudioChunk:
		s.handleAudioChunk(m)
	case protocol.AudioEnd:
		s.scheduler.HandleEnd()
	case protocol.NegotiationComplete:
		// The server has a durable record now; the recording may finalize.
		s.pipeline.MarkServerStored()
		s.emit(&CompletedEvent{
			FinalAdvice: m.FinalAdvice,
			HiddenState: m.HiddenState,
			Transcript:  m.Transcript,
			AutoEnded:   m.AutoEnded,
		})
	case protocol.Transcript:
		s.emit(&TranscriptEvent{Transcript: m.Transcript})
	}
}

func (s *Session) handleAudioChunk(m protocol.AudioChunk) {
	pcm, err := m.PCM()
	if err != nil {
		s.logger.Warn("undecodable audio chunk dropped", zap.Error(err))
		if s.met != nil {
			s.met.ChunksDropped.Inc()
		}
		return
	}
	if err := s.scheduler.HandleChunk(pcm, m.SampleRate); err != nil {
		s.logger.Warn("audio chunk dropped", zap.Error(err))
		if s.met != nil {
			s.met.ChunksDropped.Inc()
		}
		return
	}
	if s.met != nil {
		s.met.ChunksScheduled.Inc()
	}
	// The recording carries both sides of the conversation.
	s.recorder.MixTTS(pcm, m.SampleRate)
}

// HandleSocketClosed marks the session disconnected and stops transmission.
// Already-buffered recording and upload state survive.
func (s *Session) HandleSocketClosed(err error) {
	s.mu.Lock()
	already := s.disconnected
	s.disconnected = true
	s.mu.Unlock()
	if already {
		return
	}

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	s.logger.Info("socket closed", zap.String("reason", reason))
	s.emit(&DisconnectedEvent{Reason: reason})
}

// monitorFrame feeds every capture frame to the barge-in detector.
func (s *Session) monitorFrame(frame []float32) {
	since, speaking := s.scheduler.SpeakingSince()
	if s.detector.Process(frame, speaking, since, time.Now()) {
		s.scheduler.Cancel()
	}
}

// onBargeIn runs once per effective playback cancellation.
func (s *Session) onBargeIn() {
	if s.tornDown.Load() {
		return
	}
	if s.met != nil {
		s.met.BargeInsTotal.Inc()
	}
	if s.socket.IsOpen() {
		if frame, err := protocol.EncodeClientMessage(protocol.NewBargeIn()); err == nil {
			if err := s.socket.SendText(frame); err != nil {
				s.logger.Warn("barge_in notification failed", zap.Error(err))
			}
		}
	}
	s.emit(&BargeInEvent{})
}

// onSegment forwards recorder segments into the upload pipeline.
func (s *Session) onSegment(segment []byte) {
	s.pipeline.AddSegment(segment)
}

// Mute stops audio transmission to the counterpart.
func (s *Session) Mute() { s.uplink.Mute() }

// Unmute resumes audio transmission.
func (s *Session) Unmute() { s.uplink.Unmute() }

// Muted reports the transmission mute state.
func (s *Session) Muted() bool { return s.uplink.Muted() }

// SetVideoEnabled toggles the camera feed.
func (s *Session) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	s.videoEnabled = enabled
	s.mu.Unlock()
}

// VideoEnabled reports whether the camera feed is on.
func (s *Session) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoEnabled
}

// Thinking reports whether the counterpart is formulating a response.
func (s *Session) Thinking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thinking
}

func (s *Session) setThinking(v bool) {
	s.mu.Lock()
	s.thinking = v
	s.mu.Unlock()
}

// Phase returns the current session phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Disconnected reports whether the socket has closed.
func (s *Session) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

// End requests session completion from the server. The reply is a
// negotiation_complete frame, which releases the finalize gate.
func (s *Session) End(ctx context.Context) error {
	frame, err := protocol.EncodeClientMessage(protocol.NewEndNegotiation())
	if err != nil {
		return err
	}
	if !s.socket.IsOpen() {
		return &uplink.TransportError{Err: fmt.Errorf("end_negotiation on closed socket")}
	}
	return s.socket.SendText(frame)
}

// RequestTranscript asks the server for the transcript accumulated so far.
func (s *Session) RequestTranscript() error {
	frame, err := protocol.EncodeClientMessage(protocol.NewGetTranscript())
	if err != nil {
		return err
	}
	if !s.socket.IsOpen() {
		return &uplink.TransportError{Err: fmt.Errorf("get_transcript on closed socket")}
	}
	return s.socket.SendText(frame)
}

// teardown releases every media resource exactly once: playback sources,
// the recorder (final flush), the uplink, and the socket. Safe under
// concurrent termination triggers.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.tornDown.Store(true)
		s.uplink.Mute()
		s.scheduler.Cancel()
		if err := s.recorder.Stop(); err != nil {
			s.logger.Warn("recorder stop failed", zap.Error(err))
		}
		s.pipeline.StopRecording()
		if err := s.socket.Close(); err != nil {
			s.logger.Debug("socket close", zap.Error(err))
		}
		if s.met != nil {
			s.met.SessionsActive.Dec()
		}
		s.logger.Info("session torn down")
	})
}

// Finalize tears the session down and completes the recording upload with
// the visibility decision. The session always reaches the ended phase, even
// on upload failure.
func (s *Session) Finalize(ctx context.Context, isPublic bool) (string, error) {
	s.setPhase(PhaseFinalizing)
	s.teardown()

	videoURL, usedFallback, err := s.storeRecording(ctx, isPublic)
	if err != nil {
		s.emit(&ErrorEvent{Message: "recording upload failed"})
		s.finish("upload_failed")
		return "", err
	}

	if videoURL != "" && s.records != nil {
		if err := s.records.UpdateAnalysisRecord(ctx, s.id, videoURL); err != nil {
			s.logger.Warn("analysis record update failed", zap.Error(err))
		}
	}
	if videoURL != "" {
		s.emit(&RecordingStoredEvent{VideoURL: videoURL, Fallback: usedFallback})
	}
	s.finish("completed")
	return videoURL, nil
}

func (s *Session) storeRecording(ctx context.Context, isPublic bool) (string, bool, error) {
	if s.pipeline.Started() {
		url, err := s.pipeline.Finalize(ctx, isPublic)
		return url, false, err
	}

	full := s.recorder.FullRecording()
	if len(full) == 0 || s.fallback == nil {
		s.logger.Info("no recording to store")
		return "", false, nil
	}
	s.logger.Info("storing recording via single-shot fallback", zap.Int("bytes", len(full)))
	url, err := s.fallback.UploadSingle(ctx, s.id, s.cfg.Upload.ContentType, full)
	return url, true, err
}

// Close aborts the session without finalizing the upload. Used for
// navigation-away and error exits; resources are still released exactly
// once.
func (s *Session) Close() {
	s.teardown()
	s.finish("aborted")
}

func (s *Session) finish(outcome string) {
	s.mu.Lock()
	alreadyEnded := s.phase == PhaseEnded
	started := s.startedAt
	s.mu.Unlock()

	s.setPhase(PhaseEnded)
	if alreadyEnded {
		return
	}
	if s.met != nil {
		s.met.SessionsTotal.WithLabelValues(outcome).Inc()
		if !started.IsZero() {
			s.met.SessionDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
		}
	}
}

// setPhase advances the phase. Transitions never move backward.
func (s *Session) setPhase(next Phase) {
	s.mu.Lock()
	current := s.phase
	if phaseRank[next] <= phaseRank[current] {
		s.mu.Unlock()
		return
	}
	s.phase = next
	s.mu.Unlock()

	s.logger.Info("phase changed",
		zap.String("from", string(current)),
		zap.String("to", string(next)))
	s.emit(&PhaseChangedEvent{From: current, To: next})
}

func (s *Session) emit(ev Event) {
	if s.onEvent != nil {
		s.onEvent(ev)
	}
}
