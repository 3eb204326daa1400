package call

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/parleylabs/parley/pkg/core/audio"
	"github.com/parleylabs/parley/pkg/core/playback"
	"github.com/parleylabs/parley/pkg/core/upload"
)

type fakeSocket struct {
	mu     sync.Mutex
	open   bool
	texts  [][]byte
	binary [][]byte
	closed int
}

func (s *fakeSocket) SendText(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return errors.New("socket closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.texts = append(s.texts, cp)
	return nil
}

func (s *fakeSocket) SendBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return errors.New("socket closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.binary = append(s.binary, cp)
	return nil
}

func (s *fakeSocket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.closed++
	return nil
}

// sentTypes returns the "type" field of every JSON frame sent.
func (s *fakeSocket) sentTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, frame := range s.texts {
		var envelope struct {
			Type string `json:"type"`
		}
		json.Unmarshal(frame, &envelope)
		out = append(out, envelope.Type)
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Duration
}

func (c *fakeClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

type playEvent struct {
	at      time.Duration
	samples int
	rate    int
}

type fakeSource struct {
	mu      sync.Mutex
	stopped bool
}

func (s *fakeSource) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *fakeSource) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeStream struct {
	mu        sync.Mutex
	stops     int
	onSegment func([]byte)
}

func (s *fakeStream) Start(_ time.Duration, onSegment func([]byte)) error {
	s.mu.Lock()
	s.onSegment = onSegment
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) emit(data []byte) {
	s.mu.Lock()
	cb := s.onSegment
	s.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

type fakeSurface struct{}

func (fakeSurface) Size() (float64, float64)      { return 640, 480 }
func (fakeSurface) Clear()                        {}
func (fakeSurface) DrawCamera(bool)               {}
func (fakeSurface) FillCircle(_, _, _, _ float64) {}
func (fakeSurface) StrokeRing(_, _, _, _ float64) {}
func (fakeSurface) DrawLabel(string)              {}
func (fakeSurface) DrawBadge()                    {}

type fakeMixer struct{}

func (fakeMixer) AddTTS([]byte, int) {}

type fakeUploader struct {
	mu       sync.Mutex
	startErr error
	parts    []int
	isPublic bool
	complete bool
}

func (u *fakeUploader) Start(context.Context, string, string) (string, error) {
	if u.startErr != nil {
		return "", u.startErr
	}
	return "upload-1", nil
}

func (u *fakeUploader) UploadPart(_ context.Context, _, _ string, partNumber int, body []byte) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.parts = append(u.parts, partNumber)
	return fmt.Sprintf("etag-%d", partNumber), nil
}

func (u *fakeUploader) Complete(_ context.Context, _, _ string, parts []upload.CompletedPart, isPublic bool) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.complete = true
	u.isPublic = isPublic
	return "https://cdn.example.com/videos/s/recording.webm", nil
}

type sessionFixture struct {
	session  *Session
	socket   *fakeSocket
	clock    *fakeClock
	player   *recordingPlayer
	stream   *fakeStream
	uploader *fakeUploader

	mu     sync.Mutex
	events []Event
}

// recordingPlayer implements playback.Player.
type recordingPlayer struct {
	mu      sync.Mutex
	events  []playEvent
	sources []*fakeSource
}

func (p *recordingPlayer) Play(samples []float32, sampleRate int, at time.Duration) (playback.Source, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := &fakeSource{}
	p.events = append(p.events, playEvent{at: at, samples: len(samples), rate: sampleRate})
	p.sources = append(p.sources, src)
	return src, nil
}

func (f *sessionFixture) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events {
		out = append(out, ev.EventType())
	}
	return out
}

func newFixture(t *testing.T) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		socket:   &fakeSocket{open: true},
		clock:    &fakeClock{},
		player:   &recordingPlayer{},
		stream:   &fakeStream{},
		uploader: &fakeUploader{},
	}

	cfg := DefaultConfig()
	cfg.BargeIn.MinPlaybackTime = 0
	cfg.BargeIn.Refractory = time.Millisecond
	cfg.Upload.MinPartSize = 64
	cfg.Upload.StoredWait = 20 * time.Millisecond
	cfg.Upload.RetryDelay = time.Millisecond

	f.session = NewSession("session-1", cfg, Deps{
		Socket:   f.socket,
		Clock:    f.clock,
		Player:   f.player,
		Surface:  fakeSurface{},
		Mixer:    fakeMixer{},
		Stream:   f.stream,
		Uploader: f.uploader,
		OnEvent: func(ev Event) {
			f.mu.Lock()
			f.events = append(f.events, ev)
			f.mu.Unlock()
		},
	})
	return f
}

func startFixture(t *testing.T, f *sessionFixture) {
	t.Helper()
	scenario := json.RawMessage(`{"role":"buyer"}`)
	if err := f.session.Start(context.Background(), scenario); err != nil {
		t.Fatal(err)
	}
}

// chunkFrame builds an audio_chunk JSON frame of n constant samples.
func chunkFrame(n, rate int) []byte {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.3
	}
	frame, _ := json.Marshal(map[string]any{
		"type":        "audio_chunk",
		"data":        base64.StdEncoding.EncodeToString(audio.EncodePCM16(samples)),
		"sample_rate": rate,
		"encoding":    "pcm_s16le",
	})
	return frame
}

func loudFrame(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 0.5
	}
	return out
}

func TestSession_InitializeSentOnStart(t *testing.T) {
	f := newFixture(t)
	startFixture(t, f)

	types := f.socket.sentTypes()
	if len(types) != 1 || types[0] != "initialize" {
		t.Fatalf("sent frames = %v, want [initialize]", types)
	}
	if got := f.session.Phase(); got != PhaseRecording {
		t.Errorf("phase after start = %v, want recording", got)
	}
}

func TestSession_UtteranceScheduledWithoutOverlap(t *testing.T) {
	f := newFixture(t)
	startFixture(t, f)

	f.session.HandleSocketMessage([]byte(`{"type":"audio_start"}`))
	for i := 0; i < 3; i++ {
		f.session.HandleSocketMessage(chunkFrame(4410, 44100)) // 100ms each
	}
	f.session.HandleSocketMessage([]byte(`{"type":"audio_end"}`))

	f.player.mu.Lock()
	events := append([]playEvent(nil), f.player.events...)
	f.player.mu.Unlock()

	if len(events) != 3 {
		t.Fatalf("scheduled %d play events, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		prevEnd := events[i-1].at + audio.SampleDuration(events[i-1].samples, events[i-1].rate)
		if events[i].at < prevEnd {
			t.Errorf("chunk %d starts at %v before previous end %v", i, events[i].at, prevEnd)
		}
	}
}

func TestSession_BargeInMidSequence(t *testing.T) {
	f := newFixture(t)
	startFixture(t, f)

	f.session.HandleSocketMessage([]byte(`{"type":"audio_start"}`))
	f.session.HandleSocketMessage(chunkFrame(44100, 44100)) // 1s of audio
	f.session.HandleSocketMessage(chunkFrame(44100, 44100))

	// Three consecutive loud capture frames while playback is active.
	for i := 0; i < 3; i++ {
		if err := f.session.ProcessCapture(loudFrame(4096), 16000); err != nil {
			t.Fatal(err)
		}
	}

	f.player.mu.Lock()
	sources := append([]*fakeSource(nil), f.player.sources...)
	f.player.mu.Unlock()
	for i, src := range sources {
		if !src.Stopped() {
			t.Errorf("source %d still playing after barge-in", i)
		}
	}

	types := f.socket.sentTypes()
	found := false
	for _, typ := range types {
		if typ == "barge_in" {
			found = true
		}
	}
	if !found {
		t.Errorf("barge_in not sent to server; frames = %v", types)
	}
}

func TestSession_FinalizeGatedOnServerStored(t *testing.T) {
	f := newFixture(t)
	startFixture(t, f)

	f.stream.emit(make([]byte, 128)) // one sealed part's worth

	f.session.HandleSocketMessage([]byte(`{
		"type":"negotiation_complete",
		"final_advice":"done",
		"hidden_state":{},
		"transcript":[]
	}`))

	url, err := f.session.Finalize(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	if url == "" {
		t.Error("finalize returned no video url")
	}

	f.uploader.mu.Lock()
	defer f.uploader.mu.Unlock()
	if !f.uploader.complete {
		t.Error("upload never completed")
	}
	if !f.uploader.isPublic {
		t.Error("visibility decision not forwarded")
	}
	if got := f.session.Phase(); got != PhaseEnded {
		t.Errorf("phase = %v, want ended", got)
	}
}

func TestSession_FinalizeProceedsWithoutServerStored(t *testing.T) {
	f := newFixture(t)
	startFixture(t, f)
	f.stream.emit(make([]byte, 128))

	// No negotiation_complete: the bounded wait expires and finalize
	// proceeds anyway.
	start := time.Now()
	if _, err := f.session.Finalize(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("finalize returned in %v, before the bounded wait", elapsed)
	}
}

func TestSession_TeardownRunsOnce(t *testing.T) {
	f := newFixture(t)
	startFixture(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.session.Close()
		}()
	}
	wg.Wait()
	if _, err := f.session.Finalize(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	f.stream.mu.Lock()
	stops := f.stream.stops
	f.stream.mu.Unlock()
	if stops != 1 {
		t.Errorf("stream stopped %d times, want 1", stops)
	}

	f.socket.mu.Lock()
	closes := f.socket.closed
	f.socket.mu.Unlock()
	if closes != 1 {
		t.Errorf("socket closed %d times, want 1", closes)
	}
}

func TestSession_DisconnectKeepsRecordingAlive(t *testing.T) {
	f := newFixture(t)
	startFixture(t, f)

	f.socket.Close()
	f.session.HandleSocketClosed(errors.New("network reset"))

	if !f.session.Disconnected() {
		t.Fatal("session not marked disconnected")
	}

	// Capture ticks no longer transmit, but segments still accumulate.
	if err := f.session.ProcessCapture(loudFrame(1024), 16000); err != nil {
		t.Fatalf("capture tick after disconnect: %v", err)
	}
	f.stream.emit(make([]byte, 128))

	f.session.pipeline.MarkServerStored()
	url, err := f.session.Finalize(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if url == "" {
		t.Error("recording lost after disconnect")
	}
}

func TestSession_FallbackWhenMultipartNeverStarted(t *testing.T) {
	f := newFixture(t)
	f.uploader.startErr = errors.New("backend down")

	var fallbackBytes int
	f.session.fallback = fallbackFunc(func(_ context.Context, _, _ string, body []byte) (string, error) {
		fallbackBytes = len(body)
		return "https://cdn.example.com/fallback.webm", nil
	})

	startFixture(t, f)
	f.stream.emit(make([]byte, 256))

	url, err := f.session.Finalize(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://cdn.example.com/fallback.webm" {
		t.Errorf("url = %q", url)
	}
	if fallbackBytes != 256 {
		t.Errorf("fallback uploaded %d bytes, want the full 256", fallbackBytes)
	}
}

type fallbackFunc func(ctx context.Context, sessionID, contentType string, body []byte) (string, error)

func (f fallbackFunc) UploadSingle(ctx context.Context, sessionID, contentType string, body []byte) (string, error) {
	return f(ctx, sessionID, contentType, body)
}

func TestSession_MalformedFrameSurfacesErrorAndContinues(t *testing.T) {
	f := newFixture(t)
	startFixture(t, f)

	f.session.HandleSocketMessage([]byte(`{{{not json`))

	types := f.eventTypes()
	found := false
	for _, typ := range types {
		if typ == "error" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no error event after malformed frame; events = %v", types)
	}

	// The connection stays usable.
	f.session.HandleSocketMessage([]byte(`{"type":"ready","session_id":"session-1"}`))
	types = f.eventTypes()
	if types[len(types)-1] != "session.ready" {
		t.Errorf("ready not processed after malformed frame; events = %v", types)
	}
}

func TestSession_ServerEventsForwarded(t *testing.T) {
	f := newFixture(t)
	startFixture(t, f)

	f.session.HandleSocketMessage([]byte(`{"type":"opponent_opening","text":"Hello."}`))
	f.session.HandleSocketMessage([]byte(`{"type":"transcription","text":"hi there","is_final":true}`))
	f.session.HandleSocketMessage([]byte(`{"type":"coach_tip","text":"Slow down."}`))

	if !f.session.Thinking() {
		t.Error("final transcription did not flip thinking on")
	}

	f.session.HandleSocketMessage([]byte(`{"type":"audio_start"}`))
	if f.session.Thinking() {
		t.Error("audio_start did not flip thinking off")
	}

	want := map[string]bool{"opponent.text": false, "transcription": false, "coach.tip": false}
	for _, typ := range f.eventTypes() {
		if _, ok := want[typ]; ok {
			want[typ] = true
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Errorf("event %s never emitted", typ)
		}
	}
}

func TestSession_MuteGatesUplink(t *testing.T) {
	f := newFixture(t)
	startFixture(t, f)

	f.session.Mute()
	f.session.ProcessCapture(loudFrame(1024), 16000)

	f.socket.mu.Lock()
	sent := len(f.socket.binary)
	f.socket.mu.Unlock()
	if sent != 0 {
		t.Error("muted session transmitted audio")
	}

	f.session.Unmute()
	f.session.ProcessCapture(loudFrame(1024), 16000)
	f.socket.mu.Lock()
	sent = len(f.socket.binary)
	f.socket.mu.Unlock()
	if sent != 1 {
		t.Errorf("unmuted session sent %d frames, want 1", sent)
	}
}
