package main

import (
	"sync"
	"time"

	"github.com/parleylabs/parley/pkg/core/audio"
)

// The terminal client has no camera, so the composite draws to an offscreen
// surface and the recording carries the audio mix only: microphone plus
// counterpart speech, segmented at the recorder's timeslice.

// offscreenSurface satisfies the recorder's drawing contract without a
// display.
type offscreenSurface struct{}

func (offscreenSurface) Size() (float64, float64)      { return 1280, 720 }
func (offscreenSurface) Clear()                        {}
func (offscreenSurface) DrawCamera(bool)               {}
func (offscreenSurface) FillCircle(_, _, _, _ float64) {}
func (offscreenSurface) StrokeRing(_, _, _, _ float64) {}
func (offscreenSurface) DrawLabel(string)              {}
func (offscreenSurface) DrawBadge()                    {}

// audioTrack is both the mixer and the segmenting stream: mic and TTS
// bytes accumulate into one PCM track, emitted as raw segments at the
// configured timeslice.
type audioTrack struct {
	rate int
	buf  *audio.Buffer

	mu        sync.Mutex
	onSegment func([]byte)
	done      chan struct{}
	running   bool
}

func newAudioTrack(rate int) *audioTrack {
	cfg := audio.Config{SampleRate: rate, Channels: 1, BitsPerSample: 16}
	return &audioTrack{rate: rate, buf: audio.NewBuffer(cfg, 0)}
}

// AddMic appends microphone samples to the track.
func (t *audioTrack) AddMic(samples []float32, sampleRate int) {
	t.append(samples, sampleRate)
}

// AddTTS mixes counterpart audio into the track.
func (t *audioTrack) AddTTS(pcm []byte, sampleRate int) {
	t.append(audio.DecodePCM16(pcm), sampleRate)
}

func (t *audioTrack) append(samples []float32, sampleRate int) {
	if sampleRate != t.rate {
		samples = audio.Resample(samples, sampleRate, t.rate)
	}
	pcm := audio.EncodePCM16(samples)

	t.mu.Lock()
	if t.running {
		t.buf.Write(pcm)
	}
	t.mu.Unlock()
}

// Start begins segment emission at the timeslice.
func (t *audioTrack) Start(timeslice time.Duration, onSegment func([]byte)) error {
	t.mu.Lock()
	t.onSegment = onSegment
	t.running = true
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(timeslice)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				t.flush()
			}
		}
	}()
	return nil
}

// Stop ends emission, flushing the trailing segment first.
func (t *audioTrack) Stop() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.done)
	t.mu.Unlock()

	t.flush()
	return nil
}

func (t *audioTrack) flush() {
	t.mu.Lock()
	segment := t.buf.Read()
	t.buf.Clear()
	cb := t.onSegment
	t.mu.Unlock()

	if len(segment) > 0 && cb != nil {
		cb(segment)
	}
}
