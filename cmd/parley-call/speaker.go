package main

import (
	"bytes"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/parleylabs/parley/pkg/core/audio"
	"github.com/parleylabs/parley/pkg/core/playback"
)

const speakerSampleRate = 44100

// speaker adapts the oto output device to the playback scheduler: it is
// both the playback clock (time since the device came up) and the player.
type speaker struct {
	ctx   *oto.Context
	epoch time.Time
}

func newSpeaker() (*speaker, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   speakerSampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		// ~100ms buffer keeps latency low without glitching.
		BufferSize: speakerSampleRate / 10 * 2,
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, err
	}
	<-ready
	return &speaker{ctx: ctx, epoch: time.Now()}, nil
}

// Now returns the position on the playback timeline.
func (s *speaker) Now() time.Duration {
	return time.Since(s.epoch)
}

// Play schedules samples to start at the given clock position. Chunks in
// the past start immediately.
func (s *speaker) Play(samples []float32, sampleRate int, at time.Duration) (playback.Source, error) {
	if sampleRate != speakerSampleRate {
		samples = audio.Resample(samples, sampleRate, speakerSampleRate)
	}
	pcm := audio.EncodePCM16(samples)

	src := &speakerSource{player: s.ctx.NewPlayer(bytes.NewReader(pcm))}
	delay := at - s.Now()
	if delay <= 0 {
		src.player.Play()
		return src, nil
	}
	src.timer = time.AfterFunc(delay, src.start)
	return src, nil
}

type speakerSource struct {
	mu      sync.Mutex
	player  *oto.Player
	timer   *time.Timer
	stopped bool
}

func (s *speakerSource) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.player.Play()
}

// Stop halts the source immediately and releases it.
func (s *speakerSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.player.Pause()
	_ = s.player.Close()
}
