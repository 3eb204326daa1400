package uplink

import (
	"errors"
	"sync"
	"testing"

	"github.com/parleylabs/parley/pkg/core/audio"
)

type fakeSender struct {
	mu     sync.Mutex
	open   bool
	frames [][]byte
	err    error
}

func (s *fakeSender) SendBinary(data []byte) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.frames = append(s.frames, cp)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) IsOpen() bool { return s.open }

func (s *fakeSender) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func frame(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 0.5
	}
	return out
}

func TestUplink_TransmitsResampledPCM16(t *testing.T) {
	sender := &fakeSender{open: true}
	u := NewUplink(DefaultConfig(), sender)

	if err := u.ProcessTick(frame(4096), 48000); err != nil {
		t.Fatal(err)
	}
	if sender.sent() != 1 {
		t.Fatalf("sent %d frames, want 1", sender.sent())
	}

	wantSamples := len(audio.Resample(frame(4096), 48000, 16000))
	if got := len(sender.frames[0]); got != wantSamples*2 {
		t.Errorf("frame is %d bytes, want %d (PCM16 of resampled output)", got, wantSamples*2)
	}
}

func TestUplink_GatedWhenMuted(t *testing.T) {
	sender := &fakeSender{open: true}
	u := NewUplink(DefaultConfig(), sender)

	u.Mute()
	if err := u.ProcessTick(frame(1024), 16000); err != nil {
		t.Fatal(err)
	}
	if sender.sent() != 0 {
		t.Error("muted uplink transmitted")
	}

	u.Unmute()
	if err := u.ProcessTick(frame(1024), 16000); err != nil {
		t.Fatal(err)
	}
	if sender.sent() != 1 {
		t.Error("unmuted uplink did not transmit")
	}
}

func TestUplink_GatedWhenSocketClosed(t *testing.T) {
	sender := &fakeSender{open: false}
	u := NewUplink(DefaultConfig(), sender)

	if err := u.ProcessTick(frame(1024), 16000); err != nil {
		t.Fatal(err)
	}
	if sender.sent() != 0 {
		t.Error("uplink transmitted on a closed socket")
	}
}

func TestUplink_MonitorSeesRawFrames(t *testing.T) {
	sender := &fakeSender{open: true}
	var monitored [][]float32
	u := NewUplink(DefaultConfig(), sender, WithMonitor(func(f []float32) {
		monitored = append(monitored, f)
	}))

	raw := frame(4096)
	if err := u.ProcessTick(raw, 48000); err != nil {
		t.Fatal(err)
	}
	if len(monitored) != 1 {
		t.Fatalf("monitor saw %d frames, want 1", len(monitored))
	}
	if len(monitored[0]) != len(raw) {
		t.Errorf("monitor frame has %d samples, want the raw %d", len(monitored[0]), len(raw))
	}
}

func TestUplink_MonitorGatingWhileMuted(t *testing.T) {
	tests := []struct {
		name              string
		monitorWhileMuted bool
		want              int
	}{
		{"monitor stops with mute by default", false, 0},
		{"monitor continues when configured", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MonitorWhileMuted = tt.monitorWhileMuted
			calls := 0
			u := NewUplink(cfg, &fakeSender{open: true}, WithMonitor(func([]float32) {
				calls++
			}))

			u.Mute()
			if err := u.ProcessTick(frame(1024), 16000); err != nil {
				t.Fatal(err)
			}
			if calls != tt.want {
				t.Errorf("monitor called %d times, want %d", calls, tt.want)
			}
		})
	}
}

func TestUplink_SendFailureIsTransportError(t *testing.T) {
	sender := &fakeSender{open: true, err: errors.New("broken pipe")}
	u := NewUplink(DefaultConfig(), sender)

	err := u.ProcessTick(frame(1024), 16000)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want *TransportError", err)
	}
}

func TestUplink_EmptyTickIgnored(t *testing.T) {
	sender := &fakeSender{open: true}
	u := NewUplink(DefaultConfig(), sender)
	if err := u.ProcessTick(nil, 16000); err != nil {
		t.Fatal(err)
	}
	if err := u.ProcessTick(frame(10), 0); err != nil {
		t.Fatal(err)
	}
	if sender.sent() != 0 {
		t.Error("degenerate ticks transmitted")
	}
}
