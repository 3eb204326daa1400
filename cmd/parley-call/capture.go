package main

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/parleylabs/parley/pkg/core/audio"
	"github.com/parleylabs/parley/pkg/core/uplink"
)

const (
	captureSampleRate = 16000
	captureFrameSize  = 4096
)

// capture owns the microphone device and delivers fixed-size float32
// frames to the session's capture tick.
type capture struct {
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device

	mu  sync.Mutex
	buf []float32
}

// startCapture opens the default microphone at the uplink rate and invokes
// onFrame with every full frame. A failed device open is a media access
// error; the rest of the session keeps running without a microphone.
func startCapture(onFrame func(frame []float32, rate int)) (*capture, error) {
	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, &uplink.MediaAccessError{Device: "microphone", Err: err}
	}

	c := &capture{malgoCtx: malgoCtx}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = captureSampleRate
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			c.push(audio.DecodePCM16(input), onFrame)
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		c.teardownContext()
		return nil, &uplink.MediaAccessError{Device: "microphone", Err: err}
	}
	c.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		c.teardownContext()
		return nil, &uplink.MediaAccessError{Device: "microphone", Err: fmt.Errorf("start: %w", err)}
	}
	return c, nil
}

// push accumulates device samples and emits full fixed-size frames.
func (c *capture) push(samples []float32, onFrame func([]float32, int)) {
	c.mu.Lock()
	c.buf = append(c.buf, samples...)
	var frames [][]float32
	for len(c.buf) >= captureFrameSize {
		frame := make([]float32, captureFrameSize)
		copy(frame, c.buf[:captureFrameSize])
		c.buf = c.buf[captureFrameSize:]
		frames = append(frames, frame)
	}
	c.mu.Unlock()

	for _, frame := range frames {
		onFrame(frame, captureSampleRate)
	}
}

// Close stops the device and releases the audio context.
func (c *capture) Close() {
	if c.device != nil {
		c.device.Uninit()
	}
	c.teardownContext()
}

func (c *capture) teardownContext() {
	if c.malgoCtx != nil {
		_ = c.malgoCtx.Uninit()
		c.malgoCtx.Free()
	}
}
