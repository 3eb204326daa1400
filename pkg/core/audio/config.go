package audio

import "time"

// Standard rates used by the pipeline.
const (
	// UplinkSampleRate is the rate expected by the speech pipeline:
	// 16 kHz mono PCM16.
	UplinkSampleRate = 16000

	// DownlinkSampleRate is the rate of synthesized counterpart audio
	// arriving over the socket.
	DownlinkSampleRate = 44100
)

// Config specifies audio format parameters.
type Config struct {
	// SampleRate in Hz. Common values: 16000, 24000, 44100, 48000.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `yaml:"channels" json:"channels"`

	// BitsPerSample: typically 16 for PCM.
	BitsPerSample int `yaml:"bits_per_sample" json:"bits_per_sample"`
}

// DefaultConfig returns the uplink audio configuration.
func DefaultConfig() Config {
	return Config{
		SampleRate:    UplinkSampleRate,
		Channels:      1,
		BitsPerSample: 16,
	}
}

// BytesPerSecond returns the audio byte rate.
func (c Config) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// Duration returns the playback duration of the given byte count.
func (c Config) Duration(bytes int) time.Duration {
	bps := c.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(bytes) * time.Second / time.Duration(bps)
}

// BytesFor returns the byte count for the given duration.
func (c Config) BytesFor(d time.Duration) int {
	return int(int64(c.BytesPerSecond()) * int64(d) / int64(time.Second))
}

// SampleDuration returns the playback duration of n samples at the given rate.
func SampleDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}
