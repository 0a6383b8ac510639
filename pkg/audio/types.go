package audio

import "time"

// Format describes the sample rate and channel count of 16-bit PCM audio.
type Format struct {
	// SampleRate in Hz (e.g., 16000 for speech uploads).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int
}

// SpeechFormat is the format utterances are uploaded in.
var SpeechFormat = Format{SampleRate: 16000, Channels: 1}

// BytesPerSecond returns the PCM16 byte rate of f.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns how long n bytes of PCM16 audio in format f last.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Capture is the audio recorded between a microphone start and stop.
type Capture struct {
	// Data is the encoded recording (WAV container for the built-in devices).
	Data []byte

	// Format is the PCM format inside Data.
	Format Format

	// Filename is the name the recording is uploaded under.
	Filename string

	// Length is the recorded duration as measured by the device.
	Length time.Duration
}

// BytesFor returns the frame-aligned number of PCM16 bytes in format f that
// cover d.
func (f Format) BytesFor(d time.Duration) int {
	frame := f.Channels * 2
	if frame <= 0 || d <= 0 {
		return 0
	}
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%frame
}
