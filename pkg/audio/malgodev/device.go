// Package malgodev provides live implementations of [audio.Microphone] and
// [audio.Speaker] on top of miniaudio through github.com/gen2brain/malgo.
//
// Every device owns its own miniaudio context. Call Close when done to
// release it. Capture runs in signed 16-bit PCM at [audio.SpeechFormat], so
// recordings can be uploaded without conversion; playback opens one output
// device per [audio.Sound] in the clip's own format.
package malgodev

import (
	"fmt"
	"time"

	"github.com/MrWong99/tutorvoice/pkg/audio"
	"github.com/gen2brain/malgo"
)

// Driver is the device driver name the live devices are registered under.
const Driver = "live"

// periodMillis is the device callback period.
const periodMillis = 20

// drainDelay lets the last filled periods reach the speaker before the
// output device is stopped.
const drainDelay = 2 * periodMillis * time.Millisecond

// device is the part of *malgo.Device the adapters drive.
type device interface {
	Start() error
	Stop() error
	Uninit()
}

// opener initialises a device in format f whose data callback is data. For
// capture devices data receives input frames; for playback devices it fills
// the output buffer.
type opener func(f audio.Format, data func([]byte)) (device, error)

// backend owns one miniaudio context.
type backend struct {
	ctx *malgo.AllocatedContext
}

func newBackend() (*backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgodev: init context: %w", err)
	}
	return &backend{ctx: ctx}, nil
}

func (b *backend) openCapture(f audio.Format, data func([]byte)) (device, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInMilliseconds = periodMillis

	d, err := malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) { data(in) },
	})
	if err != nil {
		return nil, fmt.Errorf("malgodev: init capture device: %w", err)
	}
	return d, nil
}

func (b *backend) openPlayback(f audio.Format, data func([]byte)) (device, error) {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInMilliseconds = periodMillis

	d, err := malgo.InitDevice(b.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) { data(out) },
	})
	if err != nil {
		return nil, fmt.Errorf("malgodev: init playback device: %w", err)
	}
	return d, nil
}

func (b *backend) close() error {
	err := b.ctx.Uninit()
	b.ctx.Free()
	if err != nil {
		return fmt.Errorf("malgodev: uninit context: %w", err)
	}
	return nil
}

// release stops and uninitialises d.
func release(d device) error {
	err := d.Stop()
	d.Uninit()
	if err != nil {
		return fmt.Errorf("malgodev: stop device: %w", err)
	}
	return nil
}
