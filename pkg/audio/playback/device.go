package playback

import (
	"fmt"
	"log/slog"

	"github.com/gen2brain/malgo"
)

// Device drives an [Engine] from a real output device via miniaudio. It is
// the only piece of the playback path that touches hardware, so the engine
// itself stays testable without a sound card.
type Device struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

// OpenDevice initialises the default output device and starts pulling
// samples from the engine. The caller must Close the device to release it.
func OpenDevice(engine *Engine, log *slog.Logger) (*Device, error) {
	if log == nil {
		log = slog.Default()
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("playback: init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(engine.SampleRate())
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			engine.Read(output)
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("playback: init output device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("playback: start output device: %w", err)
	}

	return &Device{ctx: ctx, device: device}, nil
}

// Close disconnects the render callback and releases the output device.
// Safe to call once; the engine itself is left untouched.
func (d *Device) Close() {
	if d.device != nil {
		d.device.Uninit()
		d.device = nil
	}
	if d.ctx != nil {
		d.ctx.Uninit()
		d.ctx.Free()
		d.ctx = nil
	}
}
