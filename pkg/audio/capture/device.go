package capture

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"github.com/gen2brain/malgo"
)

// Device feeds an [Engine] from the default input device via miniaudio.
// The device captures 32-bit float samples so the engine's clamp and
// quantize path sees the raw normalized signal.
type Device struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

// OpenDevice initialises the default microphone and starts pushing samples
// into the engine. The caller must Close the device to release it.
func OpenDevice(engine *Engine, log *slog.Logger) (*Device, error) {
	if log == nil {
		log = slog.Default()
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("capture: init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(engine.SampleRate())
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			samples := make([]float32, frameCount)
			for i := range samples {
				bits := binary.LittleEndian.Uint32(input[i*4:])
				samples[i] = math.Float32frombits(bits)
			}
			engine.Push(samples)
		},
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("capture: init input device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("capture: start input device: %w", err)
	}

	return &Device{ctx: ctx, device: device}, nil
}

// Close releases the capture device. The engine should be stopped first so
// the end-of-stream marker is sent while the session can still accept it.
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
