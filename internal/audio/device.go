package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// DeviceEngine drives the default capture and playback devices through
// miniaudio as a single duplex stream, so render and capture share one clock
// for echo-cancellation alignment.
type DeviceEngine struct {
	opts Options
	core *core

	mu           sync.Mutex
	audioContext *malgo.AllocatedContext
	device       *malgo.Device
	closed       bool
}

// NewDeviceEngine prepares an engine without touching the devices; Start
// opens them.
func NewDeviceEngine(opts Options) *DeviceEngine {
	opts = opts.withDefaults()
	return &DeviceEngine{opts: opts, core: newCore(opts)}
}

func (e *DeviceEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("audio engine closed")
	}
	if e.device != nil {
		return nil
	}

	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format)

	cfg := malgo.DefaultDeviceConfig(malgo.Duplex)
	cfg.SampleRate = uint32(e.opts.SampleRate)
	cfg.Capture.Format = format
	cfg.Capture.Channels = 1
	cfg.Playback.Format = format
	cfg.Playback.Channels = 1
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency
	cfg.PeriodSizeInFrames = uint32(FrameSamples(e.opts.SampleRate))
	cfg.Periods = 3

	device, err := malgo.InitDevice(audioCtx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if pInput != nil && len(pInput) >= n {
				e.core.captureBytes(pInput[:n])
			}
			if pOutput != nil && len(pOutput) >= n {
				e.core.fillPlayback(pOutput[:n])
			}
		},
	})
	if err != nil {
		_ = audioCtx.Uninit()
		audioCtx.Free()
		return fmt.Errorf("init duplex device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = audioCtx.Uninit()
		audioCtx.Free()
		return fmt.Errorf("start duplex device: %w", err)
	}

	e.audioContext = audioCtx
	e.device = device
	return nil
}

// Stop releases the devices but keeps the engine restartable; queued
// playback and unread capture frames survive.
func (e *DeviceEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	return nil
}

func (e *DeviceEngine) stopLocked() {
	if e.device != nil {
		_ = e.device.Stop()
		e.device.Uninit()
		e.device = nil
	}
	if e.audioContext != nil {
		_ = e.audioContext.Uninit()
		e.audioContext.Free()
		e.audioContext = nil
	}
}

func (e *DeviceEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	e.closed = true
	return nil
}

func (e *DeviceEngine) Play(pcm []byte) error {
	return e.core.queuePlayback(pcm)
}

func (e *DeviceEngine) ReadProcessedCapture(max int) ([][]byte, error) {
	return e.core.popProcessed(max), nil
}

func (e *DeviceEngine) ReadRawCapture(max int) ([][]byte, error) {
	return e.core.popRaw(max), nil
}

func (e *DeviceEngine) SetStreamDelayMS(ms int) {
	e.core.setStreamDelay(ms)
}

func (e *DeviceEngine) Stats() Stats {
	return e.core.snapshot()
}
