package audio

import (
	"errors"
	"sync"
	"time"
)

// LoopbackEngine implements Engine with no audio hardware: queued playback
// drains in real time and capture produces silent frames. It backs headless
// daemon runs and tests.
type LoopbackEngine struct {
	opts Options
	core *core

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

func NewLoopbackEngine(opts Options) *LoopbackEngine {
	opts = opts.withDefaults()
	return &LoopbackEngine{opts: opts, core: newCore(opts)}
}

func (e *LoopbackEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("audio engine closed")
	}
	if e.stop != nil {
		return nil
	}
	e.stop = make(chan struct{})
	e.done = make(chan struct{})

	frameBytes := FrameSamples(e.opts.SampleRate) * 2
	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		scratch := make([]byte, frameBytes)
		silence := make([]byte, frameBytes)
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.core.fillPlayback(scratch)
				e.core.captureBytes(silence)
			}
		}
	}(e.stop, e.done)
	return nil
}

func (e *LoopbackEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	return nil
}

func (e *LoopbackEngine) stopLocked() {
	if e.stop != nil {
		close(e.stop)
		<-e.done
		e.stop = nil
		e.done = nil
	}
}

func (e *LoopbackEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	e.closed = true
	return nil
}

func (e *LoopbackEngine) Play(pcm []byte) error {
	return e.core.queuePlayback(pcm)
}

func (e *LoopbackEngine) ReadProcessedCapture(max int) ([][]byte, error) {
	return e.core.popProcessed(max), nil
}

func (e *LoopbackEngine) ReadRawCapture(max int) ([][]byte, error) {
	return e.core.popRaw(max), nil
}

func (e *LoopbackEngine) SetStreamDelayMS(ms int) {
	e.core.setStreamDelay(ms)
}

func (e *LoopbackEngine) Stats() Stats {
	return e.core.snapshot()
}
