package audio

import (
	"errors"
	"sync"
)

// core holds the device-independent engine bookkeeping: the queued playback
// samples, the 10ms capture frame accumulators, and the capped raw/processed
// frame rings. Device backends feed it from their I/O callbacks.
type core struct {
	mu sync.Mutex

	frameSize        int
	maxCaptureFrames int
	streamDelayMS    int

	playback []int16
	playhead int

	captureAccum []int16
	rawFrames    [][]byte
	procFrames   [][]byte

	stats Stats
}

func newCore(opts Options) *core {
	return &core{
		frameSize:        FrameSamples(opts.SampleRate),
		maxCaptureFrames: opts.MaxCaptureFrames,
		streamDelayMS:    opts.StreamDelayMS,
	}
}

func (c *core) queuePlayback(pcm []byte) error {
	if len(pcm)%2 != 0 {
		return errors.New("play expects 16-bit PCM (even byte length)")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i+1 < len(pcm); i += 2 {
		c.playback = append(c.playback, int16(uint16(pcm[i])|uint16(pcm[i+1])<<8))
	}
	return nil
}

// fillPlayback writes up to len(dst)/2 queued samples into dst as PCM16LE,
// substituting silence and counting an underrun for each missing sample.
func (c *core) fillPlayback(dst []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i+1 < len(dst); i += 2 {
		var s int16
		if c.playhead < len(c.playback) {
			s = c.playback[c.playhead]
			c.playhead++
		} else {
			c.stats.PlaybackUnderruns++
		}
		dst[i] = byte(uint16(s))
		dst[i+1] = byte(uint16(s) >> 8)
	}
	// Reclaim consumed samples once they dominate the backing slice.
	if c.playhead > 4096 && c.playhead*2 > len(c.playback) {
		c.playback = append(c.playback[:0], c.playback[c.playhead:]...)
		c.playhead = 0
	}
}

// captureBytes accumulates device capture samples and cuts complete frames
// into the raw and processed rings.
func (c *core) captureBytes(pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i+1 < len(pcm); i += 2 {
		c.captureAccum = append(c.captureAccum, int16(uint16(pcm[i])|uint16(pcm[i+1])<<8))
	}
	for len(c.captureAccum) >= c.frameSize {
		frame := pcm16Bytes(c.captureAccum[:c.frameSize])
		c.captureAccum = c.captureAccum[c.frameSize:]

		c.stats.CaptureFrames++
		c.rawFrames = pushFrameWithCap(c.rawFrames, frame, c.maxCaptureFrames, &c.stats.DroppedRawFrames)

		// Processed output carries whatever the device-side canceller
		// produced; without one it mirrors the raw frame.
		processed := make([]byte, len(frame))
		copy(processed, frame)
		c.stats.ProcessedFrames++
		c.procFrames = pushFrameWithCap(c.procFrames, processed, c.maxCaptureFrames, &c.stats.DroppedProcessedFrames)
	}
}

func (c *core) popRaw(max int) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	out, c.rawFrames = popFrames(c.rawFrames, max)
	return out
}

func (c *core) popProcessed(max int) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	out, c.procFrames = popFrames(c.procFrames, max)
	return out
}

func (c *core) setStreamDelay(ms int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamDelayMS = ms
}

func (c *core) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.PendingPlaybackSamples = len(c.playback) - c.playhead
	return s
}

func pushFrameWithCap(ring [][]byte, frame []byte, limit int, dropped *uint64) [][]byte {
	if len(ring) >= limit {
		ring = ring[1:]
		*dropped++
	}
	return append(ring, frame)
}

func popFrames(ring [][]byte, max int) (out, rest [][]byte) {
	if max <= 0 {
		max = DefaultReadLimit
	}
	take := max
	if take > len(ring) {
		take = len(ring)
	}
	out = make([][]byte, take)
	copy(out, ring[:take])
	rest = append([][]byte(nil), ring[take:]...)
	return out, rest
}

func pcm16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}
