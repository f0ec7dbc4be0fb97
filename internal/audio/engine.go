package audio

import "math"

const (
	DefaultSampleRate       = 24000
	DefaultStreamDelayMS    = 30
	DefaultMaxCaptureFrames = 400

	// DefaultReadLimit caps a single capture read when the caller passes
	// max <= 0.
	DefaultReadLimit = 64
)

// Engine is the duplex audio device consumed by the orchestrators: queued
// PCM16LE playback on one side, framed microphone capture on the other.
// Implementations must keep Stop recoverable — a stopped engine restarts with
// Start — while Close releases the device for good.
type Engine interface {
	Start() error
	Stop() error
	Close() error
	Play(pcm []byte) error
	ReadProcessedCapture(max int) ([][]byte, error)
	ReadRawCapture(max int) ([][]byte, error)
	SetStreamDelayMS(ms int)
	Stats() Stats
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	CaptureFrames          uint64
	ProcessedFrames        uint64
	PlaybackUnderruns      uint64
	PendingPlaybackSamples int
	DroppedRawFrames       uint64
	DroppedProcessedFrames uint64
}

// Options configures an engine. EnableAEC requests echo-cancelled processed
// capture; StreamDelayMS hints the render-to-capture latency to the
// canceller.
type Options struct {
	SampleRate       int
	EnableAEC        bool
	StreamDelayMS    int
	MaxCaptureFrames int
}

func (o Options) withDefaults() Options {
	if o.SampleRate < 8000 {
		o.SampleRate = DefaultSampleRate
	}
	if o.StreamDelayMS <= 0 {
		o.StreamDelayMS = DefaultStreamDelayMS
	}
	if o.MaxCaptureFrames <= 0 {
		o.MaxCaptureFrames = DefaultMaxCaptureFrames
	}
	return o
}

// FrameSamples returns the samples per capture frame: 10ms of mono audio.
func FrameSamples(sampleRate int) int { return sampleRate / 100 }

// Energy computes the RMS amplitude of a PCM16LE frame. A trailing odd byte
// is ignored.
func Energy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
