package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/antoniostano/voxd/internal/audio"
	"github.com/antoniostano/voxd/internal/config"
	"github.com/antoniostano/voxd/internal/realtime"
)

// SayOptions configures one announce-only turn.
type SayOptions struct {
	Message string
	Timing  config.Timing
	Trace   TraceFunc
}

// say resolves only once playback truly finished: the audio-done event (or
// its fallback after response-done) starts a drain wait on the engine's
// pending sample count, debounced against transient zero reads and bounded
// against a stuck engine.
type say struct {
	engine  audio.Engine
	session realtime.Session
	timing  config.Timing
	tracer  tracer

	mu      sync.Mutex
	settled bool
	cleaned bool
	result  chan error

	audioHeard    bool
	drainStarted  bool
	zeroStreak    int
	lastPending   int
	lastUpdatedAt time.Time

	settleTimer   *time.Timer
	fallbackTimer *time.Timer
	deadlineTimer *time.Timer
	drainStop     chan struct{}
}

// RunSay plays the message to completion. A session error rejects; every
// other path resolves once the engine reports the queued audio drained.
func RunSay(ctx context.Context, engine audio.Engine, newSession SessionFactory, opts SayOptions) error {
	s := &say{
		engine:    engine,
		timing:    opts.Timing,
		tracer:    newTracer(opts.Trace),
		result:    make(chan error, 1),
		drainStop: make(chan struct{}),
	}

	session, err := newSession(realtime.Callbacks{
		OnAudioDelta: s.onAudioDelta,
		OnAudioDone:  s.onAudioDone,
		OnDone:       s.onDone,
		OnError:      s.onSessionError,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	s.session = session

	if err := session.Connect(ctx); err != nil {
		_ = session.Close()
		return err
	}
	if err := engine.Start(); err != nil {
		_ = session.Close()
		return fmt.Errorf("start audio engine: %w", err)
	}

	if err := session.SendMessage(opts.Message); err != nil {
		s.settle(err)
	} else {
		s.tracer.trace("message:sent", "")
		s.mu.Lock()
		s.deadlineTimer = time.AfterFunc(s.timing.SayDeadline, s.onDeadline)
		s.mu.Unlock()
	}

	return <-s.result
}

func (s *say) onAudioDelta(pcm []byte) {
	if err := s.engine.Play(pcm); err != nil {
		s.settle(fmt.Errorf("play assistant audio: %w", err))
		return
	}
	s.mu.Lock()
	first := !s.audioHeard
	s.audioHeard = true
	s.mu.Unlock()
	if first {
		s.tracer.trace("assistant:audio:start", "")
	}
}

// onAudioDone is the primary completion signal: drain begins after a short
// settle delay so trailing deltas still queue.
func (s *say) onAudioDone() {
	s.tracer.trace("assistant:audio:done", "")
	s.mu.Lock()
	if s.settleTimer == nil {
		s.settleTimer = time.AfterFunc(s.timing.SaySettleDelay, s.startDrain)
	}
	s.mu.Unlock()
}

// onDone arms the fallback: when the audio-done event goes missing, drain
// still begins after a longer delay.
func (s *say) onDone() {
	s.tracer.trace("assistant:response:done", "")
	s.mu.Lock()
	if s.fallbackTimer == nil {
		s.fallbackTimer = time.AfterFunc(s.timing.SayFallbackDelay, s.startDrain)
	}
	s.mu.Unlock()
}

func (s *say) onSessionError(err error) {
	s.settle(err)
}

func (s *say) onDeadline() {
	s.tracer.trace("drain:deadline", "")
	s.settle(nil)
}

func (s *say) startDrain() {
	s.mu.Lock()
	if s.drainStarted || s.settled {
		s.mu.Unlock()
		return
	}
	s.drainStarted = true
	s.lastPending = -1
	s.lastUpdatedAt = time.Now()
	s.mu.Unlock()

	s.tracer.trace("drain:start", "")
	go s.drainLoop()
}

func (s *say) drainLoop() {
	ticker := time.NewTicker(s.timing.DrainPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.drainStop:
			return
		case <-ticker.C:
			if !s.pollDrain() {
				return
			}
		}
	}
}

// pollDrain reads the pending sample count once. It reports false when the
// turn settled and the loop should stop.
func (s *say) pollDrain() bool {
	pending := s.engine.Stats().PendingPlaybackSamples
	now := time.Now()

	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return false
	}
	if pending == 0 {
		s.zeroStreak++
	} else {
		s.zeroStreak = 0
	}
	drained := s.zeroStreak >= s.timing.DrainZeroStreak

	if pending != s.lastPending {
		s.lastPending = pending
		s.lastUpdatedAt = now
	}
	// A frozen nonzero count means a stuck engine; treat it as drained
	// rather than hang.
	stalled := pending > 0 && now.Sub(s.lastUpdatedAt) >= s.timing.DrainStallBound
	s.mu.Unlock()

	if drained {
		s.tracer.trace("drain:complete", "")
		s.settle(nil)
		return false
	}
	if stalled {
		s.tracer.trace("drain:stalled", fmt.Sprintf("pending=%d", pending))
		s.settle(nil)
		return false
	}
	return true
}

func (s *say) settle(err error) {
	s.mu.Lock()
	if s.settled {
		s.mu.Unlock()
		return
	}
	s.settled = true
	s.mu.Unlock()

	s.cleanup()
	if err != nil {
		s.tracer.trace("settled", "error: "+err.Error())
	} else {
		s.tracer.trace("settled", "done")
	}
	s.result <- err
}

func (s *say) cleanup() {
	s.mu.Lock()
	if s.cleaned {
		s.mu.Unlock()
		return
	}
	s.cleaned = true
	if s.settleTimer != nil {
		s.settleTimer.Stop()
	}
	if s.fallbackTimer != nil {
		s.fallbackTimer.Stop()
	}
	if s.deadlineTimer != nil {
		s.deadlineTimer.Stop()
	}
	close(s.drainStop)
	s.mu.Unlock()

	_ = s.engine.Stop()
	_ = s.engine.Close()
	_ = s.session.Close()
}
