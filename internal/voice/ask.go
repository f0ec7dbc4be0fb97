package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/antoniostano/voxd/internal/audio"
	"github.com/antoniostano/voxd/internal/config"
	"github.com/antoniostano/voxd/internal/realtime"
)

// SessionFactory builds a realtime session wired to the orchestrator's
// callbacks. The daemon binds it to the cloud client; tests bind scripted
// fakes.
type SessionFactory func(cb realtime.Callbacks) (realtime.Session, error)

// AskOptions configures one question/answer turn.
type AskOptions struct {
	Message string
	// Timeout is the no-speech timeout, armed once the assistant's reply
	// finishes playing.
	Timeout time.Duration
	// Ack stages the transcript until the session's terminal completion
	// event instead of resolving on arrival.
	Ack    bool
	Timing config.Timing
	Trace  TraceFunc
}

type askOutcome struct {
	transcript string
	err        error
}

// ask is the per-invocation state record. Timers, session callbacks and the
// capture poll all race toward a single settled outcome; the settled and
// cleaned gates make whichever wins terminate the turn exactly once.
type ask struct {
	engine  audio.Engine
	session realtime.Session
	opts    AskOptions
	timing  config.Timing
	tracer  tracer

	mu      sync.Mutex
	settled bool
	cleaned bool
	result  chan askOutcome

	speechDetected       bool
	speechStartedAt      time.Time
	evidenceSeen         bool
	evidenceAt           time.Time
	evidenceConfirmed    bool
	assistantAudioHeard  bool
	lastAssistantAudioAt time.Time
	initialResponseDone  bool
	stagedTranscript     string
	hasStaged            bool

	deadline time.Duration

	responseStartTimer *time.Timer
	noSpeechTimer      *time.Timer
	noTranscriptTimer  *time.Timer
	ackResolveTimer    *time.Timer
	deadlineTimer      *time.Timer
	captureStop        chan struct{}
}

// RunAsk speaks the message, captures the reply, and returns the transcript.
// It settles exactly once: a transcript surviving the echo guard and the
// near-end evidence check, or a distinct timeout/error.
func RunAsk(ctx context.Context, engine audio.Engine, newSession SessionFactory, opts AskOptions) (string, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = opts.Timing.DefaultAskTimeout
	}
	a := &ask{
		engine:      engine,
		opts:        opts,
		timing:      opts.Timing,
		tracer:      newTracer(opts.Trace),
		result:      make(chan askOutcome, 1),
		captureStop: make(chan struct{}),
	}

	session, err := newSession(realtime.Callbacks{
		OnAudioDelta:          a.onAudioDelta,
		OnAudioDone:           func() { a.tracer.trace("assistant:audio:done", "") },
		OnTranscript:          a.onTranscript,
		OnSpeechStarted:       a.onSpeechStarted,
		OnInitialResponseDone: a.onInitialResponseDone,
		OnDone:                a.onDone,
		OnError:               a.onSessionError,
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	a.session = session

	if err := session.Connect(ctx); err != nil {
		_ = session.Close()
		return "", err
	}
	if err := engine.Start(); err != nil {
		_ = session.Close()
		return "", fmt.Errorf("start audio engine: %w", err)
	}

	if err := session.SendMessage(opts.Message); err != nil {
		a.settle("", err)
	} else {
		a.tracer.trace("message:sent", "")
		a.mu.Lock()
		a.responseStartTimer = time.AfterFunc(a.timing.ResponseStartTimeout, a.onResponseStartTimeout)
		// Absolute bound on the whole turn: whatever phase stalls on a
		// live-but-silent session, the turn still terminates. The bound
		// never undercuts the phase timers a caller stretched.
		a.deadline = a.timing.AskDeadline
		if floor := opts.Timeout + a.timing.ResponseStartTimeout + a.timing.NoTranscriptTimeout; a.deadline < floor {
			a.deadline = floor
		}
		a.deadlineTimer = time.AfterFunc(a.deadline, a.onDeadline)
		a.mu.Unlock()
		go a.capturePollLoop()
	}

	out := <-a.result
	return out.transcript, out.err
}

func (a *ask) onAudioDelta(pcm []byte) {
	if err := a.engine.Play(pcm); err != nil {
		a.settle("", fmt.Errorf("play assistant audio: %w", err))
		return
	}
	a.mu.Lock()
	first := !a.assistantAudioHeard
	a.assistantAudioHeard = true
	a.lastAssistantAudioAt = time.Now()
	if first && a.responseStartTimer != nil {
		a.responseStartTimer.Stop()
	}
	a.mu.Unlock()
	if first {
		a.tracer.trace("assistant:audio:start", "")
	}
}

func (a *ask) onInitialResponseDone() {
	a.mu.Lock()
	a.initialResponseDone = true
	if !a.speechDetected && a.noSpeechTimer == nil {
		a.noSpeechTimer = time.AfterFunc(a.opts.Timeout, a.onNoSpeechTimeout)
	}
	a.mu.Unlock()
	a.tracer.trace("assistant:response:done", "")
}

func (a *ask) onSpeechStarted() {
	a.mu.Lock()
	a.speechDetected = true
	a.speechStartedAt = time.Now()
	if a.noSpeechTimer != nil {
		a.noSpeechTimer.Stop()
	}
	// Re-armed on every detection: the user may false-start.
	if a.noTranscriptTimer != nil {
		a.noTranscriptTimer.Stop()
	}
	a.noTranscriptTimer = time.AfterFunc(a.timing.NoTranscriptTimeout, a.onNoTranscriptTimeout)

	// Pre-roll: evidence just before the speech-started event confirms it.
	confirmed := false
	if a.evidenceSeen && !a.evidenceConfirmed &&
		!a.evidenceAt.Before(a.speechStartedAt.Add(-a.timing.EvidencePreRoll)) {
		a.evidenceConfirmed = true
		confirmed = true
	}
	a.mu.Unlock()

	a.tracer.trace("speech:started", "")
	if confirmed {
		a.tracer.trace("evidence:confirmed", "pre-roll")
	}
}

func (a *ask) onTranscript(text string) {
	now := time.Now()
	a.mu.Lock()
	if a.assistantAudioHeard && now.Sub(a.lastAssistantAudioAt) < a.timing.EchoGuardWindow {
		a.mu.Unlock()
		a.tracer.trace("transcript:discarded", "echo guard")
		return
	}
	if a.speechDetected && !a.evidenceConfirmed {
		a.mu.Unlock()
		a.tracer.trace("transcript:discarded", "no near-end evidence")
		return
	}
	if a.noTranscriptTimer != nil {
		a.noTranscriptTimer.Stop()
	}
	if a.opts.Ack {
		a.stagedTranscript = text
		a.hasStaged = true
		// Bounded wait for the acknowledgement: a missing completion
		// event must not hold a perfectly good transcript hostage.
		if a.ackResolveTimer == nil {
			a.ackResolveTimer = time.AfterFunc(a.timing.NoTranscriptTimeout, a.onAckResolve)
		}
		a.mu.Unlock()
		a.tracer.trace("transcript:staged", "")
		return
	}
	a.mu.Unlock()
	a.tracer.trace("transcript:accepted", "")
	a.settle(text, nil)
}

func (a *ask) onDone() {
	a.mu.Lock()
	staged := a.hasStaged
	text := a.stagedTranscript
	a.mu.Unlock()
	if staged {
		a.tracer.trace("transcript:accepted", "ack")
		a.settle(text, nil)
	}
}

func (a *ask) onAckResolve() {
	a.mu.Lock()
	staged := a.hasStaged
	text := a.stagedTranscript
	a.mu.Unlock()
	if staged {
		a.tracer.trace("transcript:accepted", "ack wait elapsed")
		a.settle(text, nil)
	}
}

func (a *ask) onDeadline() {
	a.mu.Lock()
	staged := a.hasStaged
	text := a.stagedTranscript
	bound := a.deadline
	a.mu.Unlock()
	if staged {
		a.tracer.trace("transcript:accepted", "deadline")
		a.settle(text, nil)
		return
	}
	a.tracer.trace("timeout:deadline", "")
	a.settle("", fmt.Errorf("Ask did not complete within %ss deadline",
		formatSeconds(bound)))
}

func (a *ask) onSessionError(err error) {
	a.settle("", err)
}

func (a *ask) onResponseStartTimeout() {
	a.mu.Lock()
	heard := a.assistantAudioHeard
	a.mu.Unlock()
	if heard {
		return
	}
	a.tracer.trace("timeout:response-start", "")
	a.settle("", errors.New("No assistant audio received after sending message"))
}

func (a *ask) onNoSpeechTimeout() {
	a.mu.Lock()
	detected := a.speechDetected
	a.mu.Unlock()
	if detected {
		return
	}
	a.tracer.trace("timeout:no-speech", "")
	a.settle("", fmt.Errorf("No speech detected within %ss timeout", formatSeconds(a.opts.Timeout)))
}

func (a *ask) onNoTranscriptTimeout() {
	a.tracer.trace("timeout:no-transcript", "")
	a.settle("", fmt.Errorf("No transcript received within %ss after speech detection",
		formatSeconds(a.timing.NoTranscriptTimeout)))
}

func (a *ask) capturePollLoop() {
	ticker := time.NewTicker(a.timing.CapturePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.captureStop:
			return
		case <-ticker.C:
			if !a.pollCapture() {
				return
			}
		}
	}
}

// pollCapture drains the engine once. It reports false when the turn has
// settled and the loop should stop.
func (a *ask) pollCapture() bool {
	// Raw frames are drained so the engine's ring never saturates.
	if _, err := a.engine.ReadRawCapture(0); err != nil {
		a.settle("", fmt.Errorf("capture read failure: %w", err))
		return false
	}
	frames, err := a.engine.ReadProcessedCapture(0)
	if err != nil {
		a.settle("", fmt.Errorf("capture read failure: %w", err))
		return false
	}

	now := time.Now()
	a.mu.Lock()
	if a.settled {
		a.mu.Unlock()
		return false
	}
	forward := a.assistantAudioHeard
	confirmed := false
	for _, frame := range frames {
		threshold := a.timing.EvidenceThreshold
		if a.speechDetected && now.Sub(a.speechStartedAt) > a.timing.EvidenceRelaxAfter {
			// Natural volume decays over a long answer; tolerate it.
			threshold = a.timing.RelaxedThreshold
		}
		if audio.Energy(frame) < threshold {
			continue
		}
		a.evidenceSeen = true
		a.evidenceAt = now
		if a.speechDetected && !a.evidenceConfirmed &&
			!now.After(a.speechStartedAt.Add(a.timing.EvidencePostRoll)) {
			a.evidenceConfirmed = true
			confirmed = true
		}
	}
	a.mu.Unlock()

	if confirmed {
		a.tracer.trace("evidence:confirmed", "post-roll")
	}
	if forward {
		for _, frame := range frames {
			if err := a.session.SendAudio(frame); err != nil {
				a.settle("", fmt.Errorf("forward capture: %w", err))
				return false
			}
		}
	}
	return true
}

func (a *ask) settle(transcript string, err error) {
	a.mu.Lock()
	if a.settled {
		a.mu.Unlock()
		return
	}
	a.settled = true
	a.mu.Unlock()

	a.cleanup()
	if err != nil {
		a.tracer.trace("settled", "error: "+err.Error())
	} else {
		a.tracer.trace("settled", "transcript")
	}
	a.result <- askOutcome{transcript: transcript, err: err}
}

func (a *ask) cleanup() {
	a.mu.Lock()
	if a.cleaned {
		a.mu.Unlock()
		return
	}
	a.cleaned = true
	if a.responseStartTimer != nil {
		a.responseStartTimer.Stop()
	}
	if a.noSpeechTimer != nil {
		a.noSpeechTimer.Stop()
	}
	if a.noTranscriptTimer != nil {
		a.noTranscriptTimer.Stop()
	}
	if a.ackResolveTimer != nil {
		a.ackResolveTimer.Stop()
	}
	if a.deadlineTimer != nil {
		a.deadlineTimer.Stop()
	}
	close(a.captureStop)
	a.mu.Unlock()

	_ = a.engine.Stop()
	_ = a.engine.Close()
	_ = a.session.Close()
}
