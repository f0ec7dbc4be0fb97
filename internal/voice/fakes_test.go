package voice

import (
	"context"
	"sync"
	"time"

	"github.com/antoniostano/voxd/internal/audio"
	"github.com/antoniostano/voxd/internal/config"
	"github.com/antoniostano/voxd/internal/realtime"
)

// testTiming returns tunables compressed for fast deterministic tests.
func testTiming() config.Timing {
	return config.Timing{
		ResponseStartTimeout: time.Second,
		DefaultAskTimeout:    time.Second,
		NoTranscriptTimeout:  300 * time.Millisecond,
		CapturePollInterval:  5 * time.Millisecond,
		AskDeadline:          2 * time.Second,
		EchoGuardWindow:      40 * time.Millisecond,
		EvidencePreRoll:      60 * time.Millisecond,
		EvidencePostRoll:     300 * time.Millisecond,
		EvidenceThreshold:    500,
		RelaxedThreshold:     300,
		EvidenceRelaxAfter:   200 * time.Millisecond,
		SaySettleDelay:       20 * time.Millisecond,
		SayFallbackDelay:     80 * time.Millisecond,
		DrainPollInterval:    10 * time.Millisecond,
		DrainZeroStreak:      3,
		DrainStallBound:      100 * time.Millisecond,
		SayDeadline:          2 * time.Second,
	}
}

func loudFrame() []byte {
	frame := make([]byte, 480) // 10ms at 24kHz
	for i := 0; i+1 < len(frame); i += 4 {
		frame[i] = 0xe8
		frame[i+1] = 0x03 // 1000
		frame[i+2] = 0x18
		frame[i+3] = 0xfc // -1000
	}
	return frame
}

func quietFrame() []byte { return make([]byte, 480) }

// fakeEngine scripts capture frames and pending-sample readings.
type fakeEngine struct {
	mu sync.Mutex

	started int
	stopped int
	closed  int

	played [][]byte

	// frameFn supplies the processed capture frames for the nth poll.
	frameFn func(poll int) [][]byte
	polls   int
	readErr error

	// pendingSeq scripts successive PendingPlaybackSamples readings; the
	// final value repeats.
	pendingSeq []int
	statsCalls int
}

func (e *fakeEngine) Start() error { e.mu.Lock(); defer e.mu.Unlock(); e.started++; return nil }
func (e *fakeEngine) Stop() error  { e.mu.Lock(); defer e.mu.Unlock(); e.stopped++; return nil }
func (e *fakeEngine) Close() error { e.mu.Lock(); defer e.mu.Unlock(); e.closed++; return nil }

func (e *fakeEngine) Play(pcm []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.played = append(e.played, pcm)
	return nil
}

func (e *fakeEngine) ReadProcessedCapture(int) ([][]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readErr != nil {
		return nil, e.readErr
	}
	poll := e.polls
	e.polls++
	if e.frameFn == nil {
		return nil, nil
	}
	return e.frameFn(poll), nil
}

func (e *fakeEngine) ReadRawCapture(int) ([][]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.readErr != nil {
		return nil, e.readErr
	}
	return nil, nil
}

func (e *fakeEngine) SetStreamDelayMS(int) {}

func (e *fakeEngine) Stats() audio.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.statsCalls
	e.statsCalls++
	if len(e.pendingSeq) == 0 {
		return audio.Stats{}
	}
	if idx >= len(e.pendingSeq) {
		idx = len(e.pendingSeq) - 1
	}
	return audio.Stats{PendingPlaybackSamples: e.pendingSeq[idx]}
}

func (e *fakeEngine) snapshotCounts() (started, stopped, closed int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started, e.stopped, e.closed
}

// fakeSession records outbound traffic and runs a script against the
// orchestrator's callbacks once the message is sent.
type fakeSession struct {
	mu sync.Mutex

	cb     realtime.Callbacks
	script func(cb realtime.Callbacks)

	connectErr error
	sendErr    error
	closed     int
	messages   []string
	audio      [][]byte
}

func (s *fakeSession) Connect(context.Context) error { return s.connectErr }

func (s *fakeSession) SendMessage(text string) error {
	s.mu.Lock()
	s.messages = append(s.messages, text)
	script := s.script
	cb := s.cb
	s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	if script != nil {
		go script(cb)
	}
	return nil
}

func (s *fakeSession) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, pcm)
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) audioFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

func scriptedSession(script func(cb realtime.Callbacks)) (*fakeSession, SessionFactory) {
	session := &fakeSession{script: script}
	factory := func(cb realtime.Callbacks) (realtime.Session, error) {
		session.mu.Lock()
		session.cb = cb
		session.mu.Unlock()
		return session, nil
	}
	return session, factory
}
