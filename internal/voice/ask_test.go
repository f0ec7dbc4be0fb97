package voice

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/antoniostano/voxd/internal/realtime"
)

func TestAskResolvesTranscript(t *testing.T) {
	engine := &fakeEngine{frameFn: func(int) [][]byte { return [][]byte{loudFrame()} }}
	timing := testTiming()

	session, factory := scriptedSession(func(cb realtime.Callbacks) {
		cb.OnAudioDelta([]byte{1, 0})
		cb.OnInitialResponseDone()
		time.Sleep(timing.EchoGuardWindow + 20*time.Millisecond)
		cb.OnSpeechStarted()
		time.Sleep(50 * time.Millisecond) // capture polls confirm evidence
		cb.OnTranscript("sure, go ahead")
	})

	transcript, err := RunAsk(context.Background(), engine, factory, AskOptions{
		Message: "may I?",
		Timing:  timing,
	})
	if err != nil {
		t.Fatalf("RunAsk() error = %v", err)
	}
	if transcript != "sure, go ahead" {
		t.Fatalf("transcript = %q, want %q", transcript, "sure, go ahead")
	}

	if session.audioFrames() == 0 {
		t.Fatal("no capture frames forwarded to session after assistant audio")
	}
	started, stopped, closed := engine.snapshotCounts()
	if started != 1 || stopped != 1 || closed != 1 {
		t.Fatalf("engine lifecycle = start %d / stop %d / close %d, want 1/1/1", started, stopped, closed)
	}
	if session.closeCount() != 1 {
		t.Fatalf("session closed %d times, want 1", session.closeCount())
	}
}

func TestAskNoSpeechTimeoutMessage(t *testing.T) {
	engine := &fakeEngine{frameFn: func(int) [][]byte { return [][]byte{quietFrame()} }}

	_, factory := scriptedSession(func(cb realtime.Callbacks) {
		cb.OnAudioDelta([]byte{1, 0})
		cb.OnInitialResponseDone()
		// No speech ever detected.
	})

	_, err := RunAsk(context.Background(), engine, factory, AskOptions{
		Message: "anyone there?",
		Timeout: 200 * time.Millisecond,
		Timing:  testTiming(),
	})
	if err == nil {
		t.Fatal("RunAsk() resolved without speech")
	}
	if err.Error() != "No speech detected within 0.2s timeout" {
		t.Fatalf("error = %q, want %q", err.Error(), "No speech detected within 0.2s timeout")
	}
}

func TestAskEchoGuardDiscardsLeakedTranscript(t *testing.T) {
	engine := &fakeEngine{frameFn: func(int) [][]byte { return [][]byte{quietFrame()} }}

	_, factory := scriptedSession(func(cb realtime.Callbacks) {
		cb.OnAudioDelta([]byte{1, 0})
		cb.OnInitialResponseDone()
		// Leaked playback transcribed right after the last audio chunk.
		cb.OnTranscript("may I?")
	})

	_, err := RunAsk(context.Background(), engine, factory, AskOptions{
		Message: "may I?",
		Timeout: 200 * time.Millisecond,
		Timing:  testTiming(),
	})
	if err == nil {
		t.Fatal("RunAsk() accepted a transcript inside the echo guard window")
	}
	if !strings.Contains(err.Error(), "No speech detected") {
		t.Fatalf("error = %q, want the no-speech timeout", err.Error())
	}
}

func TestAskUnconfirmedEvidenceDiscardsTranscript(t *testing.T) {
	// Mic stays quiet: a speech-started with no near-end evidence is a
	// false barge-in, so the transcript must not be trusted.
	engine := &fakeEngine{frameFn: func(int) [][]byte { return [][]byte{quietFrame()} }}
	timing := testTiming()

	_, factory := scriptedSession(func(cb realtime.Callbacks) {
		cb.OnAudioDelta([]byte{1, 0})
		cb.OnInitialResponseDone()
		time.Sleep(timing.EchoGuardWindow + 20*time.Millisecond)
		cb.OnSpeechStarted()
		time.Sleep(timing.EchoGuardWindow + 20*time.Millisecond)
		cb.OnTranscript("ghost words")
	})

	_, err := RunAsk(context.Background(), engine, factory, AskOptions{
		Message: "hello?",
		Timing:  timing,
	})
	if err == nil {
		t.Fatal("RunAsk() accepted a transcript without near-end evidence")
	}
	if !strings.Contains(err.Error(), "No transcript received") {
		t.Fatalf("error = %q, want the no-transcript timeout", err.Error())
	}
}

func TestAskPreRollEvidenceConfirmsTurn(t *testing.T) {
	timing := testTiming()
	// Loud frames only during the first polls, before speech-started; the
	// pre-roll window must still confirm the turn.
	engine := &fakeEngine{frameFn: func(poll int) [][]byte {
		if poll < 4 {
			return [][]byte{loudFrame()}
		}
		return [][]byte{quietFrame()}
	}}

	_, factory := scriptedSession(func(cb realtime.Callbacks) {
		cb.OnAudioDelta([]byte{1, 0})
		cb.OnInitialResponseDone()
		time.Sleep(timing.EvidencePreRoll / 2)
		cb.OnSpeechStarted()
		time.Sleep(timing.EchoGuardWindow + 20*time.Millisecond)
		cb.OnTranscript("early bird")
	})

	transcript, err := RunAsk(context.Background(), engine, factory, AskOptions{
		Message: "quick question",
		Timing:  timing,
	})
	if err != nil {
		t.Fatalf("RunAsk() error = %v", err)
	}
	if transcript != "early bird" {
		t.Fatalf("transcript = %q, want %q", transcript, "early bird")
	}
}

func TestAskAckModeStagesUntilDone(t *testing.T) {
	engine := &fakeEngine{frameFn: func(int) [][]byte { return [][]byte{loudFrame()} }}
	timing := testTiming()

	resolvedEarly := make(chan struct{})
	_, factory := scriptedSession(func(cb realtime.Callbacks) {
		cb.OnAudioDelta([]byte{1, 0})
		cb.OnInitialResponseDone()
		time.Sleep(timing.EchoGuardWindow + 20*time.Millisecond)
		cb.OnSpeechStarted()
		time.Sleep(50 * time.Millisecond)
		cb.OnTranscript("confirmed")
		select {
		case <-resolvedEarly:
			// RunAsk already returned; failure is asserted below.
		case <-time.After(60 * time.Millisecond):
		}
		cb.OnDone()
	})

	start := time.Now()
	transcript, err := RunAsk(context.Background(), engine, factory, AskOptions{
		Message: "confirm?",
		Ack:     true,
		Timing:  timing,
	})
	close(resolvedEarly)
	if err != nil {
		t.Fatalf("RunAsk() error = %v", err)
	}
	if transcript != "confirmed" {
		t.Fatalf("transcript = %q, want %q", transcript, "confirmed")
	}
	// Staged transcript must wait for the terminal completion event.
	if elapsed := time.Since(start); elapsed < timing.EchoGuardWindow+100*time.Millisecond {
		t.Fatalf("ack resolution after %v, want it held until OnDone", elapsed)
	}
}

func TestAskAckResolvesWhenCompletionNeverArrives(t *testing.T) {
	engine := &fakeEngine{frameFn: func(int) [][]byte { return [][]byte{loudFrame()} }}
	timing := testTiming()

	// The completion event never arrives: the staged transcript must still
	// come back after the bounded ack wait instead of parking the turn.
	_, factory := scriptedSession(func(cb realtime.Callbacks) {
		cb.OnAudioDelta([]byte{1, 0})
		cb.OnInitialResponseDone()
		time.Sleep(timing.EchoGuardWindow + 20*time.Millisecond)
		cb.OnSpeechStarted()
		time.Sleep(50 * time.Millisecond)
		cb.OnTranscript("confirmed")
	})

	start := time.Now()
	transcript, err := RunAsk(context.Background(), engine, factory, AskOptions{
		Message: "confirm?",
		Ack:     true,
		Timing:  timing,
	})
	if err != nil {
		t.Fatalf("RunAsk() error = %v", err)
	}
	if transcript != "confirmed" {
		t.Fatalf("transcript = %q, want %q", transcript, "confirmed")
	}
	if elapsed := time.Since(start); elapsed >= timing.AskDeadline {
		t.Fatalf("ack resolution after %v, want it bounded well under the %v deadline",
			elapsed, timing.AskDeadline)
	}
}

func TestAskDeadlineBoundsSilentTurn(t *testing.T) {
	engine := &fakeEngine{}
	timing := testTiming()
	timing.AskDeadline = 300 * time.Millisecond
	timing.ResponseStartTimeout = 50 * time.Millisecond
	timing.NoTranscriptTimeout = 100 * time.Millisecond

	// Audio arrives so the response-start timer stops, then the session
	// goes silent without ever signalling the response finished: no phase
	// timer is armed and only the absolute deadline can end the turn.
	_, factory := scriptedSession(func(cb realtime.Callbacks) {
		cb.OnAudioDelta([]byte{1, 0})
	})

	start := time.Now()
	_, err := RunAsk(context.Background(), engine, factory, AskOptions{
		Message: "anyone there?",
		Timeout: 100 * time.Millisecond,
		Timing:  timing,
	})
	if err == nil || !strings.Contains(err.Error(), "Ask did not complete within 0.3s deadline") {
		t.Fatalf("error = %v, want the absolute deadline error", err)
	}
	if elapsed := time.Since(start); elapsed < timing.AskDeadline {
		t.Fatalf("settled after %v, before the %v deadline", elapsed, timing.AskDeadline)
	}
}

func TestAskNoAssistantAudioTimeout(t *testing.T) {
	engine := &fakeEngine{}
	timing := testTiming()
	timing.ResponseStartTimeout = 60 * time.Millisecond

	_, factory := scriptedSession(nil)

	_, err := RunAsk(context.Background(), engine, factory, AskOptions{
		Message: "hello",
		Timing:  timing,
	})
	if err == nil {
		t.Fatal("RunAsk() resolved without assistant audio")
	}
	if err.Error() != "No assistant audio received after sending message" {
		t.Fatalf("error = %q", err.Error())
	}
}

func TestAskSettlesExactlyOnceUnderCompetingEvents(t *testing.T) {
	engine := &fakeEngine{frameFn: func(int) [][]byte { return [][]byte{loudFrame()} }}
	timing := testTiming()

	session, factory := scriptedSession(func(cb realtime.Callbacks) {
		cb.OnAudioDelta([]byte{1, 0})
		cb.OnInitialResponseDone()
		time.Sleep(timing.EchoGuardWindow + 20*time.Millisecond)
		cb.OnSpeechStarted()
		time.Sleep(50 * time.Millisecond)
		// Race a transcript against a session error.
		go cb.OnTranscript("winner")
		go cb.OnError(errors.New("loser"))
	})

	_, err := RunAsk(context.Background(), engine, factory, AskOptions{
		Message: "race",
		Timing:  timing,
	})
	_ = err // either outcome is legal; the invariant is single settle/cleanup

	time.Sleep(50 * time.Millisecond) // let the losing event finish
	_, stopped, closed := engine.snapshotCounts()
	if stopped != 1 || closed != 1 {
		t.Fatalf("engine cleanup ran stop %d / close %d times, want 1/1", stopped, closed)
	}
	if session.closeCount() != 1 {
		t.Fatalf("session closed %d times, want 1", session.closeCount())
	}
}

func TestAskCaptureReadFailure(t *testing.T) {
	engine := &fakeEngine{readErr: errors.New("device gone")}

	_, factory := scriptedSession(func(cb realtime.Callbacks) {
		cb.OnAudioDelta([]byte{1, 0})
		cb.OnInitialResponseDone()
	})

	_, err := RunAsk(context.Background(), engine, factory, AskOptions{
		Message: "hello",
		Timing:  testTiming(),
	})
	if err == nil {
		t.Fatal("RunAsk() resolved despite capture failure")
	}
	if !strings.Contains(err.Error(), "capture read failure") {
		t.Fatalf("error = %q, want capture read failure", err.Error())
	}
}

func TestAskSessionErrorRejects(t *testing.T) {
	engine := &fakeEngine{}

	_, factory := scriptedSession(func(cb realtime.Callbacks) {
		cb.OnError(errors.New("connection reset"))
	})

	_, err := RunAsk(context.Background(), engine, factory, AskOptions{
		Message: "hello",
		Timing:  testTiming(),
	})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("error = %v, want propagated session error", err)
	}
}
