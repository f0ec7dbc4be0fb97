// Package realtime speaks the cloud realtime speech protocol: one websocket
// session per say/ask turn, PCM16 both directions, server events dispatched
// to caller-owned callbacks.
package realtime

import "context"

// Callbacks receive inbound session events. Nil members are skipped. All
// callbacks fire from the session's single read loop, in server order.
type Callbacks struct {
	OnAudioDelta          func(pcm []byte)
	OnAudioDone           func()
	OnTranscript          func(text string)
	OnSpeechStarted       func()
	OnInitialResponseDone func()
	OnDone                func()
	OnError               func(err error)
}

// Session is the realtime speech session contract the orchestrators consume.
type Session interface {
	Connect(ctx context.Context) error
	SendMessage(text string) error
	SendAudio(pcm []byte) error
	Close() error
}
