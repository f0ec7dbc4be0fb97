package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config selects the realtime endpoint, model and voice for one session.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
	// EnableCapture turns on server-side voice activity detection and input
	// transcription; say-only sessions leave it off.
	EnableCapture bool
	// CreateAckResponse lets the server speak a short acknowledgement after
	// the user's reply (ask ack mode).
	CreateAckResponse bool
}

// OpenAISession is a realtime API session over a websocket.
type OpenAISession struct {
	cfg Config
	cb  Callbacks

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	sawResponseDone bool
}

func NewOpenAISession(cfg Config, cb Callbacks) *OpenAISession {
	return &OpenAISession{cfg: cfg, cb: cb}
}

// Connect dials the endpoint, configures the session and starts the read
// loop. It returns once the session accepts events.
func (s *OpenAISession) Connect(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.APIKey) == "" {
		return errors.New("realtime: API key is not configured")
	}

	endpoint, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("realtime: parse base url: %w", err)
	}
	q := endpoint.Query()
	q.Set("model", s.cfg.Model)
	endpoint.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		return fmt.Errorf("realtime: connect: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.sendJSON(s.sessionUpdate()); err != nil {
		_ = s.Close()
		return err
	}

	go s.readLoop(conn)
	return nil
}

func (s *OpenAISession) sessionUpdate() map[string]any {
	session := map[string]any{
		"modalities":          []string{"text", "audio"},
		"voice":               s.cfg.Voice,
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
	}
	if s.cfg.EnableCapture {
		session["turn_detection"] = map[string]any{
			"type":            "server_vad",
			"create_response": s.cfg.CreateAckResponse,
		}
		session["input_audio_transcription"] = map[string]any{"model": "whisper-1"}
	} else {
		session["turn_detection"] = nil
	}
	return map[string]any{"type": "session.update", "session": session}
}

// SendMessage queues a user text item and asks for a spoken response.
func (s *OpenAISession) SendMessage(text string) error {
	item := map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
	if err := s.sendJSON(item); err != nil {
		return err
	}
	return s.sendJSON(map[string]any{"type": "response.create"})
}

// SendAudio appends one capture frame to the input audio buffer.
func (s *OpenAISession) SendAudio(pcm []byte) error {
	return s.sendJSON(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (s *OpenAISession) sendJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.closed {
		return errors.New("realtime: session not connected")
	}
	return s.conn.WriteJSON(v)
}

func (s *OpenAISession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (s *OpenAISession) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed && s.cb.OnError != nil {
				s.cb.OnError(fmt.Errorf("realtime: read: %w", err))
			}
			return
		}
		s.dispatch(raw)
	}
}

func (s *OpenAISession) dispatch(raw []byte) {
	var ev serverEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		if s.cb.OnError != nil {
			s.cb.OnError(fmt.Errorf("realtime: decode event: %w", err))
		}
		return
	}

	switch ev.Type {
	case "response.audio.delta", "response.output_audio.delta":
		if s.cb.OnAudioDelta == nil {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			if s.cb.OnError != nil {
				s.cb.OnError(fmt.Errorf("realtime: decode audio delta: %w", err))
			}
			return
		}
		s.cb.OnAudioDelta(pcm)
	case "response.audio.done", "response.output_audio.done":
		if s.cb.OnAudioDone != nil {
			s.cb.OnAudioDone()
		}
	case "conversation.item.input_audio_transcription.completed":
		if s.cb.OnTranscript != nil {
			s.cb.OnTranscript(strings.TrimSpace(ev.Transcript))
		}
	case "input_audio_buffer.speech_started":
		if s.cb.OnSpeechStarted != nil {
			s.cb.OnSpeechStarted()
		}
	case "response.done":
		if !s.sawResponseDone {
			s.sawResponseDone = true
			if s.cb.OnInitialResponseDone != nil {
				s.cb.OnInitialResponseDone()
			}
		}
		if s.cb.OnDone != nil {
			s.cb.OnDone()
		}
	case "error":
		msg := "realtime: server error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = "realtime: " + ev.Error.Message
		}
		if s.cb.OnError != nil {
			s.cb.OnError(errors.New(msg))
		}
	}
}
