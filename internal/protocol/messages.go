package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies request and response payload variants.
type MessageType string

const (
	TypeSay      MessageType = "say"
	TypeAsk      MessageType = "ask"
	TypePing     MessageType = "ping"
	TypeShutdown MessageType = "shutdown"

	TypeSayDone MessageType = "say:done"
	TypeAskDone MessageType = "ask:done"
	TypeError   MessageType = "error"
	TypePong    MessageType = "pong"
	TypeLog     MessageType = "log"
)

// UnknownID tags error responses for requests whose id never decoded.
const UnknownID = "unknown"

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type SayRequest struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id"`
	Message string      `json:"message"`
	Voice   string      `json:"voice,omitempty"`
}

type AskRequest struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id"`
	Message string      `json:"message"`
	Voice   string      `json:"voice,omitempty"`
	// Timeout is the no-speech timeout in seconds. Zero means use the
	// daemon's configured default.
	Timeout float64 `json:"timeout,omitempty"`
	Ack     bool    `json:"ack,omitempty"`
}

type PingRequest struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"`
}

type ShutdownRequest struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"`
}

type SayDone struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id"`
}

type AskDone struct {
	Type       MessageType `json:"type"`
	ID         string      `json:"id"`
	Transcript string      `json:"transcript"`
}

type ErrorResponse struct {
	Type    MessageType `json:"type"`
	ID      string      `json:"id"`
	Message string      `json:"message"`
}

type Pong struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"`
	// UptimeMS is daemon uptime in milliseconds.
	UptimeMS     int64 `json:"uptime"`
	CommandCount int   `json:"commandCount"`
}

// TraceEvent is one orchestrator trace entry, relayed as a log response.
type TraceEvent struct {
	AtMS   int64  `json:"atMs"`
	Event  string `json:"event"`
	Detail string `json:"detail,omitempty"`
}

type LogResponse struct {
	Type  MessageType `json:"type"`
	ID    string      `json:"id"`
	Entry TraceEvent  `json:"entry"`
}

// ParseRequest validates a decoded frame against the request schema.
// The returned value is one of SayRequest, AskRequest, PingRequest or
// ShutdownRequest.
func ParseRequest(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSay:
		var msg SayRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ID == "" || msg.Message == "" {
			return nil, errors.New("say requires id and message")
		}
		return msg, nil
	case TypeAsk:
		var msg AskRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ID == "" || msg.Message == "" {
			return nil, errors.New("ask requires id and message")
		}
		if msg.Timeout < 0 {
			return nil, errors.New("ask timeout must be non-negative")
		}
		return msg, nil
	case TypePing:
		var msg PingRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeShutdown:
		var msg ShutdownRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

// ParseResponse decodes a frame into one of the response variants.
func ParseResponse(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSayDone:
		var msg SayDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAskDone:
		var msg AskDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeError:
		var msg ErrorResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePong:
		var msg Pong
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeLog:
		var msg LogResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

// IsTerminal reports whether a response ends a request/response exchange.
// Log responses interleave mid-command and never terminate it.
func IsTerminal(msg any) bool {
	switch msg.(type) {
	case SayDone, AskDone, ErrorResponse, Pong:
		return true
	default:
		return false
	}
}
