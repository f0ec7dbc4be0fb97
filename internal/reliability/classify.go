// Package reliability buckets command failures into the categories the
// daemon reports: a timeout is operationally different from a dead device or
// an unreachable API even when all three surface as one error string.
package reliability

import (
	"strings"
)

type Category string

const (
	CategoryOK           Category = "ok"
	CategoryTimeout      Category = "timeout"
	CategoryEngine       Category = "engine"
	CategoryConnectivity Category = "connectivity"
	CategoryValidation   Category = "validation"
	CategoryInternal     Category = "internal"
)

// Classify maps an error to its failure category. Orchestrator errors carry
// stable human-readable messages, so classification keys off those.
func Classify(err error) Category {
	if err == nil {
		return CategoryOK
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "No speech detected"),
		strings.HasPrefix(msg, "No transcript received"),
		strings.HasPrefix(msg, "No assistant audio received"):
		return CategoryTimeout
	case strings.Contains(msg, "capture read failure"),
		strings.Contains(msg, "audio engine"),
		strings.Contains(msg, "play assistant audio"):
		return CategoryEngine
	case strings.Contains(msg, "dial"),
		strings.Contains(msg, "connect"),
		strings.Contains(msg, "websocket"),
		strings.Contains(msg, "connection"):
		return CategoryConnectivity
	case strings.Contains(msg, "Invalid request"),
		strings.Contains(msg, "requires id and message"):
		return CategoryValidation
	default:
		return CategoryInternal
	}
}
