package voice

import (
	"strconv"
	"time"

	"github.com/antoniostano/voxd/internal/protocol"
)

// TraceFunc receives orchestrator trace events as they happen. The daemon
// relays them to the originating connection as log responses.
type TraceFunc func(protocol.TraceEvent)

type tracer struct {
	start time.Time
	emit  TraceFunc
}

func newTracer(emit TraceFunc) tracer {
	return tracer{start: time.Now(), emit: emit}
}

func (t tracer) trace(event, detail string) {
	if t.emit == nil {
		return
	}
	t.emit(protocol.TraceEvent{
		AtMS:   time.Since(t.start).Milliseconds(),
		Event:  event,
		Detail: detail,
	})
}

// formatSeconds renders a duration the way it appears in timeout messages:
// "0.2", "30", no trailing zeros.
func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
