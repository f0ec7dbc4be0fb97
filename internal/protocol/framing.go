package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// MaxFrameBytes bounds a single frame payload. Anything larger is a corrupt
// or hostile stream, not a command.
const MaxFrameBytes = 16 << 20

const lengthPrefixBytes = 4

// EncodeFrame marshals v and prepends a 4-byte big-endian length prefix.
func EncodeFrame(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxFrameBytes {
		return nil, fmt.Errorf("encode frame: payload %d bytes exceeds limit", len(payload))
	}
	out := make([]byte, lengthPrefixBytes+len(payload))
	binary.BigEndian.PutUint32(out[:lengthPrefixBytes], uint32(len(payload)))
	copy(out[lengthPrefixBytes:], payload)
	return out, nil
}

// Decoder accumulates stream bytes and yields complete frame payloads.
// It tolerates arbitrary chunk boundaries: a frame split one byte at a time
// and multiple frames arriving in a single chunk both decode identically.
type Decoder struct {
	buf []byte
}

// Feed appends incoming bytes and returns every complete payload now
// available, in arrival order. Partial trailing frames stay buffered.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	for len(d.buf) >= lengthPrefixBytes {
		declared := binary.BigEndian.Uint32(d.buf[:lengthPrefixBytes])
		if declared > MaxFrameBytes {
			return frames, fmt.Errorf("frame length %d exceeds %d byte limit", declared, MaxFrameBytes)
		}
		total := lengthPrefixBytes + int(declared)
		if len(d.buf) < total {
			break
		}
		payload := make([]byte, declared)
		copy(payload, d.buf[lengthPrefixBytes:total])
		d.buf = d.buf[total:]
		frames = append(frames, payload)
	}
	return frames, nil
}

// Pending reports buffered bytes not yet forming a complete frame.
func (d *Decoder) Pending() int { return len(d.buf) }
