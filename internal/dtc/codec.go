package dtc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// The wire format is one compact JSON document per message, terminated by a
// single NUL byte. encoding/json escapes control characters inside strings,
// so the terminator can never appear in a payload.
const terminator = 0x00

// Message is a decoded wire frame in generic form. The generic map exists
// only at this boundary; typed views are derived by the parsers in
// messages.go.
type Message map[string]any

// Type returns the message type code, 0 when absent.
func (m Message) Type() int {
	return int(m.I64("Type"))
}

// Str returns the string value for key, "" when absent or not a string.
func (m Message) Str(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// F64 returns the numeric value for key, 0 when absent or not a number.
func (m Message) F64(key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

// I64 returns the numeric value for key truncated to an integer.
func (m Message) I64(key string) int64 {
	return int64(m.F64(key))
}

// Has reports whether key is present in the frame.
func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Encode marshals v to compact JSON and appends the frame terminator.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if len(data)+1 > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return append(data, terminator), nil
}

// DecodeMessage parses a raw frame payload into the generic Message form.
func DecodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, &DecodeError{Err: err, Raw: append([]byte(nil), payload...)}
	}
	return msg, nil
}

// Decoder reads NUL-terminated frames from a stream. It never returns a
// partial message: a frame is surfaced whole or not at all.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for frame-by-frame reading.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the payload of the next frame without its terminator.
//
// A clean peer close at a frame boundary is io.EOF; a close mid-frame is
// ErrTruncated. A frame above MaxMessageSize yields ErrMessageTooLarge after
// the decoder has discarded through the next terminator, so the caller may
// keep reading.
func (d *Decoder) Next() ([]byte, error) {
	var frame []byte
	for {
		chunk, err := d.r.ReadSlice(terminator)
		switch {
		case err == nil:
			chunk = chunk[:len(chunk)-1]
			if len(frame)+len(chunk)+1 > MaxMessageSize {
				return nil, ErrMessageTooLarge
			}
			out := make([]byte, 0, len(frame)+len(chunk))
			out = append(out, frame...)
			out = append(out, chunk...)
			return out, nil
		case errors.Is(err, bufio.ErrBufferFull):
			frame = append(frame, chunk...)
			if len(frame)+1 > MaxMessageSize {
				if derr := d.resync(); derr != nil {
					return nil, derr
				}
				return nil, ErrMessageTooLarge
			}
		case errors.Is(err, io.EOF):
			if len(frame)+len(chunk) > 0 {
				return nil, ErrTruncated
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// Decode reads the next frame and parses it into the generic Message form.
func (d *Decoder) Decode() (Message, error) {
	payload, err := d.Next()
	if err != nil {
		return nil, err
	}
	return DecodeMessage(payload)
}

// resync discards stream bytes through the next terminator.
func (d *Decoder) resync() error {
	for {
		_, err := d.r.ReadSlice(terminator)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return ErrTruncated
		default:
			return err
		}
	}
}
