package dtc

import (
	"errors"
	"fmt"
)

// MaxMessageSize caps a single wire frame, terminator included.
const MaxMessageSize = 1 << 20

var (
	// ErrMessageTooLarge reports a frame above MaxMessageSize. On the inbound
	// side the decoder has already discarded through the next terminator, so
	// the stream stays aligned and the caller may keep reading.
	ErrMessageTooLarge = errors.New("dtc: message exceeds maximum size")

	// ErrTruncated reports a peer close in the middle of a frame. A clean
	// close at a frame boundary is io.EOF instead.
	ErrTruncated = errors.New("dtc: connection closed mid-message")

	// ErrNotConnected is returned by request primitives while no session is
	// established.
	ErrNotConnected = errors.New("dtc: not connected")

	// ErrSessionActive is returned by Connect when a session is already
	// established or being established.
	ErrSessionActive = errors.New("dtc: session already active")
)

// DecodeError reports a frame whose payload was not valid JSON. The session
// survives; the frame is dropped and counted.
type DecodeError struct {
	Err error
	Raw []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("dtc: undecodable message (%d bytes): %v", len(e.Raw), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// HandshakeError reports a failed logon exchange: the host rejected the
// credentials, replied with an unexpected message, or did not answer in time.
type HandshakeError struct {
	Result int
	Text   string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dtc: logon failed: %v", e.Err)
	}
	if e.Text != "" {
		return fmt.Sprintf("dtc: logon rejected (result %d): %s", e.Result, e.Text)
	}
	return fmt.Sprintf("dtc: logon rejected (result %d)", e.Result)
}

func (e *HandshakeError) Unwrap() error { return e.Err }
