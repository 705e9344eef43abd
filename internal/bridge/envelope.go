// Package bridge speaks the native-messaging protocol of the browser
// extension: length-prefixed JSON envelopes over stdin and stdout.
package bridge

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize is the largest message the browser accepts from a host.
	MaxFrameSize = 1 << 20
	// maxInboundSize is the largest message the browser sends to a host.
	maxInboundSize = 64 << 20
)

// TypeResult marks a reply. Its ID is the ID of the request it answers.
const TypeResult = "result"

// Inbound request types sent by the extension.
const (
	TypeExecute = "execute"
	TypeToggle  = "toggle"
	TypeFocus   = "focus"
	TypeSelect  = "select"
)

var (
	// ErrTimeout is returned when a call gets no reply within its deadline.
	ErrTimeout = errors.New("bridge call timed out")
	// ErrClosed is returned for calls on a closed connection.
	ErrClosed = errors.New("bridge closed")
	// ErrFrameTooLarge is returned for frames over MaxFrameSize.
	ErrFrameTooLarge = errors.New("native message too large")
)

// Envelope is one native message.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RemoteError is an error reported by the extension for a call.
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ReadFrame reads one envelope. io.EOF is returned unchanged when the stream
// ends between frames.
func ReadFrame(r io.Reader) (Envelope, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return Envelope{}, err
	}
	if size > maxInboundSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Envelope{}, fmt.Errorf("read frame body: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// WriteFrame writes one envelope with its length prefix.
func WriteFrame(w io.Writer, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	_, err = w.Write(frame)
	return err
}
