// Package frame implements the AnyTLS wire frame codec: a fixed 7-byte
// header (cmd, stream id, length) followed by a length-delimited payload.
package frame

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Command identifies the purpose of a Frame.
type Command byte

const (
	CmdWaste                Command = 0
	CmdSYN                  Command = 1
	CmdPush                 Command = 2
	CmdFIN                  Command = 3
	CmdSettings             Command = 4
	CmdAlert                Command = 5
	CmdUpdatePaddingScheme  Command = 6
	CmdSynAck               Command = 7
	CmdHeartRequest         Command = 8
	CmdHeartResponse        Command = 9
	CmdServerSettings       Command = 10
)

// HeaderSize is the fixed size, in bytes, of a frame header.
const HeaderSize = 1 + 4 + 2

// MaxPayloadLen is the largest payload a single frame may carry.
const MaxPayloadLen = 65535

// ErrFrameTooLarge is returned by Decode when a header declares a payload
// longer than MaxPayloadLen. It is always fatal to the connection.
var ErrFrameTooLarge = errors.New("anytls/frame: payload length exceeds 65535")

// Frame is one decoded wire frame. StreamID is 0 for control frames.
type Frame struct {
	Cmd      Command
	StreamID uint32
	Payload  []byte
}

// Encode writes f's wire representation to w: the 7-byte header followed by
// the payload, as a single buffer so the write is atomic from the caller's
// point of view.
func Encode(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayloadLen {
		return ErrFrameTooLarge
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Cmd)
	binary.BigEndian.PutUint32(buf[1:5], f.StreamID)
	binary.BigEndian.PutUint16(buf[5:7], uint16(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	_, err := w.Write(buf)
	return errors.Wrap(err, "frame: encode write")
}

// Decoder incrementally decodes frames off a byte stream. It is the
// per-direction "decoder accumulator" named by the spec: a single Decoder
// is reused for the lifetime of one read direction.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for incremental frame decoding.
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, HeaderSize+MaxPayloadLen)
	}
	return &Decoder{r: br}
}

// Decode blocks until one full frame is available, or returns an error.
// A header claiming length > MaxPayloadLen is fatal: ErrFrameTooLarge.
func (d *Decoder) Decode() (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return Frame{}, errors.Wrap(err, "frame: decode header")
	}

	length := binary.BigEndian.Uint16(hdr[5:7])
	if length > MaxPayloadLen {
		return Frame{}, ErrFrameTooLarge
	}

	f := Frame{
		Cmd:      Command(hdr[0]),
		StreamID: binary.BigEndian.Uint32(hdr[1:5]),
	}
	if length > 0 {
		payload := make([]byte, length)
		if _, err := io.ReadFull(d.r, payload); err != nil {
			return Frame{}, errors.Wrap(err, "frame: decode payload")
		}
		f.Payload = payload
	}
	return f, nil
}

// String renders a Command for logging.
func (c Command) String() string {
	switch c {
	case CmdWaste:
		return "WASTE"
	case CmdSYN:
		return "SYN"
	case CmdPush:
		return "PUSH"
	case CmdFIN:
		return "FIN"
	case CmdSettings:
		return "SETTINGS"
	case CmdAlert:
		return "ALERT"
	case CmdUpdatePaddingScheme:
		return "UPDATE_PADDING_SCHEME"
	case CmdSynAck:
		return "SYN_ACK"
	case CmdHeartRequest:
		return "HEART_REQUEST"
	case CmdHeartResponse:
		return "HEART_RESPONSE"
	case CmdServerSettings:
		return "SERVER_SETTINGS"
	default:
		return "UNKNOWN"
	}
}

// Known reports whether c is one of the commands defined by this version of
// the protocol. Unknown commands are not fatal — callers should consume and
// discard their payload, per the wire-compatibility contract in the spec.
func (c Command) Known() bool {
	return c <= CmdServerSettings
}
