// Package wire implements the framed protocol spoken between the coordinator
// and segment workers.
//
// Every message is a frame: one type byte, a big-endian int32 length that
// counts itself and the payload, then the payload. Strings inside payloads
// are NUL terminated.
package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MsgType is the leading byte of a frame.
type MsgType byte

const (
	// Coordinator to segment.
	MsgCommand MsgType = 'M'
	MsgCancel  MsgType = 'X'
	MsgFinish  MsgType = 'F'
	MsgSeqResp MsgType = 'S'

	// Segment to coordinator.
	MsgComplete MsgType = 'C'
	MsgError    MsgType = 'E'
	MsgReady    MsgType = 'Z'
	MsgNotify   MsgType = 'A'
)

// MaxFrameSize bounds a single frame's payload.
const MaxFrameSize = 64 << 20

const headerSize = 5

// ErrFrameTooLarge is returned for frames above MaxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// Frame is one decoded message.
type Frame struct {
	Type    MsgType
	Payload []byte
}

// AppendFrame appends an encoded frame to dst.
func AppendFrame(dst []byte, t MsgType, payload []byte) []byte {
	dst = append(dst, byte(t))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)+4))
	return append(dst, payload...)
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, t MsgType, payload []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, headerSize+len(payload)), t, payload))
	return err
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := int(binary.BigEndian.Uint32(hdr[1:])) - 4
	if n < 0 {
		return Frame{}, errors.Errorf("wire: bad frame length %d", n+4)
	}
	if n > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, errors.Wrap(err, "wire: short frame")
	}
	return Frame{Type: MsgType(hdr[0]), Payload: payload}, nil
}

type encoder struct{ buf []byte }

func (e *encoder) byte(b byte)     { e.buf = append(e.buf, b) }
func (e *encoder) uint32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) int64(v int64)   { e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v)) }
func (e *encoder) string(s string) {
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}
func (e *encoder) bool(b bool) {
	if b {
		e.byte(1)
	} else {
		e.byte(0)
	}
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if len(d.buf) < n {
		d.err = errors.New("wire: truncated payload")
		return false
	}
	return true
}

func (d *decoder) byte() byte {
	if !d.need(1) {
		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b
}

func (d *decoder) uint32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) int64() int64 {
	if !d.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return int64(v)
}

func (d *decoder) string() string {
	if d.err != nil {
		return ""
	}
	i := bytes.IndexByte(d.buf, 0)
	if i < 0 {
		d.err = errors.New("wire: unterminated string")
		return ""
	}
	s := string(d.buf[:i])
	d.buf = d.buf[i+1:]
	return s
}

func (d *decoder) bool() bool { return d.byte() != 0 }
