package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameLayout(t *testing.T) {
	b := AppendFrame(nil, MsgCommand, []byte("abc"))
	require.Len(t, b, 8)
	assert.Equal(t, byte('M'), b[0])
	assert.Equal(t, uint32(7), binary.BigEndian.Uint32(b[1:5]))
	assert.Equal(t, "abc", string(b[5:]))
}

func TestReadFrameSequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, MsgCommand, []byte("select 1")))
	require.NoError(t, WriteFrame(&buf, MsgReady, nil))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgCommand, f.Type)
	assert.Equal(t, "select 1", string(f.Payload))

	f, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgReady, f.Type)
	assert.Empty(t, f.Payload)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameRejectsBadLength(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{'M', 0, 0, 0, 2}))
	assert.Error(t, err)

	big := []byte{'M', 0xff, 0xff, 0xff, 0x7f}
	_, err = ReadFrame(bytes.NewReader(big))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = ReadFrame(bytes.NewReader([]byte{'M', 0, 0, 0, 9, 'a'}))
	assert.Error(t, err)
}

func TestSeqResponseLayout(t *testing.T) {
	p := SeqResponse{SeqID: 16384, Last: 10, Cached: 20, Increment: 1, Overflow: true}.Encode()
	require.Len(t, p, 4+8+8+8+1+1)
	assert.Equal(t, uint32(16384), binary.BigEndian.Uint32(p))
	assert.Equal(t, byte(1), p[28])
	assert.Equal(t, byte(0), p[29])

	m, err := DecodeSeqResponse(p)
	require.NoError(t, err)
	assert.Equal(t, int64(20), m.Cached)
	assert.True(t, m.Overflow)
	assert.False(t, m.Error)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := DecodeComplete([]byte{byte(StatusCommandOK), 'I', 'N'})
	assert.Error(t, err)

	p := Complete{Status: StatusCommandOK, Tag: "INSERT", Completed: 3}.Encode()
	_, err = DecodeComplete(p[:len(p)-1])
	assert.Error(t, err)

	_, err = DecodeNotify([]byte{0, 0, 0})
	assert.Error(t, err)
}

func TestErrorAndNotifyDecode(t *testing.T) {
	e, err := DecodeError(Error{SQLState: "42601", Message: "syntax error"}.Encode())
	require.NoError(t, err)
	assert.Equal(t, "42601", e.SQLState)
	assert.Equal(t, "syntax error", e.Message)
	assert.Empty(t, e.Detail)

	n, err := DecodeNotify(Notify{PID: 7, Channel: "nextval", Payload: "1:16384"}.Encode())
	require.NoError(t, err)
	assert.Equal(t, "nextval", n.Channel)
	assert.Equal(t, "1:16384", n.Payload)
}
