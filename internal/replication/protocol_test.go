package replication

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTripsThroughWriteRead(t *testing.T) {
	var buf bytes.Buffer
	payload := RecMetaMsg{RecordID: uuid.New(), Kind: RecordInode, Data: []byte("hello")}.Encode()
	require.NoError(t, WriteMessage(&buf, TagRecMeta, payload))

	tag, got, err := ReadMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, TagRecMeta, tag)

	msg, err := DecodeRecMeta(got)
	require.NoError(t, err)
	require.Equal(t, RecordInode, msg.Kind)
	require.Equal(t, []byte("hello"), msg.Data)
}

func TestDecodeRegisterRejectsShortPayload(t *testing.T) {
	_, err := DecodeRegister([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestDecodeRecPagesRejectsShortPayload(t *testing.T) {
	_, err := DecodeRecPages(make([]byte, 10))
	require.Error(t, err)
}

func TestCkptStartAndDoneEncodeIdentically(t *testing.T) {
	start := CkptStartMsg{ObjectID: 7, Epoch: 42}
	done := CkptDoneMsg(start)
	require.Equal(t, start.Encode(), done.Encode())
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	hdr := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	buf.Write(hdr)
	_, _, err := ReadMessage(&buf)
	require.Error(t, err)
}
