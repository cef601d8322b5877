package tcp

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distmem/pager/pkg/page"
	"github.com/distmem/pager/pkg/transport"
)

func TestFetchPageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, FetchPage(0x1000)))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, tagFetchPage, got.Tag)
	assert.Equal(t, uintptr(0x1000), got.GPA)
}

func TestPageDataRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, page.Size)

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, PageData(0x2000, data)))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, tagPageData, got.Tag)
	assert.Equal(t, uintptr(0x2000), got.GPA)
	assert.Equal(t, data, got.Data)
}

func TestPageDataRejectsWrongSize(t *testing.T) {
	var buf bytes.Buffer
	err := WriteMessage(&buf, PageData(0, []byte{1, 2, 3}))
	require.Error(t, err)

	var tErr *transport.Error
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, transport.ErrProtocolError, tErr.Kind)
}

func TestPingPongRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Ping(1234)))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, tagPing, got.Tag)
	assert.Equal(t, int64(1234), got.Timestamp)
}

func TestAckRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Ack()))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, tagAck, got.Tag)
}

func TestErrorMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, ErrorMsg("node unreachable")))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, tagError, got.Tag)
	assert.Equal(t, "node unreachable", got.ErrText)
}

func TestReadMessageRejectsTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, PageData(0, bytes.Repeat([]byte{1}, page.Size))))

	full := buf.Bytes()
	truncated := bytes.NewReader(full[:len(full)-10])

	_, err := ReadMessage(truncated)
	require.Error(t, err)
}

func TestReadMessageRejectsOversizedFrameWithoutAllocating(t *testing.T) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], MaxFrameLen+1)

	r := bytes.NewReader(lenBuf[:])

	_, err := ReadMessage(r)
	require.Error(t, err)

	var tErr *transport.Error
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, transport.ErrProtocolError, tErr.Kind)
}
