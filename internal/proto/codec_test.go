package proto

import (
	"bytes"
	"testing"

	"github.com/shell-pool/shpool-sub002/internal/tty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachRequestRoundTrip(t *testing.T) {
	ttl := uint32(30)
	req := AttachRequest{
		Name:         "sh1",
		Term:         "xterm-256color",
		LocalTTYSize: tty.Size{Rows: 24, Cols: 80, XPixel: 640, YPixel: 480},
		LocalEnv:     []KV{{Key: "FOO", Value: "bar"}},
		Cmd:          []string{"bash", "-l"},
		TTLSecs:      &ttl,
	}

	got, err := DecodeAttachRequest(req.Encode())
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestAttachRequestNoCommand(t *testing.T) {
	req := AttachRequest{Name: "sh1", Term: "xterm", LocalTTYSize: tty.Size{Rows: 1, Cols: 1}}
	got, err := DecodeAttachRequest(req.Encode())
	require.NoError(t, err)
	assert.Nil(t, got.Cmd)
	assert.Nil(t, got.TTLSecs)
}

func TestAttachReplyVariants(t *testing.T) {
	cases := []AttachReply{
		{Status: AttachStatusAttached, Warnings: []string{"exe mismatch"}},
		{Status: AttachStatusCreated},
		{Status: AttachStatusBusy},
		{Status: AttachStatusForbidden, ForbiddenWhy: "uid mismatch"},
		{Status: AttachStatusVersionMismatch, DaemonVersion: 7},
	}
	for _, c := range cases {
		got, err := DecodeAttachReply(c.Encode())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestMessageEnvelopeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := DetachRequest{Sessions: []string{"a", "b"}}
	require.NoError(t, WriteMessage(&buf, KindConnectDetach, req.Encode()))

	version, kind, payload, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, Version, version)
	assert.Equal(t, KindConnectDetach, kind)

	got, err := DecodeDetachRequest(payload)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestListReplyRoundTrip(t *testing.T) {
	reply := ListReply{Sessions: []SessionSummary{
		{Name: "sh1", StartedAtMS: 12345, Status: SessionStatusAttached},
		{Name: "sh2", StartedAtMS: 67890, Status: SessionStatusDisconnected},
	}}
	got, err := DecodeListReply(reply.Encode())
	require.NoError(t, err)
	assert.Equal(t, reply, got)
}

func TestSessionMessageRoundTrip(t *testing.T) {
	resize := SessionMessageRequest{
		SessionName: "sh1",
		Payload:     SessionMessageResize,
		ResizeSize:  tty.Size{Rows: 40, Cols: 100},
	}
	got, err := DecodeSessionMessageRequest(resize.Encode())
	require.NoError(t, err)
	assert.Equal(t, resize, got)

	detach := SessionMessageRequest{SessionName: "sh1", Payload: SessionMessageDetach}
	got, err = DecodeSessionMessageRequest(detach.Encode())
	require.NoError(t, err)
	assert.Equal(t, detach, got)
}

func TestChunkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte("x"), 100)
	require.NoError(t, WriteChunk(&buf, ChunkData, payload))

	kind, got, err := ReadChunk(&buf)
	require.NoError(t, err)
	assert.Equal(t, ChunkData, kind)
	assert.Equal(t, payload, got)
}

func TestChunkRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte("x"), MaxChunkPayload+1)
	assert.Error(t, WriteChunk(&buf, ChunkData, payload))
}

func TestChunkPayloadsSplitsAtBoundary(t *testing.T) {
	buf := bytes.Repeat([]byte("y"), MaxChunkPayload*2+10)
	pieces := ChunkPayloads(buf)
	require.Len(t, pieces, 3)
	assert.Len(t, pieces[0], MaxChunkPayload)
	assert.Len(t, pieces[1], MaxChunkPayload)
	assert.Len(t, pieces[2], 10)
}

func TestExitStatusEncodeDecode(t *testing.T) {
	got, err := DecodeExitStatus(EncodeExitStatus(19))
	require.NoError(t, err)
	assert.Equal(t, int32(19), got)

	got, err = DecodeExitStatus(EncodeExitStatus(-1))
	require.NoError(t, err)
	assert.Equal(t, int32(-1), got)
}
