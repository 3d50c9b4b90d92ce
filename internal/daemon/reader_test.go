package daemon

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shell-pool/shpool-sub002/internal/proto"
	"github.com/shell-pool/shpool-sub002/internal/tty"
)

// TestReaderDoesNotReadUntilFirstAttach exercises spec §4.7 step 1: the
// reader must not touch the PTY master at all until a client has attached
// at least once, so an unread subshell prompt is never silently dropped.
func TestReaderDoesNotReadUntilFirstAttach(t *testing.T) {
	ptmR, ptmW, err := os.Pipe()
	require.NoError(t, err)
	defer ptmR.Close()
	defer ptmW.Close()

	sb := newScrollbackEngine(24)
	defer sb.close()
	exitN := newExitNotifier()
	r := newSessionReader("test", ptmR, sb, restoreNone, 0, nil, exitN)
	go r.run()

	// Written before any attach ever happens; if the reader were already
	// polling the pipe this would be drained and forwarded (or silently
	// dropped, with no sink bound) long before the client below attaches.
	_, err = ptmW.Write([]byte("pre-attach-noise "))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	sinkServer, sinkClient := net.Pipe()
	defer sinkClient.Close()

	ack := make(chan ackStatus, 1)
	go func() {
		r.ctlReqCh <- ctlRequest{kind: ctlAttach, conn: sinkServer, size: tty.Size{Rows: 24, Cols: 80}}
		ack <- <-r.ctlAckCh
	}()
	require.Equal(t, ackNew, <-ack)

	_, err = ptmW.Write([]byte("post-attach"))
	require.NoError(t, err)

	sinkClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	var acc []byte
	for {
		kind, payload, err := proto.ReadChunk(sinkClient)
		require.NoError(t, err)
		if kind == proto.ChunkData {
			acc = append(acc, payload...)
			if indexOf(acc, []byte("post-attach")) >= 0 {
				break
			}
		}
	}
	// The pre-attach bytes reach the client after the attach: proof they
	// were never drained by an earlier, ungated read (with no sink bound,
	// such a read would have dropped them).
	require.Contains(t, string(acc), "pre-attach-noise")
	require.Contains(t, string(acc), "post-attach")
}

// TestReaderExitsCleanlyWithoutEverAttaching covers the disconnect-exit
// path racing a session that nobody ever attached to.
func TestReaderExitsCleanlyWithoutEverAttaching(t *testing.T) {
	ptmR, ptmW, err := os.Pipe()
	require.NoError(t, err)
	defer ptmR.Close()
	defer ptmW.Close()

	sb := newScrollbackEngine(24)
	defer sb.close()
	exitN := newExitNotifier()
	r := newSessionReader("test", ptmR, sb, restoreNone, 0, nil, exitN)

	done := make(chan struct{})
	go func() {
		r.run()
		close(done)
	}()

	ack := make(chan ackStatus, 1)
	go func() {
		r.ctlReqCh <- ctlRequest{kind: ctlDisconnectExit}
		ack <- <-r.ctlAckCh
	}()
	require.Equal(t, ackDetached, <-ack)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not exit after disconnect-exit with no prior attach")
	}
	select {
	case <-r.done:
	default:
		t.Fatal("reader.done was not closed")
	}
}
