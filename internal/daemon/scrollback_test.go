package daemon

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shell-pool/shpool-sub002/internal/proto"
)

func TestScrollbackFeedAndDumpScreenContainsOutput(t *testing.T) {
	sb := newScrollbackEngine(24)
	defer sb.close()

	sb.feed([]byte("hello-scrollback\r\n"))
	out := sb.dumpScreen()
	require.Contains(t, string(out), "hello-scrollback")
}

func TestScrollbackNonePolicyProducesNoChunks(t *testing.T) {
	sb := newScrollbackEngine(24)
	defer sb.close()

	sb.feed([]byte("some output\r\n"))
	chunks := sb.restorationChunks(restoreNone, 0)
	require.Nil(t, chunks)
}

func TestScrollbackScreenPolicyChunksRespectMaxPayload(t *testing.T) {
	sb := newScrollbackEngine(24)
	defer sb.close()

	sb.feed([]byte("line one\r\n"))
	chunks := sb.restorationChunks(restoreScreen, 0)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		require.LessOrEqual(t, len(c), proto.MaxChunkPayload)
	}
}

func TestScrollbackTailTracksLinesScrolledOffTop(t *testing.T) {
	sb := newScrollbackEngine(4)
	defer sb.close()

	for i := 0; i < 20; i++ {
		sb.feed([]byte("row\r\n"))
	}
	sb.mu.Lock()
	length := sb.length
	sb.mu.Unlock()
	require.Greater(t, length, 0)

	out := sb.dumpLast(10)
	require.NotEmpty(t, out)
}

func TestScrollbackSetRowsResizesEmulator(t *testing.T) {
	sb := newScrollbackEngine(24)
	defer sb.close()

	sb.setRows(40)
	sb.mu.Lock()
	rows := sb.rows
	sb.mu.Unlock()
	require.Equal(t, 40, rows)
}
