package daemon

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shell-pool/shpool-sub002/internal/config"
	"github.com/shell-pool/shpool-sub002/internal/proto"
	"github.com/shell-pool/shpool-sub002/internal/tty"
)

// startTestDaemon spins up a Daemon on a temp-dir Unix socket and returns
// its path. Sessions spawn a plain /bin/sh with prompt injection disabled,
// so tests can assert on exact echoed bytes.
func startTestDaemon(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "shpool.socket")

	cfg := config.Default()
	cfg.Shell = "/bin/sh"
	cfg.PromptPrefix = ""
	cfg.ReadEtcEnvironment = false

	d := NewDaemon(&cfg, nil)
	go d.ListenAndServe(sockPath)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sockPath); err == nil {
			return sockPath
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("daemon socket never appeared")
	return ""
}

func dialTest(t *testing.T, sockPath string) *net.UnixConn {
	t.Helper()
	addr, err := net.ResolveUnixAddr("unix", sockPath)
	require.NoError(t, err)
	conn, err := net.DialUnix("unix", nil, addr)
	require.NoError(t, err)
	return conn
}

func attachTest(t *testing.T, sockPath, name string) *net.UnixConn {
	t.Helper()
	conn := dialTest(t, sockPath)
	req := proto.AttachRequest{Name: name, Term: "xterm", LocalTTYSize: tty.Size{Rows: 24, Cols: 80}}
	require.NoError(t, proto.WriteMessage(conn, proto.KindConnectAttach, req.Encode()))
	_, kind, payload, err := proto.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, proto.KindAttachReply, kind)
	reply, err := proto.DecodeAttachReply(payload)
	require.NoError(t, err)
	require.Contains(t, []byte{proto.AttachStatusCreated, proto.AttachStatusAttached}, reply.Status)
	return conn
}

// readUntil drains Data chunks from conn until needle appears in the
// accumulated bytes or the deadline elapses.
func readUntil(t *testing.T, conn *net.UnixConn, needle string, timeout time.Duration) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	var acc []byte
	for {
		kind, payload, err := proto.ReadChunk(conn)
		if err != nil {
			t.Fatalf("readUntil: %v (got so far: %q)", err, acc)
		}
		if kind == proto.ChunkData {
			acc = append(acc, payload...)
			if indexOf(acc, []byte(needle)) >= 0 {
				return string(acc)
			}
		}
	}
}

func TestAttachEchoesShellOutput(t *testing.T) {
	sock := startTestDaemon(t)
	conn := attachTest(t, sock, "work")
	defer conn.Close()

	require.NoError(t, proto.WriteChunk(conn, proto.ChunkData, []byte("echo hello-shpool\n")))
	out := readUntil(t, conn, "hello-shpool", 3*time.Second)
	require.Contains(t, out, "hello-shpool")
}

func TestSecondAttachGetsBusy(t *testing.T) {
	sock := startTestDaemon(t)
	conn1 := attachTest(t, sock, "busytest")
	defer conn1.Close()

	conn2 := dialTest(t, sock)
	defer conn2.Close()
	req := proto.AttachRequest{Name: "busytest", Term: "xterm", LocalTTYSize: tty.Size{Rows: 24, Cols: 80}}
	require.NoError(t, proto.WriteMessage(conn2, proto.KindConnectAttach, req.Encode()))
	_, kind, payload, err := proto.ReadMessage(conn2)
	require.NoError(t, err)
	require.Equal(t, proto.KindAttachReply, kind)
	reply, err := proto.DecodeAttachReply(payload)
	require.NoError(t, err)
	require.Equal(t, proto.AttachStatusBusy, reply.Status)
}

func TestDetachThenReattachSucceeds(t *testing.T) {
	sock := startTestDaemon(t)
	conn1 := attachTest(t, sock, "detachtest")

	detachConn := dialTest(t, sock)
	defer detachConn.Close()
	dreq := proto.DetachRequest{Sessions: []string{"detachtest"}}
	require.NoError(t, proto.WriteMessage(detachConn, proto.KindConnectDetach, dreq.Encode()))
	_, _, payload, err := proto.ReadMessage(detachConn)
	require.NoError(t, err)
	dreply, err := proto.DecodeDetachReply(payload)
	require.NoError(t, err)
	require.Empty(t, dreply.NotFound)

	// The detached connection should observe its stream close, after any
	// restoration or shell output chunks already written to it.
	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	for err == nil {
		_, _, err = proto.ReadChunk(conn1)
	}
	require.Error(t, err)
	require.False(t, isTimeout(err), "stream was not closed by the detach: %v", err)
	conn1.Close()

	conn2 := attachTest(t, sock, "detachtest")
	defer conn2.Close()
}

func TestListReportsAttachedStatus(t *testing.T) {
	sock := startTestDaemon(t)
	conn := attachTest(t, sock, "listed")
	defer conn.Close()

	listConn := dialTest(t, sock)
	defer listConn.Close()
	require.NoError(t, proto.WriteMessage(listConn, proto.KindConnectList, nil))
	_, _, payload, err := proto.ReadMessage(listConn)
	require.NoError(t, err)
	reply, err := proto.DecodeListReply(payload)
	require.NoError(t, err)

	found := false
	for _, s := range reply.Sessions {
		if s.Name == "listed" {
			found = true
			require.Equal(t, proto.SessionStatusAttached, s.Status)
		}
	}
	require.True(t, found)
}

func TestReattachAfterChildExitClobbersStaleSession(t *testing.T) {
	sock := startTestDaemon(t)
	conn1 := attachTest(t, sock, "stale1")

	require.NoError(t, proto.WriteChunk(conn1, proto.ChunkData, []byte("exit\n")))

	conn1.SetReadDeadline(time.Now().Add(3 * time.Second))
	sawExit := false
	for {
		kind, _, err := proto.ReadChunk(conn1)
		if err != nil {
			break
		}
		if kind == proto.ChunkExitStatus {
			sawExit = true
		}
	}
	require.True(t, sawExit, "expected a final ExitStatus chunk before the stream closed")
	conn1.Close()

	// Give the supervisor goroutine time to record the exit before the next
	// attach races it.
	time.Sleep(100 * time.Millisecond)

	conn2 := dialTest(t, sock)
	defer conn2.Close()
	req := proto.AttachRequest{Name: "stale1", Term: "xterm", LocalTTYSize: tty.Size{Rows: 24, Cols: 80}}
	require.NoError(t, proto.WriteMessage(conn2, proto.KindConnectAttach, req.Encode()))
	_, kind, payload, err := proto.ReadMessage(conn2)
	require.NoError(t, err)
	require.Equal(t, proto.KindAttachReply, kind)
	reply, err := proto.DecodeAttachReply(payload)
	require.NoError(t, err)
	require.Equal(t, proto.AttachStatusCreated, reply.Status, "a stale table entry must be clobbered with a fresh subshell, not taken over")
}

func TestKillRemovesSession(t *testing.T) {
	sock := startTestDaemon(t)
	conn := attachTest(t, sock, "killme")
	conn.Close()
	time.Sleep(50 * time.Millisecond)

	killConn := dialTest(t, sock)
	defer killConn.Close()
	req := proto.KillRequest{Sessions: []string{"killme"}}
	require.NoError(t, proto.WriteMessage(killConn, proto.KindConnectKill, req.Encode()))
	_, _, payload, err := proto.ReadMessage(killConn)
	require.NoError(t, err)
	reply, err := proto.DecodeKillReply(payload)
	require.NoError(t, err)
	require.Empty(t, reply.NotFound)

	listConn := dialTest(t, sock)
	defer listConn.Close()
	require.NoError(t, proto.WriteMessage(listConn, proto.KindConnectList, nil))
	_, _, lp, err := proto.ReadMessage(listConn)
	require.NoError(t, err)
	lreply, err := proto.DecodeListReply(lp)
	require.NoError(t, err)
	for _, s := range lreply.Sessions {
		require.NotEqual(t, "killme", s.Name)
	}
}
