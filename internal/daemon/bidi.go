package daemon

import (
	"net"
	"sync"
	"time"

	"github.com/shell-pool/shpool-sub002/internal/proto"
	"github.com/shell-pool/shpool-sub002/internal/testhook"
	"github.com/shell-pool/shpool-sub002/internal/tty"
)

const heartbeatInterval = 5 * time.Second

// runBidiStream is the per-attach coordinator. It binds conn to the
// session's reader, then runs three workers to completion: client input
// forwarding, an outbound heartbeat, and a child-exit watcher. All three
// are joined before runBidiStream returns, mirroring a thread::scope block.
func runBidiStream(sess *Session, conn net.Conn, size tty.Size, keyEngine *keybindEngine) ackStatus {
	status := sess.attach(conn, size)
	if status != ackNew && status != ackReplaced {
		return status
	}

	testhook.Post(testhook.EventBidiStreamEnter)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var stopOnce sync.Once
	closeStop := func() { stopOnce.Do(func() { close(stop) }) }

	panics := make(chan any, 3)

	wg.Add(3)
	go func() {
		defer wg.Done()
		defer closeStop()
		defer catchPanic(panics)
		clientToShell(sess, conn, keyEngine)
	}()
	go func() {
		defer wg.Done()
		defer closeStop()
		defer catchPanic(panics)
		heartbeat(sess, conn, stop)
	}()
	go func() {
		defer wg.Done()
		defer closeStop()
		defer catchPanic(panics)
		watchChildExit(sess, stop)
	}()
	wg.Wait()
	close(panics)

	// Mirrors thread::scope's behavior: a panic in any worker is caught at
	// the join point and re-raised there rather than silently killing one
	// goroutine while the others keep running.
	for p := range panics {
		panic(p)
	}

	return status
}

func catchPanic(into chan<- any) {
	if r := recover(); r != nil {
		into <- r
	}
}

// clientToShell reads framed input chunks from the client, runs each byte
// through the connection's own keybinding recognizer, and writes whatever
// survives straight to the pty master. A Detach match tears down the
// attach without killing the shell.
func clientToShell(sess *Session, conn net.Conn, keyEngine *keybindEngine) {
	// Covers the unclean-disconnect path too (client process killed, network
	// drop): the session must not stay marked attached forever.
	defer sess.detach()
	for {
		kind, payload, err := proto.ReadChunk(conn)
		if err != nil {
			return
		}
		if kind != proto.ChunkData {
			continue
		}
		var out []byte
		detachFired := false
		for _, b := range payload {
			tr := keyEngine.transitionByte(b)
			out = append(out, tr.flush...)
			if tr.result == resultMatch {
				switch tr.action {
				case ActionDetach:
					detachFired = true
				case ActionNoOp:
				}
			}
		}
		if len(out) > 0 {
			if _, err := sess.ptm.Write(out); err != nil {
				return
			}
		}
		if detachFired {
			sess.detach()
			return
		}
	}
}

// heartbeat periodically writes an empty Heartbeat chunk so a half-open
// socket (client machine gone dark) is detected by a failing write instead
// of an indefinite hang.
func heartbeat(sess *Session, conn net.Conn, stop <-chan struct{}) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	mu := sess.reader.sinkMu
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			mu.Lock()
			err := proto.WriteChunk(conn, proto.ChunkHeartbeat, nil)
			mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// watchChildExit polls the exit notifier and returns as soon as the child
// has exited; it does not itself close the connection, since the reader
// thread already does that once it has flushed the final ExitStatus chunk.
func watchChildExit(sess *Session, stop <-chan struct{}) {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if _, fired := sess.exitN.hasFired(); fired {
				return
			}
		}
	}
}
