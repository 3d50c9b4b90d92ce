package daemon

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/shell-pool/shpool-sub002/internal/proto"
	"github.com/shell-pool/shpool-sub002/internal/shpoolog"
	"github.com/shell-pool/shpool-sub002/internal/testhook"
	"github.com/shell-pool/shpool-sub002/internal/tty"
)

// ctlKind tags a message on the reader's control request channel.
type ctlKind int

const (
	ctlAttach ctlKind = iota
	ctlDetach
	ctlDisconnectExit
	ctlTTYSize
)

// ackStatus is the mandatory acknowledgment carried back on the control ack
// channel for attach/detach requests.
type ackStatus int

const (
	ackNew ackStatus = iota
	ackReplaced
	ackDetached
	ackDetachNone
)

// ctlRequest is posted on a session's control-request channel.
type ctlRequest struct {
	kind ctlKind
	conn net.Conn // set for ctlAttach
	size tty.Size // set for ctlAttach and ctlTTYSize
}

// sessionReader is the always-on, per-session consumer of the PTY master.
// It is the sole reader of the master fd; it owns the scrollback engine and
// arbitrates which client (if any) currently receives forwarded output.
type sessionReader struct {
	name string
	ptm  *os.File
	scrollback *scrollbackEngine
	restorePolicy restorePolicy
	restoreLinesN int

	ctlReqCh   chan ctlRequest
	ctlAckCh   chan ackStatus
	resizeReqCh chan tty.Size
	resizeAckCh chan struct{}

	promptSentinel []byte
	hasSeenSentinel bool
	needsMOTDDump  bool

	// mutable loop state
	sink         net.Conn
	sinkMu       *sync.Mutex // serializes writes to sink against the heartbeat
	currentSize  tty.Size
	scheduledResize *scheduledResize
	needsRestoration bool

	exitN *exitNotifier
	stop  chan struct{}
	done  chan struct{}
}

type scheduledResize struct {
	size     tty.Size
	applyAt  time.Time
}

func newSessionReader(name string, ptm *os.File, sb *scrollbackEngine, policy restorePolicy, linesN int, promptSentinel []byte, exitN *exitNotifier) *sessionReader {
	return &sessionReader{
		name:           name,
		ptm:            ptm,
		scrollback:     sb,
		restorePolicy:  policy,
		restoreLinesN:  linesN,
		ctlReqCh:       make(chan ctlRequest),
		ctlAckCh:       make(chan ackStatus),
		resizeReqCh:    make(chan tty.Size),
		resizeAckCh:    make(chan struct{}),
		promptSentinel: promptSentinel,
		needsMOTDDump:  len(promptSentinel) > 0,
		sinkMu:         &sync.Mutex{},
		exitN:          exitN,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

const (
	reattachResizeDelay = 50 * time.Millisecond
	readerPollInterval  = 100 * time.Millisecond
)

// run is the reader thread's main loop. It never returns until its stop
// channel is closed or a disconnect-exit message is processed. It does not touch the PTY master at all until the first client
// has ever attached, so the subshell's initial prompt is never read (and
// dropped) by nobody.
func (r *sessionReader) run() {
	defer close(r.done)

	if !r.waitForFirstAttach() {
		return
	}

	buf := make([]byte, 8192)

	for {
		select {
		case req := <-r.ctlReqCh:
			if r.handleCtlRequest(req) {
				return
			}
			continue
		case size := <-r.resizeReqCh:
			r.handleTTYSize(size)
			continue
		case <-r.stop:
			return
		default:
		}

		r.applyScheduledResizeIfDue()
		r.maybeSendRestoration()

		r.ptm.SetReadDeadline(time.Now().Add(readerPollInterval))
		n, err := r.ptm.Read(buf)
		if n > 0 {
			r.forwardChunk(buf[:n])
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, io.EOF) {
				// Master closed from the other side (shell exited); keep
				// looping on the control channels until the supervisor
				// posts ctlDisconnectExit, rather than busy-spinning reads.
				r.waitForDisconnectExit()
				return
			}
			shpoolog.Warn("reader: pty read error", "session", r.name, "err", err)
			r.waitForDisconnectExit()
			return
		}
	}
}

// waitForFirstAttach blocks on the control and resize channels only, never
// touching the PTY master, until the first ctlAttach ever arrives. Returns
// false if the session is torn down (stop closed, or a disconnect-exit is
// processed) before any client ever attached.
func (r *sessionReader) waitForFirstAttach() bool {
	for {
		select {
		case req := <-r.ctlReqCh:
			done := r.handleCtlRequest(req)
			if req.kind == ctlAttach {
				return true
			}
			if done {
				return false
			}
		case size := <-r.resizeReqCh:
			r.handleTTYSize(size)
		case <-r.stop:
			return false
		}
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

// waitForDisconnectExit blocks on the control channel only, handling resize
// and disconnect requests, until a ctlDisconnectExit arrives.
func (r *sessionReader) waitForDisconnectExit() {
	for {
		select {
		case req := <-r.ctlReqCh:
			if req.kind == ctlDisconnectExit {
				r.handleCtlRequest(req)
				return
			}
			r.handleCtlRequest(req)
		case <-r.resizeReqCh:
			r.resizeAckCh <- struct{}{}
		case <-r.stop:
			return
		}
	}
}

// handleCtlRequest processes one control message. Returns true if the
// reader loop should exit (disconnect-exit path).
func (r *sessionReader) handleCtlRequest(req ctlRequest) bool {
	switch req.kind {
	case ctlAttach:
		prevSink := r.sink
		if prevSink != nil {
			prevSink.Close()
		}
		r.sink = req.conn
		r.currentSize = req.size

		// Jiggle: resize one row/col larger immediately, schedule the real
		// size after a short delay to force full-screen TUIs to repaint.
		jiggled := req.size
		jiggled.Rows++
		jiggled.Cols++
		pty.Setsize(r.ptm, &pty.Winsize{Rows: jiggled.Rows, Cols: jiggled.Cols, X: jiggled.XPixel, Y: jiggled.YPixel})
		r.scheduledResize = &scheduledResize{size: req.size, applyAt: time.Now().Add(reattachResizeDelay)}
		r.scrollback.setRows(int(req.size.Rows))

		r.needsRestoration = true
		if prevSink != nil {
			r.ctlAckCh <- ackReplaced
		} else {
			r.ctlAckCh <- ackNew
		}
		return false

	case ctlDetach:
		if r.sink != nil {
			r.sink.Close()
			r.sink = nil
			r.ctlAckCh <- ackDetached
		} else {
			r.ctlAckCh <- ackDetachNone
		}
		return false

	case ctlDisconnectExit:
		code, _ := r.exitN.hasFired()
		if r.sink != nil {
			r.writeChunkLocked(proto.ChunkExitStatus, proto.EncodeExitStatus(code))
			r.sink.Close()
			r.sink = nil
		}
		r.ctlAckCh <- ackDetached
		testhook.Post(testhook.EventBidiStreamDone)
		return true

	case ctlTTYSize:
		r.handleTTYSize(req.size)
		return false
	}
	return false
}

func (r *sessionReader) handleTTYSize(size tty.Size) {
	r.scrollback.setRows(int(size.Rows))
	pty.Setsize(r.ptm, &pty.Winsize{Rows: size.Rows, Cols: size.Cols, X: size.XPixel, Y: size.YPixel})
	r.currentSize = size
	r.resizeAckCh <- struct{}{}
}

func (r *sessionReader) applyScheduledResizeIfDue() {
	if r.scheduledResize == nil {
		return
	}
	if time.Now().Before(r.scheduledResize.applyAt) {
		return
	}
	sz := r.scheduledResize.size
	pty.Setsize(r.ptm, &pty.Winsize{Rows: sz.Rows, Cols: sz.Cols, X: sz.XPixel, Y: sz.YPixel})
	r.scheduledResize = nil
}

func (r *sessionReader) maybeSendRestoration() {
	if !r.needsRestoration || r.sink == nil {
		return
	}
	r.needsRestoration = false
	chunks := r.scrollback.restorationChunks(r.restorePolicy, r.restoreLinesN)
	for _, c := range chunks {
		r.writeChunkLocked(proto.ChunkData, c)
	}
	testhook.Post(testhook.EventReaderReattach)
}

// forwardChunk feeds shell output into the scrollback, strips RC startup
// noise up to and including the prompt sentinel on first sight, then
// forwards the remainder as Data chunks. A pending MOTD dump only has its
// flag cleared here; no MOTD bytes are written.
func (r *sessionReader) forwardChunk(chunk []byte) {
	r.scrollback.feed(chunk)

	if !r.hasSeenSentinel && len(r.promptSentinel) > 0 {
		if idx := indexOf(chunk, r.promptSentinel); idx >= 0 {
			r.hasSeenSentinel = true
			testhook.Post(testhook.EventPromptSentinelHit)
			chunk = chunk[idx+len(r.promptSentinel):]
		} else {
			return // still inside RC startup noise
		}
	}

	if r.sink == nil || len(chunk) == 0 {
		return
	}

	if r.needsMOTDDump {
		r.needsMOTDDump = false
	}

	for _, piece := range proto.ChunkPayloads(chunk) {
		r.writeChunkLocked(proto.ChunkData, piece)
	}
}

// writeChunkLocked serializes a chunk write through the shared sink mutex
// so heartbeat frames never tear a data chunk.
func (r *sessionReader) writeChunkLocked(kind byte, payload []byte) {
	if r.sink == nil {
		return
	}
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	if err := proto.WriteChunk(r.sink, kind, payload); err != nil {
		r.sink = nil
		return
	}
	testhook.Post(testhook.EventWroteS2CChunk)
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
