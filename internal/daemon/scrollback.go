package daemon

import (
	"fmt"
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"

	"github.com/shell-pool/shpool-sub002/internal/proto"
)

// scrollbackWidth is the emulator's column count: deliberately far larger
// than any physical terminal so the shell's output is never wrapped by the
// tracking emulator itself, letting it losslessly re-render into whatever
// width the next client presents.
const scrollbackWidth = 1024 * 10

// maxScrollbackLines bounds the ring buffer of lines scrolled off the top.
const maxScrollbackLines = 50000

// restorePolicy selects what a reattach replays.
type restorePolicy int

const (
	restoreNone restorePolicy = iota
	restoreScreen
	restoreLines
)

// scrollbackEngine is the terminal emulator that ingests shell output and
// can emit either a full-screen or last-N-lines restoration stream.
type scrollbackEngine struct {
	mu   sync.Mutex
	emu  *vt.Emulator
	rows int

	lines  []string // ring buffer, oldest overwritten first
	head   int
	length int

	cursorHidden bool
	altScreen    bool
}

func newScrollbackEngine(rows int) *scrollbackEngine {
	if rows <= 0 {
		rows = 24
	}
	s := &scrollbackEngine{
		emu:   vt.NewEmulator(scrollbackWidth, rows),
		rows:  rows,
		lines: make([]string, maxScrollbackLines),
	}
	s.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(out []uv.Line) {
			if s.altScreen {
				return
			}
			for _, line := range out {
				rendered := line.Render()
				if s.length == len(s.lines) {
					s.lines[s.head] = ""
				}
				s.lines[s.head] = rendered
				s.head = (s.head + 1) % len(s.lines)
				if s.length < len(s.lines) {
					s.length++
				}
			}
		},
		ScrollbackClear: func() {
			for i := range s.lines {
				s.lines[i] = ""
			}
			s.length = 0
			s.head = 0
		},
		AltScreen: func(on bool) { s.altScreen = on },
		CursorVisibility: func(visible bool) {
			s.cursorHidden = !visible
		},
	})
	return s
}

// feed consumes shell output bytes.
func (s *scrollbackEngine) feed(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emu.Write(b)
}

// setRows is called on resize; the column count never changes.
func (s *scrollbackEngine) setRows(rows int) {
	if rows <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = rows
	s.emu.Resize(scrollbackWidth, rows)
}

// dumpScreen emits the minimal byte stream that reproduces the current
// visible screen on a VT-100-class terminal.
func (s *scrollbackEngine) dumpScreen() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf strings.Builder
	buf.WriteString("\x1b[2J\x1b[m\x1b[H")
	buf.WriteString(s.emu.Render())
	s.writeCursor(&buf)
	return []byte(buf.String())
}

// dumpLast emits the minimal bytes to reproduce the last n rows, including
// scrollback, by prefixing the screen dump with up to n-rows scrollback
// lines followed by screen-flush padding so a client's own wrapping
// matches, then the live grid.
func (s *scrollbackEngine) dumpLast(n int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf strings.Builder
	extra := n - s.rows
	if extra > 0 {
		lines := s.scrollbackTailLocked(extra)
		for _, line := range lines {
			buf.WriteString(line)
			buf.WriteString("\r\n")
		}
		if len(lines) > 0 {
			for i := 0; i < s.rows-1; i++ {
				buf.WriteByte('\n')
			}
		}
	}
	buf.WriteString("\x1b[m\x1b[H")
	buf.WriteString(s.emu.Render())
	s.writeCursor(&buf)
	return []byte(buf.String())
}

// writeCursor appends cursor position and visibility restore sequences.
// Must be called with mu held.
func (s *scrollbackEngine) writeCursor(buf *strings.Builder) {
	pos := s.emu.CursorPosition()
	fmt.Fprintf(buf, "\x1b[%d;%dH", pos.Y+1, pos.X+1)
	if s.cursorHidden {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}
}

// scrollbackTailLocked returns up to n of the most recent scrolled-off
// lines, oldest first. Must be called with mu held.
func (s *scrollbackEngine) scrollbackTailLocked(n int) []string {
	if n > s.length {
		n = s.length
	}
	if n <= 0 {
		return nil
	}
	out := make([]string, n)
	start := (s.head - n + len(s.lines)) % len(s.lines)
	for i := 0; i < n; i++ {
		out[i] = s.lines[(start+i)%len(s.lines)]
	}
	return out
}

func (s *scrollbackEngine) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emu.Close()
}

// restorationChunks computes the restoration buffer per policy and splits
// it into frames no larger than proto.MaxChunkPayload, ready to write
// through the client sink ahead of any live forwarded bytes.
func (s *scrollbackEngine) restorationChunks(policy restorePolicy, linesN int) [][]byte {
	var buf []byte
	switch policy {
	case restoreScreen:
		buf = s.dumpScreen()
	case restoreLines:
		buf = s.dumpLast(linesN)
	default:
		return nil
	}
	return proto.ChunkPayloads(buf)
}
