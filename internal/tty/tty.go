// Package tty wraps the raw ioctl/credential syscalls the daemon needs:
// pty size get/set and Unix-socket peer credential lookup.
package tty

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Size is a terminal's row/column/pixel geometry, matching the wire layout
// of ConnectHeader::Attach's local_tty_size field.
type Size struct {
	Rows   uint16
	Cols   uint16
	XPixel uint16
	YPixel uint16
}

// SetSize applies sz to the pty master f.
func SetSize(f *os.File, sz Size) error {
	ws := &unix.Winsize{
		Row: sz.Rows,
		Col: sz.Cols,
		Xpixel: sz.XPixel,
		Ypixel: sz.YPixel,
	}
	return unix.IoctlSetWinsize(int(f.Fd()), unix.TIOCSWINSZ, ws)
}

// GetSize reads the current size of the pty master f.
func GetSize(f *os.File) (Size, error) {
	ws, err := unix.IoctlGetWinsize(int(f.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		return Size{}, err
	}
	return Size{Rows: ws.Row, Cols: ws.Col, XPixel: ws.Xpixel, YPixel: ws.Ypixel}, nil
}

// SetEcho toggles the ECHO termios flag on the pty master f. Used for
// sessions configured to suppress local echo, leaving canonical mode and
// signal handling untouched.
func SetEcho(f *os.File, on bool) error {
	t, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
	if err != nil {
		return err
	}
	if on {
		t.Lflag |= unix.ECHO
	} else {
		t.Lflag &^= unix.ECHO
	}
	return unix.IoctlSetTermios(int(f.Fd()), unix.TCSETS, t)
}

// PeerCred is the UID/PID pair the kernel reports for the far end of a Unix
// domain socket.
type PeerCred struct {
	UID uint32
	PID int32
}

// GetPeerCred reads SO_PEERCRED for a Unix-domain connection's underlying fd.
func GetPeerCred(fd int) (PeerCred, error) {
	ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return PeerCred{}, fmt.Errorf("getsockopt SO_PEERCRED: %w", err)
	}
	return PeerCred{UID: ucred.Uid, PID: ucred.Pid}, nil
}

// ExePath resolves the executable path of a running process via /proc.
func ExePath(pid int32) (string, error) {
	link := fmt.Sprintf("/proc/%d/exe", pid)
	target, err := os.Readlink(link)
	if err != nil {
		return "", err
	}
	return target, nil
}
