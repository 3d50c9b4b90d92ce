package daemon

import (
	"fmt"
	"net"
	"os"

	"github.com/shell-pool/shpool-sub002/internal/shpoolog"
	"github.com/shell-pool/shpool-sub002/internal/tty"
)

// checkPeer reads the kernel's socket-credentials for conn and compares them
// against the daemon's own UID and executable. A UID mismatch comes back as
// allowed=false with a descriptive err the caller can relay to an Attach
// client; an executable mismatch is logged and returned as a non-fatal
// warning, never refusing the connection (it only catches upgrade-mismatch
// situations non-fatally).
func checkPeer(conn *net.UnixConn) (allowed bool, exeWarning string, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return false, "", fmt.Errorf("syscall conn: %w", err)
	}

	var cred tty.PeerCred
	var credErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, credErr = tty.GetPeerCred(int(fd))
	})
	if ctrlErr != nil {
		return false, "", ctrlErr
	}
	if credErr != nil {
		return false, "", credErr
	}

	if cred.UID != uint32(os.Getuid()) {
		return false, "", fmt.Errorf("shpool prohibits connections across users")
	}

	selfExe, err := os.Executable()
	if err != nil {
		// Can't compare; don't treat this as a reason to refuse.
		return true, "", nil
	}
	peerExe, err := tty.ExePath(cred.PID)
	if err != nil {
		// Process may have already exited, or /proc is unavailable; not fatal.
		return true, "", nil
	}
	if peerExe != selfExe {
		warning := "attach binary differs from daemon binary"
		shpoolog.Warn("peer executable mismatch", "peer_exe", peerExe, "daemon_exe", selfExe)
		return true, warning, nil
	}
	return true, "", nil
}
