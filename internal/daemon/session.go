package daemon

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/xo/terminfo"

	"github.com/shell-pool/shpool-sub002/internal/config"
	"github.com/shell-pool/shpool-sub002/internal/shpoolog"
	"github.com/shell-pool/shpool-sub002/internal/testhook"
	"github.com/shell-pool/shpool-sub002/internal/tty"
)

// Session is one named, long-lived shell. Its immutable fields are set once
// at spawn; the mutable sub-state (pty master, exit notifier, reader
// control channels) is only ever touched through the reader thread's own
// loop, never under a lock shared with blocking PTY I/O.
type Session struct {
	Name      string
	CreatedAt time.Time
	pid       int

	ptm             *os.File
	reader          *sessionReader
	exitN           *exitNotifier
	sshAuthSockLink string

	attached atomic.Bool
	hooks    Hooks
}

// spawnOpts carries the per-attach-on-creation parameters distinct from the
// daemon-wide config.
type spawnOpts struct {
	Name    string
	Cmd     []string
	TTLSecs *uint32
}

// spawnSession implements the spawn procedure: resolve the shell, curate
// the environment, fork the pty, resolve a terminfo database, start the
// child-wait goroutine, inject the prompt prefix, then start the reader.
func spawnSession(cfg *config.Config, opts spawnOpts, hooks Hooks) (*Session, error) {
	shellPath, shellArgv0, loginShell := resolveShell(cfg, opts.Cmd)

	env := curateEnvironment(cfg)
	term := resolveTerminfoName()
	env = append(env, "TERM="+term)
	env = append(env, "SHPOOL_SESSION_NAME="+opts.Name)

	var sshLink string
	if !cfg.DisableSSHAuthSockSymlink {
		if link, err := ensureSSHAuthSockSymlink(opts.Name, os.Getenv("SSH_AUTH_SOCK")); err == nil {
			sshLink = link
			env = append(env, "SSH_AUTH_SOCK="+link)
		} else {
			shpoolog.Debug("session: no ssh-auth-sock symlink", "session", opts.Name, "err", err)
		}
	}

	cmd := exec.Command(shellPath)
	cmd.Args = []string{shellArgv0}
	if len(opts.Cmd) > 0 {
		cmd.Args = opts.Cmd
		cmd.Path = opts.Cmd[0]
		if resolved, err := exec.LookPath(opts.Cmd[0]); err == nil {
			cmd.Path = resolved
		}
	}
	if cfg.InitialPath != "" {
		env = append(env, "PATH="+cfg.InitialPath)
	}
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ptm, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("spawn session %s: %w", opts.Name, err)
	}

	if cfg.NoEcho {
		if err := tty.SetEcho(ptm, false); err != nil {
			shpoolog.Debug("session: set noecho failed", "session", opts.Name, "err", err)
		}
	}

	exitN := newExitNotifier()
	sess := &Session{
		Name:            opts.Name,
		CreatedAt:       time.Now(),
		pid:             cmd.Process.Pid,
		ptm:             ptm,
		exitN:           exitN,
		sshAuthSockLink: sshLink,
		hooks:           hooks,
	}

	var sentinel []byte
	if loginShell && cfg.PromptPrefix != "" {
		sentinel = injectPromptPrefix(ptm, cfg.PromptPrefix, opts.Name)
	}

	policy := restoreNone
	switch cfg.Restore.Mode {
	case "screen":
		policy = restoreScreen
	case "lines":
		policy = restoreLines
	}

	sb := newScrollbackEngine(24)
	reader := newSessionReader(opts.Name, ptm, sb, policy, cfg.Restore.Lines, sentinel, exitN)
	sess.reader = reader

	go reader.run()
	go sess.waitForChild(cmd)

	testhook.Post(testhook.EventSessionSpawned)
	if hooks != nil {
		hooks.OnNewSession(opts.Name)
	}
	return sess, nil
}

// waitForChild is the supervisor thread: it blocks on the child's exit,
// records the code on the write-once notifier, then hands the reader a
// disconnect-exit message so any attached client gets a final ExitStatus
// chunk before the stream closes.
func (s *Session) waitForChild(cmd *exec.Cmd) {
	err := cmd.Wait()
	code := int32(0)
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				if ws.Signaled() {
					code = int32(128 + int(ws.Signal()))
				} else {
					code = int32(ws.ExitStatus())
				}
			} else {
				code = 1
			}
		} else {
			code = 1
		}
	}
	s.exitN.notifyExit(code)

	s.reader.ctlReqCh <- ctlRequest{kind: ctlDisconnectExit}
	<-s.reader.ctlAckCh
	s.attached.Store(false)

	if s.sshAuthSockLink != "" {
		os.Remove(s.sshAuthSockLink)
	}
	if s.hooks != nil {
		s.hooks.OnShellDisconnect(s.Name)
	}
}

// attach hands a fresh client connection to the reader thread. The caller
// is responsible for spinning up the bidi supervisor on success.
func (s *Session) attach(conn net.Conn, size tty.Size) ackStatus {
	select {
	case s.reader.ctlReqCh <- ctlRequest{kind: ctlAttach, conn: conn, size: size}:
	case <-s.reader.done:
		return ackDetachNone
	}
	var status ackStatus
	select {
	case status = <-s.reader.ctlAckCh:
	case <-s.reader.done:
		return ackDetachNone
	}
	s.attached.Store(true)
	if status == ackReplaced && s.hooks != nil {
		s.hooks.OnReattach(s.Name)
	}
	return status
}

// detach asks the reader to drop its current client sink, if any. Racing
// against the reader exiting (shell just died) resolves to ackDetachNone
// rather than blocking forever on a channel nobody drains anymore.
func (s *Session) detach() ackStatus {
	select {
	case s.reader.ctlReqCh <- ctlRequest{kind: ctlDetach}:
	case <-s.reader.done:
		return ackDetachNone
	}
	var status ackStatus
	select {
	case status = <-s.reader.ctlAckCh:
	case <-s.reader.done:
		return ackDetachNone
	}
	s.attached.Store(false)
	if s.hooks != nil {
		s.hooks.OnClientDisconnect(s.Name)
	}
	return status
}

// resize asks the reader to apply a new tty size immediately (used by the
// SessionMessage resize micro-RPC, distinct from the jiggle applied on a
// fresh attach).
func (s *Session) resize(size tty.Size) {
	select {
	case s.reader.resizeReqCh <- size:
	case <-s.reader.done:
		return
	}
	select {
	case <-s.reader.resizeAckCh:
	case <-s.reader.done:
	}
}

// isAttached reports whether a client is currently bound to this session.
func (s *Session) isAttached() bool { return s.attached.Load() }

// staleForReattach reports whether an attach to this table entry must
// clobber it with a fresh subshell rather than take it over: either the
// exit notifier has already fired (the subshell exited, e.g. the user typed
// "exit" with nobody attached to see it happen), or the reader thread has
// already finished (which can only follow an exit, but is checked
// separately in case the two race).
func (s *Session) staleForReattach() bool {
	if _, fired := s.exitN.hasFired(); fired {
		return true
	}
	select {
	case <-s.reader.done:
		return true
	default:
		return false
	}
}

// kill escalates SIGHUP then, after a grace period, SIGKILL to the whole
// process group rooted at the shell.
func (s *Session) kill() {
	pgid := -s.pid
	syscall.Kill(pgid, syscall.SIGHUP)
	if _, fired := s.exitN.wait(500 * time.Millisecond); fired {
		return
	}
	syscall.Kill(pgid, syscall.SIGKILL)
}

func resolveShell(cfg *config.Config, userCmd []string) (path, argv0 string, loginShell bool) {
	if len(userCmd) > 0 {
		return userCmd[0], userCmd[0], false
	}
	if cfg.Shell != "" {
		return cfg.Shell, "-" + filepath.Base(cfg.Shell), true
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh, "-" + filepath.Base(sh), true
	}
	return "/bin/bash", "-bash", true
}

// curateEnvironment builds the child's environment from the daemon's own,
// stripping variables that would leak daemon-internal state, optionally
// layering in /etc/environment.
func curateEnvironment(cfg *config.Config) []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "SHPOOL_") {
			continue
		}
		if strings.HasPrefix(kv, "SSH_AUTH_SOCK=") {
			continue
		}
		env = append(env, kv)
	}
	if cfg.ReadEtcEnvironment {
		if extra, err := parseEtcEnvironment("/etc/environment"); err == nil {
			env = append(env, extra...)
		}
	}
	return env
}

func parseEtcEnvironment(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
			continue
		}
		out = append(out, strings.Trim(line, "\""))
	}
	return out, nil
}

// resolveTerminfoName picks a TERM value backed by an actual terminfo
// database entry: the daemon process's own $TERM, else xterm-256color, else
// xterm, else empty (raw) if none of those is on the host. The TERM sent by
// the attaching client is not consulted.
func resolveTerminfoName() string {
	if t := os.Getenv("TERM"); t != "" {
		if _, err := terminfo.Load(t); err == nil {
			return t
		}
	}
	if _, err := terminfo.Load("xterm-256color"); err == nil {
		return "xterm-256color"
	}
	if _, err := terminfo.Load("xterm"); err == nil {
		return "xterm"
	}
	return ""
}

// injectPromptPrefix writes a one-shot shell command that decorates PS1
// with the configured prefix, followed by a sentinel the reader watches
// for so RC startup noise is stripped from the first forwarded chunk.
func injectPromptPrefix(ptm *os.File, prefix, sessionName string) []byte {
	sentinel := []byte(fmt.Sprintf("\x02shpool-ready-%s\x03", sessionName))
	cmd := fmt.Sprintf("PS1=%s\"$PS1\"; printf '%s'\n", shellSingleQuote(prefix), string(sentinel))
	fmt.Fprint(ptm, cmd)
	return sentinel
}

func shellSingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ensureSSHAuthSockSymlink places a per-session symlink to target under a
// private directory and returns the link path. spawnSession calls it once,
// at spawn, with the daemon process's own SSH_AUTH_SOCK; the client's
// environment is not consulted, and later attaches do not retarget the link.
func ensureSSHAuthSockSymlink(sessionName, target string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("no SSH_AUTH_SOCK to link")
	}
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(os.TempDir(), "shpool-"+u.Uid)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	link := filepath.Join(dir, sessionName+".agent")
	os.Remove(link)
	if err := os.Symlink(target, link); err != nil {
		return "", err
	}
	return link, nil
}
