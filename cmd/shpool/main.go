// Command shpool is the client CLI: attach, detach, kill, and list
// operations against a running shpoold over its Unix control socket.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/shell-pool/shpool-sub002/internal/proto"
	"github.com/shell-pool/shpool-sub002/internal/tty"
)

var socketPathFlag string

func main() {
	root := &cobra.Command{
		Use:   "shpool",
		Short: "shpool multiplexes interactive shells behind a daemon",
	}
	root.PersistentFlags().StringVar(&socketPathFlag, "socket", "", "override the control socket path")

	root.AddCommand(attachCmd(), detachCmd(), killCmd(), listCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func socketPath() string {
	if socketPathFlag != "" {
		return socketPathFlag
	}
	if rt := os.Getenv("XDG_RUNTIME_DIR"); rt != "" {
		return filepath.Join(rt, "shpool", "shpool.socket")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("shpool-%d", os.Getuid()), "shpool.socket")
}

func dial() (*net.UnixConn, error) {
	addr, err := net.ResolveUnixAddr("unix", socketPath())
	if err != nil {
		return nil, err
	}
	return net.DialUnix("unix", nil, addr)
}

func attachCmd() *cobra.Command {
	var ttlSecs uint32
	var hasTTL bool
	cmd := &cobra.Command{
		Use:   "attach <name> [-- cmd args...]",
		Short: "attach to a session, creating it if it doesn't exist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			userCmd := args[1:]
			var ttl *uint32
			if hasTTL {
				ttl = &ttlSecs
			}
			return runAttach(name, userCmd, ttl)
		},
	}
	cmd.Flags().Uint32Var(&ttlSecs, "ttl", 0, "seconds after which the session is force-killed")
	cmd.PreRun = func(cmd *cobra.Command, args []string) {
		hasTTL = cmd.Flags().Changed("ttl")
	}
	return cmd
}

func runAttach(name string, userCmd []string, ttl *uint32) error {
	conn, err := dial()
	if err != nil {
		return fmt.Errorf("connect to shpoold: %w", err)
	}
	defer conn.Close()

	size := tty.Size{Rows: 24, Cols: 80}
	if s, err := tty.GetSize(os.Stdin); err == nil {
		size = s
	}

	var localEnv []proto.KV
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			localEnv = append(localEnv, proto.KV{Key: kv[:i], Value: kv[i+1:]})
		}
	}

	req := proto.AttachRequest{
		Name:         name,
		Term:         os.Getenv("TERM"),
		LocalTTYSize: size,
		LocalEnv:     localEnv,
		TTLSecs:      ttl,
	}
	if len(userCmd) > 0 {
		req.Cmd = userCmd
	}
	if err := proto.WriteMessage(conn, proto.KindConnectAttach, req.Encode()); err != nil {
		return fmt.Errorf("send attach request: %w", err)
	}

	_, kind, payload, err := proto.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("read attach reply: %w", err)
	}
	if kind != proto.KindAttachReply {
		return fmt.Errorf("unexpected reply kind %d", kind)
	}
	reply, err := proto.DecodeAttachReply(payload)
	if err != nil {
		return fmt.Errorf("decode attach reply: %w", err)
	}

	for _, w := range reply.Warnings {
		fmt.Fprintf(os.Stderr, "shpool: warning: %s\n", w)
	}

	switch reply.Status {
	case proto.AttachStatusBusy:
		return fmt.Errorf("session %q already has a terminal attached", name)
	case proto.AttachStatusForbidden:
		return fmt.Errorf("attach forbidden: %s", reply.ForbiddenWhy)
	case proto.AttachStatusVersionMismatch:
		return fmt.Errorf("protocol version mismatch (daemon speaks v%d)", reply.DaemonVersion)
	}

	return streamAttach(conn, name)
}

// streamAttach switches stdin to raw mode, forwards bytes bidirectionally
// over the chunk stream, and forwards SIGWINCH as a resize micro-RPC over a
// second connection (the main stream is dedicated to data and heartbeats).
func streamAttach(conn *net.UnixConn, name string) error {
	stdinFd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("set raw mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			sendResize(name)
		}
	}()

	exitCode := 0
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := proto.WriteChunk(conn, proto.ChunkData, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		kind, payload, err := proto.ReadChunk(conn)
		if err != nil {
			break
		}
		switch kind {
		case proto.ChunkData:
			os.Stdout.Write(payload)
		case proto.ChunkExitStatus:
			if code, err := proto.DecodeExitStatus(payload); err == nil {
				exitCode = int(code)
			}
		case proto.ChunkHeartbeat:
		}
	}

	<-done
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}

func sendResize(name string) {
	size, err := tty.GetSize(os.Stdin)
	if err != nil {
		return
	}
	conn, err := dial()
	if err != nil {
		return
	}
	defer conn.Close()

	req := proto.SessionMessageRequest{SessionName: name, Payload: proto.SessionMessageResize, ResizeSize: size}
	if err := proto.WriteMessage(conn, proto.KindConnectSessionMessage, req.Encode()); err != nil {
		return
	}
	proto.ReadMessage(conn)
}

func detachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detach [names...]",
		Short: "detach the client currently attached to one or more sessions",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()
			req := proto.DetachRequest{Sessions: args}
			if err := proto.WriteMessage(conn, proto.KindConnectDetach, req.Encode()); err != nil {
				return err
			}
			_, _, payload, err := proto.ReadMessage(conn)
			if err != nil {
				return err
			}
			reply, err := proto.DecodeDetachReply(payload)
			if err != nil {
				return err
			}
			for _, n := range reply.NotFound {
				fmt.Fprintf(os.Stderr, "shpool: no such session %q\n", n)
			}
			for _, n := range reply.NotAttached {
				fmt.Fprintf(os.Stderr, "shpool: %q was not attached\n", n)
			}
			return nil
		},
	}
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill [names...]",
		Short: "terminate one or more sessions",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()
			req := proto.KillRequest{Sessions: args}
			if err := proto.WriteMessage(conn, proto.KindConnectKill, req.Encode()); err != nil {
				return err
			}
			_, _, payload, err := proto.ReadMessage(conn)
			if err != nil {
				return err
			}
			reply, err := proto.DecodeKillReply(payload)
			if err != nil {
				return err
			}
			for _, n := range reply.NotFound {
				fmt.Fprintf(os.Stderr, "shpool: no such session %q\n", n)
			}
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list known sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := proto.WriteMessage(conn, proto.KindConnectList, nil); err != nil {
				return err
			}
			_, _, payload, err := proto.ReadMessage(conn)
			if err != nil {
				return err
			}
			reply, err := proto.DecodeListReply(payload)
			if err != nil {
				return err
			}
			for _, s := range reply.Sessions {
				status := "disconnected"
				if s.Status == proto.SessionStatusAttached {
					status = "attached"
				}
				fmt.Fprintf(os.Stdout, "%s\t%s\n", s.Name, status)
			}
			return nil
		},
	}
}
