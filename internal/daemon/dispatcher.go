package daemon

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/shell-pool/shpool-sub002/internal/config"
	"github.com/shell-pool/shpool-sub002/internal/proto"
	"github.com/shell-pool/shpool-sub002/internal/shpoolog"
	"github.com/shell-pool/shpool-sub002/internal/testhook"
)

const (
	handshakeTimeout = 5 * time.Second
	microRPCTimeout  = 500 * time.Millisecond
)

// Daemon owns the session table, the TTL reaper, and the accept loop over
// the control socket. It is the single process-wide point of entry for
// every client connection.
type Daemon struct {
	cfg    *config.Config
	hooks  Hooks
	table  *sessionTable
	reaper *ttlReaper
}

// NewDaemon wires a config and an optional hook set (nil uses the no-op
// default) into a ready-to-serve Daemon.
func NewDaemon(cfg *config.Config, hooks Hooks) *Daemon {
	if hooks == nil {
		hooks = noopHooks{}
	}
	table := newSessionTable()
	d := &Daemon{
		cfg:    cfg,
		hooks:  hooks,
		table:  table,
		reaper: newTTLReaper(table),
	}
	go d.reaper.run()
	return d
}

// ListenAndServe binds the Unix domain socket at socketPath (removing any
// stale file left by a prior, uncleanly-terminated daemon) and accepts
// connections until the listener is closed.
func (d *Daemon) ListenAndServe(socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer ln.Close()

	shpoolog.Info("daemon listening", "socket", socketPath)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		uconn, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}
		go d.handleConn(uconn)
	}
}

func (d *Daemon) handleConn(conn *net.UnixConn) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	version, kind, payload, err := proto.ReadMessage(conn)
	if err != nil {
		conn.Close()
		return
	}

	allowed, exeWarning, peerErr := checkPeer(conn)
	if !allowed {
		if kind == proto.KindConnectAttach {
			why := "peer rejected"
			if peerErr != nil {
				why = peerErr.Error()
			}
			reply := proto.AttachReply{Status: proto.AttachStatusForbidden, ForbiddenWhy: why}
			proto.WriteMessage(conn, proto.KindAttachReply, reply.Encode())
		}
		if peerErr != nil {
			shpoolog.Warn("peer check failed", "err", peerErr)
		}
		conn.Close()
		return
	}

	if version != proto.Version {
		if kind == proto.KindConnectAttach {
			reply := proto.AttachReply{Status: proto.AttachStatusVersionMismatch, DaemonVersion: proto.Version}
			proto.WriteMessage(conn, proto.KindAttachReply, reply.Encode())
		}
		conn.Close()
		return
	}

	switch kind {
	case proto.KindConnectAttach:
		conn.SetReadDeadline(time.Time{})
		d.handleAttach(conn, payload, exeWarning)
	case proto.KindConnectDetach:
		conn.SetDeadline(time.Now().Add(microRPCTimeout))
		d.handleDetach(conn, payload)
		conn.Close()
	case proto.KindConnectKill:
		conn.SetDeadline(time.Now().Add(microRPCTimeout))
		d.handleKill(conn, payload)
		conn.Close()
	case proto.KindConnectList:
		conn.SetDeadline(time.Now().Add(microRPCTimeout))
		d.handleList(conn)
		conn.Close()
	case proto.KindConnectSessionMessage:
		conn.SetDeadline(time.Now().Add(microRPCTimeout))
		d.handleSessionMessage(conn, payload)
		conn.Close()
	default:
		conn.Close()
	}
}

func (d *Daemon) handleAttach(conn *net.UnixConn, payload []byte, exeWarning string) {
	req, err := proto.DecodeAttachRequest(payload)
	if err != nil {
		conn.Close()
		return
	}

	var warnings []string
	if exeWarning != "" {
		warnings = append(warnings, exeWarning)
	}

	sess, ok := d.table.get(req.Name)
	if ok && sess.staleForReattach() {
		// The subshell already exited (or its reader already finished)
		// with nobody attached to see it happen; the table entry is stale,
		// so clobber it with a fresh subshell instead of handing the client
		// a reader that has already shut down.
		shpoolog.Warn("attach: clobbering stale session with fresh subshell", "session", req.Name)
		d.table.remove(req.Name)
		testhook.Post(testhook.EventSessionRemoved)
		ok = false
	}
	if ok {
		if sess.isAttached() {
			d.hooks.OnBusy(req.Name)
			reply := proto.AttachReply{Status: proto.AttachStatusBusy}
			proto.WriteMessage(conn, proto.KindAttachReply, reply.Encode())
			conn.Close()
			return
		}
		reply := proto.AttachReply{Status: proto.AttachStatusAttached, Warnings: warnings}
		if err := proto.WriteMessage(conn, proto.KindAttachReply, reply.Encode()); err != nil {
			conn.Close()
			return
		}
		keyEngine, kerr := buildKeybindEngine(d.cfg.Keybindings)
		if kerr != nil {
			keyEngine = defaultKeybindEngine()
		}
		runBidiStream(sess, conn, req.LocalTTYSize, keyEngine)
		return
	}

	newSess, err := spawnSession(d.cfg, spawnOpts{Name: req.Name, Cmd: req.Cmd, TTLSecs: req.TTLSecs}, d.hooks)
	if err != nil {
		// Spawn failure is not a peer/UID rejection, so it doesn't belong on
		// AttachStatusForbidden; there is no dedicated wire status for it, so
		// we just log and drop the connection, same as an unhandled error
		// bubbling out of handle_conn in the original.
		shpoolog.Error("spawn session failed", "session", req.Name, "err", err)
		conn.Close()
		return
	}
	d.table.insert(req.Name, newSess)
	if req.TTLSecs != nil {
		d.reaper.register(req.Name, time.Now().Add(time.Duration(*req.TTLSecs)*time.Second))
	}

	reply := proto.AttachReply{Status: proto.AttachStatusCreated, Warnings: warnings}
	if err := proto.WriteMessage(conn, proto.KindAttachReply, reply.Encode()); err != nil {
		conn.Close()
		return
	}
	keyEngine, kerr := buildKeybindEngine(d.cfg.Keybindings)
	if kerr != nil {
		keyEngine = defaultKeybindEngine()
	}
	runBidiStream(newSess, conn, req.LocalTTYSize, keyEngine)
}

func (d *Daemon) handleDetach(conn *net.UnixConn, payload []byte) {
	req, err := proto.DecodeDetachRequest(payload)
	if err != nil {
		return
	}
	var reply proto.DetachReply
	for _, name := range req.Sessions {
		sess, ok := d.table.get(name)
		if !ok {
			reply.NotFound = append(reply.NotFound, name)
			continue
		}
		if status := sess.detach(); status == ackDetachNone {
			reply.NotAttached = append(reply.NotAttached, name)
		}
	}
	proto.WriteMessage(conn, proto.KindDetachReply, reply.Encode())
}

func (d *Daemon) handleKill(conn *net.UnixConn, payload []byte) {
	req, err := proto.DecodeKillRequest(payload)
	if err != nil {
		return
	}
	var reply proto.KillReply
	for _, name := range req.Sessions {
		sess, ok := d.table.get(name)
		if !ok {
			reply.NotFound = append(reply.NotFound, name)
			continue
		}
		sess.kill()
		d.table.remove(name)
		testhook.Post(testhook.EventSessionRemoved)
	}
	proto.WriteMessage(conn, proto.KindKillReply, reply.Encode())
}

func (d *Daemon) handleList(conn *net.UnixConn) {
	var reply proto.ListReply
	for _, ns := range d.table.iter() {
		status := proto.SessionStatusDisconnected
		if ns.session.isAttached() {
			status = proto.SessionStatusAttached
		}
		reply.Sessions = append(reply.Sessions, proto.SessionSummary{
			Name:        ns.name,
			StartedAtMS: ns.session.CreatedAt.UnixMilli(),
			Status:      status,
		})
	}
	proto.WriteMessage(conn, proto.KindListReply, reply.Encode())
}

func (d *Daemon) handleSessionMessage(conn *net.UnixConn, payload []byte) {
	req, err := proto.DecodeSessionMessageRequest(payload)
	if err != nil {
		return
	}
	sess, ok := d.table.get(req.SessionName)
	if !ok {
		reply := proto.SessionMessageReply{Kind: proto.SessionMessageReplyNotFound}
		proto.WriteMessage(conn, proto.KindSessionMessageReply, reply.Encode())
		return
	}
	switch req.Payload {
	case proto.SessionMessageResize:
		sess.resize(req.ResizeSize)
		reply := proto.SessionMessageReply{Kind: proto.SessionMessageReplyResizeOk}
		proto.WriteMessage(conn, proto.KindSessionMessageReply, reply.Encode())
	case proto.SessionMessageDetach:
		sess.detach()
		reply := proto.SessionMessageReply{Kind: proto.SessionMessageReplyDetachOk}
		proto.WriteMessage(conn, proto.KindSessionMessageReply, reply.Encode())
	}
}
