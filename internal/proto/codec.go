// Package proto implements the wire protocol between the shpool CLI and the
// daemon: a versioned, explicitly-laid-out binary codec for control messages
// (ConnectHeader/*Reply) plus a separate compact chunk framing used once an
// attach has entered bidirectional streaming.
//
// Every control message is:
//
//	[2 bytes version LE][1 byte kind][4 bytes length LE][length bytes payload]
//
// Every field inside a payload is fixed-width or length-prefixed explicitly;
// nothing is left to a generic serializer's default layout, per the
// requirement that client and daemon builds of the same protocol version
// agree on exact bytes.
package proto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/shell-pool/shpool-sub002/internal/tty"
)

// Version is the current wire protocol version. A daemon that receives a
// message with a different version replies with AttachReplyHeader's
// VersionMismatch status (for Attach) or closes the connection (otherwise).
const Version uint16 = 1

// Message kind discriminants.
const (
	KindConnectAttach         byte = 1
	KindConnectDetach         byte = 2
	KindConnectKill           byte = 3
	KindConnectList           byte = 4
	KindConnectSessionMessage byte = 5
	KindAttachReply           byte = 6
	KindDetachReply           byte = 7
	KindKillReply             byte = 8
	KindListReply             byte = 9
	KindSessionMessageReply   byte = 10
)

// maxControlPayload bounds a single control message's payload so a
// corrupted length prefix cannot make the daemon allocate unboundedly.
const maxControlPayload = 4 << 20 // 4 MiB

// ─── envelope ──────────────────────────────────────────────────────────────

// WriteMessage writes one versioned, length-prefixed control message.
func WriteMessage(w io.Writer, kind byte, payload []byte) error {
	hdr := make([]byte, 7)
	binary.LittleEndian.PutUint16(hdr[0:2], Version)
	hdr[2] = kind
	binary.LittleEndian.PutUint32(hdr[3:7], uint32(len(payload)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write message header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write message payload: %w", err)
		}
	}
	if f, ok := w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// ReadMessage reads one control message, returning its protocol version,
// kind, and raw payload for the caller to decode.
func ReadMessage(r io.Reader) (version uint16, kind byte, payload []byte, err error) {
	hdr := make([]byte, 7)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, 0, nil, err
	}
	version = binary.LittleEndian.Uint16(hdr[0:2])
	kind = hdr[2]
	n := binary.LittleEndian.Uint32(hdr[3:7])
	if n > maxControlPayload {
		return 0, 0, nil, fmt.Errorf("control message too large: %d bytes", n)
	}
	payload = make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, 0, nil, err
		}
	}
	return version, kind, payload, nil
}

// ─── primitive field encoding ──────────────────────────────────────────────

type encoder struct{ buf []byte }

func (e *encoder) u8(v byte)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}
func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}
func (e *encoder) i32(v int32) { e.u32(uint32(v)) }
func (e *encoder) i64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	e.buf = append(e.buf, b[:]...)
}
func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}
func (e *encoder) strList(ss []string) {
	e.u32(uint32(len(ss)))
	for _, s := range ss {
		e.str(s)
	}
}
func (e *encoder) boolean(b bool) {
	if b {
		e.u8(1)
	} else {
		e.u8(0)
	}
}
func (e *encoder) optStr(s *string) {
	if s == nil {
		e.boolean(false)
		return
	}
	e.boolean(true)
	e.str(*s)
}
func (e *encoder) optU32(v *uint32) {
	if v == nil {
		e.boolean(false)
		return
	}
	e.boolean(true)
	e.u32(*v)
}
func (e *encoder) size(sz tty.Size) {
	e.u16(sz.Rows)
	e.u16(sz.Cols)
	e.u16(sz.XPixel)
	e.u16(sz.YPixel)
}
func (e *encoder) kvList(kv []KV) {
	e.u32(uint32(len(kv)))
	for _, p := range kv {
		e.str(p.Key)
		e.str(p.Value)
	}
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) need(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.fail(fmt.Errorf("truncated message: need %d bytes at offset %d, have %d", n, d.off, len(d.buf)))
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() byte {
	b := d.need(1)
	if b == nil {
		return 0
	}
	return b[0]
}
func (d *decoder) u16() uint16 {
	b := d.need(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}
func (d *decoder) u32() uint32 {
	b := d.need(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}
func (d *decoder) i32() int32 { return int32(d.u32()) }
func (d *decoder) i64() int64 {
	b := d.need(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}
func (d *decoder) str() string {
	n := d.u32()
	if d.err != nil {
		return ""
	}
	if int(n) > len(d.buf)-d.off {
		d.fail(fmt.Errorf("string length %d exceeds remaining buffer", n))
		return ""
	}
	b := d.need(int(n))
	return string(b)
}
func (d *decoder) strList() []string {
	n := d.u32()
	if n == 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		out = append(out, d.str())
	}
	return out
}
func (d *decoder) boolean() bool { return d.u8() != 0 }
func (d *decoder) optStr() *string {
	if !d.boolean() {
		return nil
	}
	s := d.str()
	return &s
}
func (d *decoder) optU32() *uint32 {
	if !d.boolean() {
		return nil
	}
	v := d.u32()
	return &v
}
func (d *decoder) size() tty.Size {
	return tty.Size{Rows: d.u16(), Cols: d.u16(), XPixel: d.u16(), YPixel: d.u16()}
}
func (d *decoder) kvList() []KV {
	n := d.u32()
	out := make([]KV, 0, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		k := d.str()
		v := d.str()
		out = append(out, KV{Key: k, Value: v})
	}
	return out
}

// KV is one environment variable entry.
type KV struct {
	Key   string
	Value string
}

// ─── ConnectHeader::Attach ──────────────────────────────────────────────────

// AttachRequest is ConnectHeader::Attach.
type AttachRequest struct {
	Name         string
	Term         string
	LocalTTYSize tty.Size
	LocalEnv     []KV
	Cmd          []string // nil means "no command" (spawn a login shell)
	TTLSecs      *uint32
}

func (a AttachRequest) Encode() []byte {
	e := &encoder{}
	e.str(a.Name)
	e.str(a.Term)
	e.size(a.LocalTTYSize)
	e.kvList(a.LocalEnv)
	e.boolean(a.Cmd != nil)
	if a.Cmd != nil {
		e.strList(a.Cmd)
	}
	e.optU32(a.TTLSecs)
	return e.buf
}

func DecodeAttachRequest(payload []byte) (AttachRequest, error) {
	d := &decoder{buf: payload}
	var a AttachRequest
	a.Name = d.str()
	a.Term = d.str()
	a.LocalTTYSize = d.size()
	a.LocalEnv = d.kvList()
	hasCmd := d.boolean()
	if hasCmd {
		a.Cmd = d.strList()
		if a.Cmd == nil {
			a.Cmd = []string{}
		}
	}
	a.TTLSecs = d.optU32()
	return a, d.err
}

// AttachStatus discriminants for AttachReplyHeader.
const (
	AttachStatusAttached        byte = 0
	AttachStatusCreated         byte = 1
	AttachStatusBusy            byte = 2
	AttachStatusForbidden       byte = 3
	AttachStatusVersionMismatch byte = 4
)

// AttachReply is AttachReplyHeader.
type AttachReply struct {
	Status        byte
	Warnings      []string // Attached / Created
	ForbiddenWhy  string   // Forbidden
	DaemonVersion uint16   // VersionMismatch
}

func (r AttachReply) Encode() []byte {
	e := &encoder{}
	e.u8(r.Status)
	switch r.Status {
	case AttachStatusAttached, AttachStatusCreated:
		e.strList(r.Warnings)
	case AttachStatusForbidden:
		e.str(r.ForbiddenWhy)
	case AttachStatusVersionMismatch:
		e.u16(r.DaemonVersion)
	}
	return e.buf
}

func DecodeAttachReply(payload []byte) (AttachReply, error) {
	d := &decoder{buf: payload}
	var r AttachReply
	r.Status = d.u8()
	switch r.Status {
	case AttachStatusAttached, AttachStatusCreated:
		r.Warnings = d.strList()
	case AttachStatusForbidden:
		r.ForbiddenWhy = d.str()
	case AttachStatusVersionMismatch:
		r.DaemonVersion = d.u16()
	}
	return r, d.err
}

// ─── ConnectHeader::Detach ──────────────────────────────────────────────────

type DetachRequest struct{ Sessions []string }

func (r DetachRequest) Encode() []byte {
	e := &encoder{}
	e.strList(r.Sessions)
	return e.buf
}

func DecodeDetachRequest(payload []byte) (DetachRequest, error) {
	d := &decoder{buf: payload}
	return DetachRequest{Sessions: d.strList()}, d.err
}

type DetachReply struct {
	NotFound    []string
	NotAttached []string
}

func (r DetachReply) Encode() []byte {
	e := &encoder{}
	e.strList(r.NotFound)
	e.strList(r.NotAttached)
	return e.buf
}

func DecodeDetachReply(payload []byte) (DetachReply, error) {
	d := &decoder{buf: payload}
	var r DetachReply
	r.NotFound = d.strList()
	r.NotAttached = d.strList()
	return r, d.err
}

// ─── ConnectHeader::Kill ────────────────────────────────────────────────────

type KillRequest struct{ Sessions []string }

func (r KillRequest) Encode() []byte {
	e := &encoder{}
	e.strList(r.Sessions)
	return e.buf
}

func DecodeKillRequest(payload []byte) (KillRequest, error) {
	d := &decoder{buf: payload}
	return KillRequest{Sessions: d.strList()}, d.err
}

type KillReply struct{ NotFound []string }

func (r KillReply) Encode() []byte {
	e := &encoder{}
	e.strList(r.NotFound)
	return e.buf
}

func DecodeKillReply(payload []byte) (KillReply, error) {
	d := &decoder{buf: payload}
	return KillReply{NotFound: d.strList()}, d.err
}

// ─── ConnectHeader::List ────────────────────────────────────────────────────

// SessionStatus discriminants, as reported by List.
const (
	SessionStatusAttached    byte = 0
	SessionStatusDisconnected byte = 1
)

type SessionSummary struct {
	Name           string
	StartedAtMS    int64
	Status         byte
}

type ListReply struct{ Sessions []SessionSummary }

func (r ListReply) Encode() []byte {
	e := &encoder{}
	e.u32(uint32(len(r.Sessions)))
	for _, s := range r.Sessions {
		e.str(s.Name)
		e.i64(s.StartedAtMS)
		e.u8(s.Status)
	}
	return e.buf
}

func DecodeListReply(payload []byte) (ListReply, error) {
	d := &decoder{buf: payload}
	n := d.u32()
	out := make([]SessionSummary, 0, n)
	for i := uint32(0); i < n && d.err == nil; i++ {
		out = append(out, SessionSummary{Name: d.str(), StartedAtMS: d.i64(), Status: d.u8()})
	}
	return ListReply{Sessions: out}, d.err
}

// ─── ConnectHeader::SessionMessage ──────────────────────────────────────────

// SessionMessagePayload discriminants.
const (
	SessionMessageResize byte = 0
	SessionMessageDetach byte = 1
)

type SessionMessageRequest struct {
	SessionName string
	Payload     byte // SessionMessageResize or SessionMessageDetach
	ResizeSize  tty.Size
}

func (r SessionMessageRequest) Encode() []byte {
	e := &encoder{}
	e.str(r.SessionName)
	e.u8(r.Payload)
	if r.Payload == SessionMessageResize {
		e.size(r.ResizeSize)
	}
	return e.buf
}

func DecodeSessionMessageRequest(payload []byte) (SessionMessageRequest, error) {
	d := &decoder{buf: payload}
	var r SessionMessageRequest
	r.SessionName = d.str()
	r.Payload = d.u8()
	if r.Payload == SessionMessageResize {
		r.ResizeSize = d.size()
	}
	return r, d.err
}

// SessionMessageReply discriminants.
const (
	SessionMessageReplyResizeOk byte = 0
	SessionMessageReplyDetachOk byte = 1
	SessionMessageReplyNotFound byte = 2
)

type SessionMessageReply struct{ Kind byte }

func (r SessionMessageReply) Encode() []byte { return []byte{r.Kind} }

func DecodeSessionMessageReply(payload []byte) (SessionMessageReply, error) {
	if len(payload) < 1 {
		return SessionMessageReply{}, fmt.Errorf("truncated session message reply")
	}
	return SessionMessageReply{Kind: payload[0]}, nil
}

// ─── bufio helper for CLI callers ──────────────────────────────────────────

// NewWriter wraps w so WriteMessage's Flush() hook works over a raw net.Conn.
func NewWriter(w io.Writer) *bufio.Writer { return bufio.NewWriter(w) }
