package daemon

import (
	"time"

	"github.com/shell-pool/shpool-sub002/internal/shpoolog"
	"github.com/shell-pool/shpool-sub002/internal/testhook"
)

// ttlReaper accepts (name, deadline) registrations and kills the named
// session once its deadline passes, using the same escalation path as an
// explicit Kill request.
type ttlReaper struct {
	table *sessionTable
	regCh chan ttlRegistration
	stop  chan struct{}
}

type ttlRegistration struct {
	name     string
	deadline time.Time
}

func newTTLReaper(table *sessionTable) *ttlReaper {
	return &ttlReaper{
		table: table,
		regCh: make(chan ttlRegistration, 10),
		stop:  make(chan struct{}),
	}
}

// register enqueues a TTL deadline for name. Non-blocking: a full queue
// drops the registration and logs, rather than stalling the caller (the
// dispatcher's Attach handler).
func (r *ttlReaper) register(name string, deadline time.Time) {
	select {
	case r.regCh <- ttlRegistration{name: name, deadline: deadline}:
	default:
		shpoolog.Warn("ttl reaper: registration queue full, dropping", "session", name)
	}
}

func (r *ttlReaper) run() {
	for {
		select {
		case reg := <-r.regCh:
			r.schedule(reg)
		case <-r.stop:
			return
		}
	}
}

func (r *ttlReaper) schedule(reg ttlRegistration) {
	d := time.Until(reg.deadline)
	if d < 0 {
		d = 0
	}
	name := reg.name
	time.AfterFunc(d, func() {
		sess, ok := r.table.get(name)
		if !ok {
			return
		}
		shpoolog.Info("ttl reaper: killing session", "session", name)
		sess.kill()
		r.table.remove(name)
		testhook.Post(testhook.EventTTLReaped)
		testhook.Post(testhook.EventSessionRemoved)
	})
}

func (r *ttlReaper) close() { close(r.stop) }
