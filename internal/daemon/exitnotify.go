package daemon

import (
	"sync"
	"time"
)

// exitNotifier is a write-once broadcast primitive carrying a subshell's
// exit status to any waiter. notifyExit is idempotent: only the first call
// has any effect.
type exitNotifier struct {
	mu     sync.Mutex
	cond   *sync.Cond
	fired  bool
	code   int32
}

func newExitNotifier() *exitNotifier {
	n := &exitNotifier{}
	n.cond = sync.NewCond(&n.mu)
	return n
}

// notifyExit sets the exit code exactly once; later calls are no-ops.
func (n *exitNotifier) notifyExit(code int32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fired {
		return
	}
	n.fired = true
	n.code = code
	n.cond.Broadcast()
}

// wait blocks until the notifier fires or timeout elapses, returning
// (code, true) on fire or (0, false) on timeout.
func (n *exitNotifier) wait(timeout time.Duration) (int32, bool) {
	n.mu.Lock()
	if n.fired {
		code := n.code
		n.mu.Unlock()
		return code, true
	}
	n.mu.Unlock()

	done := make(chan struct{})
	var code int32
	var fired bool
	go func() {
		n.mu.Lock()
		for !n.fired {
			n.cond.Wait()
		}
		code = n.code
		fired = true
		n.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		return code, fired
	case <-time.After(timeout):
		return 0, false
	}
}

// hasFired reports whether notifyExit has ever been called, without
// blocking.
func (n *exitNotifier) hasFired() (int32, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.code, n.fired
}
