package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTTLReaperDropsRegistrationWhenQueueFull(t *testing.T) {
	table := newSessionTable()
	r := newTTLReaper(table)
	// run() is never started, so the buffered channel of size 10 fills up
	// and the 11th registration must be dropped rather than block the caller.
	for i := 0; i < 10; i++ {
		r.register("sess", time.Now().Add(time.Hour))
	}
	done := make(chan struct{})
	go func() {
		r.register("overflow", time.Now().Add(time.Hour))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("register blocked on a full queue instead of dropping")
	}
}

func TestTTLReaperRunDrainsRegistrationsWithoutBlocking(t *testing.T) {
	table := newSessionTable()
	r := newTTLReaper(table)
	go r.run()
	defer r.close()

	// The named session was never inserted into the table, so schedule's
	// AfterFunc fires and finds nothing to kill; this just exercises the
	// past-deadline clamp-to-zero path without a live Session.
	r.register("missing-session", time.Now().Add(-time.Second))
	time.Sleep(100 * time.Millisecond)

	_, ok := table.get("missing-session")
	require.False(t, ok)
}
