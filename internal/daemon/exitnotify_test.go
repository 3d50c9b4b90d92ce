package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExitNotifierFiresOnce(t *testing.T) {
	n := newExitNotifier()
	_, fired := n.hasFired()
	assert.False(t, fired)

	n.notifyExit(7)
	n.notifyExit(99) // must be ignored, first call wins

	code, fired := n.hasFired()
	assert.True(t, fired)
	assert.EqualValues(t, 7, code)
}

func TestExitNotifierWaitBlocksUntilFire(t *testing.T) {
	n := newExitNotifier()
	go func() {
		time.Sleep(20 * time.Millisecond)
		n.notifyExit(3)
	}()

	code, fired := n.wait(time.Second)
	assert.True(t, fired)
	assert.EqualValues(t, 3, code)
}

func TestExitNotifierWaitTimesOut(t *testing.T) {
	n := newExitNotifier()
	_, fired := n.wait(10 * time.Millisecond)
	assert.False(t, fired)
}
