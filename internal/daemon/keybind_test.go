package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// feedAll runs a byte slice through e and returns the concatenated bytes
// that should reach the shell, plus the list of fired actions in order.
func feedAll(e *keybindEngine, in []byte) (forwarded []byte, actions []KeyAction) {
	for _, b := range in {
		tr := e.transitionByte(b)
		forwarded = append(forwarded, tr.flush...)
		if tr.result == resultMatch {
			actions = append(actions, tr.action)
		}
	}
	return forwarded, actions
}

func TestDefaultBindingStripsDetachSequence(t *testing.T) {
	e := defaultKeybindEngine()
	forwarded, actions := feedAll(e, []byte{0x00, 0x11})
	assert.Empty(t, forwarded)
	assert.Equal(t, []KeyAction{ActionDetach}, actions)
}

func TestBindingSplitAcrossReads(t *testing.T) {
	e := defaultKeybindEngine()
	forwarded1, actions1 := feedAll(e, []byte{0x00})
	assert.Empty(t, forwarded1)
	assert.Empty(t, actions1)
	assert.Equal(t, []byte{0x00}, e.pending())

	forwarded2, actions2 := feedAll(e, []byte{0x11})
	assert.Empty(t, forwarded2)
	assert.Equal(t, []KeyAction{ActionDetach}, actions2)
}

func TestPartialPrefixFlushedOnMismatch(t *testing.T) {
	e := defaultKeybindEngine()
	// Ctrl-Space starts a partial match, but 'x' doesn't continue it: the
	// buffered Ctrl-Space must be flushed, followed by 'x' itself.
	forwarded, actions := feedAll(e, []byte{0x00, 'x'})
	assert.Equal(t, []byte{0x00, 'x'}, forwarded)
	assert.Empty(t, actions)
}

func TestOrdinaryBytesPassThroughInOrder(t *testing.T) {
	e := defaultKeybindEngine()
	forwarded, actions := feedAll(e, []byte("echo hi\n"))
	assert.Equal(t, []byte("echo hi\n"), forwarded)
	assert.Empty(t, actions)
}

func TestFiveByteNoOpBindingStripsInMiddleOfStream(t *testing.T) {
	e := newKeybindEngine()
	require := func(err error) {
		if err != nil {
			t.Fatal(err)
		}
	}
	require(e.addBinding([]byte{'a', 'a', 'a', 'a', 'a'}, ActionNoOp))

	forwarded, actions := feedAll(e, []byte("echo baaaaad\n"))
	assert.Equal(t, []byte("echo bd\n"), forwarded)
	assert.Equal(t, []KeyAction{ActionNoOp}, actions)
}

func TestPendingHeldBackAtEndOfInput(t *testing.T) {
	e := defaultKeybindEngine()
	forwarded, actions := feedAll(e, []byte{0x00})
	assert.Empty(t, forwarded)
	assert.Empty(t, actions)
	assert.Equal(t, []byte{0x00}, e.pending())
}
