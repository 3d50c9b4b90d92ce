package daemon

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shell-pool/shpool-sub002/internal/config"
)

// KeyAction is fired when a binding's full chord sequence has been matched.
type KeyAction int

const (
	ActionNoOp KeyAction = iota
	ActionDetach
)

// matchResult is the outcome of feeding one byte into the keybinding engine.
type matchResult int

const (
	resultNoMatch matchResult = iota
	resultPartial
	resultMatch
)

// transition is what the client->shell worker gets back from transitionByte: the
// classification, the action (if Match), and any bytes that must now be
// written through to the shell (either because a Partial prefix turned out
// not to be a binding, or because this byte itself doesn't start one).
type transition struct {
	result matchResult
	action KeyAction
	flush  []byte
}

type trieNode struct {
	children map[byte]*trieNode
	action   *KeyAction
}

func newTrieNode() *trieNode { return &trieNode{children: make(map[byte]*trieNode)} }

// keybindEngine is a streaming recognizer over a prefix-trie of binding
// chord sequences, with one rolling state per client connection.
type keybindEngine struct {
	root     *trieNode
	cur      *trieNode
	buffered []byte
}

func newKeybindEngine() *keybindEngine {
	root := newTrieNode()
	return &keybindEngine{root: root, cur: root}
}

// addBinding registers a chord sequence (one byte per chord, in the simple
// case the repo supports) to an action.
func (e *keybindEngine) addBinding(chord []byte, action KeyAction) error {
	if len(chord) == 0 {
		return fmt.Errorf("binding must have at least one byte")
	}
	n := e.root
	for _, b := range chord {
		child, ok := n.children[b]
		if !ok {
			child = newTrieNode()
			n.children[b] = child
		}
		n = child
	}
	a := action
	n.action = &a
	return nil
}

// transitionByte feeds one byte into the engine and returns the
// classification for it, per the trie-DFA semantics:
//
//   - NoMatch following a Partial prefix flushes the buffered bytes (they
//     were not a binding) before considering whether the current byte
//     itself starts a new match.
//   - Partial buffers the byte without flushing.
//   - Match drops the whole binding (all buffered bytes plus this one) from
//     the outbound stream and reports the fired action.
func (e *keybindEngine) transitionByte(b byte) transition {
	if child, ok := e.cur.children[b]; ok {
		e.buffered = append(e.buffered, b)
		if child.action != nil {
			a := *child.action
			e.buffered = nil
			e.cur = e.root
			return transition{result: resultMatch, action: a}
		}
		e.cur = child
		return transition{result: resultPartial}
	}

	// NoMatch: whatever was buffered before this byte must be flushed; it
	// was a false start. Reset to root and re-evaluate this byte fresh.
	flushed := e.buffered
	e.buffered = nil
	e.cur = e.root

	if child, ok := e.root.children[b]; ok {
		if child.action != nil {
			a := *child.action
			return transition{result: resultMatch, action: a, flush: flushed}
		}
		e.buffered = append(e.buffered, b)
		e.cur = child
		return transition{result: resultPartial, flush: flushed}
	}

	return transition{result: resultNoMatch, flush: append(flushed, b)}
}

// pending returns the bytes currently buffered as a Partial match, held
// back across reads until the next byte disambiguates them.
func (e *keybindEngine) pending() []byte { return e.buffered }

// defaultKeybindEngine builds the default engine: the two-byte sequence
// Ctrl-Space, Ctrl-Q fires Detach.
func defaultKeybindEngine() *keybindEngine {
	e := newKeybindEngine()
	_ = e.addBinding([]byte{0x00, 0x11}, ActionDetach)
	return e
}

// buildKeybindEngine translates config bindings into an engine. An empty
// list falls back to defaultKeybindEngine.
func buildKeybindEngine(bindings []config.Binding) (*keybindEngine, error) {
	if len(bindings) == 0 {
		return defaultKeybindEngine(), nil
	}
	e := newKeybindEngine()
	for _, b := range bindings {
		chord := make([]byte, 0, len(b.Keys))
		for _, k := range b.Keys {
			by, err := parseChordKey(k)
			if err != nil {
				return nil, fmt.Errorf("binding %v: %w", b.Keys, err)
			}
			chord = append(chord, by)
		}
		action := ActionNoOp
		if strings.EqualFold(b.Action, "Detach") {
			action = ActionDetach
		}
		if err := e.addBinding(chord, action); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// parseChordKey translates a chord token name into its byte value. Supports
// "Ctrl-Space" (0x00), "Ctrl-<A-Z>" (control code of the letter), and raw
// "0xNN" hex literals for anything else the source's token grammar might
// need.
func parseChordKey(name string) (byte, error) {
	if strings.EqualFold(name, "Ctrl-Space") {
		return 0x00, nil
	}
	if strings.HasPrefix(strings.ToLower(name), "0x") {
		v, err := strconv.ParseUint(name[2:], 16, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid hex chord %q: %w", name, err)
		}
		return byte(v), nil
	}
	const prefix = "Ctrl-"
	if strings.HasPrefix(name, prefix) && len(name) == len(prefix)+1 {
		letter := name[len(prefix)]
		upper := strings.ToUpper(string(letter))[0]
		if upper < 'A' || upper > 'Z' {
			return 0, fmt.Errorf("unsupported Ctrl chord %q", name)
		}
		return upper & 0x1f, nil
	}
	return 0, fmt.Errorf("unrecognized chord token %q", name)
}
