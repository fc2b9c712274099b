// Package pbx implements the concurrent telephone-unit state machine and
// the extension registry of a simulated private branch exchange.
package pbx

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// State is one of the seven states a TU can occupy.
type State string

const (
	OnHook     State = "ON_HOOK"
	Ringing    State = "RINGING"
	DialTone   State = "DIAL_TONE"
	RingBack   State = "RING_BACK"
	BusySignal State = "BUSY_SIGNAL"
	Connected  State = "CONNECTED"
	Error      State = "ERROR"
)

// UnregisteredExt is the sentinel extension value meaning "not registered,
// connection closing."
const UnregisteredExt = -1

// Notifier is the write-only side of a TU's connection to its client.
// Notify can be called concurrently — by transitions on the TU itself and
// by transitions its peer runs — so an implementation must serialize its
// own writes.
type Notifier interface {
	Notify(line string) error
}

var tuSeq int64

// nextTUID hands out the monotonic id used for canonical lock ordering.
// It has nothing to do with the extension number.
func nextTUID() int64 {
	return atomic.AddInt64(&tuSeq, 1)
}

// CloseReader is implemented by a Notifier that also owns the readable
// half of a connection. The switchboard's shutdown path (HalfCloseAll)
// type-asserts for it to half-close a TU's read side so its serving goroutine observes EOF
// and exits on its own, per spec.md §9's signal-driven shutdown design.
type CloseReader interface {
	CloseRead() error
}

// TU is one telephone unit: one per connected client. The zero value is
// not usable; construct with NewTU.
type TU struct {
	id int64 // stable identity for canonical lock ordering, never reused

	mu    sync.Mutex
	state State
	peer  *TU // guarded by mu; a bare reference, never an owning one
	ext   int // guarded by mu; UnregisteredExt when not registered
	refs  int // guarded by mu

	out Notifier

	// torn guards against running teardown twice when a connection's own
	// EOF-driven unregister races the registry's shutdown-all teardown.
	// Whichever reaches it first performs the real work.
	torn atomic.Bool
}

// NewTU returns a TU in state ON_HOOK, with no peer and zero references.
// No notification is emitted.
func NewTU(out Notifier) *TU {
	return &TU{
		id:    nextTUID(),
		state: OnHook,
		ext:   UnregisteredExt,
		out:   out,
	}
}

// Ref increments the reference count.
func (t *TU) Ref() {
	t.mu.Lock()
	t.refs++
	t.mu.Unlock()
}

// Unref decrements the reference count. It is a programming error for the
// count to go negative; that indicates an unbalanced Ref/Unref pair
// somewhere in the engine, so it panics rather than silently corrupting
// state.
func (t *TU) Unref() {
	t.mu.Lock()
	t.refs--
	if t.refs < 0 {
		t.mu.Unlock()
		panic(fmt.Sprintf("pbx: refcount underflow on tu %d", t.id))
	}
	t.mu.Unlock()
}

// Extension returns the TU's current extension number, or UnregisteredExt
// if it is not registered.
func (t *TU) Extension() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ext
}

// State returns the TU's current state.
func (t *TU) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Peer returns the TU's current peer, or nil.
func (t *TU) Peer() *TU {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peer
}

// setExtension records e as the TU's extension. If e is not
// UnregisteredExt, it notifies the client of its assigned number. Called
// at most once per TU, at registration time, or once more at
// unregistration to clear it.
func (t *TU) setExtension(e int) {
	t.mu.Lock()
	t.ext = e
	t.mu.Unlock()

	if e != UnregisteredExt {
		t.notify(fmt.Sprintf("%s %d\n", OnHook, e))
	}
}

// notify writes a single line to the TU's client. A failed write is the
// "disconnect-in-flight" case: it is reported to the caller, who logs and
// counts it but never rolls back state — the ensuing EOF drives cleanup.
func (t *TU) notify(line string) error {
	return t.out.Notify(line)
}

// Notifier returns the TU's underlying output channel, for callers that
// need to type-assert it against CloseReader (the switchboard's shutdown
// path does this; ordinary transitions never need it).
func (t *TU) Notifier() Notifier {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.out
}

// teardownOnce reports whether this call is the first to tear t down,
// flipping an internal flag from false to true. A second caller (racing
// EOF-driven unregister against registry shutdown, or a redundant call to
// either) observes false and must do nothing further.
func (t *TU) teardownOnce() bool {
	return t.torn.CompareAndSwap(false, true)
}

// lockPair acquires the mutexes of a and b in canonical (id) order and
// returns an unlock function that releases them in the reverse order.
// Acquiring a TU's own mutex against itself is never attempted by any
// caller in this package — dial's self-dial case is handled before this
// is reached.
func lockPair(a, b *TU) func() {
	if a.id == b.id {
		panic("pbx: lockPair called with identical TU")
	}
	first, second := a, b
	if b.id < a.id {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}
