package pbx

import (
	"errors"
	"fmt"
	"log/slog"
)

// Sentinel errors used internally for logging. Per spec.md §4.3 and
// SPEC_FULL.md §7, busy and self-dial are recoverable outcomes ("transition
// to BUSY_SIGNAL, emit, return ok") — Dial returns nil for both, never
// these values. Only ErrNoSuchExtension is ever returned to the caller.
var (
	ErrNoSuchExtension = errors.New("pbx: no such extension")
	ErrTargetBusy      = errors.New("pbx: target busy")
	ErrSelfDial        = errors.New("pbx: dialed own extension")
)

// Metrics is the narrow interface the engine reports transition outcomes
// through. The concrete implementation lives in internal/metrics; tests
// can use a no-op.
type Metrics interface {
	ObserveTransition(op string)
	ObserveNotifyError()
}

type noopMetrics struct{}

func (noopMetrics) ObserveTransition(string) {}
func (noopMetrics) ObserveNotifyError()       {}

// Engine executes the seven PBX transitions. It holds no state of its
// own beyond a reference to the registry (for dial's lookup) and a
// logger/metrics sink; all mutable state lives on the TUs themselves.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
	metrics  Metrics
}

// NewEngine returns an Engine bound to registry.
func NewEngine(registry *Registry, logger *slog.Logger, metrics Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Engine{registry: registry, logger: logger.With("component", "pbx.engine"), metrics: metrics}
}

// emit writes a notification to t and logs/counts a failure without ever
// rolling back the state change that already happened. A TU whose
// extension has been cleared (UnregisteredExt) is closing its connection,
// so nothing is written to it.
func (e *Engine) emit(t *TU, line string) {
	if t.Extension() == UnregisteredExt {
		return
	}
	if err := t.notify(line); err != nil {
		e.metrics.ObserveNotifyError()
		e.logger.Debug("notification write failed",
			"tu", t.id, "ext", t.Extension(), "error", err)
	}
}

// currentStateNotification renders the "no effect" notification for t in
// its current state, per spec.md §6's notification table.
func currentStateNotification(t *TU) string {
	switch st := t.State(); st {
	case Connected:
		peer := t.Peer()
		peerExt := -1
		if peer != nil {
			peerExt = peer.Extension()
		}
		return fmt.Sprintf("%s %d\n", Connected, peerExt)
	case OnHook:
		return fmt.Sprintf("%s %d\n", OnHook, t.Extension())
	default:
		return string(st) + "\n"
	}
}

// Dial implements spec.md §4.3's dial operation.
func (e *Engine) Dial(t *TU, ext int) error {
	defer e.metrics.ObserveTransition("dial")

	if t.State() != DialTone {
		e.emit(t, currentStateNotification(t))
		return nil
	}

	target := e.registry.Lookup(ext)
	if target == nil {
		t.mu.Lock()
		t.state = Error
		t.mu.Unlock()
		e.emit(t, string(Error)+"\n")
		return ErrNoSuchExtension
	}

	if target == t {
		t.mu.Lock()
		t.state = BusySignal
		t.mu.Unlock()
		e.emit(t, string(BusySignal)+"\n")
		e.logger.Debug("dial: self", "tu", t.id, "ext", ext, "error", ErrSelfDial)
		return nil
	}

	unlock := lockPair(t, target)
	if target.peer != nil || target.state != OnHook {
		t.state = BusySignal
		unlock()
		e.emit(t, string(BusySignal)+"\n")
		e.logger.Debug("dial: target busy", "tu", t.id, "ext", ext, "error", ErrTargetBusy)
		return nil
	}

	t.state = RingBack
	target.state = Ringing
	t.peer = target
	target.peer = t
	unlock()

	e.emit(t, string(RingBack)+"\n")
	e.emit(target, string(Ringing)+"\n")
	return nil
}

// Pickup implements spec.md §4.3's pickup operation.
func (e *Engine) Pickup(t *TU) error {
	defer e.metrics.ObserveTransition("pickup")

	switch t.State() {
	case OnHook:
		t.mu.Lock()
		t.state = DialTone
		t.mu.Unlock()
		e.emit(t, string(DialTone)+"\n")
		return nil

	case Ringing:
		peer := t.Peer()
		unlock := lockPair(t, peer)
		t.state = Connected
		peer.state = Connected
		unlock()

		e.emit(t, fmt.Sprintf("%s %d\n", Connected, peer.Extension()))
		e.emit(peer, fmt.Sprintf("%s %d\n", Connected, t.Extension()))

		t.Ref()
		peer.Ref()
		return nil

	default:
		e.emit(t, currentStateNotification(t))
		return nil
	}
}

// Hangup implements spec.md §4.3's hangup operation, including the
// shutdown-path contract: it is safe to call on a TU whose extension has
// already been cleared (ext == UnregisteredExt), in which case it still
// tears down any peer link and notifies the peer, but writes nothing to
// the now-closing TU itself (emit skips TUs with a cleared extension).
func (e *Engine) Hangup(t *TU) error {
	defer e.metrics.ObserveTransition("hangup")

	switch t.State() {
	case Connected, Ringing:
		peer := t.Peer()
		wasConnected := t.State() == Connected

		unlock := lockPair(t, peer)
		t.state = OnHook
		peer.state = DialTone
		t.peer = nil
		peer.peer = nil
		unlock()

		if wasConnected {
			t.Unref()
			peer.Unref()
		}

		e.emit(t, fmt.Sprintf("%s %d\n", OnHook, t.Extension()))
		e.emit(peer, string(DialTone)+"\n")
		return nil

	case RingBack:
		peer := t.Peer()

		unlock := lockPair(t, peer)
		t.state = OnHook
		peer.state = OnHook
		t.peer = nil
		peer.peer = nil
		unlock()

		e.emit(t, fmt.Sprintf("%s %d\n", OnHook, t.Extension()))
		e.emit(peer, fmt.Sprintf("%s %d\n", OnHook, peer.Extension()))
		return nil

	case DialTone, BusySignal, Error:
		t.mu.Lock()
		t.state = OnHook
		t.mu.Unlock()
		e.emit(t, fmt.Sprintf("%s %d\n", OnHook, t.Extension()))
		return nil

	default: // OnHook
		e.emit(t, currentStateNotification(t))
		return nil
	}
}

// hangup is the unexported entry point used by Registry during
// unregistration and shutdown, identical to Hangup but named to match
// the internal call site's intent (no public metrics distinction needed
// beyond the "hangup" label already recorded by Hangup).
func (e *Engine) hangup(t *TU) {
	_ = e.Hangup(t)
}

// Register plugs t into the switch: assigns it the next free extension,
// takes one reference on the registry's behalf, and notifies the client
// of its assigned number (via TU.setExtension). Returns the assigned
// extension. Implements spec.md §4.2's register operation.
func (e *Engine) Register(t *TU) int {
	ext := e.registry.assign(t)
	t.Ref()
	t.setExtension(ext)
	return ext
}

// Unregister implements spec.md §4.2's unregister operation: removes t
// from the lookup table, clears its extension, hangs up any call it
// owns, and drops the registry's reference. Safe to call concurrently
// with a transition in progress on t — Hangup re-checks state under t's
// own mutex.
func (e *Engine) Unregister(t *TU) {
	if !t.teardownOnce() {
		return
	}
	ext := t.Extension()
	e.registry.remove(ext)
	t.setExtension(UnregisteredExt)
	e.hangup(t)
	t.Unref()
}

// Shutdown tears down every registered TU: hangs up any call it owns and
// unregisters it. Idempotent and safe to invoke from a signal-driven
// path — a second call finds the registry's shuttingDown flag already
// set and returns nil without doing anything further. Implements
// spec.md §4.2's shutdown operation.
//
// It returns every TU that was registered at the moment of shutdown, so
// the front end (internal/switchboard) can half-close each one's read
// side and let its serving goroutine observe EOF and exit cooperatively,
// per spec.md §9. A TU whose own connection unregisters concurrently is
// included in the returned slice but its teardown is a no-op — teardownOnce
// ensures exactly one of the two races does the actual work.
func (e *Engine) Shutdown() []*TU {
	if !e.registry.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	tus := e.registry.snapshot()
	e.registry.mu.Lock()
	e.registry.byExt = make(map[int]*TU)
	e.registry.mu.Unlock()

	for _, t := range tus {
		if !t.teardownOnce() {
			continue
		}
		t.setExtension(UnregisteredExt)
		e.hangup(t)
		t.Unref()
	}
	return tus
}

// Chat implements spec.md §4.3's chat operation. The message is
// forwarded verbatim, including its trailing newline — never re-escaped
// or trimmed, per spec.md §9.
func (e *Engine) Chat(t *TU, msg string) error {
	defer e.metrics.ObserveTransition("chat")

	if t.State() != Connected {
		e.emit(t, currentStateNotification(t))
		return errors.New("pbx: chat outside a connected call")
	}

	peer := t.Peer()
	e.emit(peer, "CHAT "+msg)
	e.emit(t, fmt.Sprintf("%s %d\n", Connected, peer.Extension()))
	return nil
}
