package pbx

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestDial_NotFromDialTone_NoEffect(t *testing.T) {
	eng, a, _, aSink, _, _, extB := newRegisteredPair()
	// a is ON_HOOK, not DIAL_TONE.
	if err := eng.Dial(a, extB); err != nil {
		t.Fatalf("Dial returned %v, want nil", err)
	}
	if a.State() != OnHook {
		t.Errorf("state = %s, want %s", a.State(), OnHook)
	}
	if got, want := aSink.last(), fmt.Sprintf("ON_HOOK %d\n", a.Extension()); got != want {
		t.Errorf("notification = %q, want %q", got, want)
	}
}

func TestDial_NoSuchExtension(t *testing.T) {
	eng, a, _, aSink, _, _, _ := newRegisteredPair()
	eng.Pickup(a) // ON_HOOK -> DIAL_TONE

	err := eng.Dial(a, 9999)
	if !errors.Is(err, ErrNoSuchExtension) {
		t.Fatalf("err = %v, want ErrNoSuchExtension", err)
	}
	if a.State() != Error {
		t.Errorf("state = %s, want %s", a.State(), Error)
	}
	if got := aSink.last(); got != "ERROR\n" {
		t.Errorf("notification = %q, want %q", got, "ERROR\n")
	}
}

func TestDial_Self_Busy(t *testing.T) {
	eng, a, _, aSink, _, extA, _ := newRegisteredPair()
	eng.Pickup(a)

	err := eng.Dial(a, extA)
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if a.State() != BusySignal {
		t.Errorf("state = %s, want %s", a.State(), BusySignal)
	}
	if got := aSink.last(); got != "BUSY_SIGNAL\n" {
		t.Errorf("notification = %q, want %q", got, "BUSY_SIGNAL\n")
	}
}

func TestDial_TargetNotIdle_Busy(t *testing.T) {
	eng, a, b, aSink, _, _, extB := newRegisteredPair()
	eng.Pickup(a)
	eng.Pickup(b) // b now DIAL_TONE, not ON_HOOK

	err := eng.Dial(a, extB)
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if a.State() != BusySignal {
		t.Errorf("state = %s, want %s", a.State(), BusySignal)
	}
	if got := aSink.last(); got != "BUSY_SIGNAL\n" {
		t.Errorf("notification = %q, want %q", got, "BUSY_SIGNAL\n")
	}
}

func TestDial_Success_RingBackAndRinging(t *testing.T) {
	eng, a, b, aSink, bSink, _, extB := newRegisteredPair()
	eng.Pickup(a)

	if err := eng.Dial(a, extB); err != nil {
		t.Fatalf("Dial returned %v, want nil", err)
	}
	if a.State() != RingBack {
		t.Errorf("a.State() = %s, want %s", a.State(), RingBack)
	}
	if b.State() != Ringing {
		t.Errorf("b.State() = %s, want %s", b.State(), Ringing)
	}
	if a.Peer() != b || b.Peer() != a {
		t.Error("a and b must be paired as peers")
	}
	if got := aSink.last(); got != "RING_BACK\n" {
		t.Errorf("a notification = %q, want %q", got, "RING_BACK\n")
	}
	if got := bSink.last(); got != "RINGING\n" {
		t.Errorf("b notification = %q, want %q", got, "RINGING\n")
	}
}

func TestPickup_OnHook_GoesDialTone(t *testing.T) {
	eng, a, _, aSink, _, _, _ := newRegisteredPair()
	if err := eng.Pickup(a); err != nil {
		t.Fatalf("Pickup returned %v, want nil", err)
	}
	if a.State() != DialTone {
		t.Errorf("state = %s, want %s", a.State(), DialTone)
	}
	if got := aSink.last(); got != "DIAL_TONE\n" {
		t.Errorf("notification = %q, want %q", got, "DIAL_TONE\n")
	}
}

func TestPickup_Ringing_Connects(t *testing.T) {
	eng, a, b, aSink, bSink, extA, extB := newRegisteredPair()
	eng.Pickup(a)
	eng.Dial(a, extB)

	if err := eng.Pickup(b); err != nil {
		t.Fatalf("Pickup returned %v, want nil", err)
	}
	if a.State() != Connected || b.State() != Connected {
		t.Fatalf("states = %s/%s, want %s/%s", a.State(), b.State(), Connected, Connected)
	}
	if got, want := aSink.last(), fmt.Sprintf("CONNECTED %d\n", extB); got != want {
		t.Errorf("a notification = %q, want %q", got, want)
	}
	if got, want := bSink.last(), fmt.Sprintf("CONNECTED %d\n", extA); got != want {
		t.Errorf("b notification = %q, want %q", got, want)
	}
}

func TestPickup_NonOnHookNonRinging_NoEffect(t *testing.T) {
	eng, a, _, aSink, _, _, _ := newRegisteredPair()
	eng.Pickup(a) // DIAL_TONE
	if err := eng.Pickup(a); err != nil {
		t.Fatalf("Pickup returned %v, want nil", err)
	}
	if a.State() != DialTone {
		t.Errorf("state = %s, want %s", a.State(), DialTone)
	}
	if got := aSink.last(); got != "DIAL_TONE\n" {
		t.Errorf("notification = %q, want %q", got, "DIAL_TONE\n")
	}
}

func TestHangup_FromConnected_PeerGoesDialTone(t *testing.T) {
	eng, a, b, aSink, bSink, extA, _ := newRegisteredPair()
	eng.Pickup(a)
	eng.Dial(a, b.Extension())
	eng.Pickup(b)

	if err := eng.Hangup(a); err != nil {
		t.Fatalf("Hangup returned %v, want nil", err)
	}
	if a.State() != OnHook {
		t.Errorf("a.State() = %s, want %s", a.State(), OnHook)
	}
	if b.State() != DialTone {
		t.Errorf("b.State() = %s, want %s", b.State(), DialTone)
	}
	if a.Peer() != nil || b.Peer() != nil {
		t.Error("peers must be cleared after hangup")
	}
	if got, want := aSink.last(), fmt.Sprintf("ON_HOOK %d\n", extA); got != want {
		t.Errorf("a notification = %q, want %q", got, want)
	}
	if got := bSink.last(); got != "DIAL_TONE\n" {
		t.Errorf("b notification = %q, want %q", got, "DIAL_TONE\n")
	}
}

func TestHangup_FromRingBack_BothOnHook(t *testing.T) {
	eng, a, b, aSink, bSink, extA, extB := newRegisteredPair()
	eng.Pickup(a)
	eng.Dial(a, extB)

	if err := eng.Hangup(a); err != nil {
		t.Fatalf("Hangup returned %v, want nil", err)
	}
	if a.State() != OnHook || b.State() != OnHook {
		t.Fatalf("states = %s/%s, want %s/%s", a.State(), b.State(), OnHook, OnHook)
	}
	if got, want := aSink.last(), fmt.Sprintf("ON_HOOK %d\n", extA); got != want {
		t.Errorf("a notification = %q, want %q", got, want)
	}
	if got, want := bSink.last(), fmt.Sprintf("ON_HOOK %d\n", extB); got != want {
		t.Errorf("b notification = %q, want %q", got, want)
	}
}

func TestHangup_FromDialTone_GoesOnHook(t *testing.T) {
	eng, a, _, aSink, _, extA, _ := newRegisteredPair()
	eng.Pickup(a)
	if err := eng.Hangup(a); err != nil {
		t.Fatalf("Hangup returned %v, want nil", err)
	}
	if a.State() != OnHook {
		t.Errorf("state = %s, want %s", a.State(), OnHook)
	}
	if got, want := aSink.last(), fmt.Sprintf("ON_HOOK %d\n", extA); got != want {
		t.Errorf("notification = %q, want %q", got, want)
	}
}

func TestHangup_Idempotent(t *testing.T) {
	eng, a, _, _, _, _, _ := newRegisteredPair()
	if err := eng.Hangup(a); err != nil {
		t.Fatalf("first Hangup returned %v, want nil", err)
	}
	if err := eng.Hangup(a); err != nil {
		t.Fatalf("second Hangup returned %v, want nil", err)
	}
	if a.State() != OnHook {
		t.Errorf("state = %s, want %s", a.State(), OnHook)
	}
}

func TestChat_WhileConnected_ForwardsVerbatimAndEchoes(t *testing.T) {
	eng, a, b, _, bSink, _, extB := newRegisteredPair()
	eng.Pickup(a)
	eng.Dial(a, extB)
	eng.Pickup(b)

	if err := eng.Chat(a, "hello there\n"); err != nil {
		t.Fatalf("Chat returned %v, want nil", err)
	}
	if got, want := bSink.last(), "CHAT hello there\n"; got != want {
		t.Errorf("peer notification = %q, want %q", got, want)
	}
}

func TestChat_OutsideCall_Errors(t *testing.T) {
	eng, a, _, _, _, _, _ := newRegisteredPair()
	if err := eng.Chat(a, "hi\n"); err == nil {
		t.Error("expected an error chatting outside a connected call")
	}
}

func TestRegisterUnregister_RoundTrip(t *testing.T) {
	reg := NewRegistry(100)
	eng := NewEngine(reg, nil, nil)
	s := &sink{}
	tu := NewTU(s)

	ext := eng.Register(tu)
	if reg.Lookup(ext) != tu {
		t.Fatalf("Lookup(%d) did not return the registered TU", ext)
	}
	if reg.Count() != 1 {
		t.Errorf("Count() = %d, want 1", reg.Count())
	}

	eng.Unregister(tu)
	if reg.Lookup(ext) != nil {
		t.Error("Lookup must return nil after Unregister")
	}
	if reg.Count() != 0 {
		t.Errorf("Count() = %d, want 0", reg.Count())
	}
	if tu.Extension() != UnregisteredExt {
		t.Errorf("Extension() = %d, want %d", tu.Extension(), UnregisteredExt)
	}
}

func TestUnregister_WhileConnected_TearsDownPeer(t *testing.T) {
	eng, a, b, _, bSink, _, extB := newRegisteredPair()
	eng.Pickup(a)
	eng.Dial(a, extB)
	eng.Pickup(b)

	eng.Unregister(a)

	if b.State() != DialTone {
		t.Errorf("b.State() = %s, want %s", b.State(), DialTone)
	}
	if got := bSink.last(); got != "DIAL_TONE\n" {
		t.Errorf("b notification = %q, want %q", got, "DIAL_TONE\n")
	}
}

func TestShutdown_ClearsRegistryAndHangsUpAll(t *testing.T) {
	eng, a, b, _, _, extA, extB := newRegisteredPair()
	eng.Pickup(a)
	eng.Dial(a, extB)
	eng.Pickup(b)

	torn := eng.Shutdown()
	if len(torn) != 2 {
		t.Errorf("Shutdown returned %d TUs, want 2", len(torn))
	}

	if eng.registry.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after shutdown", eng.registry.Count())
	}
	if a.State() != OnHook || b.State() != OnHook {
		t.Errorf("states = %s/%s, want %s/%s", a.State(), b.State(), OnHook, OnHook)
	}
	if eng.registry.Lookup(extA) != nil || eng.registry.Lookup(extB) != nil {
		t.Error("extensions must no longer resolve after shutdown")
	}

	// A second call must be a harmless no-op.
	if torn := eng.Shutdown(); torn != nil {
		t.Errorf("second Shutdown returned %v, want nil", torn)
	}
}

func TestUnregister_AfterShutdown_IsNoop(t *testing.T) {
	eng, a, _, _, _, _, _ := newRegisteredPair()
	eng.Shutdown()

	// The connection's own EOF-driven unregister racing shutdown must not
	// double-unref or re-remove an already-torn-down TU.
	eng.Unregister(a)
}

func TestNotifyFailure_DoesNotRollBackState(t *testing.T) {
	reg := NewRegistry(1)
	eng := NewEngine(reg, nil, nil)
	s := &sink{fail: true}
	tu := NewTU(s)
	eng.Register(tu)

	if err := eng.Pickup(tu); err != nil {
		t.Fatalf("Pickup returned %v, want nil", err)
	}
	if tu.State() != DialTone {
		t.Errorf("state = %s, want %s despite notify failure", tu.State(), DialTone)
	}
}

// TestConcurrentDial_OnlyOneWinner exercises the canonical-lock-order pair
// invariant: many goroutines racing to dial the same idle target must
// produce exactly one winner (RING_BACK/RINGING pairing) and the rest
// BUSY_SIGNAL, with no inconsistent intermediate pairing ever observed.
func TestConcurrentDial_OnlyOneWinner(t *testing.T) {
	reg := NewRegistry(1000)
	eng := NewEngine(reg, nil, nil)

	target := NewTU(&sink{})
	eng.Register(target)

	const n = 16
	callers := make([]*TU, n)
	exts := make([]int, n)
	for i := range callers {
		callers[i] = NewTU(&sink{})
		exts[i] = eng.Register(callers[i])
		eng.Pickup(callers[i])
	}

	var wg sync.WaitGroup
	results := make([]error, n)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = eng.Dial(callers[i], target.Extension())
		}(i)
	}
	wg.Wait()

	// A busy outcome is a successful Dial (nil error), so winners are told
	// apart from losers by state, not by the returned error.
	wins := 0
	for i, err := range results {
		if err != nil {
			t.Errorf("caller %d: Dial returned %v, want nil", i, err)
		}
		switch st := callers[i].State(); st {
		case RingBack:
			wins++
		case BusySignal:
		default:
			t.Errorf("caller %d state = %s, want %s or %s", i, st, RingBack, BusySignal)
		}
	}
	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
	if target.State() != Ringing {
		t.Errorf("target.State() = %s, want %s", target.State(), Ringing)
	}
	_ = exts
}
