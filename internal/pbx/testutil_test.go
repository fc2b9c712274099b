package pbx

import "sync"

// sink is an in-memory Notifier used by tests in place of a real network
// connection, collecting every line written to it.
type sink struct {
	mu    sync.Mutex
	lines []string
	fail  bool // when true, Notify returns an error without recording the line
}

func (s *sink) Notify(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errFakeWrite
	}
	s.lines = append(s.lines, line)
	return nil
}

func (s *sink) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return ""
	}
	return s.lines[len(s.lines)-1]
}

func (s *sink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

type fakeWriteError struct{}

func (fakeWriteError) Error() string { return "fake notify failure" }

var errFakeWrite error = fakeWriteError{}

// newRegisteredPair builds two TUs registered against a fresh engine, for
// tests that start from two ON_HOOK extensions.
func newRegisteredPair() (eng *Engine, a, b *TU, aSink, bSink *sink, extA, extB int) {
	reg := NewRegistry(4)
	eng = NewEngine(reg, nil, nil)

	aSink, bSink = &sink{}, &sink{}
	a = NewTU(aSink)
	b = NewTU(bSink)
	extA = eng.Register(a)
	extB = eng.Register(b)
	return eng, a, b, aSink, bSink, extA, extB
}
