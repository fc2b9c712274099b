package switchboard

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/flowpbx/pbx/internal/pbx"
)

// connNotifier adapts a net.Conn to pbx.Notifier. Writes can arrive from
// more than one goroutine — a TU's own read loop and the goroutine
// currently executing a transition on its peer both call Notify on the
// same connection — so every write is serialized under a mutex.
type connNotifier struct {
	mu   sync.Mutex
	conn net.Conn
}

func (n *connNotifier) Notify(line string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, err := io.WriteString(n.conn, line)
	return err
}

// halfCloser is implemented by *net.TCPConn and *net.UnixConn; CloseRead
// lets the shutdown path unblock a connection's scanner loop without also
// tearing down the write half, so any final notification already queued
// ahead of it still lands.
type halfCloser interface {
	CloseRead() error
}

// CloseRead implements pbx.CloseReader. If the underlying connection
// doesn't support a half-close (unusual, but conceivable for a custom
// net.Conn in tests), it falls back to a full close.
func (n *connNotifier) CloseRead() error {
	if hc, ok := n.conn.(halfCloser); ok {
		return hc.CloseRead()
	}
	return n.conn.Close()
}

// serveConn owns one accepted connection end to end: it registers a TU,
// reads newline-framed commands until EOF or error, dispatching each to
// the engine, and unregisters the TU on the way out. It never returns an
// error — all failures are logged and simply end the connection, mirroring
// the original pbx_client_service's per-connection thread.
func serveConn(engine *pbx.Engine, conn net.Conn, logger *slog.Logger) {
	defer conn.Close()

	notifier := &connNotifier{conn: conn}
	tu := pbx.NewTU(notifier)
	ext := engine.Register(tu)
	logger = logger.With("tu", ext, "remote", conn.RemoteAddr().String())
	logger.Info("connection registered")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)

	for scanner.Scan() {
		line := scanner.Text() + "\n"
		engine.Dispatch(tu, line)
	}

	if err := scanner.Err(); err != nil {
		logger.Debug("connection read error", "error", err)
	}

	engine.Unregister(tu)
	logger.Info("connection unregistered")
}
