package pbx

import (
	"strconv"
	"strings"
)

// Dispatch parses one client line and invokes the matching transition on
// t. Grammar per spec.md §4.4:
//
//	pickup                 -> Pickup(t)
//	hangup                 -> Hangup(t)
//	dial <n>                -> Dial(t, n); ignored if n does not parse
//	chat <text...>          -> Chat(t, text), text preserving embedded
//	                           spaces and the line's trailing newline
//	anything else           -> no effect, no notification
//
// line should still carry its trailing newline for chat to forward
// verbatim; Dispatch itself tolerates a line with or without one.
func (e *Engine) Dispatch(t *TU, line string) {
	trimmed := strings.TrimRight(line, "\r\n")

	cmd, rest, _ := strings.Cut(trimmed, " ")
	switch cmd {
	case "pickup":
		_ = e.Pickup(t)

	case "hangup":
		_ = e.Hangup(t)

	case "dial":
		ext, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			e.logger.Debug("dial with non-integer argument ignored",
				"tu", t.id, "arg", rest)
			return
		}
		_ = e.Dial(t, ext)

	case "chat":
		// The remainder of the line after the first space is the
		// message, spaces and all; the caller-supplied line's own
		// trailing newline (if present) is preserved verbatim.
		msg := rest
		if idx := strings.IndexByte(line, ' '); idx >= 0 {
			msg = line[idx+1:]
		}
		_ = e.Chat(t, msg)

	default:
		// Unknown command: no effect, no notification.
		e.logger.Debug("unknown command ignored", "tu", t.id, "cmd", cmd)
	}
}
