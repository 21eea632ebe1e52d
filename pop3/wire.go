package pop3

import (
	"bufio"
	"errors"
	"fmt"
	"net/textproto"
	"strings"

	"src.bluestatic.org/popsync/internal/transport"
)

// wire implements POP3 command/response framing on top of a
// transport.Conn: single-line commands, +OK/-ERR status lines, and
// dot-terminated multiline bodies via net/textproto.
type wire struct {
	conn *transport.Conn
	tp   *textproto.Conn
}

func newWire(conn *transport.Conn) *wire {
	return &wire{conn: conn, tp: textproto.NewConn(conn)}
}

// query sends a single-line command and returns the status text on +OK.
// On -ERR it returns *ProtocolError; on transport failure
// *TransportError, or *UserAbortError if the failure was an interrupt.
func (w *wire) query(format string, args ...any) (string, error) {
	cmd := fmt.Sprintf(format, args...)
	if err := w.tp.PrintfLine("%s", cmd); err != nil {
		return "", wrapIOErr("write "+cmd, err)
	}
	return w.readStatus(cmd)
}

func (w *wire) readStatus(cmd string) (string, error) {
	line, err := w.tp.ReadLine()
	if err != nil {
		return "", wrapIOErr("read status for "+cmd, err)
	}
	switch {
	case strings.HasPrefix(line, "+OK"):
		return strings.TrimPrefix(strings.TrimPrefix(line, "+OK"), " "), nil
	case strings.HasPrefix(line, "-ERR"):
		return "", &ProtocolError{Command: cmd, Line: strings.TrimPrefix(strings.TrimPrefix(line, "-ERR"), " ")}
	default:
		return "", &TransportError{Op: "read status for " + cmd, Err: fmt.Errorf("unexpected reply %q", line)}
	}
}

// readDotLines reads a multi-line response's data lines with dot-stuffing
// already removed by textproto.
func (w *wire) readDotLines() ([]string, error) {
	lines, err := w.tp.ReadDotLines()
	if err != nil {
		return nil, wrapIOErr("read multiline", err)
	}
	return lines, nil
}

// fetchLines streams a multi-line body (TOP/RETR), invoking lineCB for
// each data line with a writable buffer. A non-nil lineCB return
// propagates as *IntegrityError.
func (w *wire) fetchLines(lineCB func(line []byte) error) error {
	scanner := bufio.NewScanner(w.tp.DotReader())
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		buf := scanner.Bytes()
		if err := lineCB(buf); err != nil {
			return &IntegrityError{Op: "line callback", Err: err}
		}
	}
	if err := scanner.Err(); err != nil {
		return wrapIOErr("read multiline body", err)
	}
	return nil
}

// wrapIOErr distinguishes a user interrupt (transport.ErrInterrupted)
// from an ordinary transport failure, so callers can tell "abort, never
// retry" apart from "may reconnect and retry".
func wrapIOErr(op string, err error) error {
	if errors.Is(err, transport.ErrInterrupted) {
		return &UserAbortError{Reason: op}
	}
	return &TransportError{Op: op, Err: err}
}

func (w *wire) close() error {
	return w.tp.Close()
}
