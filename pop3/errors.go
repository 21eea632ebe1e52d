package pop3

import "fmt"

// TransportError wraps a socket/read/write failure or unexpected close.
// The connection is no longer usable; callers mark the session
// Disconnected and may reconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("pop3: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a "-ERR" reply from the server. Line is the server's
// error text with the "-ERR " prefix stripped.
type ProtocolError struct {
	Command string
	Line    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("pop3: %s: server error: %s", e.Command, e.Line)
}

// IntegrityError covers tempfile write failure or cache write failure.
// The operation fails but the connection stays up.
type IntegrityError struct {
	Op  string
	Err error
}

func (e *IntegrityError) Error() string { return fmt.Sprintf("pop3: %s: %v", e.Op, e.Err) }
func (e *IntegrityError) Unwrap() error { return e.Err }

// TrustError covers handshake failure, hostname mismatch, or user
// reject. The connection is aborted and never retried.
type TrustError struct {
	Reason string
	Err    error
}

func (e *TrustError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pop3: tls trust: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("pop3: tls trust: %s", e.Reason)
}
func (e *TrustError) Unwrap() error { return e.Err }

// UserAbortError covers an interrupt during blocking I/O. Never retried
// silently. A (r)eject answer at the certificate prompt surfaces as
// *TrustError instead.
type UserAbortError struct {
	Reason string
}

func (e *UserAbortError) Error() string { return fmt.Sprintf("pop3: aborted: %s", e.Reason) }

// StaleRefnoError is returned when a HeaderRecord's refno is -1 at fetch
// time: the caller must reopen the mailbox.
type StaleRefnoError struct {
	UIDL string
}

func (e *StaleRefnoError) Error() string {
	return fmt.Sprintf("pop3: index is incorrect for %q; reopen mailbox", e.UIDL)
}
