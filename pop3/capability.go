package pop3

import (
	"errors"

	"go.uber.org/zap"
)

// capaProbe issues a command that also serves as capability discovery:
// the first success latches cap to Present, the first -ERR latches it to
// Absent. Once known, the capability is sticky for the connection and
// this simply behaves like a normal query.
func (s *Session) capaProbe(cap *Capability, name string, format string, args ...any) (string, error) {
	line, err := s.wire.query(format, args...)
	if err == nil {
		if *cap == CapUnknown {
			*cap = CapPresent
		}
		return line, nil
	}

	var perr *ProtocolError
	if errors.As(err, &perr) {
		if *cap == CapUnknown {
			*cap = CapAbsent
			s.errMsg = perr.Line
			s.log.Info("capability absent", zap.String("capability", name), zap.String("reason", perr.Line))
		}
	}
	return "", err
}

// LastServerError returns the text of the most recent -ERR line captured
// from the server, for display to the user.
func (s *Session) LastServerError() string { return s.errMsg }

// UIDLCapability reports whether the server is known to support UIDL.
func (s *Session) UIDLCapability() Capability { return s.uidlCap }

// TOPCapability reports whether the server is known to support TOP.
func (s *Session) TOPCapability() Capability { return s.topCap }

// ReadOnly reports whether the mailbox must be treated as read-only
// because UIDL is absent and message identity cannot be established
// across sessions.
func (s *Session) ReadOnly() bool { return s.uidlCap == CapAbsent }
