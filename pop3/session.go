package pop3

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"time"

	"go.uber.org/zap"

	"src.bluestatic.org/popsync/cache"
	"src.bluestatic.org/popsync/internal/tlstrust"
	"src.bluestatic.org/popsync/internal/transport"
)

// Options configures a Session beyond the bare Account.
type Options struct {
	CheckInterval     time.Duration // minimum delay between Check polls
	MarkOld           bool          // flag header-cached but unread messages as old
	MessageCacheClean bool          // sweep orphaned body-cache entries on fetch
	UseAPOP           bool          // use APOP when the greeting carries a challenge
	DialTimeout       time.Duration // bounds the TCP connect only, not established reads
}

// Session is the per-mailbox protocol state machine. It owns the
// connection, the capability probe results, and the reconciled
// HeaderRecord view.
type Session struct {
	account Account
	opts    Options
	log     *zap.Logger

	tlsEngine *tlstrust.Engine
	envParser EnvelopeParser
	interrupt <-chan struct{}

	conn *transport.Conn
	wire *wire

	uidlCap, topCap Capability
	status          Status
	size            int
	checkTime       time.Time
	errMsg          string
	clearCache      bool

	records []*HeaderRecord
	byUIDL  map[string]*HeaderRecord

	coord coordinator
}

// New creates a Session bound to account. headerStore/bodyStore may be
// nil, in which case envelopes are re-fetched every session and callers
// are expected to spool bodies themselves.
func New(account Account, opts Options, tlsEngine *tlstrust.Engine, headerStore cache.HeaderStore, bodyStore cache.BodyStore, envParser EnvelopeParser, interrupt <-chan struct{}, log *zap.Logger) *Session {
	if envParser == nil {
		envParser = DefaultEnvelopeParser{}
	}
	return &Session{
		account:   account,
		opts:      opts,
		log:       log,
		tlsEngine: tlsEngine,
		envParser: envParser,
		interrupt: interrupt,
		byUIDL:    make(map[string]*HeaderRecord),
		coord:     coordinator{headers: headerStore, bodies: bodyStore, log: log},
	}
}

var apopChallengeRE = regexp.MustCompile(`<[^>]+>`)

// Open connects, reads the greeting, negotiates TLS (implicit or
// STARTTLS, per the account's mode), and authenticates. On
// authentication failure the socket is released and a *ProtocolError is
// returned.
func (s *Session) Open(ctx context.Context) error {
	// A fresh connection re-probes UIDL/TOP; an Absent verdict is sticky
	// only within one connection.
	s.uidlCap, s.topCap = CapUnknown, CapUnknown

	addr := net.JoinHostPort(s.account.Host, fmt.Sprintf("%d", s.account.Port))

	dialer := net.Dialer{Timeout: s.opts.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &TransportError{Op: "dial " + addr, Err: err}
	}

	s.conn = transport.New(nc, s.interrupt, s.log)
	s.wire = newWire(s.conn)

	if s.account.TLSMode == TLSImplicit {
		if err := s.negotiateTLS(ctx); err != nil {
			s.conn.Close()
			return err
		}
	}

	greeting, err := s.wire.readStatus("greeting")
	if err != nil {
		s.conn.Close()
		return err
	}

	if s.account.TLSMode == TLSStartTLS {
		if _, err := s.wire.query("STLS"); err != nil {
			s.conn.Close()
			return err
		}
		if err := s.negotiateTLS(ctx); err != nil {
			s.conn.Close()
			return err
		}
		// Re-issue greeting-equivalent probing is unnecessary: POP3
		// STARTTLS does not re-send the greeting, per RFC 2595.
	}

	if err := s.authenticate(greeting); err != nil {
		s.conn.Close()
		s.conn = nil
		s.status = StatusNone
		return err
	}

	s.status = StatusAuthenticated
	s.log.Info("opened mailbox", zap.String("user", s.account.User))
	return nil
}

func (s *Session) negotiateTLS(ctx context.Context) error {
	if err := s.tlsEngine.Negotiate(ctx, s.conn, s.account.Host); err != nil {
		return &TrustError{Reason: "negotiate", Err: err}
	}
	s.wire = newWire(s.conn)
	return nil
}

func (s *Session) authenticate(greeting string) error {
	challenge := apopChallengeRE.FindString(greeting)
	if challenge != "" && s.opts.UseAPOP {
		return s.authenticateAPOP(challenge)
	}
	return s.authenticateUserPass()
}

func (s *Session) authenticateAPOP(challenge string) error {
	pass, err := s.account.password()
	if err != nil {
		return &TransportError{Op: "password prompt", Err: err}
	}
	sum := md5.Sum([]byte(challenge + pass))
	digest := hex.EncodeToString(sum[:])
	_, err = s.wire.query("APOP %s %s", s.account.User, digest)
	return err
}

func (s *Session) authenticateUserPass() error {
	if _, err := s.wire.query("USER %s", s.account.User); err != nil {
		return err
	}
	pass, err := s.account.password()
	if err != nil {
		return &TransportError{Op: "password prompt", Err: err}
	}
	_, err = s.wire.query("PASS %s", pass)
	return err
}

// Stat issues STAT and records the reported mailbox size. It is cheap
// enough to use as a pre-check before paying for a full UIDL
// re-enumeration.
func (s *Session) Stat() (count, size int, err error) {
	line, err := s.wire.query("STAT")
	if err != nil {
		return 0, 0, err
	}
	if _, serr := fmt.Sscanf(line, "%d %d", &count, &size); serr != nil {
		return 0, 0, &TransportError{Op: "parse STAT", Err: serr}
	}
	s.size = size
	return count, size, nil
}

// Close issues QUIT and releases the connection. Pending deletions are
// applied by Sync, not Close; Close alone does not delete anything new.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	_, err := s.wire.query("QUIT")
	s.status = StatusDisconnected
	closeErr := s.conn.Close()
	s.conn = nil
	s.status = StatusNone
	if err != nil {
		return err
	}
	return closeErr
}

// reconnect is called at the top of every mutating operation. If already
// connected it is a no-op; if disconnected, reopen, re-authenticate, and
// re-enumerate UIDLs so refno recovery happens before the caller
// proceeds.
func (s *Session) reconnect(ctx context.Context) error {
	if s.status == StatusAuthenticated && s.conn != nil {
		return nil
	}
	if err := s.Open(ctx); err != nil {
		return err
	}
	if _, err := s.FetchHeaders(ctx); err != nil {
		return err
	}
	if s.clearCache {
		if err := s.flushBodyCache(); err != nil {
			return err
		}
		s.clearCache = false
	}
	return nil
}

func (s *Session) flushBodyCache() error {
	for _, r := range s.records {
		if err := s.coord.deleteBody(r.UIDL); err != nil {
			return err
		}
	}
	return nil
}

// Records returns the current header view, ordered by Index.
func (s *Session) Records() []*HeaderRecord {
	return s.records
}
