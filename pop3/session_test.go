package pop3

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeServer is a minimal in-process POP3 server driven by a scripted
// command table. These tests exercise the client engine, not a server
// implementation.
type fakeServer struct {
	greeting string
	// responses maps an uppercased command verb to the full reply text
	// (including any dot-terminated multiline body) that should be
	// written back.
	responses map[string]string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		greeting:  "+OK fake POP3 server ready",
		responses: make(map[string]string),
	}
}

func (s *fakeServer) on(cmd, reply string) { s.responses[strings.ToUpper(cmd)] = reply }

func runFakeServer(t *testing.T, s *fakeServer) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fmt.Fprintf(conn, "%s\r\n", s.greeting)
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
			reply, ok := s.responses[verb]
			if !ok {
				fmt.Fprintf(conn, "-ERR unknown command %s\r\n", verb)
				continue
			}
			fmt.Fprintf(conn, "%s\r\n", reply)
			if verb == "QUIT" {
				return
			}
		}
	}()
	return l
}

func dialFakeServer(t *testing.T, l net.Listener) *Session {
	t.Helper()
	acct := Account{Host: l.Addr().(*net.TCPAddr).IP.String(), Port: l.Addr().(*net.TCPAddr).Port, User: "u", Password: "p"}
	opts := Options{DialTimeout: 2 * time.Second}
	s := New(acct, opts, nil, nil, nil, nil, nil, zap.NewNop())
	return s
}

func TestSessionOpenAndFetchHeaders(t *testing.T) {
	s := newFakeServer()
	s.on("USER", "+OK")
	s.on("PASS", "+OK logged in")
	s.on("STAT", "+OK 2 320")
	s.on("UIDL", "+OK\r\n1 AAA\r\n2 BBB\r\n.")
	s.on("TOP", "+OK\r\nSubject: hello\r\nFrom: a@example.com\r\n\r\n.")

	l := runFakeServer(t, s)
	defer l.Close()

	sess := dialFakeServer(t, l)
	ctx := context.Background()

	if err := sess.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := sess.Stat(); err != nil {
		t.Fatalf("Stat: %v", err)
	}
	summary, err := sess.FetchHeaders(ctx)
	if err != nil {
		t.Fatalf("FetchHeaders: %v", err)
	}
	if summary.Total != 2 || summary.New != 2 {
		t.Errorf("expected 2 total/new records, got %+v", summary)
	}

	records := sess.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].UIDL != "AAA" || records[0].Refno != 1 || records[0].Index != 0 {
		t.Errorf("unexpected first record: %+v", records[0])
	}
	if records[0].Env == nil || records[0].Env.Subject != "hello" {
		t.Errorf("expected parsed envelope, got %+v", records[0].Env)
	}
}

func TestSessionReconciliationMarksDeleted(t *testing.T) {
	s := newFakeServer()
	s.on("USER", "+OK")
	s.on("PASS", "+OK logged in")
	s.on("STAT", "+OK 1 100")
	s.on("UIDL", "+OK\r\n2 CCC\r\n.")
	s.on("TOP", "+OK\r\nSubject: s\r\n\r\n.")

	l := runFakeServer(t, s)
	defer l.Close()
	sess := dialFakeServer(t, l)
	ctx := context.Background()

	if err := sess.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	sess.records = []*HeaderRecord{
		{UIDL: "AAA", Refno: 1, Index: 0},
		{UIDL: "BBB", Refno: 2, Index: 1},
	}
	sess.byUIDL["AAA"] = sess.records[0]
	sess.byUIDL["BBB"] = sess.records[1]

	summary, err := sess.FetchHeaders(ctx)
	if err != nil {
		t.Fatalf("FetchHeaders: %v", err)
	}
	if summary.NewlyDeleted != 2 {
		t.Errorf("expected both AAA and BBB to be marked deleted, got %+v", summary)
	}

	var sawCCC bool
	for _, r := range sess.Records() {
		if r.UIDL == "CCC" {
			sawCCC = true
			if r.Refno != 2 {
				t.Errorf("expected CCC refno 2, got %d", r.Refno)
			}
		}
		if (r.UIDL == "AAA" || r.UIDL == "BBB") && !r.Flags.Deleted {
			t.Errorf("expected %s to be marked deleted", r.UIDL)
		}
	}
	if !sawCCC {
		t.Errorf("expected CCC to be present")
	}
}

func TestSessionReorderSetsClearCache(t *testing.T) {
	s := newFakeServer()
	s.on("USER", "+OK")
	s.on("PASS", "+OK logged in")
	s.on("UIDL", "+OK\r\n1 BBB\r\n2 AAA\r\n.")

	l := runFakeServer(t, s)
	defer l.Close()
	sess := dialFakeServer(t, l)
	ctx := context.Background()

	if err := sess.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	sess.records = []*HeaderRecord{
		{UIDL: "AAA", Refno: 1, Index: 0},
		{UIDL: "BBB", Refno: 2, Index: 1},
	}
	sess.byUIDL["AAA"] = sess.records[0]
	sess.byUIDL["BBB"] = sess.records[1]

	if _, err := sess.FetchHeaders(ctx); err != nil {
		t.Fatalf("FetchHeaders: %v", err)
	}

	records := sess.Records()
	if records[0].UIDL != "BBB" || records[0].Refno != 1 || records[0].Index != 0 {
		t.Errorf("unexpected first record after reorder: %+v", records[0])
	}
	if records[1].UIDL != "AAA" || records[1].Refno != 2 || records[1].Index != 1 {
		t.Errorf("unexpected second record after reorder: %+v", records[1])
	}
	if !sess.clearCache {
		t.Error("expected clearCache to be set when indexes changed")
	}
}

func TestSessionAuthFailureReleasesConn(t *testing.T) {
	s := newFakeServer()
	s.on("USER", "+OK")
	s.on("PASS", "-ERR invalid password")

	l := runFakeServer(t, s)
	defer l.Close()
	sess := dialFakeServer(t, l)

	err := sess.Open(context.Background())
	if err == nil {
		t.Fatal("expected auth failure")
	}
	if sess.status != StatusNone {
		t.Errorf("expected status reset to StatusNone, got %v", sess.status)
	}
	if sess.conn != nil {
		t.Errorf("expected conn to be released on auth failure")
	}
}

// TestSessionOpenInterruptedSurfacesUserAbortError: an interrupt during
// the blocking greeting read must surface as *UserAbortError, not
// *TransportError -- so that a retry loop keyed on *TransportError
// (sync.go's retrySyncAfterTransportError) does not retry a
// user-requested abort. The fake server accepts but never writes a
// greeting, so the read is still blocked when the interrupt fires.
func TestSessionOpenInterruptedSurfacesUserAbortError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		<-make(chan struct{}) // never writes the greeting
	}()

	acct := Account{Host: l.Addr().(*net.TCPAddr).IP.String(), Port: l.Addr().(*net.TCPAddr).Port, User: "u", Password: "p"}
	opts := Options{DialTimeout: 2 * time.Second}
	interrupt := make(chan struct{})
	sess := New(acct, opts, nil, nil, nil, nil, interrupt, zap.NewNop())

	errc := make(chan error, 1)
	go func() { errc <- sess.Open(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	close(interrupt)

	var openErr error
	select {
	case openErr = <-errc:
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not unblock after interrupt")
	}

	if openErr == nil {
		t.Fatal("expected an error from an interrupted greeting read")
	}
	var uerr *UserAbortError
	if !errors.As(openErr, &uerr) {
		t.Fatalf("expected *UserAbortError, got %T: %v", openErr, openErr)
	}
	var terr *TransportError
	if errors.As(openErr, &terr) {
		t.Fatalf("interrupted I/O must not also satisfy *TransportError (or retry loops would retry it): %v", openErr)
	}
}

// memStore collects drained messages in memory.
type memStore struct {
	messages []string
	pending  *strings.Builder
}

type memWriter struct{ store *memStore }

func (w memWriter) Write(p []byte) (int, error) { return w.store.pending.Write(p) }
func (w memWriter) Close() error {
	w.store.messages = append(w.store.messages, w.store.pending.String())
	w.store.pending = nil
	return nil
}

func (m *memStore) Append() (io.WriteCloser, error) {
	m.pending = &strings.Builder{}
	return memWriter{store: m}, nil
}

func TestSessionDrainOnlyNewWithDelete(t *testing.T) {
	s := newFakeServer()
	s.on("USER", "+OK")
	s.on("PASS", "+OK logged in")
	s.on("STAT", "+OK 2 512")
	s.on("UIDL", "+OK\r\n1 AAA\r\n2 BBB\r\n.")
	s.on("TOP", "+OK\r\nSubject: x\r\n\r\n.")
	s.on("LAST", "+OK 1")
	s.on("RETR", "+OK\r\nSubject: x\r\n\r\nsecond message body\r\n.")
	s.on("DELE", "+OK marked")
	s.on("QUIT", "+OK bye")

	l := runFakeServer(t, s)
	defer l.Close()
	sess := dialFakeServer(t, l)
	ctx := context.Background()

	if err := sess.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}

	store := &memStore{}
	result, err := sess.Drain(ctx, store, DrainOptions{OnlyNew: true, Delete: true})
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Fetched != 1 || result.Skipped != 1 {
		t.Errorf("expected 1 fetched / 1 skipped, got %+v", result)
	}
	if len(store.messages) != 1 || !strings.Contains(store.messages[0], "second message body") {
		t.Errorf("unexpected stored messages: %q", store.messages)
	}
}

func TestDefaultEnvelopeParser(t *testing.T) {
	raw := "Subject: hi\r\nFrom: a@example.com\r\nTo: b@example.com\r\n\r\nbody\r\n"
	env, err := (DefaultEnvelopeParser{}).Parse(io.NopCloser(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if env.Subject != "hi" || env.From != "a@example.com" {
		t.Errorf("unexpected envelope: %+v", env)
	}
}
