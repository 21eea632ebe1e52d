// Package mailbox adapts a pop3.Session to the fixed open/close/check/
// sync/open_message/close_message operation set an external mail client
// drives a remote mailbox through.
package mailbox

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"src.bluestatic.org/popsync/cache"
	"src.bluestatic.org/popsync/internal/tlstrust"
	"src.bluestatic.org/popsync/pop3"
)

// ACL bits reported in a Context.
type ACL int

const (
	ACLSeen ACL = 1 << iota
	ACLDelete
	ACLWrite
)

// Header is the read-only view of one message handed to the external
// client.
type Header struct {
	UIDL    string
	Index   int
	Env     *pop3.Envelope
	Content pop3.ContentMeta
	Flags   pop3.Flags
}

// Context is the per-mailbox state the external client consults between
// operations: path, header array, message count, and ACL bitset.
type Context struct {
	Path    string
	Headers []Header
	Count   int
	ACL     ACL
}

// Driver binds a pop3.Session and its caches into the Context-shaped
// contract. It is not goroutine safe; operations must not overlap.
type Driver struct {
	session *pop3.Session
	log     *zap.Logger

	mu      sync.Mutex
	openMsg map[string]io.ReadCloser

	hasHeaderCache bool
	hasBodyCache   bool
	ring           *tempRing
}

// Config collects what New needs to build a Session.
type Config struct {
	Account     pop3.Account
	Options     pop3.Options
	TLSEngine   *tlstrust.Engine
	HeaderStore cache.HeaderStore
	BodyStore   cache.BodyStore
	EnvParser   pop3.EnvelopeParser
	Interrupt   <-chan struct{}
	Log         *zap.Logger
}

func New(cfg Config) *Driver {
	return &Driver{
		session:        pop3.New(cfg.Account, cfg.Options, cfg.TLSEngine, cfg.HeaderStore, cfg.BodyStore, cfg.EnvParser, cfg.Interrupt, cfg.Log),
		log:            cfg.Log,
		openMsg:        make(map[string]io.ReadCloser),
		hasHeaderCache: cfg.HeaderStore != nil,
		hasBodyCache:   cfg.BodyStore != nil,
		ring:           newTempRing(8),
	}
}

// Open connects, authenticates, and performs the first header fetch,
// returning the Context the external client should hold onto.
func (d *Driver) Open(ctx context.Context, path string) (*Context, error) {
	if err := d.session.Open(ctx); err != nil {
		return nil, err
	}
	if _, err := d.session.FetchHeaders(ctx); err != nil {
		return nil, err
	}
	return d.buildContext(path), nil
}

// Close flushes nothing by itself; callers that want deletions/changes
// applied must call Sync first.
func (d *Driver) Close() error {
	d.mu.Lock()
	for uidl, rc := range d.openMsg {
		rc.Close()
		delete(d.openMsg, uidl)
	}
	d.mu.Unlock()
	d.ring.closeAll()
	return d.session.Close()
}

// Check re-polls the mailbox, rate-limited by Options.CheckInterval, and
// refreshes the Context on change.
func (d *Driver) Check(ctx context.Context, path string) (*Context, pop3.CheckResult, error) {
	result, err := d.session.Check(ctx)
	if err != nil {
		return nil, pop3.CheckError, err
	}
	return d.buildContext(path), result, nil
}

// Sync applies pending deletions/changes and tears the connection down.
// Once the server has committed, locally spooled bodies are stale and
// are dropped with it.
func (d *Driver) Sync(ctx context.Context) error {
	if err := d.session.Sync(ctx); err != nil {
		return err
	}
	d.ring.closeAll()
	return nil
}

// Drain bulk-fetches messages into store, bypassing the caches; see
// pop3.Session.Drain.
func (d *Driver) Drain(ctx context.Context, store pop3.MessageStore, opts pop3.DrainOptions) (*pop3.DrainResult, error) {
	return d.session.Drain(ctx, store, opts)
}

// OpenMessage returns a reader for one message body, tracked so
// CloseMessage can release it deterministically.
func (d *Driver) OpenMessage(ctx context.Context, uidl string) (io.ReadCloser, error) {
	var rec *pop3.HeaderRecord
	for _, r := range d.session.Records() {
		if r.UIDL == uidl {
			rec = r
			break
		}
	}
	if rec == nil {
		return nil, &pop3.StaleRefnoError{UIDL: uidl}
	}

	if !d.hasBodyCache {
		if rc, hit := d.ring.lookup(rec.Index); hit {
			d.mu.Lock()
			d.openMsg[uidl] = rc
			d.mu.Unlock()
			return rc, nil
		}
	}

	rc, err := d.session.FetchMessage(ctx, rec)
	if err != nil {
		return nil, err
	}

	if !d.hasBodyCache {
		spooled, serr := d.ring.spool(rec.Index, rc)
		rc.Close()
		if serr != nil {
			return nil, serr
		}
		rc = spooled
	}

	d.mu.Lock()
	d.openMsg[uidl] = rc
	d.mu.Unlock()
	return rc, nil
}

// CloseMessage releases the reader acquired by OpenMessage.
func (d *Driver) CloseMessage(uidl string) error {
	d.mu.Lock()
	rc, ok := d.openMsg[uidl]
	delete(d.openMsg, uidl)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return rc.Close()
}

// MarkDeleted flags a message for deletion on the next Sync.
func (d *Driver) MarkDeleted(uidl string) {
	for _, r := range d.session.Records() {
		if r.UIDL == uidl {
			r.Flags.Deleted = true
			return
		}
	}
}

func (d *Driver) buildContext(path string) *Context {
	records := d.session.Records()
	headers := make([]Header, 0, len(records))
	for _, r := range records {
		if r.Flags.Deleted {
			continue
		}
		headers = append(headers, Header{
			UIDL:    r.UIDL,
			Index:   r.Index,
			Env:     r.Env,
			Content: r.Content,
			Flags:   r.Flags,
		})
	}

	acl := ACLSeen | ACLDelete
	if d.hasHeaderCache {
		acl |= ACLWrite
	}

	return &Context{
		Path:    path,
		Headers: headers,
		Count:   len(headers),
		ACL:     acl,
	}
}
