package pop3

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// MessageStore receives drained messages. Append opens a writer for one
// message; closing it commits that message to the store. The mail store
// behind it (mbox, maildir, a database) is the caller's business.
type MessageStore interface {
	Append() (io.WriteCloser, error)
}

// DrainOptions controls a Drain pass.
type DrainOptions struct {
	// OnlyNew issues LAST and skips messages the server has already
	// handed out, instead of re-fetching the whole mailbox.
	OnlyNew bool
	// Delete marks each fetched message for deletion on the server. The
	// deletions take effect at the next QUIT (sent by Sync or Close); a
	// drain that stops partway has marked only the messages it already
	// fetched.
	Delete bool
}

// DrainResult reports what a Drain pass did.
type DrainResult struct {
	Fetched int
	Skipped int
}

// Drain fetches every message (or, with OnlyNew, every unseen message)
// into store, optionally deleting each from the server afterwards. It
// operates by refno alone and does not touch the header or body caches;
// it is the bulk fetch-to-spool path, not the cached-mailbox path.
func (s *Session) Drain(ctx context.Context, store MessageStore, opts DrainOptions) (*DrainResult, error) {
	if err := s.reconnect(ctx); err != nil {
		return nil, err
	}

	count, _, err := s.Stat()
	if err != nil {
		return nil, err
	}

	start := 0
	if opts.OnlyNew {
		line, err := s.wire.query("LAST")
		if err != nil {
			var perr *ProtocolError
			if !isProtocolError(err, &perr) {
				return nil, err
			}
			// LAST unsupported: fetch everything.
		} else if _, serr := fmt.Sscanf(line, "%d", &start); serr != nil {
			return nil, &TransportError{Op: "parse LAST", Err: serr}
		}
	}

	result := &DrainResult{Skipped: start}
	for refno := start + 1; refno <= count; refno++ {
		if err := s.drainOne(refno, store); err != nil {
			return result, err
		}
		result.Fetched++

		if opts.Delete {
			if _, err := s.wire.query("DELE %d", refno); err != nil {
				return result, err
			}
		}
	}

	s.log.Info("drained mailbox",
		zap.Int("fetched", result.Fetched),
		zap.Int("skipped", result.Skipped),
		zap.Bool("deleted", opts.Delete))
	return result, nil
}

func (s *Session) drainOne(refno int, store MessageStore) error {
	if _, err := s.wire.query("RETR %d", refno); err != nil {
		return err
	}

	w, err := store.Append()
	if err != nil {
		// The multiline body is already in flight and must be consumed
		// to keep the command/response pairing intact.
		s.wire.fetchLines(func([]byte) error { return nil })
		return &IntegrityError{Op: "open message store writer", Err: err}
	}

	if err := s.wire.fetchLines(func(line []byte) error {
		if _, werr := w.Write(line); werr != nil {
			return werr
		}
		_, werr := w.Write([]byte{'\n'})
		return werr
	}); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
