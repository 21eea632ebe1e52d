package pop3

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// HeadersSummary reports what a FetchHeaders call observed, in
// particular the server-side deletion count the user is told about.
type HeadersSummary struct {
	Total        int
	New          int
	NewlyDeleted int
}

// FetchHeaders reconciles the in-memory HeaderRecord set against a fresh
// UIDL enumeration, fetches envelopes for newly discovered messages
// (from the header cache, or the server via TOP/RETR), and sweeps
// orphaned body-cache entries.
func (s *Session) FetchHeaders(ctx context.Context) (*HeadersSummary, error) {
	if s.uidlCap == CapAbsent {
		// Without UIDL there is no cross-session identity to reconcile
		// against; the verdict holds until the next reconnect.
		return &HeadersSummary{Total: len(s.records)}, nil
	}

	for _, r := range s.records {
		r.Refno = -1
	}

	_, err := s.capaProbe(&s.uidlCap, "UIDL", "UIDL")
	if err != nil {
		var perr *ProtocolError
		if isProtocolError(err, &perr) {
			// UIDL unsupported: the mailbox becomes read-only and there
			// is nothing more to reconcile this round.
			return &HeadersSummary{Total: len(s.records)}, nil
		}
		return nil, err
	}

	entries, err := s.wire.readDotLines()
	if err != nil {
		return nil, err
	}

	// An empty UIDL response against a nonzero STAT count means the
	// server does not really support UIDL, even though the command
	// itself returned +OK.
	if len(entries) == 0 && s.size > 0 {
		s.uidlCap = CapAbsent
		return &HeadersSummary{Total: len(s.records)}, nil
	}

	newRecords := make([]*HeaderRecord, 0, len(entries))
	var newlyAllocated []*HeaderRecord

	for i, line := range entries {
		var refno int
		var uidl string
		if _, err := fmt.Sscanf(line, "%d %s", &refno, &uidl); err != nil {
			return nil, &TransportError{Op: "parse UIDL line", Err: fmt.Errorf("malformed line %q", line)}
		}

		rec, found := s.byUIDL[uidl]
		if found {
			rec.Refno = refno
			if rec.Index != i {
				s.clearCache = true
			}
			rec.Index = i
		} else {
			rec = &HeaderRecord{UIDL: uidl, Refno: refno, Index: i}
			s.byUIDL[uidl] = rec
			newlyAllocated = append(newlyAllocated, rec)
		}
		newRecords = append(newRecords, rec)
	}

	deletedCount := 0
	nextIndex := len(newRecords)
	for _, rec := range s.records {
		if rec.IsStale() && !rec.Flags.Deleted {
			rec.Flags.Deleted = true
			rec.Index = nextIndex
			nextIndex++
			newRecords = append(newRecords, rec)
			deletedCount++
		}
	}
	s.records = newRecords

	if deletedCount > 0 {
		s.log.Info("server-side deletions detected", zap.Int("count", deletedCount))
	}

	for _, rec := range newlyAllocated {
		if err := s.populateNewRecord(rec); err != nil {
			return nil, err
		}
	}

	if s.opts.MessageCacheClean {
		current := make(map[string]struct{}, len(s.records))
		for _, r := range s.records {
			if !r.Flags.Deleted {
				current[r.UIDL] = struct{}{}
			}
		}
		if err := s.coord.sweepOrphans(current); err != nil {
			return nil, err
		}
	}

	return &HeadersSummary{
		Total:        len(s.records),
		New:          len(newlyAllocated),
		NewlyDeleted: deletedCount,
	}, nil
}

func isProtocolError(err error, target **ProtocolError) bool {
	pe, ok := err.(*ProtocolError)
	if ok {
		*target = pe
	}
	return ok
}

// populateNewRecord fills in the envelope and flags for one freshly
// discovered UIDL, preferring the header cache over the wire.
func (s *Session) populateNewRecord(rec *HeaderRecord) error {
	cached, hit, err := s.coord.fetch(rec.UIDL)
	if err != nil {
		return err
	}

	if hit {
		rec.Env = cached.Env
		rec.Content = cached.Content
	} else {
		env, content, err := s.fetchEnvelope(rec.Refno)
		if err != nil {
			return err
		}
		rec.Env = env
		rec.Content = content
		if err := s.coord.store(rec.UIDL, &cachedHeader{Env: env, Content: content}); err != nil {
			return err
		}
	}

	switch {
	case s.coord.bodies != nil && s.coord.bodies.Exists(rec.UIDL):
		rec.Flags.Read = true
	case hit && s.opts.MarkOld:
		rec.Flags.Old = true
	}
	return nil
}

// fetchEnvelope issues TOP <refno> 0, falling back to a full RETR when
// TOP is absent.
func (s *Session) fetchEnvelope(refno int) (*Envelope, ContentMeta, error) {
	var buf bytes.Buffer
	var cmdErr error

	if s.topCap != CapAbsent {
		_, cmdErr = s.capaProbe(&s.topCap, "TOP", "TOP %d 0", refno)
	} else {
		cmdErr = &ProtocolError{Command: "TOP", Line: "capability absent"}
	}

	if cmdErr != nil {
		var perr *ProtocolError
		if !isProtocolError(cmdErr, &perr) {
			return nil, ContentMeta{}, cmdErr
		}
		// TOP unsupported: fetch the whole message instead.
		if _, err := s.wire.query("RETR %d", refno); err != nil {
			return nil, ContentMeta{}, err
		}
	}

	if err := s.wire.fetchLines(func(line []byte) error {
		buf.Write(line)
		buf.WriteByte('\n')
		return nil
	}); err != nil {
		return nil, ContentMeta{}, err
	}

	env, err := s.envParser.Parse(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, ContentMeta{}, &IntegrityError{Op: "parse envelope", Err: err}
	}
	return env, ContentMeta{Length: int64(buf.Len())}, nil
}

// FetchMessage serves from the body cache on hit, otherwise streams RETR
// into the body cache, reconnecting once on transport failure. A stale
// record (refno -1) aborts without retry.
func (s *Session) FetchMessage(ctx context.Context, rec *HeaderRecord) (io.ReadCloser, error) {
	if rec.IsStale() {
		return nil, &StaleRefnoError{UIDL: rec.UIDL}
	}

	if s.coord.bodies != nil && s.coord.bodies.Exists(rec.UIDL) {
		return s.coord.bodies.Get(rec.UIDL)
	}

	if err := s.reconnect(ctx); err != nil {
		return nil, err
	}

	data, err := s.retrieveOnce(rec)
	if err != nil {
		var terr *TransportError
		if !isTransportError(err, &terr) {
			return nil, err
		}
		// Reconnect-and-retry exactly once.
		s.status = StatusDisconnected
		if rerr := s.reconnect(ctx); rerr != nil {
			return nil, rerr
		}
		data, err = s.retrieveOnce(rec)
		if err != nil {
			return nil, err
		}
	}

	if s.coord.bodies != nil {
		w, werr := s.coord.bodies.Put(rec.UIDL)
		if werr != nil {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
		if _, werr := w.Write(data); werr != nil {
			w.Close()
			return nil, &IntegrityError{Op: "write body cache", Err: werr}
		}
		if werr := w.Close(); werr != nil {
			return nil, &IntegrityError{Op: "close body cache writer", Err: werr}
		}
		if werr := s.coord.bodies.Commit(rec.UIDL); werr != nil {
			return nil, &IntegrityError{Op: "commit body cache", Err: werr}
		}
	}

	rec.Flags.Read = true
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Session) retrieveOnce(rec *HeaderRecord) ([]byte, error) {
	if _, err := s.wire.query("RETR %d", rec.Refno); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := s.wire.fetchLines(func(line []byte) error {
		buf.Write(line)
		buf.WriteByte('\n')
		return nil
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isTransportError(err error, target **TransportError) bool {
	te, ok := err.(*TransportError)
	if ok {
		*target = te
	}
	return ok
}
