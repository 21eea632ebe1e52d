package pop3

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Sync applies pending deletions and modifications to the server, then
// QUITs. DELE is issued in ascending refno order; deletions only take
// effect at QUIT and re-deleting an already-deleted refno is harmless,
// which is what makes a failed Sync safe to retry in full.
func (s *Session) Sync(ctx context.Context) error {
	if err := s.reconnect(ctx); err != nil {
		return err
	}

	toDelete := make([]*HeaderRecord, 0)
	for _, r := range s.records {
		if r.Flags.Deleted && r.Refno != -1 {
			toDelete = append(toDelete, r)
		}
	}
	sort.Slice(toDelete, func(i, j int) bool { return toDelete[i].Refno < toDelete[j].Refno })

	for _, r := range toDelete {
		if _, err := s.wire.query("DELE %d", r.Refno); err != nil {
			return s.retrySyncAfterTransportError(ctx, err)
		}
	}

	for _, r := range toDelete {
		if err := s.coord.deleteHeader(r.UIDL); err != nil {
			return err
		}
		if err := s.coord.deleteBody(r.UIDL); err != nil {
			return err
		}
	}

	for _, r := range s.records {
		if r.Flags.Changed && !r.Flags.Deleted {
			if err := s.coord.store(r.UIDL, &cachedHeader{Env: r.Env, Content: r.Content}); err != nil {
				return err
			}
			r.Flags.Changed = false
		}
	}

	if _, err := s.wire.query("QUIT"); err != nil {
		return s.retrySyncAfterTransportError(ctx, err)
	}

	live := make([]*HeaderRecord, 0, len(s.records))
	for _, r := range s.records {
		if r.Flags.Deleted {
			delete(s.byUIDL, r.UIDL)
			continue
		}
		r.Index = len(live)
		live = append(live, r)
	}
	s.records = live

	s.status = StatusDisconnected
	closeErr := s.conn.Close()
	s.conn = nil
	s.status = StatusNone
	return closeErr
}

func (s *Session) retrySyncAfterTransportError(ctx context.Context, err error) error {
	var terr *TransportError
	if !isTransportError(err, &terr) {
		return err
	}
	s.status = StatusDisconnected
	s.log.Warn("sync interrupted by transport error, retrying", zap.Error(err))
	return s.Sync(ctx)
}

// CheckResult reports what Check observed.
type CheckResult int

const (
	CheckNoChange CheckResult = iota
	CheckNewMail
	CheckError
)

// Check is a rate-limited mailbox poll. Within opts.CheckInterval of the
// last check it is a no-op reporting NoChange; otherwise it reconnects,
// re-probes capabilities, and re-fetches headers, reporting whether new
// mail arrived.
func (s *Session) Check(ctx context.Context) (CheckResult, error) {
	now := time.Now()
	if s.opts.CheckInterval > 0 && !s.checkTime.IsZero() && now.Sub(s.checkTime) < s.opts.CheckInterval {
		return CheckNoChange, nil
	}
	s.checkTime = now

	before := len(s.records)

	if err := s.Close(); err != nil {
		var terr *TransportError
		if !isTransportError(err, &terr) {
			return CheckError, err
		}
	}

	if err := s.Open(ctx); err != nil {
		return CheckError, err
	}

	summary, err := s.FetchHeaders(ctx)
	if err != nil {
		return CheckError, err
	}

	if summary.New > 0 || len(s.records) > before {
		return CheckNewMail, nil
	}
	return CheckNoChange, nil
}
