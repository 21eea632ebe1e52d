package pop3

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"go.uber.org/zap"

	"src.bluestatic.org/popsync/cache"
)

// coordinator binds the opaque HeaderStore/BodyStore collaborators to
// the in-memory HeaderRecord set: UIDL-keyed lookups, orphan eviction,
// and the serialization contract (envelope and content metadata survive
// a cache round-trip; flags/refno/index do not -- they are re-derived
// every session).
type coordinator struct {
	headers cache.HeaderStore
	bodies  cache.BodyStore
	log     *zap.Logger
}

// cachedHeader is exactly what survives a header-cache round-trip:
// envelope plus content length/offset. Flags and refno/index are
// intentionally excluded.
type cachedHeader struct {
	Env     *Envelope
	Content ContentMeta
}

func (c *coordinator) fetch(uidl string) (*cachedHeader, bool, error) {
	if c.headers == nil {
		return nil, false, nil
	}
	data, ok, err := c.headers.Fetch(uidl)
	if err != nil {
		return nil, false, &IntegrityError{Op: "header cache fetch", Err: err}
	}
	if !ok {
		return nil, false, nil
	}
	var ch cachedHeader
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ch); err != nil {
		c.log.Warn("corrupt header cache entry, treating as miss", zap.String("uidl", uidl), zap.Error(err))
		return nil, false, nil
	}
	return &ch, true, nil
}

func (c *coordinator) store(uidl string, ch *cachedHeader) error {
	if c.headers == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ch); err != nil {
		return &IntegrityError{Op: "header cache encode", Err: err}
	}
	if err := c.headers.Store(uidl, buf.Bytes()); err != nil {
		return &IntegrityError{Op: "header cache store", Err: err}
	}
	return nil
}

func (c *coordinator) deleteHeader(uidl string) error {
	if c.headers == nil {
		return nil
	}
	if err := c.headers.Delete(uidl); err != nil {
		return &IntegrityError{Op: "header cache delete", Err: err}
	}
	return nil
}

func (c *coordinator) deleteBody(uidl string) error {
	if c.bodies == nil {
		return nil
	}
	if err := c.bodies.Delete(uidl); err != nil {
		return &IntegrityError{Op: "body cache delete", Err: err}
	}
	return nil
}

// sweepOrphans evicts any body-cache entry whose UIDL is not present in
// current.
func (c *coordinator) sweepOrphans(current map[string]struct{}) error {
	if c.bodies == nil {
		return nil
	}
	var toDelete []string
	err := c.bodies.List(func(uidl string) error {
		if _, live := current[uidl]; !live {
			toDelete = append(toDelete, uidl)
		}
		return nil
	})
	if err != nil {
		return &IntegrityError{Op: "body cache list", Err: err}
	}
	for _, uidl := range toDelete {
		if err := c.bodies.Delete(uidl); err != nil {
			return &IntegrityError{Op: fmt.Sprintf("evict orphan %q", uidl), Err: err}
		}
		c.log.Debug("evicted orphan body cache entry", zap.String("uidl", uidl))
	}
	return nil
}
