package mailbox

import (
	"io"
	"os"
)

// tempRing is the fallback used when a Driver has no BodyStore
// configured: a bounded set of temp files, each slot keyed by message
// index modulo the ring's size. Re-opening a message whose slot still
// holds its index serves the spooled file instead of re-issuing RETR.
type tempRing struct {
	slots []ringSlot
}

type ringSlot struct {
	index int
	path  string
	valid bool
}

func newTempRing(size int) *tempRing {
	return &tempRing{slots: make([]ringSlot, size)}
}

func (r *tempRing) slotFor(index int) int { return index % len(r.slots) }

// lookup returns the cached body for index, if the ring slot it maps to
// still holds that same index. A stale or missing on-disk file is
// treated as a miss and invalidates the slot.
func (r *tempRing) lookup(index int) (io.ReadCloser, bool) {
	s := &r.slots[r.slotFor(index)]
	if !s.valid || s.index != index {
		return nil, false
	}
	f, err := os.Open(s.path)
	if err != nil {
		s.valid = false
		return nil, false
	}
	return f, true
}

// spool copies src into the ring slot for index, evicting whatever
// previously occupied that slot, and returns the spooled body opened for
// reading from the start.
func (r *tempRing) spool(index int, src io.Reader) (io.ReadCloser, error) {
	slot := r.slotFor(index)
	if old := r.slots[slot]; old.valid {
		os.Remove(old.path)
	}

	f, err := os.CreateTemp("", "popsync-body-*")
	if err != nil {
		return nil, err
	}
	path := f.Name()
	_, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(path)
		return nil, copyErr
	}
	if closeErr != nil {
		os.Remove(path)
		return nil, closeErr
	}

	r.slots[slot] = ringSlot{index: index, path: path, valid: true}

	rf, err := os.Open(path)
	if err != nil {
		r.slots[slot].valid = false
		return nil, err
	}
	return rf, nil
}

func (r *tempRing) closeAll() {
	for i, s := range r.slots {
		if s.valid {
			os.Remove(s.path)
		}
		r.slots[i] = ringSlot{}
	}
}
