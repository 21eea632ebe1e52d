package mailbox

import (
	"io"
	"os"
	"strings"
	"testing"
)

func TestTempRingSpoolRoundTrip(t *testing.T) {
	ring := newTempRing(2)
	defer ring.closeAll()

	f, err := ring.spool(0, strings.NewReader("body bytes"))
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "body bytes" {
		t.Errorf("unexpected body %q", data)
	}
}

func TestTempRingLookupHitsSameIndex(t *testing.T) {
	ring := newTempRing(4)
	defer ring.closeAll()

	f, err := ring.spool(2, strings.NewReader("cached body"))
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	f.Close()

	rc, hit := ring.lookup(2)
	if !hit {
		t.Fatal("expected a lookup hit for the index just spooled")
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "cached body" {
		t.Errorf("unexpected body %q", data)
	}
}

func TestTempRingLookupMissesDifferentIndex(t *testing.T) {
	ring := newTempRing(4)
	defer ring.closeAll()

	f, err := ring.spool(1, strings.NewReader("index one"))
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	f.Close()

	// Index 5 maps to the same slot as index 1 in a ring of size 4.
	if _, hit := ring.lookup(5); hit {
		t.Fatal("expected a miss for an index the slot does not hold")
	}
}

func TestTempRingEvictsSlotOnCollision(t *testing.T) {
	ring := newTempRing(1)
	defer ring.closeAll()

	first, err := ring.spool(0, strings.NewReader("first"))
	if err != nil {
		t.Fatalf("spool: %v", err)
	}
	first.Close()
	firstPath := ring.slots[0].path

	// Index 1 maps to the same slot as index 0 when the ring size is 1,
	// so this must evict the first entry.
	second, err := ring.spool(1, strings.NewReader("second"))
	if err != nil {
		t.Fatalf("second spool: %v", err)
	}
	second.Close()

	if _, err := os.Stat(firstPath); !os.IsNotExist(err) {
		t.Errorf("expected colliding ring slot's prior file to be evicted, stat err = %v", err)
	}
	if _, hit := ring.lookup(0); hit {
		t.Error("expected index 0 to no longer be cached after the slot was reused by index 1")
	}
	if rc, hit := ring.lookup(1); !hit {
		t.Error("expected index 1 to be cached after spool")
	} else {
		rc.Close()
	}
}
