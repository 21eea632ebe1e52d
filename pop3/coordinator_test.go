package pop3

import (
	"bytes"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"
)

// memHeaderStore is an in-memory HeaderStore for coordinator tests.
type memHeaderStore map[string][]byte

func (m memHeaderStore) Fetch(uidl string) ([]byte, bool, error) {
	data, ok := m[uidl]
	return data, ok, nil
}
func (m memHeaderStore) Store(uidl string, data []byte) error { m[uidl] = data; return nil }
func (m memHeaderStore) Delete(uidl string) error             { delete(m, uidl); return nil }
func (m memHeaderStore) Close() error                         { return nil }

// memBodyStore is an in-memory BodyStore for the orphan sweep tests.
type memBodyStore map[string][]byte

func (m memBodyStore) Get(uidl string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m[uidl])), nil
}
func (m memBodyStore) Put(uidl string) (io.WriteCloser, error) { return nil, io.ErrClosedPipe }
func (m memBodyStore) Commit(uidl string) error                { return nil }
func (m memBodyStore) Exists(uidl string) bool                 { _, ok := m[uidl]; return ok }
func (m memBodyStore) Delete(uidl string) error                { delete(m, uidl); return nil }
func (m memBodyStore) List(visit func(uidl string) error) error {
	for uidl := range m {
		if err := visit(uidl); err != nil {
			return err
		}
	}
	return nil
}

func TestCoordinatorHeaderRoundTrip(t *testing.T) {
	c := coordinator{headers: memHeaderStore{}, log: zap.NewNop()}

	in := &cachedHeader{
		Env: &Envelope{
			MessageID: "<id@example.com>",
			Subject:   "round trip",
			From:      "a@example.com",
			To:        []string{"b@example.com"},
			Date:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		Content: ContentMeta{Length: 4096, Offset: 128},
	}
	if err := c.store("AAA", in); err != nil {
		t.Fatalf("store: %v", err)
	}

	out, hit, err := c.fetch("AAA")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !hit {
		t.Fatal("expected a cache hit")
	}
	if out.Env.Subject != in.Env.Subject || out.Env.From != in.Env.From ||
		out.Env.MessageID != in.Env.MessageID || !out.Env.Date.Equal(in.Env.Date) {
		t.Errorf("envelope did not survive the round trip: %+v", out.Env)
	}
	if out.Content != in.Content {
		t.Errorf("content metadata did not survive the round trip: %+v", out.Content)
	}
}

func TestCoordinatorFetchTreatsCorruptEntryAsMiss(t *testing.T) {
	hs := memHeaderStore{"AAA": []byte("not a gob stream")}
	c := coordinator{headers: hs, log: zap.NewNop()}

	_, hit, err := c.fetch("AAA")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if hit {
		t.Error("expected a corrupt entry to read as a miss")
	}
}

func TestCoordinatorSweepOrphans(t *testing.T) {
	bodies := memBodyStore{
		"AAA": []byte("live"),
		"ZZZ": []byte("orphan"),
	}
	c := coordinator{bodies: bodies, log: zap.NewNop()}

	current := map[string]struct{}{"AAA": {}}
	if err := c.sweepOrphans(current); err != nil {
		t.Fatalf("sweepOrphans: %v", err)
	}
	if !bodies.Exists("AAA") {
		t.Error("expected live entry to survive the sweep")
	}
	if bodies.Exists("ZZZ") {
		t.Error("expected orphan entry to be evicted")
	}
}
