package hub

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func staticSnapshot(data string) func() Notification {
	return func() Notification {
		return Notification{Kind: "resync", Data: []byte(data)}
	}
}

func TestAttachDeliversResyncFirst(t *testing.T) {
	h := New(8, newLogger())
	h.Register("s1", staticSnapshot(`{"type":"resync","position":4}`))

	v, err := h.Attach("s1")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	first := <-v.Messages()
	if first.Kind != "resync" {
		t.Fatalf("expected resync as first frame, got %s", first.Kind)
	}
	if string(first.Data) != `{"type":"resync","position":4}` {
		t.Fatalf("unexpected resync payload: %s", first.Data)
	}
}

func TestPublishFansOutInOrder(t *testing.T) {
	h := New(8, newLogger())
	h.Register("s1", staticSnapshot("{}"))

	a, _ := h.Attach("s1")
	b, _ := h.Attach("s1")
	<-a.Messages()
	<-b.Messages()

	for i := 0; i < 5; i++ {
		h.Publish("s1", Notification{Kind: "match", Data: []byte(fmt.Sprintf("m%d", i))})
	}

	for _, v := range []*Viewer{a, b} {
		for i := 0; i < 5; i++ {
			n := <-v.Messages()
			if string(n.Data) != fmt.Sprintf("m%d", i) {
				t.Fatalf("out-of-order frame: got %s at %d", n.Data, i)
			}
		}
	}
}

func TestSlowViewerIsDroppedNotBlocking(t *testing.T) {
	h := New(2, newLogger())
	h.Register("s1", staticSnapshot("{}"))

	slow, _ := h.Attach("s1")
	_ = slow // never drained beyond the resync frame

	// Buffer of 2 holds the resync plus one frame; the rest overflow.
	for i := 0; i < 10; i++ {
		h.Publish("s1", Notification{Kind: "match", Data: []byte("x")})
	}

	if got := h.ViewerCount("s1"); got != 0 {
		t.Fatalf("expected slow viewer dropped, still %d attached", got)
	}
	// The channel must be closed so the consumer unblocks.
	drained := 0
	for range slow.Messages() {
		drained++
	}
	if drained == 0 {
		t.Fatal("expected buffered frames before close")
	}
}

func TestDetachRemovesOnlyThatViewer(t *testing.T) {
	h := New(8, newLogger())
	h.Register("s1", staticSnapshot("{}"))

	a, _ := h.Attach("s1")
	b, _ := h.Attach("s1")
	h.Detach("s1", a)

	if got := h.ViewerCount("s1"); got != 1 {
		t.Fatalf("expected 1 viewer, got %d", got)
	}
	h.Publish("s1", Notification{Kind: "status", Data: []byte("w")})
	<-b.Messages() // resync
	if n := <-b.Messages(); n.Kind != "status" {
		t.Fatalf("remaining viewer missed the frame: %+v", n)
	}
}

func TestUnregisterClosesViewers(t *testing.T) {
	h := New(8, newLogger())
	h.Register("s1", staticSnapshot("{}"))
	v, _ := h.Attach("s1")

	h.Unregister("s1")

	if _, err := h.Attach("s1"); err == nil {
		t.Fatal("expected attach to fail after unregister")
	}
	for range v.Messages() {
	}
	// Reaching here means the channel closed.
}

func TestAttachUnknownSession(t *testing.T) {
	h := New(8, newLogger())
	if _, err := h.Attach("nope"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestResyncWithoutAttach(t *testing.T) {
	h := New(8, newLogger())
	h.Register("s1", staticSnapshot(`{"position":2}`))
	n, err := h.Resync("s1")
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if string(n.Data) != `{"position":2}` {
		t.Fatalf("unexpected snapshot: %s", n.Data)
	}
}
