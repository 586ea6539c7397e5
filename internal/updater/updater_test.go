package updater

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicos-cache/cachesrv/internal/entry"
)

type fakeWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *fakeWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(b)
}

func (w *fakeWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func newTestWorker(t *testing.T) (*Worker, context.CancelFunc) {
	t.Helper()
	w := NewWorker(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(cancel)
	return w, cancel
}

func TestSubscriptionDeliversMatchingUpdate(t *testing.T) {
	w, _ := newTestWorker(t)
	writer := &fakeWriter{}
	w.Inbox() <- Message{Kind: KindNewUpdater, Addr: "c1", Client: writer}
	w.Inbox() <- Message{Kind: KindSubscription, Addr: "c1", Pattern: "foo", WithTS: false}
	time.Sleep(20 * time.Millisecond)

	w.Inbox() <- Message{Kind: KindUpdate, Key: "foobar", Entry: entry.New(0, 0, "7")}
	time.Sleep(20 * time.Millisecond)

	if got := writer.String(); got != "foobar=7\n" {
		t.Fatalf("got %q, want %q", got, "foobar=7\n")
	}
}

func TestEchoSuppression(t *testing.T) {
	w, _ := newTestWorker(t)
	writer := &fakeWriter{}
	w.Inbox() <- Message{Kind: KindNewUpdater, Addr: "c2", Client: writer}
	w.Inbox() <- Message{Kind: KindSubscription, Addr: "c2", Pattern: "foo", WithTS: false}
	time.Sleep(20 * time.Millisecond)

	source := "c2"
	w.Inbox() <- Message{Kind: KindUpdate, Key: "foobar", Entry: entry.New(0, 0, "7"), From: &source}
	time.Sleep(20 * time.Millisecond)

	if got := writer.String(); got != "" {
		t.Fatalf("expected no echo, got %q", got)
	}
}

func TestCancelSubscriptionStopsDelivery(t *testing.T) {
	w, _ := newTestWorker(t)
	writer := &fakeWriter{}
	w.Inbox() <- Message{Kind: KindNewUpdater, Addr: "c3", Client: writer}
	w.Inbox() <- Message{Kind: KindSubscription, Addr: "c3", Pattern: "foo", WithTS: false}
	w.Inbox() <- Message{Kind: KindCancelSubscription, Addr: "c3", Pattern: "foo", WithTS: false}
	time.Sleep(20 * time.Millisecond)

	w.Inbox() <- Message{Kind: KindUpdate, Key: "foobar", Entry: entry.New(0, 0, "7")}
	time.Sleep(20 * time.Millisecond)

	if got := writer.String(); got != "" {
		t.Fatalf("expected no delivery after cancel, got %q", got)
	}
}

func TestRemoveUpdaterDropsClient(t *testing.T) {
	w, _ := newTestWorker(t)
	writer := &fakeWriter{}
	w.Inbox() <- Message{Kind: KindNewUpdater, Addr: "c4", Client: writer}
	w.Inbox() <- Message{Kind: KindSubscription, Addr: "c4", Pattern: "foo", WithTS: false}
	w.Inbox() <- Message{Kind: KindRemoveUpdater, Addr: "c4"}
	time.Sleep(20 * time.Millisecond)

	w.Inbox() <- Message{Kind: KindUpdate, Key: "foobar", Entry: entry.New(0, 0, "7")}
	time.Sleep(20 * time.Millisecond)

	if got := writer.String(); got != "" {
		t.Fatalf("expected no delivery after removal, got %q", got)
	}
}
