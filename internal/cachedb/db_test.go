package cachedb

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/nicos-cache/cachesrv/internal/entry"
	"github.com/nicos-cache/cachesrv/internal/store"
	"github.com/nicos-cache/cachesrv/internal/updater"
)

type memStore struct {
	cleared bool
}

func (m *memStore) Clear() error { m.cleared = true; return nil }
func (m *memStore) LoadLatest(store.EntryMap) error { return nil }
func (m *memStore) TellHook(entry.Entry, store.EntryMap) error { return nil }
func (m *memStore) Save(string, string, entry.Entry) error { return nil }
func (m *memStore) QueryHistory(key string, from, to float64, sink func(float64, string)) error {
	return nil
}

func newTestDB(t *testing.T) (*DB, chan updater.Message) {
	t.Helper()
	ch := make(chan updater.Message, 64)
	db := New(&memStore{}, ch, zerolog.Nop())
	return db, ch
}

func TestTellThenAsk(t *testing.T) {
	db, ch := newTestDB(t)
	db.Tell("cat/sub", "v1", 100, 0, false, "")

	e, ok := db.Ask("cat/sub")
	if !ok || e.Value != "v1" {
		t.Fatalf("Ask = (%+v, %v), want v1", e, ok)
	}
	select {
	case msg := <-ch:
		if msg.Key != "cat/sub" || msg.Entry.Value != "v1" {
			t.Fatalf("unexpected broadcast: %+v", msg)
		}
	default:
		t.Fatal("expected a broadcast update")
	}
}

func TestAskMissingKey(t *testing.T) {
	db, _ := newTestDB(t)
	_, ok := db.Ask("nope")
	if ok {
		t.Fatal("expected no entry for missing key")
	}
}

func TestAskWCSubstringMatch(t *testing.T) {
	db, _ := newTestDB(t)
	db.Tell("dev1/temp", "10", 1, 0, false, "")
	db.Tell("dev2/temp", "20", 1, 0, false, "")
	db.Tell("dev1/pressure", "5", 1, 0, false, "")

	results := db.AskWC("temp")
	if len(results) != 2 {
		t.Fatalf("expected 2 matches, got %d: %+v", len(results), results)
	}
}

func TestRewriteMirrorsByExactCategory(t *testing.T) {
	db, ch := newTestDB(t)
	db.Rewrite("mirror", "dev1")
	db.Tell("dev1/temp", "10", 1, 0, false, "")

	if e, ok := db.Ask("mirror/temp"); !ok || e.Value != "10" {
		t.Fatalf("expected mirrored entry, got %+v, ok=%v", e, ok)
	}

	var keys []string
	for i := 0; i < 2; i++ {
		select {
		case msg := <-ch:
			keys = append(keys, msg.Key)
		default:
		}
	}
	if len(keys) != 2 {
		t.Fatalf("expected original + mirrored broadcast, got %v", keys)
	}
}

func TestRewriteDoesNotMatchByPrefix(t *testing.T) {
	db, _ := newTestDB(t)
	db.Rewrite("mirror", "dev1")
	// "dev10" is a different category from "dev1"; a literal string-prefix
	// match would incorrectly mirror this, but category matching must not.
	db.Tell("dev10/temp", "99", 1, 0, false, "")

	if _, ok := db.Ask("mirror/temp"); ok {
		t.Fatal("category dev10 must not be mirrored by a rewrite registered for dev1")
	}
}

func TestRewriteLowerCasesOldCategory(t *testing.T) {
	db, _ := newTestDB(t)
	db.Rewrite("mirror", "DEV1")
	db.Tell("dev1/temp", "10", 1, 0, false, "")

	if _, ok := db.Ask("mirror/temp"); !ok {
		t.Fatal("expected rewrite's old category to be matched case-insensitively")
	}
}

func TestRewriteWithEmptyOldUnregisters(t *testing.T) {
	db, _ := newTestDB(t)
	db.Rewrite("mirror", "dev1")
	db.Rewrite("mirror", "")
	db.Tell("dev1/temp", "10", 1, 0, false, "")

	if _, ok := db.Ask("mirror/temp"); ok {
		t.Fatal("expected Rewrite(new, \"\") to stop future mirroring")
	}
}

func TestRewriteRepointingRemovesPreviousMapping(t *testing.T) {
	db, _ := newTestDB(t)
	db.Rewrite("mirror", "dev1")
	db.Rewrite("mirror", "dev2")

	db.Tell("dev1/temp", "10", 1, 0, false, "")
	if _, ok := db.Ask("mirror/temp"); ok {
		t.Fatal("expected re-pointing mirror's source to dev2 to drop the dev1 mapping")
	}

	db.Tell("dev2/temp", "20", 1, 0, false, "")
	if e, ok := db.Ask("mirror/temp"); !ok || e.Value != "20" {
		t.Fatalf("expected mirror to now mirror from dev2, got %+v, ok=%v", e, ok)
	}
}

func TestLockMutualExclusion(t *testing.T) {
	db, _ := newTestDB(t)
	heldBy, granted := db.Lock(true, "dev1/motor", "clientA", 100, 10)
	if !granted || heldBy != "" {
		t.Fatalf("expected clientA to acquire lock, got heldBy=%q granted=%v", heldBy, granted)
	}

	heldBy, granted = db.Lock(true, "dev1/motor", "clientB", 101, 10)
	if granted || heldBy != "clientA" {
		t.Fatalf("expected clientB denied, got heldBy=%q granted=%v", heldBy, granted)
	}

	heldBy, granted = db.Lock(false, "dev1/motor", "clientA", 102, 0)
	if !granted || heldBy != "" {
		t.Fatalf("expected clientA's unlock to be granted, got heldBy=%q granted=%v", heldBy, granted)
	}
	heldBy, granted = db.Lock(true, "dev1/motor", "clientB", 103, 10)
	if !granted || heldBy != "" {
		t.Fatalf("expected clientB to acquire after release, got heldBy=%q granted=%v", heldBy, granted)
	}
}

func TestLockExpiresAfterTTL(t *testing.T) {
	db, _ := newTestDB(t)
	db.Lock(true, "k", "clientA", 100, 5)
	heldBy, granted := db.Lock(true, "k", "clientB", 106, 5)
	if !granted || heldBy != "" {
		t.Fatalf("expected expired lock to be reacquirable, got heldBy=%q granted=%v", heldBy, granted)
	}
}

func TestUnlockDeniedRevealsHolder(t *testing.T) {
	db, _ := newTestDB(t)
	db.Lock(true, "dev1/motor", "clientA", 100, 10)
	heldBy, granted := db.Lock(false, "dev1/motor", "clientB", 101, 0)
	if granted || heldBy != "clientA" {
		t.Fatalf("expected clientB's unlock to be denied revealing clientA, got heldBy=%q granted=%v", heldBy, granted)
	}
}

func TestUnlockOfFreeKeyIsVacuouslyGranted(t *testing.T) {
	db, _ := newTestDB(t)
	heldBy, granted := db.Lock(false, "never/locked", "clientA", 100, 0)
	if !granted || heldBy != "" {
		t.Fatalf("expected vacuous unlock to be granted, got heldBy=%q granted=%v", heldBy, granted)
	}
}

func TestCleanExpiresEntriesPastTTL(t *testing.T) {
	db, ch := newTestDB(t)
	db.Tell("cat/sub", "v1", 100, 5, false, "")
	<-ch // drain the Tell broadcast

	db.Clean(106)

	e, ok := db.Ask("cat/sub")
	if !ok || !e.Expired {
		t.Fatalf("expected entry to be expired after Clean, got %+v, ok=%v", e, ok)
	}

	select {
	case msg := <-ch:
		if !msg.Entry.Expired {
			t.Fatalf("expected expired broadcast, got %+v", msg)
		}
	default:
		t.Fatal("expected a broadcast for the expiry")
	}
}

func TestCleanDoesNotTouchLiveEntries(t *testing.T) {
	db, ch := newTestDB(t)
	db.Tell("cat/sub", "v1", 100, 0, false, "")
	<-ch

	db.Clean(200)

	e, _ := db.Ask("cat/sub")
	if e.Expired {
		t.Fatal("entry with no TTL should never be expired by Clean")
	}
}

func TestTellSameValueRefreshesWithoutBroadcast(t *testing.T) {
	db, ch := newTestDB(t)
	db.Tell("cat/sub", "v1", 100, 10, false, "")
	<-ch // drain the initial broadcast

	db.Tell("cat/sub", "v1", 105, 20, false, "")
	select {
	case msg := <-ch:
		t.Fatalf("same-value tell must not broadcast, got %+v", msg)
	default:
	}

	e, ok := db.Ask("cat/sub")
	if !ok || e.Time != 105 || e.TTL != 20 {
		t.Fatalf("expected time/ttl refreshed in place, got %+v, ok=%v", e, ok)
	}
}

func TestTellSameValueNoStoreStillBroadcasts(t *testing.T) {
	db, ch := newTestDB(t)
	db.Tell("cat/sub", "v1", 100, 10, false, "")
	<-ch

	db.Tell("cat/sub", "v1", 105, 20, true, "")
	select {
	case msg := <-ch:
		if msg.Key != "cat/sub" {
			t.Fatalf("unexpected broadcast: %+v", msg)
		}
	default:
		t.Fatal("expected a broadcast: no_store always broadcasts regardless of need_update")
	}
}

func TestTellDeleteOfAlreadyExpiredEntryDoesNotBroadcast(t *testing.T) {
	db, ch := newTestDB(t)
	db.Tell("cat/sub", "v1", 100, 5, false, "")
	<-ch
	db.Clean(106)
	<-ch // drain the expiry broadcast

	db.Tell("cat/sub", "", 107, 0, false, "")
	select {
	case msg := <-ch:
		t.Fatalf("deleting an already-expired entry must not broadcast, got %+v", msg)
	default:
	}
}

func TestClearDB(t *testing.T) {
	db, ch := newTestDB(t)
	db.Tell("cat/sub", "v1", 100, 0, false, "")
	<-ch

	if err := db.ClearDB(); err != nil {
		t.Fatalf("ClearDB: %v", err)
	}
	if _, ok := db.Ask("cat/sub"); ok {
		t.Fatal("expected entries wiped after ClearDB")
	}
}
