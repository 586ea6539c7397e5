// Package cachedb implements the in-memory key/value database: the single
// exclusive-locked map of live entries, persistence delegation to a
// store.Backend, key-prefix rewriting/mirroring, distributed locks, and
// periodic expiry.
package cachedb

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nicos-cache/cachesrv/internal/entry"
	"github.com/nicos-cache/cachesrv/internal/protocol"
	"github.com/nicos-cache/cachesrv/internal/store"
	"github.com/nicos-cache/cachesrv/internal/updater"
)

type lockState struct {
	client string
	expiry float64 // 0 means no expiry
}

// DB is the single-exclusive-lock key/value database. All mutation and
// lookup paths serialize through mu; only QueryHistory (delegated straight
// to the store) may run concurrently with a live mutation.
type DB struct {
	mu sync.Mutex

	store   store.Backend
	entries store.EntryMap

	locks map[string]lockState

	// rewrites/invRewrites implement category mirroring: a Tell whose key
	// splits into category old is additionally applied, under the same
	// subkey, to every category in rewrites[old]. invRewrites tracks the
	// single old each new is currently mirrored from, so re-pointing or
	// clearing a mapping for new can find and remove its previous entry.
	rewrites    map[string]map[string]struct{} // old category -> set of new categories
	invRewrites map[string]string              // new category -> old category

	updates chan<- updater.Message
	logger  zerolog.Logger
}

// New builds an empty database backed by s, broadcasting every accepted
// Tell through updates.
func New(s store.Backend, updates chan<- updater.Message, logger zerolog.Logger) *DB {
	return &DB{
		store:       s,
		entries:     store.EntryMap{},
		locks:       make(map[string]lockState),
		rewrites:    make(map[string]map[string]struct{}),
		invRewrites: make(map[string]string),
		updates:     updates,
		logger:      logger,
	}
}

// LoadDB populates the database from the backend's most recent snapshot.
func (db *DB) LoadDB() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.store.LoadLatest(db.entries)
}

// ClearDB wipes both the durable store and the in-memory snapshot.
func (db *DB) ClearDB() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.store.Clear(); err != nil {
		return err
	}
	db.entries = store.EntryMap{}
	return nil
}

// Tell records a new value for key and broadcasts it to subscribers. from
// identifies the originating connection (for echo suppression); it is
// empty for values the cleaner itself generates.
//
// The write is mirrored, under the same subkey, into every category
// rewrites[cat] names in addition to cat itself. Per mirror category: if an
// entry already exists with the same value and isn't expired, only its
// time/ttl are refreshed and nothing is saved or broadcast (unless
// no_store, which always broadcasts); if the write is a delete (empty
// value) of an already-expired entry, it is applied to the map but neither
// saved nor broadcast, since re-recording a deletion of something already
// gone is pointless. Otherwise the entry is replaced and, unless no_store
// suppressed the save, persisted and broadcast.
func (db *DB) Tell(key, value string, t, ttl float64, noStore bool, from string) {
	cat, subkey := entry.SplitKey(key)
	e := entry.New(t, ttl, value)

	db.mu.Lock()

	if err := db.store.TellHook(e, db.entries); err != nil {
		db.logger.Warn().Err(err).Str("key", key).Msg("store tell hook failed")
	}

	cats := []string{cat}
	for newCat := range db.rewrites[cat] {
		cats = append(cats, newCat)
	}

	var broadcastCats []string
	for _, c := range cats {
		if db.entries[c] == nil {
			db.entries[c] = make(map[string]entry.Entry)
		}
		needUpdate := true
		existing, exists := db.entries[c][subkey]
		if exists && existing.Value == value && !existing.Expired {
			needUpdate = false
			existing.Time = t
			existing.TTL = ttl
			db.entries[c][subkey] = existing
		} else {
			if value == "" && exists && existing.Expired {
				needUpdate = false
			}
			db.entries[c][subkey] = e
		}

		if needUpdate && !noStore {
			if err := db.store.Save(c, subkey, e); err != nil {
				db.logger.Warn().Err(err).Str("key", entry.ConstructKey(c, subkey)).Msg("store save failed")
			}
		}
		if needUpdate || noStore {
			broadcastCats = append(broadcastCats, c)
		}
	}

	db.mu.Unlock()

	for _, c := range broadcastCats {
		db.broadcast(entry.ConstructKey(c, subkey), e, from)
	}
}

func (db *DB) broadcast(key string, e entry.Entry, from string) {
	var fromPtr *string
	if from != "" {
		fromPtr = &from
	}
	db.updates <- updater.Message{Kind: updater.KindUpdate, Key: key, Entry: e, From: fromPtr}
}

// Ask returns the entry stored for key, if any; an expired entry is
// returned too, with its Expired flag set.
func (db *DB) Ask(key string) (entry.Entry, bool) {
	cat, subkey := entry.SplitKey(key)
	db.mu.Lock()
	defer db.mu.Unlock()
	e, ok := db.entries[cat][subkey]
	return e, ok
}

// AskResult is one (key, entry) pair returned by AskWC.
type AskResult struct {
	Key   string
	Entry entry.Entry
}

// AskWC returns every entry (expired ones included) whose full key contains
// pattern as a substring, matching the same substring-containment rule the updater uses
// for subscriptions.
func (db *DB) AskWC(pattern string) []AskResult {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []AskResult
	for cat, subkeys := range db.entries {
		for subkey, e := range subkeys {
			key := entry.ConstructKey(cat, subkey)
			if strings.Contains(key, pattern) {
				out = append(out, AskResult{Key: key, Entry: e})
			}
		}
	}
	return out
}

// HistoryPoint is one (time, value) sample returned by AskHist.
type HistoryPoint struct {
	Time  float64
	Value string
}

// AskHist returns every recorded sample for key within [from, to], inclusive
// at both ends (the documented resolution of the original spec's open
// question about AskHist boundary semantics).
func (db *DB) AskHist(key string, from, to float64) []HistoryPoint {
	var out []HistoryPoint
	_ = db.store.QueryHistory(key, from, to, func(t float64, v string) {
		out = append(out, HistoryPoint{Time: t, Value: v})
	})
	return out
}

// Rewrite sets or deletes a category mirror: any Tell whose key splits into
// category oldCat is additionally applied, under newCat, with the same
// subkey. oldCat is lower-cased before use. newCat mirrors from at most one
// oldCat at a time; registering it again against a different oldCat (or
// against "" to unregister it) first removes its previous mapping.
func (db *DB) Rewrite(newCat, oldCat string) {
	db.mu.Lock()
	defer db.mu.Unlock()

	oldCat = strings.ToLower(oldCat)

	if prevOld, ok := db.invRewrites[newCat]; ok {
		delete(db.invRewrites, newCat)
		if set, ok := db.rewrites[prevOld]; ok {
			delete(set, newCat)
			if len(set) == 0 {
				delete(db.rewrites, prevOld)
			}
		}
	}

	if oldCat != "" {
		db.invRewrites[newCat] = oldCat
		set, ok := db.rewrites[oldCat]
		if !ok {
			set = make(map[string]struct{})
			db.rewrites[oldCat] = set
		}
		set[newCat] = struct{}{}
	}
}

// Lock attempts to acquire (acquire=true) or release (acquire=false) the
// named lock on behalf of client. It returns the client currently holding
// the lock (empty string means granted: either no one holds it any more,
// or client itself now does) and whether the request was granted.
func (db *DB) Lock(acquire bool, key, client string, t, ttl float64) (heldBy string, granted bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	cur, exists := db.locks[key]

	if !acquire {
		// Unlock never considers TTL expiry, matching the original
		// lock()'s unlock arms: only who currently holds the name
		// matters.
		if exists && cur.client != client {
			return cur.client, false
		}
		if exists {
			delete(db.locks, key)
		}
		return "", true
	}

	expired := exists && cur.expiry != 0 && cur.expiry <= t
	if exists && !expired && cur.client != client {
		return cur.client, false
	}

	expiry := 0.0
	if ttl > 0 {
		expiry = t + ttl
	}
	db.locks[key] = lockState{client: client, expiry: expiry}
	return "", true
}

// Clean expires entries and locks whose TTL has elapsed as of now,
// broadcasting a TellOld-equivalent update for each newly expired entry.
// Called periodically by internal/cleaner.
func (db *DB) Clean(now float64) {
	type expiredKey struct {
		key string
		e   entry.Entry
	}
	var expiredEntries []expiredKey

	db.mu.Lock()
	for cat, subkeys := range db.entries {
		for subkey, e := range subkeys {
			if e.Expired || e.TTL <= 0 {
				continue
			}
			if e.Time+e.TTL > now {
				continue
			}
			e = e.Expire()
			subkeys[subkey] = e
			key := entry.ConstructKey(cat, subkey)
			if err := db.store.TellHook(e, db.entries); err != nil {
				db.logger.Warn().Err(err).Str("key", key).Msg("store tell hook failed during clean")
			}
			if err := db.store.Save(cat, subkey, e); err != nil {
				db.logger.Warn().Err(err).Str("key", key).Msg("store save failed during clean")
			}
			expiredEntries = append(expiredEntries, expiredKey{key: key, e: e})
		}
	}
	for key, st := range db.locks {
		if st.expiry != 0 && st.expiry <= now {
			delete(db.locks, key)
		}
	}
	db.mu.Unlock()

	for _, ek := range expiredEntries {
		db.broadcast(ek.key, ek.e, "")
	}
}

// ReplyFor renders e (or the NoMessage sentinel if ok is false) as the
// protocol message appropriate for an Ask/AskWild reply.
func ReplyFor(key string, e entry.Entry, ok, withTS bool) protocol.Message {
	if !ok {
		return entry.NoMessage(key, withTS)
	}
	return e.ToMessage(key, withTS)
}
