// Package store defines the pluggable durable-persistence contract for the
// database, and provides the flat-file implementation. A SQL-backed
// implementation lives in the sqlstore subpackage.
package store

import "github.com/nicos-cache/cachesrv/internal/entry"

// EntryMap is the in-memory snapshot a Backend loads into and may mutate
// during a rollover hook: category -> subkey -> Entry.
type EntryMap map[string]map[string]entry.Entry

// Backend is the durable persistence contract the database delegates to.
// Implementations must be safe for concurrent use from the single goroutine
// that holds the database's exclusive lock during each call; they are never
// called concurrently with themselves by the database, but may be read
// concurrently for history queries issued from connection handlers.
type Backend interface {
	// Clear removes all durable state. Used for the --clear startup flag.
	Clear() error
	// LoadLatest populates entries with the most recent snapshot.
	LoadLatest(entries EntryMap) error
	// TellHook is invoked before every write; it may mutate entries (used
	// by the flat-file backend to trigger a midnight rollover).
	TellHook(e entry.Entry, entries EntryMap) error
	// Save durably appends one change.
	Save(category, subkey string, e entry.Entry) error
	// QueryHistory invokes sink(time, value) for each sample in [from, to],
	// in non-decreasing timestamp order.
	QueryHistory(key string, from, to float64, sink func(time float64, value string)) error
}
