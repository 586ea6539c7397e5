// Package updater implements the single-consumer fan-out worker: it owns
// the canonical list of connected subscribers and matches every database
// update against their substring subscriptions.
package updater

import (
	"context"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nicos-cache/cachesrv/internal/entry"
)

// Kind discriminates the messages sent into the worker's inbox.
type Kind int

const (
	KindNewUpdater Kind = iota
	KindRemoveUpdater
	KindUpdate
	KindSubscription
	KindCancelSubscription
)

// Writer is the minimal client write surface the worker needs; satisfied by
// both the TCP and UDP client implementations in internal/server.
type Writer interface {
	Write(b []byte) (int, error)
}

// Message is the tagged union of everything the database and connection
// handlers send to the worker.
type Message struct {
	Kind Kind

	Addr string

	// Update fields.
	Key   string
	Entry entry.Entry
	// From is the originating client address for Update messages; nil
	// means "no originator to suppress" (e.g. the cleaner's own updates).
	From *string

	// Subscription / CancelSubscription fields.
	Pattern string
	WithTS  bool

	// NewUpdater field.
	Client Writer
}

type subscription struct {
	pattern string
	withTS  bool
}

// clientUpdater is the per-connection delivery object: an address, a write
// handle, and its subscription list.
type clientUpdater struct {
	addr string
	conn Writer
	subs []subscription
}

func (u *clientUpdater) addSubscription(pattern string, withTS bool) {
	u.subs = append(u.subs, subscription{pattern, withTS})
}

func (u *clientUpdater) removeSubscription(pattern string, withTS bool) {
	out := u.subs[:0]
	for _, s := range u.subs {
		if s.pattern == pattern && s.withTS == withTS {
			continue
		}
		out = append(out, s)
	}
	u.subs = out
}

// update writes a serialized form of entry at key to this client if any of
// its patterns match as a substring of key. The two possible serialized
// forms (with/without timestamp) are memoized in cache for the duration of
// one delivery cycle, so N subscribers to the same update cost at most two
// allocations rather than 2N. Returns false if the write failed; the caller
// logs this but keeps the updater registered regardless — it is only ever
// removed by an explicit RemoveUpdater.
func (u *clientUpdater) update(key string, e entry.Entry, cache map[bool]string) bool {
	for _, s := range u.subs {
		if !strings.Contains(key, s.pattern) {
			continue
		}
		msg, ok := cache[s.withTS]
		if !ok {
			msg = e.ToMessage(key, s.withTS).String()
			cache[s.withTS] = msg
		}
		if _, err := u.conn.Write([]byte(msg)); err != nil {
			return false
		}
		return true
	}
	return true
}

// Worker is the single-threaded fan-out consumer.
type Worker struct {
	inbox  chan Message
	logger zerolog.Logger
}

// NewWorker creates a worker with a reasonably buffered inbox; see
// internal/server for how handlers and the database feed it.
func NewWorker(logger zerolog.Logger) *Worker {
	return &Worker{
		inbox:  make(chan Message, 1024),
		logger: logger,
	}
}

// Inbox is the channel callers send Messages on.
func (w *Worker) Inbox() chan<- Message {
	return w.inbox
}

// Run drives the worker loop until ctx is cancelled. A panic while handling
// one message is contained and logged rather than taking down the process,
// mirroring the connection handlers' panic containment.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Msg("updater started")
	updaters := make([]*clientUpdater, 0, 8)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.inbox:
			updaters = w.handle(updaters, msg)
		}
	}
}

func (w *Worker) handle(updaters []*clientUpdater, msg Message) (result []*clientUpdater) {
	result = updaters
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("recovered panic in updater worker")
			result = updaters
		}
	}()

	switch msg.Kind {
	case KindUpdate:
		cache := make(map[bool]string, 2)
		kept := updaters[:0]
		for _, u := range updaters {
			if msg.From != nil && *msg.From == u.addr {
				kept = append(kept, u)
				continue
			}
			if !u.update(msg.Key, msg.Entry, cache) {
				w.logger.Warn().Str("addr", u.addr).Str("key", msg.Key).Msg("write to subscriber failed")
			}
			kept = append(kept, u)
		}
		return kept

	case KindNewUpdater:
		return append(updaters, &clientUpdater{addr: msg.Addr, conn: msg.Client})

	case KindRemoveUpdater:
		for i, u := range updaters {
			if u.addr == msg.Addr {
				return append(updaters[:i], updaters[i+1:]...)
			}
		}
		return updaters

	case KindSubscription:
		for _, u := range updaters {
			if u.addr == msg.Addr {
				u.addSubscription(msg.Pattern, msg.WithTS)
				break
			}
		}
		return updaters

	case KindCancelSubscription:
		for _, u := range updaters {
			if u.addr == msg.Addr {
				u.removeSubscription(msg.Pattern, msg.WithTS)
				break
			}
		}
		return updaters
	}
	return updaters
}
