package server

import (
	"bufio"
	"context"
	"errors"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/nicos-cache/cachesrv/internal/cachedb"
	"github.com/nicos-cache/cachesrv/internal/protocol"
	"github.com/nicos-cache/cachesrv/internal/updater"
)

var errOutboxFull = errors.New("server: client outbox full, dropping update")

// connWriter adapts a Handler's outbox into the updater.Writer interface, so
// the single-threaded updater worker never blocks on (or interleaves with)
// a client's own socket writes.
type connWriter struct {
	outbox chan string
}

func (w *connWriter) Write(b []byte) (int, error) {
	select {
	case w.outbox <- string(b):
		return len(b), nil
	default:
		return 0, errOutboxFull
	}
}

// Handler owns one client connection end to end: reading and dispatching
// requests, and draining its outbox (request replies and broadcast updates)
// to the socket on a dedicated goroutine so a slow reader can't stall
// broadcast delivery to everyone else.
type Handler struct {
	client  Client
	addr    string
	db      *cachedb.DB
	updates chan<- updater.Message
	logger  zerolog.Logger

	outbox chan string
	ctx    context.Context
}

// NewHandler wires up a connection handler. Callers must call Run.
func NewHandler(client Client, db *cachedb.DB, updates chan<- updater.Message, logger zerolog.Logger) *Handler {
	return &Handler{
		client:  client,
		addr:    client.Addr(),
		db:      db,
		updates: updates,
		logger:  logger,
		outbox:  make(chan string, 256),
	}
}

// Run drives the connection until the client disconnects, sends an empty
// line, or ctx is cancelled. It registers/unregisters this connection with
// the updater worker and contains panics the same way the worker does.
func (h *Handler) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("addr", h.addr).
				Msg("recovered panic in connection handler")
		}
	}()

	h.ctx = ctx
	h.updates <- updater.Message{Kind: updater.KindNewUpdater, Addr: h.addr, Client: &connWriter{outbox: h.outbox}}
	defer func() {
		h.updates <- updater.Message{Kind: updater.KindRemoveUpdater, Addr: h.addr}
		close(h.outbox)
		h.client.Close()
	}()

	sendCtx, stopSend := context.WithCancel(ctx)
	sendDone := make(chan struct{})
	go h.sendLoop(sendCtx, sendDone)

	h.processReads(ctx)
	// Reading is over: stop the send loop, then write out any replies it had
	// not reached yet before the deferred teardown closes the client.
	stopSend()
	<-sendDone
	for len(h.outbox) > 0 {
		if _, err := h.client.Write([]byte(<-h.outbox)); err != nil {
			return
		}
	}
}

func (h *Handler) sendLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("addr", h.addr).
				Msg("recovered panic in connection send loop")
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-h.outbox:
			if !ok {
				return
			}
			if _, err := h.client.Write([]byte(msg)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) processReads(ctx context.Context) {
	scanner := bufio.NewScanner(clientReader{h.client})
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		msg, err := protocol.Parse(line)
		if err != nil {
			h.logger.Debug().Str("addr", h.addr).Str("line", line).Msg("malformed line, ignoring")
			continue
		}
		if msg.Kind == protocol.KindQuit {
			return
		}
		h.handleMessage(msg)
	}
}

// clientReader adapts Client's Read into an io.Reader for bufio.Scanner.
type clientReader struct {
	c Client
}

func (r clientReader) Read(b []byte) (int, error) { return r.c.Read(b) }

func (h *Handler) handleMessage(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindTell, protocol.KindTellTS:
		h.db.Tell(msg.Key, msg.Value, msg.Time, msg.TTL, msg.NoStore, h.addr)

	case protocol.KindTellOld, protocol.KindTellOldTS:
		h.db.Tell(msg.Key, "", msg.Time, msg.TTL, false, h.addr)

	case protocol.KindAsk:
		e, ok := h.db.Ask(msg.Key)
		h.reply(cachedb.ReplyFor(msg.Key, e, ok, msg.WithTS))

	case protocol.KindAskWild:
		for _, r := range h.db.AskWC(msg.Key) {
			h.reply(r.Entry.ToMessage(r.Key, msg.WithTS))
		}

	case protocol.KindAskHist:
		for _, p := range h.db.AskHist(msg.Key, msg.Time, msg.Time+msg.TTL) {
			h.reply(protocol.Message{Kind: protocol.KindTellTS, Key: msg.Key, Value: p.Value, Time: p.Time})
		}

	case protocol.KindSubscribe:
		h.updates <- updater.Message{Kind: updater.KindSubscription, Addr: h.addr, Pattern: msg.Key, WithTS: msg.WithTS}

	case protocol.KindUnsub:
		h.updates <- updater.Message{Kind: updater.KindCancelSubscription, Addr: h.addr, Pattern: msg.Key, WithTS: msg.WithTS}

	case protocol.KindLock:
		heldBy, _ := h.db.Lock(true, msg.Key, msg.Client, msg.Time, msg.TTL)
		h.reply(protocol.Message{Kind: protocol.KindLockRes, Key: msg.Key, Client: heldBy})

	case protocol.KindUnlock:
		heldBy, _ := h.db.Lock(false, msg.Key, msg.Client, msg.Time, 0)
		h.reply(protocol.Message{Kind: protocol.KindLockRes, Key: msg.Key, Client: heldBy})

	case protocol.KindRewrite:
		h.db.Rewrite(msg.NewPrefix, msg.OldPrefix)
	}
}

// reply queues msg on the same outbox the send loop drains, so request
// replies and broadcast updates are always written by that one goroutine
// and never race on the underlying socket.
func (h *Handler) reply(msg protocol.Message) {
	select {
	case h.outbox <- msg.String():
	case <-h.ctx.Done():
	}
}
