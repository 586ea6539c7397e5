// Package server owns the TCP and UDP listeners, accepting connections and
// handing each off to a Handler, patterned on the accept-loop/graceful
// shutdown idiom of a production connection server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicos-cache/cachesrv/internal/cachedb"
	"github.com/nicos-cache/cachesrv/internal/ratelimit"
	"github.com/nicos-cache/cachesrv/internal/updater"
)

// Server listens on both a TCP and a UDP socket bound to the same address
// and dispatches every line-oriented session to the same database.
type Server struct {
	addr string

	db      *cachedb.DB
	updates chan<- updater.Message
	limiter *ratelimit.ConnLimiter
	logger  zerolog.Logger

	tcpListener net.Listener
	udpConn     net.PacketConn

	wg           sync.WaitGroup
	shuttingDown int32
}

// New builds a Server; callers must call Start to begin listening.
func New(addr string, db *cachedb.DB, updates chan<- updater.Message, limiter *ratelimit.ConnLimiter, logger zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		db:      db,
		updates: updates,
		limiter: limiter,
		logger:  logger,
	}
}

// Start binds both sockets and spawns the accept loops. It returns once
// both sockets are listening; the loops themselves run in background
// goroutines tracked by Shutdown's WaitGroup.
func (s *Server) Start(ctx context.Context) error {
	tcpLn, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", s.addr, err)
	}
	s.tcpListener = tcpLn

	udpConn, err := net.ListenPacket("udp", s.addr)
	if err != nil {
		tcpLn.Close()
		return fmt.Errorf("listen udp %s: %w", s.addr, err)
	}
	s.udpConn = udpConn

	s.logger.Info().Str("addr", s.addr).Msg("server listening (tcp+udp)")

	s.wg.Add(2)
	go s.acceptTCP(ctx)
	go s.listenUDP(ctx)

	return nil
}

func (s *Server) acceptTCP(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shuttingDown) == 1 {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("tcp accept error")
			continue
		}

		if !s.limiter.AllowAddr(conn.RemoteAddr().String()) {
			s.logger.Debug().Str("addr", conn.RemoteAddr().String()).Msg("connection rejected by rate limiter")
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			client := newTCPClient(conn)
			h := NewHandler(client, s.db, s.updates, s.logger)
			h.Run(ctx)
		}()
	}
}

// listenUDP reads one datagram at a time and spawns a fresh one-shot
// udpClient/Handler pair per datagram, mirroring the original server's
// udp_listener (one UdpClient + one Handler thread per received packet)
// rather than keeping a long-lived client per peer address.
func (s *Server) listenUDP(ctx context.Context) {
	defer s.wg.Done()
	buf := make([]byte, 65535)
	for {
		n, peer, err := s.udpConn.ReadFrom(buf)
		if err != nil {
			if atomic.LoadInt32(&s.shuttingDown) == 1 {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("udp read error")
			continue
		}

		if !s.limiter.AllowAddr(peer.String()) {
			s.logger.Debug().Str("addr", peer.String()).Msg("udp datagram rejected by rate limiter")
			continue
		}

		client := newUDPClient(s.udpConn, peer, buf[:n])
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewHandler(client, s.db, s.updates, s.logger).Run(ctx)
		}()
	}
}

// Shutdown stops accepting new connections and blocks until every
// in-flight handler goroutine has exited or gracePeriod elapses.
func (s *Server) Shutdown(gracePeriod time.Duration) error {
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.tcpListener != nil {
		s.tcpListener.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("all connections drained")
	case <-time.After(gracePeriod):
		s.logger.Warn().Msg("grace period expired, shutting down with connections still active")
	}
	return nil
}
