// Package ratelimit implements connection admission control: a two-level
// token bucket (per-IP plus a global ceiling) guarding the TCP/UDP accept
// paths against connection floods.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const ipCleanupInterval = time.Minute

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnLimiter gates new connections: a global bucket bounds system-wide
// admission rate, and a per-IP bucket bounds any single address.
type ConnLimiter struct {
	mu         sync.Mutex
	perIP      map[string]*ipEntry
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration
	global     *rate.Limiter
	logger     zerolog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewConnLimiter builds a limiter with globalRate/globalBurst for the
// system-wide bucket and ipRate/ipBurst for each tracked address. A nil
// *ConnLimiter is valid and always allows (see Allow).
func NewConnLimiter(globalRate float64, globalBurst int, ipRate float64, ipBurst int, logger zerolog.Logger) *ConnLimiter {
	l := &ConnLimiter{
		perIP:   make(map[string]*ipEntry),
		ipBurst: ipBurst,
		ipRate:  ipRate,
		ipTTL:   5 * time.Minute,
		global:  rate.NewLimiter(rate.Limit(globalRate), globalBurst),
		logger:  logger,
		stop:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a new connection should be admitted, with no
// address context: only the global bucket is consulted. A nil receiver
// always allows, so callers can wire in a limiter only when configured.
func (l *ConnLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.global.Allow()
}

// AllowAddr reports whether a new connection from addr should be admitted,
// checking the global bucket first and then the per-IP bucket.
func (l *ConnLimiter) AllowAddr(addr string) bool {
	if l == nil {
		return true
	}
	if !l.global.Allow() {
		return false
	}
	return l.ipLimiter(host(addr)).Allow()
}

func host(addr string) string {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return h
}

func (l *ConnLimiter) ipLimiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.perIP[ip]
	if ok {
		e.lastAccess = time.Now()
		return e.limiter
	}
	e = &ipEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst), lastAccess: time.Now()}
	l.perIP[ip] = e
	return e.limiter
}

func (l *ConnLimiter) cleanupLoop() {
	ticker := time.NewTicker(ipCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *ConnLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for ip, e := range l.perIP {
		if now.Sub(e.lastAccess) > l.ipTTL {
			delete(l.perIP, ip)
		}
	}
}

// Stop ends the background cleanup goroutine. Safe to call multiple times
// and safe on a nil receiver.
func (l *ConnLimiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stop) })
}
