// Package cleaner runs the periodic expiry sweep over the database.
package cleaner

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nicos-cache/cachesrv/internal/protocol"
)

// database is the subset of *cachedb.DB the cleaner needs, kept narrow so
// tests can supply a fake.
type database interface {
	Clean(now float64)
}

const interval = 250 * time.Millisecond

// Cleaner periodically calls Clean on the database to expire entries and
// locks whose TTL has elapsed.
type Cleaner struct {
	db     database
	logger zerolog.Logger
}

// New builds a Cleaner for db.
func New(db database, logger zerolog.Logger) *Cleaner {
	return &Cleaner{db: db, logger: logger}
}

// Run ticks every 250ms until ctx is cancelled, invoking Clean with the
// current wall-clock time.
func (c *Cleaner) Run(ctx context.Context) {
	c.logger.Info().Dur("interval", interval).Msg("cleaner started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.db.Clean(protocol.Now())
		}
	}
}
